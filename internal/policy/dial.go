package policy

import (
	"errors"
	"strings"
)

var (
	ErrInvalidNumber    = errors.New("phone number is not a valid E.164 number")
	ErrBlockedNumber    = errors.New("phone number is blocked")
	ErrPrefixNotAllowed = errors.New("phone number prefix is not allowed")
)

// DialDecision is the outcome of checking an outbound call destination.
type DialDecision struct {
	Number  string
	Allowed bool
	Reason  error
}

// emergency and service numbers are never dialed, whatever the allow list.
var blockedNumbers = map[string]struct{}{
	"+112": {}, "+911": {}, "+999": {}, "+000": {}, "+110": {}, "+119": {},
}

// NormalizeNumber strips formatting from a phone number and returns it in
// E.164 form. A leading "00" international prefix becomes "+".
func NormalizeNumber(raw string) (string, error) {
	in := strings.TrimSpace(raw)
	if strings.HasPrefix(in, "00") {
		in = "+" + in[2:]
	}
	var b strings.Builder
	for i, r := range in {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", ErrInvalidNumber
		}
	}
	out := b.String()
	if !strings.HasPrefix(out, "+") {
		out = "+" + out
	}
	if digits := len(out) - 1; digits < 3 || digits > 15 || out[1] == '0' {
		return "", ErrInvalidNumber
	}
	return out, nil
}

// DecideDial checks a destination against the blocked list and, when
// allowedPrefixes is not empty, the allowed country or area prefixes.
func DecideDial(raw string, allowedPrefixes []string) DialDecision {
	number, err := NormalizeNumber(raw)
	if err != nil {
		return DialDecision{Reason: err}
	}
	if _, blocked := blockedNumbers[number]; blocked || len(number) < 8 {
		return DialDecision{Number: number, Reason: ErrBlockedNumber}
	}
	if len(allowedPrefixes) == 0 {
		return DialDecision{Number: number, Allowed: true}
	}
	for _, p := range allowedPrefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "+") {
			p = "+" + p
		}
		if strings.HasPrefix(number, p) {
			return DialDecision{Number: number, Allowed: true}
		}
	}
	return DialDecision{Number: number, Reason: ErrPrefixNotAllowed}
}
