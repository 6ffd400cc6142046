package relay

import "strings"

// EndPhrases detects agent speech that closes the conversation. Matching is
// a case-insensitive substring test on synthesized text, so it is a
// best-effort signal.
type EndPhrases []string

func NewEndPhrases(phrases []string) EndPhrases {
	var out EndPhrases
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Match returns the first phrase contained in text.
func (p EndPhrases) Match(text string) (string, bool) {
	if len(p) == 0 {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, phrase := range p {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}
