package telephony

import (
	"context"
	"errors"
)

const (
	ProviderTwilio = "twilio"
	ProviderVonage = "vonage"
	ProviderNone   = "none"
)

var ErrNotConfigured = errors.New("telephony provider not configured")

// PlaceCallRequest describes an outbound call. AnswerURL is fetched by the
// provider when the callee picks up; EventURL receives call status events.
type PlaceCallRequest struct {
	To        string
	AnswerURL string
	EventURL  string
}

// Provider is the call control plane of a telephony provider.
type Provider interface {
	Name() string
	From() string
	PlaceCall(ctx context.Context, req PlaceCallRequest) (callID string, err error)
	// EndCall hangs up a call leg. Ending an already ended call may fail;
	// callers treat that as harmless.
	EndCall(ctx context.Context, callID string) error
}

// NoopProvider is used when no provider credentials are configured. Media
// streams still relay; placing calls fails.
type NoopProvider struct {
	name string
}

func NewNoopProvider(name string) NoopProvider { return NoopProvider{name: name} }

func (p NoopProvider) Name() string {
	if p.name == "" {
		return ProviderNone
	}
	return p.name
}

func (p NoopProvider) From() string { return "" }

func (p NoopProvider) PlaceCall(context.Context, PlaceCallRequest) (string, error) {
	return "", ErrNotConfigured
}

func (p NoopProvider) EndCall(context.Context, string) error { return nil }

// Providers resolves the control plane for a session's provider name.
type Providers map[string]Provider

func (ps Providers) Get(name string) Provider {
	if p, ok := ps[name]; ok && p != nil {
		return p
	}
	return NewNoopProvider(name)
}
