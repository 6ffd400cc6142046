package telephony

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioProvider places and ends calls through the Twilio REST API.
type TwilioProvider struct {
	cfg       TwilioConfig
	client    *twilio.RestClient
	validator client.RequestValidator
}

func NewTwilioProvider(cfg TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: %w", ErrNotConfigured)
	}
	return &TwilioProvider{
		cfg: cfg,
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}),
		validator: client.NewRequestValidator(cfg.AuthToken),
	}, nil
}

func (p *TwilioProvider) Name() string { return ProviderTwilio }

func (p *TwilioProvider) From() string { return p.cfg.FromNumber }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.cfg.FromNumber == "" {
		return "", fmt.Errorf("twilio: caller number: %w", ErrNotConfigured)
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(p.cfg.FromNumber)
	params.SetUrl(req.AnswerURL)
	if req.EventURL != "" {
		params.SetStatusCallback(req.EventURL)
		params.SetStatusCallbackEvent([]string{"completed"})
	}

	resp, err := p.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call: %w", err)
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return "", fmt.Errorf("twilio create call: response without call sid")
	}
	return *resp.Sid, nil
}

func (p *TwilioProvider) EndCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.client.Api.UpdateCall(callID, params); err != nil {
		return fmt.Errorf("twilio end call %s: %w", callID, err)
	}
	return nil
}

// ValidateRequest checks the X-Twilio-Signature of a webhook request.
func (p *TwilioProvider) ValidateRequest(url string, params map[string]string, signature string) bool {
	return p.validator.Validate(url, params, signature)
}

// StreamTwiML greets the caller and connects the call audio to streamURL.
// params are passed to the stream as custom parameters.
func StreamTwiML(greeting, language, streamURL string, params map[string]string) (string, error) {
	stream := &twiml.VoiceStream{Url: streamURL}
	for name, value := range params {
		stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{Name: name, Value: value})
	}
	var verbs []twiml.Element
	if greeting != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: greeting, Language: language})
	}
	verbs = append(verbs, &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}})
	return twiml.Voice(verbs)
}

// SayTwiML speaks message and lets the call end.
func SayTwiML(message, language string) (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceSay{Message: message, Language: language}})
}
