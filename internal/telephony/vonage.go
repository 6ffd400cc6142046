package telephony

import (
	"context"
	"fmt"
	"strings"

	"github.com/vonage/vonage-go-sdk"
)

type VonageConfig struct {
	ApplicationID string
	PrivateKey    []byte
	FromNumber    string
}

// VonageProvider places and ends calls through the Vonage Voice API.
type VonageProvider struct {
	cfg    VonageConfig
	client *vonage.VoiceClient
}

func NewVonageProvider(cfg VonageConfig) (*VonageProvider, error) {
	if cfg.ApplicationID == "" || len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("vonage: %w", ErrNotConfigured)
	}
	auth, err := vonage.CreateAuthFromAppPrivateKey(cfg.ApplicationID, cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("vonage auth: %w", err)
	}
	return &VonageProvider{cfg: cfg, client: vonage.NewVoiceClient(auth)}, nil
}

func (p *VonageProvider) Name() string { return ProviderVonage }

func (p *VonageProvider) From() string { return p.cfg.FromNumber }

func (p *VonageProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.cfg.FromNumber == "" {
		return "", fmt.Errorf("vonage: caller number: %w", ErrNotConfigured)
	}
	opts := vonage.CreateCallOpts{
		From:      vonage.CallFrom{Type: "phone", Number: e164Digits(p.cfg.FromNumber)},
		To:        vonage.CallTo{Type: "phone", Number: e164Digits(req.To)},
		AnswerUrl: []string{req.AnswerURL},
	}
	if req.EventURL != "" {
		opts.EventUrl = []string{req.EventURL}
	}
	resp, _, err := p.client.CreateCall(opts)
	if err != nil {
		return "", fmt.Errorf("vonage create call: %w", err)
	}
	if resp.Uuid == "" {
		return "", fmt.Errorf("vonage create call: response without call uuid")
	}
	return resp.Uuid, nil
}

func (p *VonageProvider) EndCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := p.client.Hangup(callID); err != nil {
		return fmt.Errorf("vonage hangup %s: %w", callID, err)
	}
	return nil
}

// Vonage wants numbers without the leading plus.
func e164Digits(number string) string {
	return strings.TrimPrefix(strings.TrimSpace(number), "+")
}

type nccoTalk struct {
	Action   string `json:"action"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type nccoConnect struct {
	Action   string              `json:"action"`
	From     string              `json:"from,omitempty"`
	Endpoint []websocketEndpoint `json:"endpoint"`
}

type websocketEndpoint struct {
	Type        string            `json:"type"`
	URI         string            `json:"uri"`
	ContentType string            `json:"content-type"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// AnswerNCCO greets the caller and connects the call audio to wsURL as
// 16 kHz L16. headers reach the websocket in its first text message.
func AnswerNCCO(greeting, language, wsURL, from string, headers map[string]string) []any {
	var ncco []any
	if greeting != "" {
		ncco = append(ncco, nccoTalk{Action: "talk", Text: greeting, Language: language})
	}
	ncco = append(ncco, nccoConnect{
		Action: "connect",
		From:   e164Digits(from),
		Endpoint: []websocketEndpoint{{
			Type:        "websocket",
			URI:         wsURL,
			ContentType: "audio/l16;rate=16000",
			Headers:     headers,
		}},
	})
	return ncco
}

// ErrorNCCO apologizes and ends the call.
func ErrorNCCO(message, language string) []any {
	return []any{nccoTalk{Action: "talk", Text: message, Language: language}}
}
