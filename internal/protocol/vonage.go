package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// VonageConnectedEvent is the event of the first text message on a Vonage
// websocket.
const VonageConnectedEvent = "websocket:connected"

// VonageConnected is the first text message of a Vonage websocket. Custom
// headers from the NCCO connect action arrive as top-level fields.
type VonageConnected struct {
	Event       string `json:"event"`
	ContentType string `json:"content-type"`
	CallUUID    string `json:"call_uuid"`
	InterviewID string `json:"interview_id"`
}

// ParseVonageText decodes a Vonage websocket text message. Only the
// connected event is understood; anything else is ErrUnsupportedType.
func ParseVonageText(raw []byte) (VonageConnected, error) {
	var msg VonageConnected
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return VonageConnected{}, fmt.Errorf("invalid vonage message: %w", err)
	}
	if msg.Event != VonageConnectedEvent {
		return VonageConnected{}, ErrUnsupportedType
	}
	return msg, nil
}
