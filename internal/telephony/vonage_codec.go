package telephony

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/protocol"
)

// VonageCodec speaks the Vonage websocket protocol: one JSON text message
// announcing the connection, then raw 16 kHz L16 binary frames both ways.
// Vonage sends no per-frame timestamps, so the caller audio position is
// derived from the number of bytes received.
type VonageCodec struct {
	receivedBytes int64
	pending       []byte
}

func NewVonageCodec() *VonageCodec { return &VonageCodec{} }

func (c *VonageCodec) Provider() string { return ProviderVonage }

func (c *VonageCodec) Decode(messageType int, data []byte) (Event, error) {
	switch messageType {
	case websocket.BinaryMessage:
		if len(data) == 0 {
			return Event{Kind: EventIgnored}, nil
		}
		ts := audio.DurationMs(c.receivedBytes)
		c.receivedBytes += int64(len(data))
		return Event{
			Kind:         EventMedia,
			Timestamp:    ts,
			HasTimestamp: true,
			Payload:      base64.StdEncoding.EncodeToString(audio.PCM16kToMulaw8k(data)),
		}, nil
	case websocket.TextMessage:
		msg, err := protocol.ParseVonageText(data)
		if errors.Is(err, protocol.ErrUnsupportedType) {
			return Event{Kind: EventIgnored}, nil
		}
		if err != nil {
			return Event{Kind: EventIgnored}, err
		}
		params := map[string]string{}
		if msg.InterviewID != "" {
			params["interview_id"] = msg.InterviewID
		}
		return Event{
			Kind:       EventStart,
			StreamID:   uuid.NewString(),
			CallID:     msg.CallUUID,
			Parameters: params,
		}, nil
	default:
		return Event{Kind: EventIgnored}, nil
	}
}

// EncodeAudio converts agent audio to L16 and cuts it into 20 ms frames.
// A partial trailing frame is held back until more audio arrives.
func (c *VonageCodec) EncodeAudio(_ string, payload string) ([]Frame, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode agent audio: %w", err)
	}
	c.pending = append(c.pending, audio.Mulaw8kToPCM16k(ulaw)...)

	var frames []Frame
	for len(c.pending) >= audio.VonageFrameBytes {
		chunk := make([]byte, audio.VonageFrameBytes)
		copy(chunk, c.pending[:audio.VonageFrameBytes])
		c.pending = c.pending[audio.VonageFrameBytes:]
		frames = append(frames, Frame{MessageType: websocket.BinaryMessage, Data: chunk})
	}
	return frames, nil
}

func (c *VonageCodec) SupportsMarks() bool { return false }

func (c *VonageCodec) EncodeMark(string, string) (Frame, bool) { return Frame{}, false }

// EncodeClear discards the held back partial frame. Vonage has no way to
// flush audio already sent.
func (c *VonageCodec) EncodeClear(string) (Frame, bool) {
	c.pending = nil
	return Frame{}, false
}

func (c *VonageCodec) EncodeResponseDone(string) (Frame, bool) { return Frame{}, false }
