package telephony

import "fmt"

type EventKind int

const (
	EventIgnored EventKind = iota
	EventStart
	EventMedia
	EventMark
	EventStop
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventMedia:
		return "media"
	case EventMark:
		return "mark"
	case EventStop:
		return "stop"
	default:
		return "ignored"
	}
}

// Event is a provider-neutral inbound media stream event.
type Event struct {
	Kind     EventKind
	StreamID string
	CallID   string

	// Timestamp is the caller audio position in milliseconds.
	Timestamp    int64
	HasTimestamp bool

	// Payload is base64 G.711 mu-law at 8 kHz, ready for the engine.
	Payload string

	MarkName   string
	Parameters map[string]string
}

// Frame is one outbound websocket message.
type Frame struct {
	MessageType int
	Data        []byte
}

// Codec translates between a provider's media stream protocol and the
// relay. Decode is called only by the inbound pump and the Encode methods
// only by the outbound pump, so implementations may keep per-direction
// state without locking.
type Codec interface {
	Provider() string
	Decode(messageType int, data []byte) (Event, error)
	// EncodeAudio turns base64 mu-law 8 kHz agent audio into frames.
	EncodeAudio(streamID, payload string) ([]Frame, error)
	// SupportsMarks reports whether the provider acknowledges playback
	// marks. Flow marks are only tracked when it does.
	SupportsMarks() bool
	EncodeMark(streamID, name string) (Frame, bool)
	// EncodeClear drops audio buffered for playback. It returns false when
	// the provider cannot be told to clear.
	EncodeClear(streamID string) (Frame, bool)
	EncodeResponseDone(streamID string) (Frame, bool)
}

// NewCodec returns a fresh codec for one connection.
func NewCodec(provider string) (Codec, error) {
	switch provider {
	case ProviderTwilio:
		return NewTwilioCodec(), nil
	case ProviderVonage:
		return NewVonageCodec(), nil
	default:
		return nil, fmt.Errorf("unknown telephony provider %q", provider)
	}
}
