package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// TwilioEvent identifies Twilio media stream message variants.
type TwilioEvent string

const (
	TwilioConnected TwilioEvent = "connected"
	TwilioStart     TwilioEvent = "start"
	TwilioMedia     TwilioEvent = "media"
	TwilioMark      TwilioEvent = "mark"
	TwilioStop      TwilioEvent = "stop"
	TwilioDTMF      TwilioEvent = "dtmf"
	TwilioClear     TwilioEvent = "clear"

	// TwilioResponseDone is sent to the stream when the agent finished an
	// audio response. Twilio ignores it; custom stream clients use it.
	TwilioResponseDone TwilioEvent = "ai_response_done"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type TwilioEnvelope struct {
	Event     TwilioEvent `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
}

type TwilioMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type TwilioStartMessage struct {
	Event          TwilioEvent `json:"event"`
	SequenceNumber string      `json:"sequenceNumber"`
	StreamSid      string      `json:"streamSid"`
	Start          struct {
		StreamSid        string            `json:"streamSid"`
		AccountSid       string            `json:"accountSid"`
		CallSid          string            `json:"callSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      TwilioMediaFormat `json:"mediaFormat"`
	} `json:"start"`
}

type TwilioMediaMessage struct {
	Event          TwilioEvent `json:"event"`
	SequenceNumber string      `json:"sequenceNumber"`
	StreamSid      string      `json:"streamSid"`
	Media          struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
}

type TwilioMarkMessage struct {
	Event     TwilioEvent    `json:"event"`
	StreamSid string         `json:"streamSid"`
	Mark      TwilioMarkBody `json:"mark"`
}

type TwilioMarkBody struct {
	Name string `json:"name"`
}

type TwilioStopMessage struct {
	Event     TwilioEvent `json:"event"`
	StreamSid string      `json:"streamSid"`
	Stop      struct {
		AccountSid string `json:"accountSid"`
		CallSid    string `json:"callSid"`
	} `json:"stop"`
}

type TwilioConnectedMessage struct {
	Event    TwilioEvent `json:"event"`
	Protocol string      `json:"protocol"`
	Version  string      `json:"version"`
}

// TwilioOutboundMedia carries base64 mu-law audio back to the caller.
type TwilioOutboundMedia struct {
	Event     TwilioEvent `json:"event"`
	StreamSid string      `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

func NewTwilioMedia(streamSid, payload string) TwilioOutboundMedia {
	m := TwilioOutboundMedia{Event: TwilioMedia, StreamSid: streamSid}
	m.Media.Payload = payload
	return m
}

func NewTwilioMark(streamSid, name string) TwilioMarkMessage {
	return TwilioMarkMessage{Event: TwilioMark, StreamSid: streamSid, Mark: TwilioMarkBody{Name: name}}
}

func NewTwilioClear(streamSid string) TwilioEnvelope {
	return TwilioEnvelope{Event: TwilioClear, StreamSid: streamSid}
}

func NewTwilioResponseDone(streamSid string) TwilioEnvelope {
	return TwilioEnvelope{Event: TwilioResponseDone, StreamSid: streamSid}
}

// ParseTwilioMessage decodes one inbound media stream message into its
// typed variant.
func ParseTwilioMessage(raw []byte) (any, error) {
	var env TwilioEnvelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case TwilioMedia:
		var msg TwilioMediaMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, errors.New("invalid media: empty payload")
		}
		return msg, nil
	case TwilioStart:
		var msg TwilioStartMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Start.StreamSid == "" {
			msg.Start.StreamSid = msg.StreamSid
		}
		if msg.Start.StreamSid == "" {
			return nil, errors.New("invalid start: missing streamSid")
		}
		return msg, nil
	case TwilioMark:
		var msg TwilioMarkMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TwilioStop:
		var msg TwilioStopMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TwilioConnected:
		var msg TwilioConnectedMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
