package telephony

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/callbridge/internal/protocol"
)

// TwilioCodec speaks the Twilio media stream JSON protocol. Audio is
// already mu-law 8 kHz on both sides and passes through untouched.
type TwilioCodec struct{}

func NewTwilioCodec() *TwilioCodec { return &TwilioCodec{} }

func (c *TwilioCodec) Provider() string { return ProviderTwilio }

func (c *TwilioCodec) Decode(messageType int, data []byte) (Event, error) {
	if messageType != websocket.TextMessage {
		return Event{Kind: EventIgnored}, nil
	}
	msg, err := protocol.ParseTwilioMessage(data)
	if errors.Is(err, protocol.ErrUnsupportedType) {
		return Event{Kind: EventIgnored}, nil
	}
	if err != nil {
		return Event{Kind: EventIgnored}, err
	}

	switch m := msg.(type) {
	case protocol.TwilioStartMessage:
		return Event{
			Kind:       EventStart,
			StreamID:   m.Start.StreamSid,
			CallID:     m.Start.CallSid,
			Parameters: m.Start.CustomParameters,
		}, nil
	case protocol.TwilioMediaMessage:
		ev := Event{Kind: EventMedia, StreamID: m.StreamSid, Payload: m.Media.Payload}
		if m.Media.Timestamp != "" {
			ts, err := strconv.ParseInt(m.Media.Timestamp, 10, 64)
			if err != nil {
				return Event{Kind: EventIgnored}, fmt.Errorf("media timestamp %q: %w", m.Media.Timestamp, err)
			}
			ev.Timestamp = ts
			ev.HasTimestamp = true
		}
		return ev, nil
	case protocol.TwilioMarkMessage:
		return Event{Kind: EventMark, StreamID: m.StreamSid, MarkName: m.Mark.Name}, nil
	case protocol.TwilioStopMessage:
		return Event{Kind: EventStop, StreamID: m.StreamSid, CallID: m.Stop.CallSid}, nil
	default:
		return Event{Kind: EventIgnored}, nil
	}
}

func (c *TwilioCodec) EncodeAudio(streamID, payload string) ([]Frame, error) {
	f, err := textFrame(protocol.NewTwilioMedia(streamID, payload))
	if err != nil {
		return nil, err
	}
	return []Frame{f}, nil
}

func (c *TwilioCodec) SupportsMarks() bool { return true }

func (c *TwilioCodec) EncodeMark(streamID, name string) (Frame, bool) {
	f, err := textFrame(protocol.NewTwilioMark(streamID, name))
	return f, err == nil
}

func (c *TwilioCodec) EncodeClear(streamID string) (Frame, bool) {
	f, err := textFrame(protocol.NewTwilioClear(streamID))
	return f, err == nil
}

func (c *TwilioCodec) EncodeResponseDone(streamID string) (Frame, bool) {
	f, err := textFrame(protocol.NewTwilioResponseDone(streamID))
	return f, err == nil
}

func textFrame(v any) (Frame, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{MessageType: websocket.TextMessage, Data: data}, nil
}
