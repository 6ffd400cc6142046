package protocol

import (
	"errors"
	"testing"

	"github.com/bytedance/sonic"
)

func TestParseTwilioStart(t *testing.T) {
	raw := []byte(`{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","streamSid":"MZ1","callSid":"CA1","tracks":["inbound"],"customParameters":{"interview_id":"iv-9"},"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}},"streamSid":"MZ1"}`)
	msg, err := ParseTwilioMessage(raw)
	if err != nil {
		t.Fatalf("ParseTwilioMessage() error = %v", err)
	}
	start, ok := msg.(TwilioStartMessage)
	if !ok {
		t.Fatalf("message type = %T, want TwilioStartMessage", msg)
	}
	if start.Start.StreamSid != "MZ1" || start.Start.CallSid != "CA1" {
		t.Fatalf("unexpected start: %+v", start)
	}
	if start.Start.CustomParameters["interview_id"] != "iv-9" {
		t.Fatalf("customParameters = %v", start.Start.CustomParameters)
	}
}

func TestParseTwilioMedia(t *testing.T) {
	raw := []byte(`{"event":"media","sequenceNumber":"3","media":{"track":"inbound","chunk":"1","timestamp":"5","payload":"//8="},"streamSid":"MZ1"}`)
	msg, err := ParseTwilioMessage(raw)
	if err != nil {
		t.Fatalf("ParseTwilioMessage() error = %v", err)
	}
	media, ok := msg.(TwilioMediaMessage)
	if !ok {
		t.Fatalf("message type = %T, want TwilioMediaMessage", msg)
	}
	if media.Media.Timestamp != "5" || media.Media.Payload != "//8=" {
		t.Fatalf("unexpected media: %+v", media)
	}
}

func TestParseTwilioRejectsUnknownEvent(t *testing.T) {
	_, err := ParseTwilioMessage([]byte(`{"event":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseTwilioRejectsEmptyMedia(t *testing.T) {
	if _, err := ParseTwilioMessage([]byte(`{"event":"media","media":{}}`)); err == nil {
		t.Fatalf("ParseTwilioMessage() error = nil, want invalid media")
	}
}

func TestTwilioOutboundShapes(t *testing.T) {
	cases := map[string]any{
		`{"event":"media","streamSid":"MZ1","media":{"payload":"AAA="}}`:      NewTwilioMedia("MZ1", "AAA="),
		`{"event":"mark","streamSid":"MZ1","mark":{"name":"responsePart-1"}}`: NewTwilioMark("MZ1", "responsePart-1"),
		`{"event":"clear","streamSid":"MZ1"}`:                                 NewTwilioClear("MZ1"),
	}
	for want, msg := range cases {
		got, err := sonic.MarshalString(msg)
		if err != nil {
			t.Fatalf("MarshalString() error = %v", err)
		}
		if got != want {
			t.Fatalf("encoded = %s, want %s", got, want)
		}
	}
}

func TestParseVonageText(t *testing.T) {
	msg, err := ParseVonageText([]byte(`{"event":"websocket:connected","content-type":"audio/l16;rate=16000","call_uuid":"uuid-1"}`))
	if err != nil {
		t.Fatalf("ParseVonageText() error = %v", err)
	}
	if msg.CallUUID != "uuid-1" || msg.ContentType != "audio/l16;rate=16000" {
		t.Fatalf("unexpected connected message: %+v", msg)
	}

	if _, err := ParseVonageText([]byte(`{"event":"websocket:dtmf"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}
