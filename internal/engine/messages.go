package engine

import (
	"github.com/bytedance/sonic"
)

// AudioFormatMulaw is G.711 mu-law at 8 kHz, the format both telephony legs
// are converted to.
const AudioFormatMulaw = "g711_ulaw"

type SessionConfig struct {
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	Voice                   string         `json:"voice"`
	Instructions            string         `json:"instructions"`
	Modalities              []string       `json:"modalities"`
	Temperature             float64        `json:"temperature"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	CreateResponse    bool    `json:"create_response"`
	InterruptResponse bool    `json:"interrupt_response"`
}

type Transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// ServerVAD returns server-side voice activity detection that answers and
// interrupts on its own.
func ServerVAD(threshold float64, silenceMs int) *TurnDetection {
	return &TurnDetection{
		Type:              "server_vad",
		Threshold:         threshold,
		SilenceDurationMs: silenceMs,
		CreateResponse:    true,
		InterruptResponse: true,
	}
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type responseCreate struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

func EncodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	return sonic.Marshal(sessionUpdate{Type: ClientSessionUpdate, Session: cfg})
}

// EncodeAudioAppend wraps a base64 audio payload for the input buffer.
func EncodeAudioAppend(payload string) ([]byte, error) {
	return sonic.Marshal(audioAppend{Type: ClientAudioAppend, Audio: payload})
}

// EncodeTruncate cuts the agent item at audioEndMs of played audio.
func EncodeTruncate(itemID string, audioEndMs int64) ([]byte, error) {
	return sonic.Marshal(itemTruncate{Type: ClientItemTruncate, ItemID: itemID, AudioEndMs: audioEndMs})
}

// EncodeResponseCreate asks the agent to speak. instructions may be empty.
func EncodeResponseCreate(instructions string) ([]byte, error) {
	msg := responseCreate{Type: ClientResponseCreate}
	if instructions != "" {
		msg.Response = &responseParams{Instructions: instructions}
	}
	return sonic.Marshal(msg)
}
