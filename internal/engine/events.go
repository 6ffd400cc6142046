package engine

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/ent0n29/callbridge/internal/reliability"
)

// Server event types the relay reacts to.
const (
	EventError                  = "error"
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventCallerTranscript       = "conversation.item.input_audio_transcription.completed"
	EventCallerTranscriptFailed = "conversation.item.input_audio_transcription.failed"
	EventResponseDone           = "response.done"
	EventAudioDelta             = "response.audio.delta"
	EventAudioDone              = "response.audio.done"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventRateLimitsUpdated      = "rate_limits.updated"
)

// Client event types.
const (
	ClientSessionUpdate  = "session.update"
	ClientAudioAppend    = "input_audio_buffer.append"
	ClientItemTruncate   = "conversation.item.truncate"
	ClientResponseCreate = "response.create"
)

var ErrMissingType = errors.New("engine event without type")

// ServerEvent is the union of the server event fields the relay reads.
type ServerEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id"`
	ItemID     string       `json:"item_id,omitempty"`
	ResponseID string       `json:"response_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
	Response   *Response    `json:"response,omitempty"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
	EventID string `json:"event_id"`
}

type Response struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Output []OutputItem `json:"output"`
}

type OutputItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// Decode parses one server event.
func Decode(raw []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := sonic.Unmarshal(raw, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("decode engine event: %w", err)
	}
	if ev.Type == "" {
		return ServerEvent{}, ErrMissingType
	}
	return ev, nil
}

// MessageItems returns the assistant message items of a completed response.
func (e ServerEvent) MessageItems() []OutputItem {
	if e.Response == nil {
		return nil
	}
	var items []OutputItem
	for _, item := range e.Response.Output {
		if item.Type == "message" {
			items = append(items, item)
		}
	}
	return items
}

// SpokenText returns the text of each spoken segment of the item, in order.
func (i OutputItem) SpokenText() []string {
	var out []string
	for _, part := range i.Content {
		switch part.Type {
		case "audio":
			if part.Transcript != "" {
				out = append(out, part.Transcript)
			}
		case "text":
			if part.Text != "" {
				out = append(out, part.Text)
			}
		}
	}
	return out
}

// IsBenign reports an error event that needs no alerting.
func (e ServerEvent) IsBenign() bool {
	if e.Error == nil {
		return false
	}
	return reliability.IsBenignTruncationRace(e.Error.Code, e.Error.Message)
}
