package session

import (
	"errors"
	"time"
)

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusStreaming Status = "streaming"
	StatusEnding    Status = "ending"
	StatusEnded     Status = "ended"
)

func (s Status) rank() int {
	switch s {
	case StatusInitiated:
		return 0
	case StatusStreaming:
		return 1
	case StatusEnding:
		return 2
	case StatusEnded:
		return 3
	default:
		return -1
	}
}

var (
	ErrDuplicateCall = errors.New("call already registered")
	ErrUnknownCall   = errors.New("call not registered")
	ErrNotFound      = errors.New("session not found")
)

// Speaker labels match the archived transcript format.
type Speaker string

const (
	SpeakerCaller Speaker = "user"
	SpeakerAgent  Speaker = "assistant"
)

// Fragment is one recognized caller utterance or one agent speech segment.
type Fragment struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Info is a point-in-time view of a session for listings.
type Info struct {
	CarrierCallID    string    `json:"call_id"`
	MediaStreamID    string    `json:"stream_id,omitempty"`
	BusinessEntityID string    `json:"interview_id,omitempty"`
	Provider         string    `json:"provider"`
	Status           Status    `json:"status"`
	Tracked          bool      `json:"tracked"`
	Fragments        int       `json:"fragments"`
	Interruptions    int       `json:"interruptions"`
	CreatedAt        time.Time `json:"created_at"`
	StreamStartedAt  time.Time `json:"stream_started_at,omitempty"`
}

// Interruption is the state captured when a barge-in truncates agent audio.
type Interruption struct {
	UtteranceID  string
	AudioEndMs   int64
	ClearedMarks int
}

// InterruptOutcome reports how a speech-start event was handled.
type InterruptOutcome string

const (
	InterruptTruncated InterruptOutcome = "truncated"
	InterruptTooEarly  InterruptOutcome = "too_early"
	InterruptIdle      InterruptOutcome = "idle"
)
