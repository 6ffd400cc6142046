package interview

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/callbridge/internal/session"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCalling   Status = "calling"
	StatusCompleted Status = "completed"
)

var ErrNotFound = errors.New("interview not found")

// Record is the business record a phone interview updates.
type Record struct {
	ID            string             `json:"id"`
	Status        Status             `json:"status"`
	CallID        string             `json:"call_id,omitempty"`
	PhoneNumber   string             `json:"phone_number,omitempty"`
	Transcript    []session.Fragment `json:"transcript,omitempty"`
	RawTranscript []session.Fragment `json:"raw_transcript,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// Transcript is what a finished call contributes to its record.
type Transcript struct {
	Turns     []session.Fragment
	Fragments []session.Fragment
}

// Store persists interview records.
type Store interface {
	// MarkCalling records that a call was placed for the interview,
	// creating the record when it does not exist yet.
	MarkCalling(ctx context.Context, id, callID, phoneNumber string) error
	// Complete stores the transcript and marks the record completed. It
	// returns ok=false when no record matched, including records that were
	// already completed.
	Complete(ctx context.Context, id string, t Transcript) (updatedID string, ok bool, err error)
	Get(ctx context.Context, id string) (Record, error)
	Close() error
}
