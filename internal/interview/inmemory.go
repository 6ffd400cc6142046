package interview

import (
	"context"
	"sync"
	"time"

	"github.com/ent0n29/callbridge/internal/session"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func (s *InMemoryStore) MarkCalling(_ context.Context, id, callID, phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r, ok := s.records[id]
	if !ok {
		r = &Record{ID: id, CreatedAt: now}
		s.records[id] = r
	}
	if r.Status == StatusCompleted {
		return nil
	}
	r.Status = StatusCalling
	r.CallID = callID
	r.PhoneNumber = phoneNumber
	r.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) Complete(_ context.Context, id string, t Transcript) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status == StatusCompleted {
		return "", false, nil
	}
	now := time.Now().UTC()
	r.Status = StatusCompleted
	r.Transcript = cloneFragments(t.Turns)
	r.RawTranscript = cloneFragments(t.Fragments)
	r.UpdatedAt = now
	r.CompletedAt = &now
	return r.ID, true, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	out := *r
	out.Transcript = cloneFragments(r.Transcript)
	out.RawTranscript = cloneFragments(r.RawTranscript)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneFragments(in []session.Fragment) []session.Fragment {
	if in == nil {
		return nil
	}
	out := make([]session.Fragment, len(in))
	copy(out, in)
	return out
}
