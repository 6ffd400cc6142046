package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callbridge/internal/script"
)

// Registration describes a call placed by this service.
type Registration struct {
	CarrierCallID    string
	BusinessEntityID string
	Provider         string
	Script           script.Script
}

// Manager correlates carrier call ids and media stream ids to live call
// sessions. Sessions are shared by pointer; their own mutex guards them.
type Manager struct {
	mu         sync.RWMutex
	byCall     map[string]*CallSession
	byStream   map[string]*CallSession
	pendingTTL time.Duration
	onExpire   func(*CallSession)
}

func NewManager(pendingTTL time.Duration) *Manager {
	if pendingTTL <= 0 {
		pendingTTL = 2 * time.Minute
	}
	return &Manager{
		byCall:     make(map[string]*CallSession),
		byStream:   make(map[string]*CallSession),
		pendingTTL: pendingTTL,
	}
}

// SetExpireHook is called for registrations that never attached a stream.
func (m *Manager) SetExpireHook(hook func(*CallSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// RegisterCall records an outbound call before its media stream connects.
func (m *Manager) RegisterCall(reg Registration) (*CallSession, error) {
	callID := strings.TrimSpace(reg.CarrierCallID)
	if callID == "" {
		return nil, ErrUnknownCall
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byCall[callID]; exists {
		return nil, ErrDuplicateCall
	}
	s := newCallSession(callID, reg.BusinessEntityID, reg.Provider, reg.Script, true)
	m.byCall[callID] = s
	return s, nil
}

// AttachStream binds a media stream to a registered call and moves it to
// streaming. A second attach (stream restart) replaces the stream index.
func (m *Manager) AttachStream(callID, streamID string) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byCall[callID]
	if !ok || callID == "" {
		return nil, ErrUnknownCall
	}
	s.mu.Lock()
	if s.mediaStreamID != "" && s.mediaStreamID != streamID {
		delete(m.byStream, s.mediaStreamID)
	}
	s.startStreamLocked(streamID)
	s.mu.Unlock()
	m.byStream[streamID] = s
	return s, nil
}

// AdoptStream creates a session for a stream whose call was not registered
// (inbound calls, or the registration was lost). businessID comes from the
// stream's own parameters; without it the session is untracked and its
// transcript is archived but never recorded.
func (m *Manager) AdoptStream(streamID, callID, businessID, provider string, sc script.Script) *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := newCallSession(callID, businessID, provider, sc, businessID != "")
	s.mu.Lock()
	s.startStreamLocked(streamID)
	s.mu.Unlock()
	m.byStream[streamID] = s
	if callID != "" {
		if _, exists := m.byCall[callID]; !exists {
			m.byCall[callID] = s
		}
	}
	return s
}

func (m *Manager) LookupByStream(streamID string) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byStream[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) LookupByCall(callID string) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byCall[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Release removes every index entry of the session identified by id (call
// id or stream id) and marks it ended. Releasing twice is a no-op.
func (m *Manager) Release(id string) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byCall[id]
	if !ok {
		s, ok = m.byStream[id]
	}
	if !ok {
		return nil, false
	}
	m.releaseLocked(s)
	return s, true
}

// ReleaseSession removes the index entries that still point at s.
func (m *Manager) ReleaseSession(s *CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(s)
}

func (m *Manager) releaseLocked(s *CallSession) {
	s.mu.Lock()
	callID, streamID := s.carrierCallID, s.mediaStreamID
	s.advanceLocked(StatusEnded)
	s.mu.Unlock()
	if cur, ok := m.byCall[callID]; ok && cur == s {
		delete(m.byCall, callID)
	}
	if cur, ok := m.byStream[streamID]; ok && cur == s {
		delete(m.byStream, streamID)
	}
}

// ActiveCount returns the number of sessions with a live stream.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byStream)
}

// List returns a snapshot of every known session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	seen := make(map[*CallSession]struct{}, len(m.byCall)+len(m.byStream))
	var sessions []*CallSession
	for _, idx := range []map[string]*CallSession{m.byCall, m.byStream} {
		for _, s := range idx {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			sessions = append(sessions, s)
		}
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireUnanswered()
			}
		}
	}()
}

func (m *Manager) expireUnanswered() {
	now := time.Now().UTC()
	var expired []*CallSession

	m.mu.Lock()
	for callID, s := range m.byCall {
		s.mu.Lock()
		stale := s.status == StatusInitiated && now.Sub(s.createdAt) >= m.pendingTTL
		if stale {
			s.advanceLocked(StatusEnded)
		}
		s.mu.Unlock()
		if !stale {
			continue
		}
		delete(m.byCall, callID)
		expired = append(expired, s)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}
