package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callbridge/internal/script"
)

// CallSession is the per-call state shared by the two relay pumps. Every
// compound update runs under the session mutex.
type CallSession struct {
	mu sync.Mutex

	carrierCallID    string
	mediaStreamID    string
	businessEntityID string
	provider         string
	tracked          bool
	script           script.Script

	status          Status
	createdAt       time.Time
	streamStartedAt time.Time

	latestMediaMs     int64
	pendingUtterance  string
	startedUtterance  string
	utteranceStartMs  int64
	hasStart          bool
	firstAudioEmitted bool

	marks         []string
	transcript    []Fragment
	flushed       bool
	interruptions int
	terminating   bool
}

func newCallSession(callID, businessID, provider string, sc script.Script, tracked bool) *CallSession {
	return &CallSession{
		carrierCallID:    callID,
		businessEntityID: businessID,
		provider:         provider,
		tracked:          tracked,
		script:           sc,
		status:           StatusInitiated,
		createdAt:        time.Now().UTC(),
	}
}

func (s *CallSession) CarrierCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carrierCallID
}

func (s *CallSession) MediaStreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaStreamID
}

func (s *CallSession) BusinessEntityID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.businessEntityID
}

func (s *CallSession) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider
}

func (s *CallSession) Script() script.Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.script
}

func (s *CallSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Key returns the identifier archive files are named after.
func (s *CallSession) Key() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mediaStreamID != "" {
		return s.mediaStreamID
	}
	return s.carrierCallID
}

// Advance moves the session forward in its lifecycle. Backward transitions
// are ignored and reported as false.
func (s *CallSession) Advance(to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(to)
}

func (s *CallSession) advanceLocked(to Status) bool {
	if to.rank() <= s.status.rank() {
		return false
	}
	s.status = to
	return true
}

// BeginTermination reports true exactly once per session.
func (s *CallSession) BeginTermination() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminating {
		return false
	}
	s.terminating = true
	s.advanceLocked(StatusEnding)
	return true
}

// startStreamLocked resets media timing for a newly started stream.
func (s *CallSession) startStreamLocked(streamID string) {
	s.mediaStreamID = streamID
	s.streamStartedAt = time.Now().UTC()
	s.latestMediaMs = 0
	s.clearUtteranceLocked()
	s.firstAudioEmitted = false
	s.marks = nil
	s.advanceLocked(StatusStreaming)
}

// ObserveMediaTimestamp records the playback position of an inbound frame.
// The recorded value never decreases.
func (s *CallSession) ObserveMediaTimestamp(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms > s.latestMediaMs {
		s.latestMediaMs = ms
	}
}

func (s *CallSession) MediaTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestMediaMs
}

// MarkUtteranceAudio records that agent audio for utteranceID is being
// played. The utterance start is captured from the current media position
// the first time audio for a new utterance is seen. The returned duration
// is the time since the stream started when this is the first agent audio
// of the call, else zero.
func (s *CallSession) MarkUtteranceAudio(utteranceID string) (firstAudioAfter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasStart || s.startedUtterance != utteranceID {
		s.utteranceStartMs = s.latestMediaMs
		s.startedUtterance = utteranceID
		s.hasStart = true
	}
	if utteranceID != "" {
		s.pendingUtterance = utteranceID
	}
	if !s.firstAudioEmitted {
		s.firstAudioEmitted = true
		if !s.streamStartedAt.IsZero() {
			return time.Since(s.streamStartedAt)
		}
	}
	return 0
}

// SetPendingUtterance records the id of the agent utterance most recently
// completed, which later truncation targets. The utterance start is only
// ever set by agent audio.
func (s *CallSession) SetPendingUtterance(utteranceID string) {
	if utteranceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingUtterance = utteranceID
}

func (s *CallSession) clearUtteranceLocked() {
	s.pendingUtterance = ""
	s.startedUtterance = ""
	s.utteranceStartMs = 0
	s.hasStart = false
}

// PendingUtterance returns the truncation target and its start position.
// ok is false unless both are known.
func (s *CallSession) PendingUtterance() (id string, startMs int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingUtterance == "" || !s.hasStart {
		return "", 0, false
	}
	return s.pendingUtterance, s.utteranceStartMs, true
}

// TakeInterruption decides whether caller speech should cut off the agent.
// On InterruptTruncated the pending utterance and all flow marks have been
// cleared and the returned Interruption describes what to truncate. Other
// outcomes leave the state untouched.
func (s *CallSession) TakeInterruption(minElapsed time.Duration) (Interruption, InterruptOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingUtterance == "" || !s.hasStart {
		return Interruption{}, InterruptIdle
	}
	elapsed := s.latestMediaMs - s.utteranceStartMs
	if elapsed < minElapsed.Milliseconds() {
		return Interruption{}, InterruptTooEarly
	}
	out := Interruption{
		UtteranceID:  s.pendingUtterance,
		AudioEndMs:   elapsed,
		ClearedMarks: len(s.marks),
	}
	s.marks = nil
	s.clearUtteranceLocked()
	s.interruptions++
	return out, InterruptTruncated
}

// PushMark appends a new flow-control token and returns it.
func (s *CallSession) PushMark() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := "responsePart-" + uuid.NewString()[:8]
	s.marks = append(s.marks, token)
	return token
}

// PopMark removes the oldest outstanding token. Acknowledgements for an
// empty queue are ignored.
func (s *CallSession) PopMark() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.marks) == 0 {
		return "", false
	}
	token := s.marks[0]
	s.marks = s.marks[1:]
	return token, true
}

// DropMark withdraws a token whose mark was never sent to the carrier.
func (s *CallSession) DropMark(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.marks) - 1; i >= 0; i-- {
		if s.marks[i] == token {
			s.marks = append(s.marks[:i], s.marks[i+1:]...)
			return true
		}
	}
	return false
}

func (s *CallSession) MarkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.marks)
}

// AppendCallerText records a caller utterance. Empty text and an exact
// repeat of the immediately preceding caller fragment are dropped.
func (s *CallSession) AppendCallerText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushed {
		return false
	}
	if n := len(s.transcript); n > 0 {
		last := s.transcript[n-1]
		if last.Speaker == SpeakerCaller && last.Text == text {
			return false
		}
	}
	s.transcript = append(s.transcript, Fragment{Speaker: SpeakerCaller, Text: text})
	return true
}

// AppendAgentText records one agent speech segment.
func (s *CallSession) AppendAgentText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushed {
		return false
	}
	s.transcript = append(s.transcript, Fragment{Speaker: SpeakerAgent, Text: text})
	return true
}

// Transcript returns a copy of the buffered fragments.
func (s *CallSession) Transcript() []Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fragment, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// TakeTranscript hands the buffered fragments to the caller exactly once.
// Later calls return ok=false.
func (s *CallSession) TakeTranscript() (fragments []Fragment, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flushed {
		return nil, false
	}
	s.flushed = true
	fragments = s.transcript
	s.transcript = nil
	return fragments, true
}

func (s *CallSession) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		CarrierCallID:    s.carrierCallID,
		MediaStreamID:    s.mediaStreamID,
		BusinessEntityID: s.businessEntityID,
		Provider:         s.provider,
		Status:           s.status,
		Tracked:          s.tracked,
		Fragments:        len(s.transcript),
		Interruptions:    s.interruptions,
		CreatedAt:        s.createdAt,
		StreamStartedAt:  s.streamStartedAt,
	}
}
