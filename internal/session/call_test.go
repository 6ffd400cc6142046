package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamingSession(t *testing.T) *CallSession {
	t.Helper()
	m := NewManager(time.Minute)
	_, err := m.RegisterCall(Registration{CarrierCallID: "CA1", BusinessEntityID: "iv-1", Script: testScript()})
	require.NoError(t, err)
	s, err := m.AttachStream("CA1", "MZ1")
	require.NoError(t, err)
	return s
}

func TestObserveMediaTimestampTracksLatestFrame(t *testing.T) {
	s := streamingSession(t)
	for _, ts := range []int64{0, 20, 40, 40, 60, 1000} {
		s.ObserveMediaTimestamp(ts)
		assert.Equal(t, ts, s.MediaTimestamp())
	}
	s.ObserveMediaTimestamp(500)
	assert.Equal(t, int64(1000), s.MediaTimestamp(), "timestamp must never decrease")
}

func TestTakeInterruptionTooEarlyKeepsState(t *testing.T) {
	s := streamingSession(t)
	s.MarkUtteranceAudio("item-1")
	s.PushMark()
	s.ObserveMediaTimestamp(50)

	_, outcome := s.TakeInterruption(500 * time.Millisecond)
	assert.Equal(t, InterruptTooEarly, outcome)

	id, start, ok := s.PendingUtterance()
	require.True(t, ok)
	assert.Equal(t, "item-1", id)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, 1, s.MarkCount())
}

func TestTakeInterruptionAfterGraceClearsState(t *testing.T) {
	s := streamingSession(t)
	s.MarkUtteranceAudio("item-1")
	s.PushMark()
	s.PushMark()
	s.ObserveMediaTimestamp(600)

	got, outcome := s.TakeInterruption(500 * time.Millisecond)
	require.Equal(t, InterruptTruncated, outcome)
	assert.Equal(t, "item-1", got.UtteranceID)
	assert.Equal(t, int64(600), got.AudioEndMs)
	assert.Equal(t, 2, got.ClearedMarks)

	_, _, ok := s.PendingUtterance()
	assert.False(t, ok)
	assert.Zero(t, s.MarkCount())

	_, outcome = s.TakeInterruption(500 * time.Millisecond)
	assert.Equal(t, InterruptIdle, outcome)
}

func TestUtteranceStartFollowsNewItem(t *testing.T) {
	s := streamingSession(t)
	s.ObserveMediaTimestamp(100)
	s.MarkUtteranceAudio("item-1")
	s.ObserveMediaTimestamp(300)
	s.MarkUtteranceAudio("item-1")
	s.SetPendingUtterance("item-1")

	_, start, _ := s.PendingUtterance()
	assert.Equal(t, int64(100), start)

	s.ObserveMediaTimestamp(900)
	s.MarkUtteranceAudio("item-2")
	id, start, _ := s.PendingUtterance()
	assert.Equal(t, "item-2", id)
	assert.Equal(t, int64(900), start)
}

func TestTurnCompleteAfterInterruptionDoesNotRearm(t *testing.T) {
	s := streamingSession(t)
	s.MarkUtteranceAudio("item_1")
	s.ObserveMediaTimestamp(600)
	_, outcome := s.TakeInterruption(500 * time.Millisecond)
	require.Equal(t, InterruptTruncated, outcome)

	// The truncated item still completes on the engine side.
	s.SetPendingUtterance("item_1")
	s.ObserveMediaTimestamp(1300)

	_, outcome = s.TakeInterruption(500 * time.Millisecond)
	assert.Equal(t, InterruptIdle, outcome)
	_, _, ok := s.PendingUtterance()
	assert.False(t, ok)

	s.ObserveMediaTimestamp(2000)
	s.MarkUtteranceAudio("item_2")
	s.ObserveMediaTimestamp(2600)
	got, outcome := s.TakeInterruption(500 * time.Millisecond)
	require.Equal(t, InterruptTruncated, outcome)
	assert.Equal(t, "item_2", got.UtteranceID)
	assert.Equal(t, int64(600), got.AudioEndMs)
}

func TestTurnCompleteWithoutAudioIsIdle(t *testing.T) {
	s := streamingSession(t)
	s.SetPendingUtterance("item_1")
	s.ObserveMediaTimestamp(5000)

	_, outcome := s.TakeInterruption(0)
	assert.Equal(t, InterruptIdle, outcome)
}

func TestMarksAreFIFO(t *testing.T) {
	s := streamingSession(t)
	var pushed []string
	for i := 0; i < 5; i++ {
		pushed = append(pushed, s.PushMark())
	}
	for _, want := range pushed[:3] {
		got, ok := s.PopMark()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	pushed = append(pushed, s.PushMark())
	for _, want := range pushed[3:] {
		got, ok := s.PopMark()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := s.PopMark()
	assert.False(t, ok, "ack on an empty queue is ignored")
}

func TestAppendCallerTextDropsImmediateDuplicate(t *testing.T) {
	s := streamingSession(t)
	assert.True(t, s.AppendCallerText("hello"))
	assert.False(t, s.AppendCallerText(" hello "))
	assert.False(t, s.AppendCallerText("   "))
	assert.True(t, s.AppendAgentText("hi there"))
	assert.True(t, s.AppendCallerText("hello"))

	assert.Equal(t, []Fragment{
		{Speaker: SpeakerCaller, Text: "hello"},
		{Speaker: SpeakerAgent, Text: "hi there"},
		{Speaker: SpeakerCaller, Text: "hello"},
	}, s.Transcript())
}

func TestTakeTranscriptOnce(t *testing.T) {
	s := streamingSession(t)
	s.AppendCallerText("a")

	frags, ok := s.TakeTranscript()
	require.True(t, ok)
	assert.Len(t, frags, 1)

	frags, ok = s.TakeTranscript()
	assert.False(t, ok)
	assert.Nil(t, frags)
	assert.False(t, s.AppendAgentText("late"), "appends after flush are dropped")
}

func TestAdvanceIsMonotonic(t *testing.T) {
	s := streamingSession(t)
	assert.True(t, s.Advance(StatusEnding))
	assert.False(t, s.Advance(StatusStreaming))
	assert.Equal(t, StatusEnding, s.Status())

	assert.True(t, s.BeginTermination())
	assert.False(t, s.BeginTermination())
}

func TestFirstAudioLatencyReportedOnce(t *testing.T) {
	s := streamingSession(t)
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, s.MarkUtteranceAudio("item-1"), time.Duration(0))
	assert.Zero(t, s.MarkUtteranceAudio("item-1"))
}
