package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/engine"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
)

// outcomeSendFailed is reported when the local state was cleared but the
// truncate or clear message could not be queued.
const outcomeSendFailed = "send_failed"

// Interrupter cuts off agent speech when the caller starts talking over it.
type Interrupter struct {
	minElapsed time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewInterrupter returns an interrupter that leaves utterances alone until
// minElapsed of caller audio has passed since they started playing.
func NewInterrupter(minElapsed time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Interrupter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interrupter{minElapsed: minElapsed, metrics: metrics, logger: logger}
}

// HandleSpeechStarted truncates the pending agent utterance at the current
// playback position and clears audio buffered on the telephony side. The
// session's pending utterance and flow marks are cleared before anything is
// sent, so a failed send never leaves the utterance pending.
func (i *Interrupter) HandleSpeechStarted(sess *session.CallSession, eng, tel *outbound, codec telephony.Codec) session.InterruptOutcome {
	cut, outcome := sess.TakeInterruption(i.minElapsed)
	switch outcome {
	case session.InterruptIdle:
		i.count(string(outcome))
		return outcome
	case session.InterruptTooEarly:
		i.logger.Debug("too early to interrupt", zap.Duration("min_elapsed", i.minElapsed))
		i.count(string(outcome))
		return outcome
	}

	sent := true
	payload, err := engine.EncodeTruncate(cut.UtteranceID, cut.AudioEndMs)
	if err != nil {
		i.logger.Error("encode truncate failed", zap.Error(err))
		sent = false
	} else if !eng.SendPriority(telephony.Frame{MessageType: websocket.TextMessage, Data: payload}) {
		sent = false
	}

	discarded := tel.Discard()
	if f, ok := codec.EncodeClear(sess.MediaStreamID()); ok && !tel.SendPriority(f) {
		sent = false
	}

	i.logger.Info("caller interrupted agent",
		zap.String("item_id", cut.UtteranceID),
		zap.Int64("audio_end_ms", cut.AudioEndMs),
		zap.Int("cleared_marks", cut.ClearedMarks),
		zap.Int("discarded_frames", discarded),
	)
	if !sent {
		i.logger.Warn("interruption messages not sent", zap.String("item_id", cut.UtteranceID))
		i.count(outcomeSendFailed)
		return outcome
	}
	i.count(string(outcome))
	return outcome
}

func (i *Interrupter) count(outcome string) {
	if i.metrics != nil {
		i.metrics.Interruptions.WithLabelValues(outcome).Inc()
	}
}
