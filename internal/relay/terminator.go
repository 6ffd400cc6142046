package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
	"github.com/ent0n29/callbridge/internal/transcript"
)

// Flusher persists a finished call's transcript.
type Flusher interface {
	Flush(ctx context.Context, s *session.CallSession) transcript.Result
}

// Terminator ends a call leg and releases everything the call held.
type Terminator struct {
	providers telephony.Providers
	sessions  *session.Manager
	flusher   Flusher
	metrics   *observability.Metrics
	logger    *zap.Logger
	timeout   time.Duration
}

func NewTerminator(providers telephony.Providers, sessions *session.Manager, flusher Flusher, metrics *observability.Metrics, logger *zap.Logger, timeout time.Duration) *Terminator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Terminator{
		providers: providers,
		sessions:  sessions,
		flusher:   flusher,
		metrics:   metrics,
		logger:    logger,
		timeout:   timeout,
	}
}

// Terminate hangs up the call, releases the session from the correlator
// and flushes its transcript. Only the first call for a session does
// anything. Hangup failures are logged; release and flush always run.
func (t *Terminator) Terminate(ctx context.Context, sess *session.CallSession) {
	if sess == nil || !sess.BeginTermination() {
		return
	}
	began := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	logger := t.logger.With(
		zap.String("call_id", sess.CarrierCallID()),
		zap.String("stream_id", sess.MediaStreamID()),
		zap.String("provider", sess.Provider()),
	)

	if callID := sess.CarrierCallID(); callID != "" {
		provider := t.providers.Get(sess.Provider())
		if err := provider.EndCall(ctx, callID); err != nil {
			logger.Warn("end call failed", zap.Error(err))
			if t.metrics != nil {
				t.metrics.ProviderErrors.WithLabelValues(provider.Name(), "end_call").Inc()
			}
		}
	}

	t.sessions.ReleaseSession(sess)
	if t.flusher != nil {
		t.flusher.Flush(ctx, sess)
	}
	if t.metrics != nil {
		t.metrics.CallEvents.WithLabelValues("terminated").Inc()
		t.metrics.ObserveStage(observability.StageTerminate, time.Since(began))
	}
	logger.Info("call terminated", zap.Duration("took", time.Since(began)))
}
