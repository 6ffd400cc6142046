package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callbridge/internal/engine"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/script"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
)

var ErrStreamStopped = errors.New("media stream stopped before it started")

// interviewParam is the stream parameter carrying the interview id.
const interviewParam = "interview_id"

const (
	directionToEngine    = "to_engine"
	directionToTelephony = "to_telephony"
)

type Config struct {
	SettleDelay        time.Duration
	StreamStartTimeout time.Duration
	WriteTimeout       time.Duration
	QueueSize          int

	// InterruptMinElapsed is the default grace period before caller speech
	// may cut off agent audio. ProviderInterruptMinElapsed overrides it
	// per telephony provider.
	InterruptMinElapsed         time.Duration
	ProviderInterruptMinElapsed map[string]time.Duration

	EndPhrases   EndPhrases
	EndCallGrace time.Duration

	VADThreshold       float64
	VADSilenceDuration time.Duration
	TranscriptionModel string
}

func (c Config) interruptMinElapsed(provider string) time.Duration {
	if d, ok := c.ProviderInterruptMinElapsed[provider]; ok {
		return d
	}
	return c.InterruptMinElapsed
}

type Deps struct {
	Sessions   *session.Manager
	Pending    *script.Pending
	Dialer     EngineDialer
	Terminator *Terminator
	Tracker    *Tracker
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Relay bridges telephony media streams to realtime engine sessions.
type Relay struct {
	cfg        Config
	sessions   *session.Manager
	pending    *script.Pending
	dialer     EngineDialer
	terminator *Terminator
	tracker    *Tracker
	metrics    *observability.Metrics
	logger     *zap.Logger
}

func New(cfg Config, deps Deps) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		cfg:        cfg,
		sessions:   deps.Sessions,
		pending:    deps.Pending,
		dialer:     deps.Dialer,
		terminator: deps.Terminator,
		tracker:    deps.Tracker,
		metrics:    deps.Metrics,
		logger:     logger,
	}
}

// Serve relays one accepted telephony connection until the call ends. It
// waits for the stream start event, resolves the call session, dials the
// engine and runs both pumps. Serve owns tel and closes it.
func (r *Relay) Serve(ctx context.Context, tel Socket, codec telephony.Codec) error {
	logger := r.logger.With(zap.String("provider", codec.Provider()))

	start, err := r.awaitStart(tel, codec, logger)
	if err != nil {
		_ = tel.Close()
		return err
	}
	sess := r.resolveSession(start, codec.Provider(), logger)
	logger = logger.With(zap.String("call_id", start.CallID), zap.String("stream_id", start.StreamID))
	logger.Info("media stream started")
	r.callEvent("stream_started")

	if r.metrics != nil {
		r.metrics.ActiveCalls.Inc()
		defer r.metrics.ActiveCalls.Dec()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := r.tracker.Register(sess.Key(), cancel)
	defer unregister()

	dialStart := time.Now()
	eng, err := r.dialer.Dial(ctx)
	if err == nil && r.metrics != nil {
		r.metrics.ObserveStage(observability.StageEngineDial, time.Since(dialStart))
	}
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, engine.ErrNoAPIKey) {
			code = websocket.ClosePolicyViolation
		}
		logger.Error("engine dial failed", zap.Error(err))
		r.callEvent("engine_dial_failed")
		_ = tel.SetWriteDeadline(time.Now().Add(time.Second))
		_ = tel.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "engine unavailable"))
		_ = tel.Close()
		r.terminator.Terminate(ctx, sess)
		return fmt.Errorf("dial engine: %w", err)
	}

	c := &call{
		relay:       r,
		sess:        sess,
		codec:       codec,
		streamID:    start.StreamID,
		tel:         tel,
		eng:         eng,
		telOut:      newOutbound(tel, directionToTelephony, r.cfg.QueueSize, r.cfg.WriteTimeout, r.metrics),
		engOut:      newOutbound(eng, directionToEngine, r.cfg.QueueSize, r.cfg.WriteTimeout, r.metrics),
		interrupter: NewInterrupter(r.cfg.interruptMinElapsed(codec.Provider()), r.metrics, logger),
		engineDone:  make(chan struct{}),
		logger:      logger,
	}
	err = c.run(ctx)
	logger.Info("media stream finished", zap.Error(err))
	return err
}

func (r *Relay) awaitStart(tel Socket, codec telephony.Codec, logger *zap.Logger) (telephony.Event, error) {
	if d := r.cfg.StreamStartTimeout; d > 0 {
		_ = tel.SetReadDeadline(time.Now().Add(d))
		defer tel.SetReadDeadline(time.Time{})
	}
	for {
		mt, data, err := tel.ReadMessage()
		if err != nil {
			return telephony.Event{}, fmt.Errorf("await stream start: %w", err)
		}
		ev, err := codec.Decode(mt, data)
		if err != nil {
			logger.Warn("invalid telephony message", zap.Error(err))
			continue
		}
		switch ev.Kind {
		case telephony.EventStart:
			return ev, nil
		case telephony.EventStop:
			return telephony.Event{}, ErrStreamStopped
		}
	}
}

// resolveSession binds the stream to the call registered when it was
// placed. Streams of unregistered calls get an untracked session running
// the pending script.
func (r *Relay) resolveSession(ev telephony.Event, provider string, logger *zap.Logger) *session.CallSession {
	if ev.CallID != "" {
		sess, err := r.sessions.AttachStream(ev.CallID, ev.StreamID)
		if err == nil {
			return sess
		}
		if !errors.Is(err, session.ErrUnknownCall) {
			logger.Warn("attach stream failed", zap.Error(err))
		}
	}
	var (
		sc     script.Script
		custom bool
	)
	if r.pending != nil {
		sc, custom = r.pending.Current()
	}
	// The interview id also travels in the stream parameters, which covers a
	// registration that expired or had not landed yet.
	interviewID := strings.TrimSpace(ev.Parameters[interviewParam])
	if interviewID == "" {
		logger.Info("untracked call, transcript will only be archived",
			zap.String("call_id", ev.CallID),
			zap.String("stream_id", ev.StreamID),
			zap.Bool("pending_script", custom),
		)
		r.callEvent("untracked")
	} else {
		logger.Info("unregistered stream adopted by interview parameter",
			zap.String("call_id", ev.CallID),
			zap.String("stream_id", ev.StreamID),
			zap.String("interview_id", interviewID),
		)
		r.callEvent("adopted")
	}
	return r.sessions.AdoptStream(ev.StreamID, ev.CallID, interviewID, provider, sc)
}

func (r *Relay) callEvent(event string) {
	if r.metrics != nil {
		r.metrics.CallEvents.WithLabelValues(event).Inc()
	}
}

// call is the state of one relayed call.
type call struct {
	relay       *Relay
	sess        *session.CallSession
	codec       telephony.Codec
	streamID    string
	tel, eng    Socket
	telOut      *outbound
	engOut      *outbound
	interrupter *Interrupter
	logger      *zap.Logger

	cancel     context.CancelFunc
	engineDone chan struct{}

	endOnce  sync.Once
	endTimer *time.Timer
}

// run starts both pumps and both writers. The first pump to exit cancels
// the rest; run returns once all four goroutines have stopped and both
// sockets are closed.
func (c *call) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	c.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.telOut.Run(gctx) })
	g.Go(func() error { return c.engOut.Run(gctx) })
	g.Go(c.guard("engine", func() error { return c.enginePump(gctx) }))
	g.Go(c.guard("telephony", func() error { return c.telephonyPump(gctx) }))
	return g.Wait()
}

// guard turns a panic in fn into an error so one broken call ends only
// itself.
func (c *call) guard(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error("relay pump panicked", zap.String("pump", name), zap.Any("panic", rec), zap.Stack("stack"))
				c.cancel()
				err = fmt.Errorf("%s pump panic: %v", name, rec)
			}
		}()
		return fn()
	}
}

// configure sends the session configuration built from the call's script.
func (c *call) configure(ctx context.Context) error {
	if d := c.relay.cfg.SettleDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	sc := c.sess.Script()
	cfg := engine.SessionConfig{
		TurnDetection:     engine.ServerVAD(c.relay.cfg.VADThreshold, int(c.relay.cfg.VADSilenceDuration.Milliseconds())),
		InputAudioFormat:  engine.AudioFormatMulaw,
		OutputAudioFormat: engine.AudioFormatMulaw,
		Voice:             script.ResolveVoice(sc.Voice, sc.Language),
		Instructions:      sc.RenderInstructions(),
		Modalities:        []string{"text", "audio"},
		Temperature:       sc.Temperature,
	}
	if model := c.relay.cfg.TranscriptionModel; model != "" {
		cfg.InputAudioTranscription = &engine.Transcription{
			Model:    model,
			Language: sc.TranscriptionLanguage(),
			Prompt:   sc.TranscriptionPrompt,
		}
	}
	payload, err := engine.EncodeSessionUpdate(cfg)
	if err != nil {
		return fmt.Errorf("encode session update: %w", err)
	}
	if !c.sendEngine(payload) {
		return errors.New("engine queue full before session update")
	}
	c.logger.Debug("engine session configured", zap.String("voice", cfg.Voice), zap.Bool("speak_first", sc.SpeakFirst))

	if sc.SpeakFirst {
		payload, err := engine.EncodeResponseCreate("")
		if err != nil {
			return fmt.Errorf("encode response create: %w", err)
		}
		c.sendEngine(payload)
	}
	return nil
}

func (c *call) sendEngine(payload []byte) bool {
	return c.engOut.Send(telephony.Frame{MessageType: websocket.TextMessage, Data: payload})
}

func (c *call) scheduleEnd(phrase string) {
	c.endOnce.Do(func() {
		grace := c.relay.cfg.EndCallGrace
		c.logger.Info("end of conversation detected", zap.String("phrase", phrase), zap.Duration("grace", grace))
		c.endTimer = time.AfterFunc(grace, func() {
			c.sess.Advance(session.StatusEnding)
			c.relay.callEvent("end_phrase")
			c.cancel()
		})
	})
}

func (c *call) stopEndTimer() {
	if c.endTimer != nil {
		c.endTimer.Stop()
	}
}
