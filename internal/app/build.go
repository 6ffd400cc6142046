package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/engine"
	"github.com/ent0n29/callbridge/internal/httpapi"
	"github.com/ent0n29/callbridge/internal/interview"
	"github.com/ent0n29/callbridge/internal/logging"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/relay"
	"github.com/ent0n29/callbridge/internal/script"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
	"github.com/ent0n29/callbridge/internal/transcript"
)

// terminateTimeout bounds hangup and transcript persistence of one call.
const terminateTimeout = 10 * time.Second

type BuildResult struct {
	Config    config.Config
	Logger    *zap.Logger
	API       *httpapi.Server
	Sessions  *session.Manager
	Pending   *script.Pending
	Relay     *relay.Relay
	Tracker   *relay.Tracker
	Providers telephony.Providers
	Store     interview.Store
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources (DB, timers, log files).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	logger, logFile, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	providers, err := resolveProviders(cfg, logger)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("telephony provider init failed: %w", err)
	}

	store, err := interview.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("interview store init failed: %w", err)
	}

	sessions := session.NewManager(cfg.PendingCallTTL)
	sessions.SetExpireHook(func(s *session.CallSession) {
		metrics.CallEvents.WithLabelValues("expired").Inc()
		logger.Info("placed call never connected a media stream",
			zap.String("call_id", s.CarrierCallID()),
			zap.String("interview_id", s.BusinessEntityID()),
		)
	})

	pending := script.NewPending(script.Default(script.Defaults{
		Instructions:        cfg.DefaultInstructions,
		Voice:               cfg.DefaultVoice,
		Language:            cfg.DefaultLanguage,
		Temperature:         cfg.DefaultTemperature,
		TranscriptionPrompt: cfg.TranscriptionPrompt,
	}), cfg.ScriptResetAfter, logger.Named("script"))

	recorder := transcript.NewRecorder(cfg.ArchiveDir, store, metrics, logger.Named("transcript"))
	terminator := relay.NewTerminator(providers, sessions, recorder, metrics, logger.Named("terminator"), terminateTimeout)
	dialer := engine.NewDialer(engine.Config{
		URL:         cfg.OpenAIRealtimeURL,
		Model:       cfg.OpenAIRealtimeModel,
		APIKey:      cfg.OpenAIAPIKey,
		DialTimeout: cfg.EngineDialTimeout,
		Attempts:    cfg.EngineDialAttempts,
	})
	tracker := relay.NewTracker()

	rel := relay.New(relay.Config{
		SettleDelay:         cfg.SessionSettleDelay,
		StreamStartTimeout:  cfg.StreamStartTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		QueueSize:           cfg.OutboundQueueSize,
		InterruptMinElapsed: cfg.InterruptMinElapsed,
		ProviderInterruptMinElapsed: map[string]time.Duration{
			telephony.ProviderVonage: cfg.InterruptMinElapsedFor(telephony.ProviderVonage),
		},
		EndPhrases:         relay.NewEndPhrases(cfg.EndCallPhrases),
		EndCallGrace:       cfg.EndCallGrace,
		VADThreshold:       cfg.VADThreshold,
		VADSilenceDuration: cfg.VADSilenceDuration,
		TranscriptionModel: cfg.TranscriptionModel,
	}, relay.Deps{
		Sessions:   sessions,
		Pending:    pending,
		Dialer:     relay.EngineDialerFrom(dialer),
		Terminator: terminator,
		Tracker:    tracker,
		Metrics:    metrics,
		Logger:     logger.Named("relay"),
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:  sessions,
		Pending:   pending,
		Providers: providers,
		Store:     store,
		Relay:     rel,
		Tracker:   tracker,
		Metrics:   metrics,
		Logger:    logger.Named("http"),
	})

	cleanup := func() error {
		var errs []string
		pending.Stop()
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		// stdout sync fails harmlessly on some platforms; only report file errors.
		if err := logger.Sync(); err != nil && cfg.LogFile != "" {
			errs = append(errs, err.Error())
		}
		if err := logFile.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:    cfg,
		Logger:    logger,
		API:       api,
		Sessions:  sessions,
		Pending:   pending,
		Relay:     rel,
		Tracker:   tracker,
		Providers: providers,
		Store:     store,
		Metrics:   metrics,
		Cleanup:   cleanup,
	}, nil
}
