package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/interview"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/relay"
	"github.com/ent0n29/callbridge/internal/script"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
)

// Deps are the collaborators the HTTP surface drives.
type Deps struct {
	Sessions  *session.Manager
	Pending   *script.Pending
	Providers telephony.Providers
	Store     interview.Store
	Relay     *relay.Relay
	Tracker   *relay.Tracker
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	pending   *script.Pending
	providers telephony.Providers
	store     interview.Store
	relay     *relay.Relay
	tracker   *relay.Tracker
	metrics   *observability.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		sessions:  deps.Sessions,
		pending:   deps.Pending,
		providers: deps.Providers,
		store:     deps.Store,
		relay:     deps.Relay,
		tracker:   deps.Tracker,
		metrics:   deps.Metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Carrier media clients do not send Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/start-interview", s.handleStartInterview)
	r.Post("/trigger-call", s.handleTriggerCall)

	r.Get("/incoming-call", s.handleIncomingCall)
	r.Post("/incoming-call", s.handleIncomingCall)
	r.Get("/answer", s.handleAnswer)
	r.Post("/answer", s.handleAnswer)
	r.Post("/event", s.handleCallEvent)

	r.Get("/media-stream", s.handleMediaStream(telephony.ProviderTwilio))
	r.Get("/websocket", s.handleMediaStream(telephony.ProviderVonage))

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/interviews/{id}", s.handleGetInterview)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.cfg.TelephonyProvider,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status, code := "ready", http.StatusOK
	if s.cfg.OpenAIAPIKey == "" {
		status, code = "engine_not_configured", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":       status,
		"provider":     s.cfg.TelephonyProvider,
		"active_calls": s.tracker.Count(),
		"public_url":   s.cfg.PublicURL != "",
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	calls := s.sessions.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"calls":  calls,
		"active": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleGetInterview(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_interview_id", "missing interview id")
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, interview.ErrNotFound) {
		respondError(w, http.StatusNotFound, "interview_not_found", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("interview lookup failed", zap.String("interview_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "store_error", "interview lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
