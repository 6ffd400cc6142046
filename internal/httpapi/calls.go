package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/policy"
	"github.com/ent0n29/callbridge/internal/script"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
)

type startInterviewRequest struct {
	PhoneNumber string         `json:"phone_number"`
	PhoneScript map[string]any `json:"phone_script_json"`
	InterviewID string         `json:"interview_id"`

	// Older clients send a bare prompt instead of a phone script.
	SystemPrompt     string `json:"system_prompt"`
	Language         string `json:"language"`
	InterviewContext string `json:"interview_context"`
}

type callResponse struct {
	Status      string `json:"status"`
	CallID      string `json:"call_sid"`
	Provider    string `json:"provider"`
	Message     string `json:"message"`
	ToNumber    string `json:"to_number"`
	FromNumber  string `json:"from_number"`
	Language    string `json:"language,omitempty"`
	InterviewID string `json:"interview_id,omitempty"`
}

type apiError struct {
	status  int
	code    string
	message string
}

func (s *Server) handleStartInterview(w http.ResponseWriter, r *http.Request) {
	var req startInterviewRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON in request body")
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		respondError(w, http.StatusBadRequest, "missing_phone_number", "phone_number is required")
		return
	}

	sc, err := script.FromPhoneScript(req.PhoneScript, s.legacyDefaults(req))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_phone_script", err.Error())
		return
	}
	if req.PhoneScript != nil {
		// Inbound calls that cannot be correlated pick this script up until
		// it resets.
		s.pending.Set(sc)
		s.logger.Info("phone script received",
			zap.String("voice", sc.Voice),
			zap.String("language", sc.Language),
			zap.Int("instructions_len", len(sc.Instructions)),
		)
	}

	resp, apiErr := s.placeCall(r.Context(), req.PhoneNumber, strings.TrimSpace(req.InterviewID), sc)
	if apiErr != nil {
		respondError(w, apiErr.status, apiErr.code, apiErr.message)
		return
	}
	resp.Message = "Interview call initiated to " + resp.ToNumber
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggerCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WhereToCall == "" {
		respondError(w, http.StatusBadRequest, "missing_destination", "missing WHERE_TO_CALL environment variable")
		return
	}
	resp, apiErr := s.placeCall(r.Context(), s.cfg.WhereToCall, "", s.pending.Default())
	if apiErr != nil {
		respondError(w, apiErr.status, apiErr.code, apiErr.message)
		return
	}
	resp.Message = "Call initiated to " + resp.ToNumber
	respondJSON(w, http.StatusOK, resp)
}

// legacyDefaults folds system_prompt, language and interview_context into
// the script defaults. A phone script overrides them key by key.
func (s *Server) legacyDefaults(req startInterviewRequest) script.Defaults {
	d := s.pending.Default()
	defaults := script.Defaults{
		Instructions:        d.Instructions,
		Voice:               d.Voice,
		Language:            d.Language,
		Temperature:         d.Temperature,
		TranscriptionPrompt: d.TranscriptionPrompt,
	}
	if p := strings.TrimSpace(req.SystemPrompt); p != "" {
		defaults.Instructions = p
	}
	if c := strings.TrimSpace(req.InterviewContext); c != "" {
		defaults.Instructions += "\n\nInterview context:\n" + c
	}
	if l := strings.TrimSpace(req.Language); l != "" {
		defaults.Language = l
	}
	return defaults
}

func (s *Server) placeCall(ctx context.Context, rawNumber, interviewID string, sc script.Script) (callResponse, *apiError) {
	if s.cfg.PublicURL == "" {
		return callResponse{}, &apiError{http.StatusBadRequest, "missing_public_url", "missing PUBLIC_URL environment variable"}
	}
	decision := policy.DecideDial(rawNumber, s.cfg.AllowedCallPrefixes)
	if !decision.Allowed {
		s.logger.Warn("outbound call refused",
			zap.String("to", policy.MaskPhoneNumber(rawNumber)),
			zap.Error(decision.Reason),
		)
		s.callEvent("dial_refused")
		status := http.StatusForbidden
		if errors.Is(decision.Reason, policy.ErrInvalidNumber) {
			status = http.StatusBadRequest
		}
		return callResponse{}, &apiError{status, "dial_refused", decision.Reason.Error()}
	}

	provider := s.providers.Get(s.cfg.TelephonyProvider)
	callID, err := provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		To:        decision.Number,
		AnswerURL: s.answerURL(provider.Name()),
		EventURL:  s.cfg.PublicURL + "/event",
	})
	if err != nil {
		s.logger.Error("place call failed",
			zap.String("provider", provider.Name()),
			zap.String("to", policy.MaskPhoneNumber(decision.Number)),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.ProviderErrors.WithLabelValues(provider.Name(), "place_call").Inc()
		}
		if errors.Is(err, telephony.ErrNotConfigured) {
			return callResponse{}, &apiError{http.StatusBadRequest, "provider_not_configured", err.Error()}
		}
		return callResponse{}, &apiError{http.StatusBadGateway, "place_call_failed", fmt.Sprintf("failed to place call: %v", err)}
	}

	if _, err := s.sessions.RegisterCall(session.Registration{
		CarrierCallID:    callID,
		BusinessEntityID: interviewID,
		Provider:         provider.Name(),
		Script:           sc,
	}); err != nil {
		// The call is already ringing; its stream will run untracked.
		s.logger.Error("register call failed", zap.String("call_id", callID), zap.Error(err))
	}
	if interviewID != "" {
		if err := s.store.MarkCalling(ctx, interviewID, callID, decision.Number); err != nil {
			s.logger.Error("mark interview calling failed",
				zap.String("interview_id", interviewID),
				zap.String("call_id", callID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("outbound call placed",
		zap.String("provider", provider.Name()),
		zap.String("call_id", callID),
		zap.String("interview_id", interviewID),
		zap.String("to", policy.MaskPhoneNumber(decision.Number)),
	)
	s.callEvent("placed")
	return callResponse{
		Status:      "success",
		CallID:      callID,
		Provider:    provider.Name(),
		ToNumber:    decision.Number,
		FromNumber:  provider.From(),
		Language:    sc.Language,
		InterviewID: interviewID,
	}, nil
}

func (s *Server) answerURL(provider string) string {
	if provider == telephony.ProviderVonage {
		return s.cfg.PublicURL + "/answer"
	}
	return s.cfg.PublicURL + "/incoming-call"
}

// terminalCallStatuses are carrier statuses after which no media stream
// will connect. Twilio and Vonage spellings are both listed.
var terminalCallStatuses = map[string]struct{}{
	"completed": {}, "failed": {}, "busy": {}, "canceled": {}, "no-answer": {},
	"rejected": {}, "timeout": {}, "unanswered": {},
}

type vonageCallEvent struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

// handleCallEvent receives call status callbacks. A call that ends before
// its media stream connected is released here; calls that streamed are
// released by their relay.
func (s *Server) handleCallEvent(w http.ResponseWriter, r *http.Request) {
	var callID, status string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		callID, status = r.PostForm.Get("CallSid"), r.PostForm.Get("CallStatus")
	} else {
		var ev vonageCallEvent
		if err := decodeJSON(r, &ev); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid call event")
			return
		}
		callID, status = ev.UUID, ev.Status
	}
	status = strings.ToLower(strings.TrimSpace(status))
	logger := s.logger.With(zap.String("call_id", callID), zap.String("status", status))
	logger.Debug("call status event")

	if _, terminal := terminalCallStatuses[status]; terminal && callID != "" {
		if sess, err := s.sessions.LookupByCall(callID); err == nil && sess.Status() == session.StatusInitiated {
			s.sessions.Release(callID)
			s.callEvent("ended_before_stream")
			logger.Info("call ended before its media stream connected")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) callEvent(event string) {
	if s.metrics != nil {
		s.metrics.CallEvents.WithLabelValues(event).Inc()
	}
}
