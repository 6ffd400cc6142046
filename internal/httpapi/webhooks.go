package httpapi

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/telephony"
)

const apologyText = "Pahoittelemme, puhelun yhdistämisessä tapahtui virhe. Yritä myöhemmin uudelleen."

type requestValidator interface {
	ValidateRequest(url string, params map[string]string, signature string) bool
}

// handleIncomingCall answers a Twilio voice webhook with TwiML that greets
// the caller and connects the call audio to /media-stream.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if s.cfg.TwilioValidateSignature && !s.validTwilioSignature(r) {
		s.logger.Warn("twilio webhook signature rejected", zap.String("path", r.URL.Path))
		s.callEvent("webhook_rejected")
		respondError(w, http.StatusForbidden, "invalid_signature", "request signature did not validate")
		return
	}

	callID := r.Form.Get("CallSid")
	if s.cfg.PublicURL == "" {
		s.logger.Error("incoming call cannot be connected, PUBLIC_URL is not set", zap.String("call_id", callID))
		s.respondTwiML(w, func() (string, error) { return telephony.SayTwiML(apologyText, s.cfg.GreetingLanguage) })
		return
	}

	params := map[string]string{}
	if id := s.interviewIDFor(callID); id != "" {
		params["interview_id"] = id
	}
	streamURL := s.cfg.PublicWSURL("/media-stream")
	s.logger.Info("incoming call handled, connecting to media stream", zap.String("call_id", callID))
	s.respondTwiML(w, func() (string, error) {
		return telephony.StreamTwiML(s.cfg.GreetingText, s.cfg.GreetingLanguage, streamURL, params)
	})
}

func (s *Server) respondTwiML(w http.ResponseWriter, build func() (string, error)) {
	body, err := build()
	if err != nil {
		s.logger.Error("render twiml failed", zap.Error(err))
		body, err = telephony.SayTwiML(apologyText, s.cfg.GreetingLanguage)
		if err != nil {
			http.Error(w, "twiml unavailable", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (s *Server) validTwilioSignature(r *http.Request) bool {
	v, ok := s.providers.Get(telephony.ProviderTwilio).(requestValidator)
	if !ok {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k := range r.PostForm {
		params[k] = r.PostForm.Get(k)
	}
	return v.ValidateRequest(s.cfg.PublicURL+r.URL.RequestURI(), params, r.Header.Get("X-Twilio-Signature"))
}

// handleAnswer answers a Vonage answer webhook with an NCCO connecting the
// call audio to /websocket. The call uuid travels to the websocket as a
// header so the stream can be correlated with the placed call.
func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callID := r.Form.Get("uuid")
	if s.cfg.PublicURL == "" {
		s.logger.Error("answered call cannot be connected, PUBLIC_URL is not set", zap.String("call_id", callID))
		respondJSON(w, http.StatusOK, telephony.ErrorNCCO(apologyText, s.cfg.GreetingLanguage))
		return
	}

	headers := map[string]string{}
	if callID != "" {
		headers["call_uuid"] = callID
	}
	if id := s.interviewIDFor(callID); id != "" {
		headers["interview_id"] = id
	}
	from := s.providers.Get(telephony.ProviderVonage).From()
	if from == "" {
		from = s.cfg.VonageNumber
	}
	s.logger.Info("answered call, connecting to websocket", zap.String("call_id", callID))
	respondJSON(w, http.StatusOK, telephony.AnswerNCCO(
		s.cfg.GreetingText, s.cfg.GreetingLanguage, s.cfg.PublicWSURL("/websocket"), from, headers,
	))
}

func (s *Server) interviewIDFor(callID string) string {
	if callID == "" {
		return ""
	}
	sess, err := s.sessions.LookupByCall(callID)
	if err != nil {
		return ""
	}
	return sess.BusinessEntityID()
}

// handleMediaStream upgrades a carrier media connection and relays it
// until the call ends.
func (s *Server) handleMediaStream(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		codec, err := telephony.NewCodec(provider)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "codec_unavailable", err.Error())
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("media stream upgrade failed", zap.String("provider", provider), zap.Error(err))
			return
		}
		conn.SetReadLimit(1 << 20)
		s.callEvent("ws_connected")

		// The relay owns conn from here and closes it.
		if err := s.relay.Serve(r.Context(), conn, codec); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Info("media stream ended with error", zap.String("provider", provider), zap.Error(err))
		}
	}
}
