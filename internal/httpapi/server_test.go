package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/engine"
	"github.com/ent0n29/callbridge/internal/interview"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/relay"
	"github.com/ent0n29/callbridge/internal/script"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/telephony"
	"github.com/ent0n29/callbridge/internal/transcript"
)

type fakeProvider struct {
	name   string
	callID string

	mu     sync.Mutex
	placed []telephony.PlaceCallRequest
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) From() string { return "+15550000000" }

func (p *fakeProvider) PlaceCall(_ context.Context, req telephony.PlaceCallRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, req)
	return p.callID, nil
}

func (p *fakeProvider) EndCall(context.Context, string) error { return nil }

func (p *fakeProvider) requests() []telephony.PlaceCallRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]telephony.PlaceCallRequest(nil), p.placed...)
}

type testServer struct {
	srv      *Server
	ts       *httptest.Server
	sessions *session.Manager
	pending  *script.Pending
	store    *interview.InMemoryStore
	provider *fakeProvider
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Config{
		TelephonyProvider: telephony.ProviderTwilio,
		PublicURL:         "https://bridge.example.com",
		GreetingText:      "Yhdistän sinut haastatteluun.",
		GreetingLanguage:  "fi-FI",
		VonageNumber:      "+358401234567",
		WhereToCall:       "+358401112222",
		OpenAIAPIKey:      "sk-test",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg, reg, "httpapi_test")
	sessions := session.NewManager(time.Minute)
	pending := script.NewPending(script.Script{Instructions: "Be brief.", Voice: "alloy", Language: "fi"}, time.Minute, nil)
	t.Cleanup(pending.Stop)
	store := interview.NewInMemoryStore()
	provider := &fakeProvider{name: telephony.ProviderTwilio, callID: "CA100"}
	providers := telephony.Providers{telephony.ProviderTwilio: provider}

	tracker := relay.NewTracker()
	recorder := transcript.NewRecorder(t.TempDir(), store, metrics, nil)
	dialer := engine.NewDialer(engine.Config{
		URL:         cfg.OpenAIRealtimeURL,
		APIKey:      cfg.OpenAIAPIKey,
		DialTimeout: time.Second,
		Attempts:    1,
	})
	rel := relay.New(relay.Config{
		WriteTimeout:        time.Second,
		QueueSize:           64,
		InterruptMinElapsed: 500 * time.Millisecond,
		VADThreshold:        0.6,
		VADSilenceDuration:  800 * time.Millisecond,
		StreamStartTimeout:  2 * time.Second,
	}, relay.Deps{
		Sessions:   sessions,
		Pending:    pending,
		Dialer:     relay.EngineDialerFrom(dialer),
		Terminator: relay.NewTerminator(providers, sessions, recorder, metrics, nil, time.Second),
		Tracker:    tracker,
		Metrics:    metrics,
	})

	srv := New(cfg, Deps{
		Sessions:  sessions,
		Pending:   pending,
		Providers: providers,
		Store:     store,
		Relay:     rel,
		Tracker:   tracker,
		Metrics:   metrics,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{srv: srv, ts: ts, sessions: sessions, pending: pending, store: store, provider: provider}
}

func postJSON(t *testing.T, target string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	res, err := http.Post(target, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", target, err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestStartInterviewPlacesAndRegistersCall(t *testing.T) {
	s := newTestServer(t, nil)

	res := postJSON(t, s.ts.URL+"/start-interview", map[string]any{
		"phone_number": "+358 40 123 4567",
		"interview_id": "iv-1",
		"phone_script_json": map[string]any{
			"instructions": "Ask about the new library.",
			"voice":        "sage",
			"language":     "fi-FI",
			"questions":    []any{"Mitä mieltä olet?"},
		},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", res.StatusCode, readBody(t, res))
	}
	var got callResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.CallID != "CA100" || got.ToNumber != "+358401234567" || got.Language != "fi-FI" || got.InterviewID != "iv-1" {
		t.Fatalf("unexpected response %+v", got)
	}

	reqs := s.provider.requests()
	if len(reqs) != 1 {
		t.Fatalf("placed %d calls, want 1", len(reqs))
	}
	if reqs[0].AnswerURL != "https://bridge.example.com/incoming-call" || reqs[0].EventURL != "https://bridge.example.com/event" {
		t.Fatalf("unexpected webhook urls %+v", reqs[0])
	}

	sess, err := s.sessions.LookupByCall("CA100")
	if err != nil {
		t.Fatalf("call not registered: %v", err)
	}
	if sess.BusinessEntityID() != "iv-1" {
		t.Fatalf("BusinessEntityID = %q, want iv-1", sess.BusinessEntityID())
	}
	if sc := sess.Script(); sc.Voice != "sage" || sc.Structure["questions"] == nil {
		t.Fatalf("unexpected script %+v", sc)
	}
	if _, custom := s.pending.Current(); !custom {
		t.Fatalf("phone script was not kept for uncorrelated calls")
	}

	rec, err := s.store.Get(context.Background(), "iv-1")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.Status != interview.StatusCalling || rec.CallID != "CA100" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestStartInterviewLegacyPrompt(t *testing.T) {
	s := newTestServer(t, nil)

	res := postJSON(t, s.ts.URL+"/start-interview", map[string]any{
		"phone_number":      "+358401234567",
		"system_prompt":     "Interview the mayor.",
		"interview_context": "Budget vote on Monday.",
		"language":          "en",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	sess, err := s.sessions.LookupByCall("CA100")
	if err != nil {
		t.Fatalf("call not registered: %v", err)
	}
	sc := sess.Script()
	if !strings.HasPrefix(sc.Instructions, "Interview the mayor.") || !strings.Contains(sc.Instructions, "Budget vote") {
		t.Fatalf("Instructions = %q", sc.Instructions)
	}
	if sc.Language != "en" {
		t.Fatalf("Language = %q, want en", sc.Language)
	}
	if _, custom := s.pending.Current(); custom {
		t.Fatalf("legacy request must not replace the pending script")
	}
}

func TestStartInterviewValidation(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.AllowedCallPrefixes = []string{"+358"} })

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing number", map[string]any{}, http.StatusBadRequest},
		{"invalid number", map[string]any{"phone_number": "call me"}, http.StatusBadRequest},
		{"emergency number", map[string]any{"phone_number": "112"}, http.StatusForbidden},
		{"prefix not allowed", map[string]any{"phone_number": "+15551234567"}, http.StatusForbidden},
		{"bad script", map[string]any{"phone_number": "+358401234567", "phone_script_json": map[string]any{"temperature": 9}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := postJSON(t, s.ts.URL+"/start-interview", tc.body)
			if res.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tc.want)
			}
		})
	}
	if n := len(s.provider.requests()); n != 0 {
		t.Fatalf("placed %d calls, want none", n)
	}
}

func TestTriggerCallUsesConfiguredDestination(t *testing.T) {
	s := newTestServer(t, nil)

	res := postJSON(t, s.ts.URL+"/trigger-call", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	reqs := s.provider.requests()
	if len(reqs) != 1 || reqs[0].To != "+358401112222" {
		t.Fatalf("unexpected calls %+v", reqs)
	}

	s = newTestServer(t, func(c *config.Config) { c.WhereToCall = "" })
	res = postJSON(t, s.ts.URL+"/trigger-call", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without destination = %d, want 400", res.StatusCode)
	}
}

func TestIncomingCallReturnsStreamTwiML(t *testing.T) {
	s := newTestServer(t, nil)
	if _, err := s.sessions.RegisterCall(session.Registration{CarrierCallID: "CA7", BusinessEntityID: "iv-7", Provider: telephony.ProviderTwilio}); err != nil {
		t.Fatalf("RegisterCall() error = %v", err)
	}

	res, err := http.PostForm(s.ts.URL+"/incoming-call", url.Values{"CallSid": {"CA7"}})
	if err != nil {
		t.Fatalf("POST /incoming-call error = %v", err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := readBody(t, res)
	for _, want := range []string{`url="wss://bridge.example.com/media-stream"`, `name="interview_id"`, `value="iv-7"`, "Yhdistän sinut haastatteluun."} {
		if !strings.Contains(body, want) {
			t.Fatalf("TwiML missing %q:\n%s", want, body)
		}
	}
}

func TestIncomingCallWithoutPublicURLApologizes(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.PublicURL = "" })

	res, err := http.Get(s.ts.URL + "/incoming-call")
	if err != nil {
		t.Fatalf("GET /incoming-call error = %v", err)
	}
	defer res.Body.Close()
	body := readBody(t, res)
	if !strings.Contains(body, "Pahoittelemme") || strings.Contains(body, "<Connect") {
		t.Fatalf("unexpected TwiML:\n%s", body)
	}
}

func TestIncomingCallRejectsUnsignedRequest(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.TwilioValidateSignature = true })

	res, err := http.PostForm(s.ts.URL+"/incoming-call", url.Values{"CallSid": {"CA7"}})
	if err != nil {
		t.Fatalf("POST /incoming-call error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.StatusCode)
	}
}

func TestAnswerReturnsNCCO(t *testing.T) {
	s := newTestServer(t, nil)

	res, err := http.Get(s.ts.URL + "/answer?uuid=uuid-1")
	if err != nil {
		t.Fatalf("GET /answer error = %v", err)
	}
	defer res.Body.Close()
	var ncco []map[string]any
	if err := json.NewDecoder(res.Body).Decode(&ncco); err != nil {
		t.Fatalf("decode ncco: %v", err)
	}
	if len(ncco) != 2 || ncco[0]["action"] != "talk" || ncco[1]["action"] != "connect" {
		t.Fatalf("unexpected ncco %+v", ncco)
	}
	endpoint := ncco[1]["endpoint"].([]any)[0].(map[string]any)
	if endpoint["uri"] != "wss://bridge.example.com/websocket" {
		t.Fatalf("uri = %v", endpoint["uri"])
	}
	if headers := endpoint["headers"].(map[string]any); headers["call_uuid"] != "uuid-1" {
		t.Fatalf("headers = %v", headers)
	}
}

func TestCallEventReleasesUnansweredCall(t *testing.T) {
	s := newTestServer(t, nil)
	for _, id := range []string{"CA8", "uuid-8"} {
		if _, err := s.sessions.RegisterCall(session.Registration{CarrierCallID: id, Provider: telephony.ProviderTwilio}); err != nil {
			t.Fatalf("RegisterCall(%s) error = %v", id, err)
		}
	}

	res, err := http.PostForm(s.ts.URL+"/event", url.Values{"CallSid": {"CA8"}, "CallStatus": {"no-answer"}})
	if err != nil {
		t.Fatalf("POST /event error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", res.StatusCode)
	}
	if _, err := s.sessions.LookupByCall("CA8"); err == nil {
		t.Fatalf("unanswered twilio call still registered")
	}

	res = postJSON(t, s.ts.URL+"/event", map[string]string{"uuid": "uuid-8", "status": "ringing"})
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", res.StatusCode)
	}
	if _, err := s.sessions.LookupByCall("uuid-8"); err != nil {
		t.Fatalf("ringing call released early")
	}
	postJSON(t, s.ts.URL+"/event", map[string]string{"uuid": "uuid-8", "status": "rejected"})
	if _, err := s.sessions.LookupByCall("uuid-8"); err == nil {
		t.Fatalf("rejected vonage call still registered")
	}
}

func TestGetInterview(t *testing.T) {
	s := newTestServer(t, nil)
	if err := s.store.MarkCalling(context.Background(), "iv-9", "CA9", "+358401234567"); err != nil {
		t.Fatalf("MarkCalling() error = %v", err)
	}

	res, err := http.Get(s.ts.URL + "/v1/interviews/iv-9")
	if err != nil {
		t.Fatalf("GET interview error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	res, err = http.Get(s.ts.URL + "/v1/interviews/missing")
	if err != nil {
		t.Fatalf("GET interview error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestReadyRequiresEngineKey(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.OpenAIAPIKey = "" })

	res, err := http.Get(s.ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.StatusCode)
	}

	res, err = http.Get(s.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", res.StatusCode)
	}
}

// fakeEngine accepts one realtime session, answers the session update with
// a single audio delta and records what the relay sent.
func fakeEngine(t *testing.T) (*httptest.Server, <-chan string) {
	t.Helper()
	received := make(chan string, 64)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &ev)
			received <- ev.Type
			if ev.Type == engine.ClientSessionUpdate {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.audio.delta","response_id":"r1","item_id":"item1","delta":"AAEC"}`))
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts, received
}

func TestMediaStreamRelaysAudio(t *testing.T) {
	eng, received := fakeEngine(t)
	s := newTestServer(t, func(c *config.Config) {
		c.OpenAIRealtimeURL = "ws" + strings.TrimPrefix(eng.URL, "http")
	})

	wsURL := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/media-stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	defer conn.Close()

	start := `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA55"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(start)); err != nil {
		t.Fatalf("write start: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read media: %v", err)
		}
		var msg struct {
			Event string `json:"event"`
			Media struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if msg.Event == "media" {
			if msg.Media.Payload != "AAEC" {
				t.Fatalf("payload = %q, want AAEC", msg.Media.Payload)
			}
			break
		}
	}

	select {
	case typ := <-received:
		if typ != engine.ClientSessionUpdate {
			t.Fatalf("first engine message = %q, want session.update", typ)
		}
	case <-time.After(time.Second):
		t.Fatalf("engine received nothing")
	}

	stop := `{"event":"stop","streamSid":"MZ1","stop":{"callSid":"CA55"}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(stop)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for s.sessions.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream session was not released")
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := http.Get(s.ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode latency snapshot: %v", err)
	}
	stages := map[string]bool{}
	for _, st := range snap.Stages {
		stages[st.Stage] = true
	}
	for _, want := range []string{observability.StageEngineDial, observability.StageFirstAudio} {
		if !stages[want] {
			t.Fatalf("latency snapshot missing %s: %+v", want, snap.Stages)
		}
	}
}
