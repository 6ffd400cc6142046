package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.InterruptMinElapsed != 500*time.Millisecond {
		t.Fatalf("InterruptMinElapsed = %v, want 500ms", cfg.InterruptMinElapsed)
	}
	if cfg.VonageInterruptMinElapsed != 100*time.Millisecond {
		t.Fatalf("VonageInterruptMinElapsed = %v, want 100ms", cfg.VonageInterruptMinElapsed)
	}
	if cfg.ScriptResetAfter != 5*time.Minute {
		t.Fatalf("ScriptResetAfter = %v, want 5m", cfg.ScriptResetAfter)
	}
	if cfg.ArchiveDir != "conversations_log" {
		t.Fatalf("ArchiveDir = %q, want conversations_log", cfg.ArchiveDir)
	}
	if cfg.DefaultVoice != "shimmer" {
		t.Fatalf("DefaultVoice = %q, want shimmer", cfg.DefaultVoice)
	}
	if len(cfg.EndCallPhrases) != 0 {
		t.Fatalf("EndCallPhrases = %v, want empty default", cfg.EndCallPhrases)
	}
}

func TestLoadParsesEndCallPhrases(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("END_CALL_PHRASES", " Kiitos haastattelusta | goodbye, and thanks ||")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []string{"Kiitos haastattelusta", "goodbye, and thanks"}
	if len(cfg.EndCallPhrases) != len(want) {
		t.Fatalf("EndCallPhrases = %v, want %v", cfg.EndCallPhrases, want)
	}
	for i := range want {
		if cfg.EndCallPhrases[i] != want[i] {
			t.Fatalf("EndCallPhrases[%d] = %q, want %q", i, cfg.EndCallPhrases[i], want[i])
		}
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TELEPHONY_PROVIDER", "plivo")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want provider validation error")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("INTERRUPT_MIN_ELAPSED", "soon")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse error")
	}
}

func TestInterruptMinElapsedFor(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("INTERRUPT_MIN_ELAPSED", "750ms")
	t.Setenv("VONAGE_INTERRUPT_MIN_ELAPSED", "50ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.InterruptMinElapsedFor("twilio"); got != 750*time.Millisecond {
		t.Fatalf("InterruptMinElapsedFor(twilio) = %v, want 750ms", got)
	}
	if got := cfg.InterruptMinElapsedFor("vonage"); got != 50*time.Millisecond {
		t.Fatalf("InterruptMinElapsedFor(vonage) = %v, want 50ms", got)
	}
}

func TestPublicWSURL(t *testing.T) {
	cases := map[string]string{
		"https://bridge.example.com": "wss://bridge.example.com/media-stream",
		"http://localhost:5050":      "ws://localhost:5050/media-stream",
		"bridge.loca.lt":             "wss://bridge.loca.lt/media-stream",
	}
	for base, want := range cases {
		cfg := Config{PublicURL: base}
		if got := cfg.PublicWSURL("/media-stream"); got != want {
			t.Fatalf("PublicWSURL(%q) = %q, want %q", base, got, want)
		}
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"PUBLIC_URL",
		"LOCALTUNNEL_URL",
		"TELEPHONY_PROVIDER",
		"TWILIO_ACCOUNT_SID",
		"TWILIO_AUTH_TOKEN",
		"TWILIO_PHONE_NUMBER",
		"TWILIO_VALIDATE_SIGNATURE",
		"VONAGE_APPLICATION_ID",
		"VONAGE_PRIVATE_KEY_PATH",
		"VONAGE_NUMBER",
		"WHERE_TO_CALL",
		"ALLOWED_CALL_PREFIXES",
		"OPENAI_API_KEY",
		"OPENAI_REALTIME_URL",
		"OPENAI_REALTIME_MODEL",
		"ENGINE_DIAL_TIMEOUT",
		"ENGINE_DIAL_ATTEMPTS",
		"DEFAULT_INSTRUCTIONS",
		"DEFAULT_VOICE",
		"DEFAULT_LANGUAGE",
		"DEFAULT_TEMPERATURE",
		"TRANSCRIPTION_MODEL",
		"TRANSCRIPTION_PROMPT",
		"GREETING_TEXT",
		"GREETING_LANGUAGE",
		"VAD_THRESHOLD",
		"VAD_SILENCE_DURATION",
		"SESSION_SETTLE_DELAY",
		"STREAM_START_TIMEOUT",
		"INTERRUPT_MIN_ELAPSED",
		"VONAGE_INTERRUPT_MIN_ELAPSED",
		"END_CALL_PHRASES",
		"END_CALL_GRACE",
		"OUTBOUND_QUEUE_SIZE",
		"WRITE_TIMEOUT",
		"PENDING_CALL_TTL",
		"SCRIPT_RESET_AFTER",
		"ARCHIVE_DIR",
		"DATABASE_URL",
		"LOG_LEVEL",
		"LOG_FILE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
