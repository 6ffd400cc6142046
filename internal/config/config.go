package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call bridge.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// PublicURL is the externally reachable base URL used in webhooks and
	// media stream URLs handed to the telephony provider.
	PublicURL string

	TelephonyProvider string

	TwilioAccountSID        string
	TwilioAuthToken         string
	TwilioPhoneNumber       string
	TwilioValidateSignature bool

	VonageApplicationID  string
	VonagePrivateKeyPath string
	VonageNumber         string

	WhereToCall string
	// AllowedCallPrefixes restricts outbound calls to these E.164 prefixes.
	// Empty allows every destination that is not blocked.
	AllowedCallPrefixes []string

	OpenAIAPIKey        string
	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string
	EngineDialTimeout   time.Duration
	EngineDialAttempts  int

	DefaultInstructions string
	DefaultVoice        string
	DefaultLanguage     string
	DefaultTemperature  float64
	TranscriptionModel  string
	TranscriptionPrompt string
	GreetingText        string
	GreetingLanguage    string

	VADThreshold       float64
	VADSilenceDuration time.Duration
	SessionSettleDelay time.Duration
	StreamStartTimeout time.Duration

	InterruptMinElapsed       time.Duration
	VonageInterruptMinElapsed time.Duration

	EndCallPhrases []string
	EndCallGrace   time.Duration

	OutboundQueueSize int
	WriteTimeout      time.Duration

	PendingCallTTL   time.Duration
	ScriptResetAfter time.Duration

	ArchiveDir  string
	DatabaseURL string

	LogLevel string
	LogFile  string
}

const defaultInstructions = "You are a friendly phone interviewer. Keep answers short, ask one question at a time " +
	"and let the caller finish before you speak. When the interview is complete, thank the caller and say goodbye."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":5050"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "callbridge"),
		AllowAnyOrigin:      false,
		PublicURL:           strings.TrimRight(firstNonEmpty("PUBLIC_URL", "LOCALTUNNEL_URL"), "/"),
		TelephonyProvider:   strings.ToLower(envOrDefault("TELEPHONY_PROVIDER", "twilio")),
		TwilioAccountSID:    stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber:   stringsTrimSpace("TWILIO_PHONE_NUMBER"),
		VonageApplicationID: stringsTrimSpace("VONAGE_APPLICATION_ID"),
		// Same default file name the Vonage dashboard downloads.
		VonagePrivateKeyPath: envOrDefault("VONAGE_PRIVATE_KEY_PATH", "private.key"),
		VonageNumber:         stringsTrimSpace("VONAGE_NUMBER"),
		WhereToCall:          stringsTrimSpace("WHERE_TO_CALL"),
		AllowedCallPrefixes:  listFromEnv("ALLOWED_CALL_PREFIXES"),
		OpenAIAPIKey:         stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:    envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel:  envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-mini-realtime-preview-2024-12-17"),
		EngineDialTimeout:    10 * time.Second,
		EngineDialAttempts:   3,
		DefaultInstructions:  envOrDefault("DEFAULT_INSTRUCTIONS", defaultInstructions),
		DefaultVoice:         envOrDefault("DEFAULT_VOICE", "shimmer"),
		DefaultLanguage:      envOrDefault("DEFAULT_LANGUAGE", "fi"),
		DefaultTemperature:   0.8,
		TranscriptionModel:   envOrDefault("TRANSCRIPTION_MODEL", "whisper-1"),
		TranscriptionPrompt:  stringsTrimSpace("TRANSCRIPTION_PROMPT"),
		GreetingText:         envOrDefault("GREETING_TEXT", "Yhdistän sinut haastatteluun."),
		GreetingLanguage:     envOrDefault("GREETING_LANGUAGE", "fi-FI"),
		VADThreshold:         0.6,
		VADSilenceDuration:   800 * time.Millisecond,
		SessionSettleDelay:   250 * time.Millisecond,
		StreamStartTimeout:   10 * time.Second,
		// Twilio flow grace; the Vonage flow historically used a shorter one.
		InterruptMinElapsed:       500 * time.Millisecond,
		VonageInterruptMinElapsed: 100 * time.Millisecond,
		EndCallPhrases:            listFromEnv("END_CALL_PHRASES"),
		EndCallGrace:              3 * time.Second,
		OutboundQueueSize:         256,
		WriteTimeout:              5 * time.Second,
		PendingCallTTL:            2 * time.Minute,
		ScriptResetAfter:          5 * time.Minute,
		ArchiveDir:                envOrDefault("ARCHIVE_DIR", "conversations_log"),
		DatabaseURL:               stringsTrimSpace("DATABASE_URL"),
		LogLevel:                  strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFile:                   stringsTrimSpace("LOG_FILE"),
		ShutdownTimeout:           15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TwilioValidateSignature, err = boolFromEnv("TWILIO_VALIDATE_SIGNATURE", cfg.TwilioValidateSignature)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineDialTimeout, err = durationFromEnv("ENGINE_DIAL_TIMEOUT", cfg.EngineDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.EngineDialAttempts, err = intFromEnv("ENGINE_DIAL_ATTEMPTS", cfg.EngineDialAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultTemperature, err = floatFromEnv("DEFAULT_TEMPERATURE", cfg.DefaultTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.VADThreshold, err = floatFromEnv("VAD_THRESHOLD", cfg.VADThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.VADSilenceDuration, err = durationFromEnv("VAD_SILENCE_DURATION", cfg.VADSilenceDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSettleDelay, err = durationFromEnv("SESSION_SETTLE_DELAY", cfg.SessionSettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.StreamStartTimeout, err = durationFromEnv("STREAM_START_TIMEOUT", cfg.StreamStartTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InterruptMinElapsed, err = durationFromEnv("INTERRUPT_MIN_ELAPSED", cfg.InterruptMinElapsed)
	if err != nil {
		return Config{}, err
	}
	cfg.VonageInterruptMinElapsed, err = durationFromEnv("VONAGE_INTERRUPT_MIN_ELAPSED", cfg.VonageInterruptMinElapsed)
	if err != nil {
		return Config{}, err
	}
	cfg.EndCallGrace, err = durationFromEnv("END_CALL_GRACE", cfg.EndCallGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.OutboundQueueSize, err = intFromEnv("OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.WriteTimeout, err = durationFromEnv("WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PendingCallTTL, err = durationFromEnv("PENDING_CALL_TTL", cfg.PendingCallTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.ScriptResetAfter, err = durationFromEnv("SCRIPT_RESET_AFTER", cfg.ScriptResetAfter)
	if err != nil {
		return Config{}, err
	}

	switch cfg.TelephonyProvider {
	case "twilio", "vonage", "none":
	default:
		return Config{}, fmt.Errorf("TELEPHONY_PROVIDER must be one of twilio, vonage, none")
	}
	if cfg.EngineDialAttempts <= 0 {
		return Config{}, fmt.Errorf("ENGINE_DIAL_ATTEMPTS must be positive")
	}
	if cfg.DefaultTemperature < 0 || cfg.DefaultTemperature > 2 {
		return Config{}, fmt.Errorf("DEFAULT_TEMPERATURE must be within [0, 2]")
	}
	if cfg.VADThreshold <= 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VAD_THRESHOLD must be within (0, 1]")
	}
	if cfg.InterruptMinElapsed < 0 || cfg.VonageInterruptMinElapsed < 0 {
		return Config{}, fmt.Errorf("INTERRUPT_MIN_ELAPSED must be >= 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("OUTBOUND_QUEUE_SIZE must be positive")
	}
	if cfg.PendingCallTTL < time.Second {
		return Config{}, fmt.Errorf("PENDING_CALL_TTL must be at least 1s")
	}
	if cfg.ScriptResetAfter <= 0 {
		return Config{}, fmt.Errorf("SCRIPT_RESET_AFTER must be positive")
	}

	return cfg, nil
}

// InterruptMinElapsedFor returns the barge-in grace for a telephony provider.
func (c Config) InterruptMinElapsedFor(provider string) time.Duration {
	if provider == "vonage" {
		return c.VonageInterruptMinElapsed
	}
	return c.InterruptMinElapsed
}

// PublicWSURL turns PublicURL into a websocket URL for the given path.
func (c Config) PublicWSURL(path string) string {
	base := c.PublicURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case base != "" && !strings.Contains(base, "://"):
		base = "wss://" + base
	}
	return base + path
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func firstNonEmpty(keys ...string) string {
	for _, key := range keys {
		if v := stringsTrimSpace(key); v != "" {
			return v
		}
	}
	return ""
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// listFromEnv splits a "|" separated list. Phrases may contain commas.
func listFromEnv(key string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, "|") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
