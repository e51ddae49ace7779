package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultExitPhrases ends a conversation when spoken or typed on its own.
var DefaultExitPhrases = []string{"结束", "退出", "拜拜", "再见", "break out", "bye", "exit", "quit"}

const defaultSystemPrompt = "You are a helpful assistant. Answer clearly and concisely."

// Config contains all runtime settings for the conversation service and console.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	LogLevel  string
	LogFormat string

	TranscriptionProvider string
	CompletionProvider    string
	CompletionFallback    string
	SynthesisProvider     string

	CompletionAPIKey  string
	CompletionBaseURL string
	CompletionModel   string
	OllamaURL         string
	OllamaModel       string
	SystemPrompt      string

	WhisperCLI            string
	WhisperModelPath      string
	WhisperHTTPURL        string
	WhisperHTTPModel      string
	WhisperHTTPAPIKey     string
	TranscriptionLanguage string
	GoogleSpeechEnabled   bool
	GoogleSpeechLanguage  string

	ElevenLabsAPIKey       string
	ElevenLabsBaseURL      string
	ElevenLabsVoiceID      string
	ElevenLabsModelID      string
	ElevenLabsOutputFormat string

	VolcanoAppID       string
	VolcanoAccessToken string
	VolcanoCluster     string
	VolcanoVoiceType   string

	ExitPhrases       []string
	SpeakTypedReplies bool

	TranscribeTimeout time.Duration
	CompletionTimeout time.Duration
	SynthesisTimeout  time.Duration
	PlaybackTimeout   time.Duration
	PersistTimeout    time.Duration

	ConversationLog string
	LogRedactPII    bool
	DataDir         string
	MediaDir        string

	PlayerCommand   string
	RecorderCommand string
	RecordSeconds   int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	dataDir := envOrDefault("DATA_DIR", "data")
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voiceloop"),
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "text")),

		TranscriptionProvider: strings.ToLower(envOrDefault("TRANSCRIPTION_PROVIDER", "auto")),
		CompletionProvider:    strings.ToLower(envOrDefault("COMPLETION_PROVIDER", "auto")),
		CompletionFallback:    strings.ToLower(envOrDefault("COMPLETION_FALLBACK", "none")),
		SynthesisProvider:     strings.ToLower(envOrDefault("SYNTHESIS_PROVIDER", "auto")),

		// DEEPSEEK_API_KEY and BASE_URL are accepted for existing .env files.
		CompletionAPIKey:  firstNonEmpty(stringsTrimSpace("OPENAI_API_KEY"), stringsTrimSpace("DEEPSEEK_API_KEY")),
		CompletionBaseURL: firstNonEmpty(stringsTrimSpace("COMPLETION_BASE_URL"), stringsTrimSpace("BASE_URL"), "https://api.deepseek.com/v1"),
		CompletionModel:   envOrDefault("COMPLETION_MODEL", "deepseek-chat"),
		OllamaURL:         envOrDefault("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:       envOrDefault("OLLAMA_MODEL", "llama3.1"),
		SystemPrompt:      envOrDefault("SYSTEM_PROMPT", defaultSystemPrompt),

		WhisperCLI:            envOrDefault("WHISPER_CLI", "whisper-cli"),
		WhisperModelPath:      envOrDefault("WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		WhisperHTTPURL:        stringsTrimSpace("WHISPER_HTTP_URL"),
		WhisperHTTPModel:      envOrDefault("WHISPER_HTTP_MODEL", "whisper-1"),
		WhisperHTTPAPIKey:     firstNonEmpty(stringsTrimSpace("WHISPER_HTTP_API_KEY"), stringsTrimSpace("OPENAI_API_KEY")),
		TranscriptionLanguage: envOrDefault("TRANSCRIPTION_LANGUAGE", "zh"),
		GoogleSpeechLanguage:  envOrDefault("GOOGLE_SPEECH_LANGUAGE", "zh-CN"),

		ElevenLabsAPIKey:       stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:      envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoiceID:      envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModelID:      envOrDefault("ELEVENLABS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_OUTPUT_FORMAT", "mp3_44100_128"),

		VolcanoAppID:       stringsTrimSpace("TTS_APPID"),
		VolcanoAccessToken: stringsTrimSpace("TTS_ACCESS_TOKEN"),
		VolcanoCluster:     envOrDefault("TTS_CLUSTER", "volcano_tts"),
		VolcanoVoiceType:   envOrDefault("TTS_VOICE_TYPE", "BV001_streaming"),

		ExitPhrases: DefaultExitPhrases,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		TranscribeTimeout:        30 * time.Second,
		CompletionTimeout:        60 * time.Second,
		SynthesisTimeout:         30 * time.Second,
		PlaybackTimeout:          5 * time.Minute,
		PersistTimeout:           3 * time.Second,

		ConversationLog: envOrDefault("CONVERSATION_LOG", filepath.Join(dataDir, "conversations")),
		DataDir:         dataDir,
		MediaDir:        envOrDefault("MEDIA_DIR", filepath.Join(dataDir, "media")),

		PlayerCommand:   envOrDefault("PLAYER_COMMAND", "ffplay -nodisp -autoexit -loglevel quiet"),
		RecorderCommand: envOrDefault("RECORDER_COMMAND", "arecord -q -f S16_LE -r 16000 -c 1 -t raw"),
		RecordSeconds:   15,
	}

	if raw := stringsTrimSpace("EXIT_PHRASES"); raw != "" {
		cfg.ExitPhrases = splitList(raw)
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"TRANSCRIBE_TIMEOUT", &cfg.TranscribeTimeout},
		{"COMPLETION_TIMEOUT", &cfg.CompletionTimeout},
		{"SYNTHESIS_TIMEOUT", &cfg.SynthesisTimeout},
		{"PLAYBACK_TIMEOUT", &cfg.PlaybackTimeout},
		{"PERSIST_TIMEOUT", &cfg.PersistTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"GOOGLE_SPEECH_ENABLED", &cfg.GoogleSpeechEnabled},
		{"SPEAK_TYPED_REPLIES", &cfg.SpeakTypedReplies},
		{"LOG_REDACT_PII", &cfg.LogRedactPII},
	}
	for _, b := range bools {
		*b.dst, err = boolFromEnv(b.key, *b.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.RecordSeconds, err = intFromEnv("RECORD_SECONDS", cfg.RecordSeconds)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	for name, d := range map[string]time.Duration{
		"TRANSCRIBE_TIMEOUT": c.TranscribeTimeout,
		"COMPLETION_TIMEOUT": c.CompletionTimeout,
		"SYNTHESIS_TIMEOUT":  c.SynthesisTimeout,
		"PLAYBACK_TIMEOUT":   c.PlaybackTimeout,
		"PERSIST_TIMEOUT":    c.PersistTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RecordSeconds <= 0 || c.RecordSeconds > 120 {
		return fmt.Errorf("RECORD_SECONDS must be in [1,120]")
	}
	if len(c.ExitPhrases) == 0 {
		return fmt.Errorf("EXIT_PHRASES must not be empty")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	if !oneOf(c.TranscriptionProvider, "auto", "whisper-cli", "whisper-http", "google", "mock") {
		return fmt.Errorf("invalid TRANSCRIPTION_PROVIDER: %q (expected auto|whisper-cli|whisper-http|google|mock)", c.TranscriptionProvider)
	}
	if !oneOf(c.CompletionProvider, "auto", "openai", "ollama", "mock") {
		return fmt.Errorf("invalid COMPLETION_PROVIDER: %q (expected auto|openai|ollama|mock)", c.CompletionProvider)
	}
	if !oneOf(c.CompletionFallback, "none", "openai", "ollama", "mock") {
		return fmt.Errorf("invalid COMPLETION_FALLBACK: %q (expected none|openai|ollama|mock)", c.CompletionFallback)
	}
	if !oneOf(c.SynthesisProvider, "auto", "elevenlabs", "volcano", "mock") {
		return fmt.Errorf("invalid SYNTHESIS_PROVIDER: %q (expected auto|elevenlabs|volcano|mock)", c.SynthesisProvider)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
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
