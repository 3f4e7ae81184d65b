package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	RedisURL        string
	LogLevel        string
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	EmbeddingModel  string
	STTModel        string
	RecordingUser   string
	RecordingPass   string
	TTSURL          string
	Voice           string
	APIToken        string
	DefaultLanguage string

	CompletionTimeout time.Duration
	SynthesisTimeout  time.Duration
	IdleTimeout       time.Duration
	EvictionInterval  time.Duration
	AudioCacheTTL     time.Duration

	EmbeddingDimension   int
	ChunkSize            int
	ChunkOverlap         int
	MinChunkLength       int
	ConfirmWordThreshold int
	MaxFailures          int
	RetrievalTopK        int
	HistoryTurns         int
}

func Load() Config {
	return Config{
		Port:            envInt("HERALD_PORT", 8760),
		NatsURL:         envStr("NATS_URL", ""),
		NatsToken:       envStr("NATS_TOKEN", ""),
		DatabaseURL:     envStr("DATABASE_URL", ""),
		RedisURL:        envStr("REDIS_URL", ""),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("HERALD_MODEL", "claude-sonnet-4-20250514"),
		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingModel:  envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		STTModel:        envStr("TRANSCRIPTION_MODEL", "whisper-1"),
		RecordingUser:   envStr("RECORDING_AUTH_USER", ""),
		RecordingPass:   envStr("RECORDING_AUTH_PASSWORD", ""),
		TTSURL:          envStr("TTS_URL", ""),
		Voice:           envStr("HERALD_VOICE", "Polly.Joanna"),
		APIToken:        envStr("HERALD_API_TOKEN", ""),
		DefaultLanguage: envStr("DEFAULT_LANGUAGE", "English"),

		CompletionTimeout: envDuration("COMPLETION_TIMEOUT", 8*time.Second),
		SynthesisTimeout:  envDuration("SYNTHESIS_TIMEOUT", 5*time.Second),
		IdleTimeout:       envDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute),
		EvictionInterval:  envDuration("EVICTION_INTERVAL", time.Minute),
		AudioCacheTTL:     envDuration("AUDIO_CACHE_TTL", 24*time.Hour),

		EmbeddingDimension:   envInt("EMBEDDING_DIMENSION", 0),
		ChunkSize:            envInt("CHUNK_SIZE", 1000),
		ChunkOverlap:         envInt("CHUNK_OVERLAP", 200),
		MinChunkLength:       envInt("MIN_CHUNK_LENGTH", 50),
		ConfirmWordThreshold: envInt("CONFIRM_WORD_THRESHOLD", 2),
		MaxFailures:          envInt("MAX_FAILURES", 3),
		RetrievalTopK:        envInt("RETRIEVAL_TOP_K", 3),
		HistoryTurns:         envInt("HISTORY_TURNS", 6),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go duration strings ("8s", "30m") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
