package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the tutor gateway service
type Config struct {
	// Server configuration
	Port     string `envconfig:"PORT" default:"8080"`
	GRPCPort string `envconfig:"GRPC_PORT" default:"9090"` // gRPC health service

	// Gemini reply generation
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiModel   string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`
	GeminiBaseURL string `envconfig:"GEMINI_BASE_URL" default:"https://generativelanguage.googleapis.com"`
	TutorTimeout  int    `envconfig:"TUTOR_TIMEOUT" default:"30"` // seconds

	// Persona catalog override. Empty means the embedded catalog only.
	PersonaDir string `envconfig:"PERSONA_DIR" default:""`

	// Deepgram STT. Without a key speech capture reports Unsupported.
	DeepgramAPIKey    string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel     string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	CaptureSampleRate int    `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"` // PCM16 from the browser

	// Cartesia TTS. Without a key playback is disabled.
	CartesiaAPIKey     string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaModelID    string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2"`
	CartesiaVoiceID    string `envconfig:"CARTESIA_VOICE_ID" default:"a0e99841-438c-4a64-b679-ae501e7d6091"`
	CartesiaBaseURL    string `envconfig:"CARTESIA_BASE_URL" default:"https://api.cartesia.ai"`
	PlaybackSampleRate int    `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000"`

	// Speech session lifecycle
	SilenceTimeoutMs  int `envconfig:"SILENCE_TIMEOUT_MS" default:"4000"`
	MaxSessionSeconds int `envconfig:"MAX_SESSION_SECONDS" default:"180"`
	StopGraceMs       int `envconfig:"STOP_GRACE_MS" default:"100"`
	SpeakSettleMs     int `envconfig:"SPEAK_SETTLE_MS" default:"50"`
	NoSpeechTimeoutMs int `envconfig:"NO_SPEECH_TIMEOUT_MS" default:"8000"` // audio without voice before no-speech
	PrerollMs         int `envconfig:"PREROLL_MS" default:"1000"`           // mic audio kept while STT connects

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Deepgram dial attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot express
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.SilenceTimeoutMs <= 0 {
		return fmt.Errorf("SILENCE_TIMEOUT_MS must be positive, got %d", c.SilenceTimeoutMs)
	}
	if c.CaptureSampleRate <= 0 || c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	return nil
}

// SpeechCaptureEnabled reports whether a recognition backend is configured
func (c *Config) SpeechCaptureEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// SpeechPlaybackEnabled reports whether a synthesis backend is configured
func (c *Config) SpeechPlaybackEnabled() bool {
	return c.CartesiaAPIKey != ""
}

func (c *Config) SilenceTimeout() time.Duration {
	return time.Duration(c.SilenceTimeoutMs) * time.Millisecond
}

func (c *Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionSeconds) * time.Second
}

func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.StopGraceMs) * time.Millisecond
}

func (c *Config) SpeakSettle() time.Duration {
	return time.Duration(c.SpeakSettleMs) * time.Millisecond
}

func (c *Config) NoSpeechTimeout() time.Duration {
	return time.Duration(c.NoSpeechTimeoutMs) * time.Millisecond
}

// PrerollBytes is PREROLL_MS of capture audio in PCM16 bytes
func (c *Config) PrerollBytes() int {
	return c.CaptureSampleRate * 2 * c.PrerollMs / 1000
}

func (c *Config) TutorRequestTimeout() time.Duration {
	return time.Duration(c.TutorTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
