// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	AllowedOrigins  []string
	SessionTTL      time.Duration
	TTLInterval     time.Duration
	Store           StoreConfig
	Knowledge       KnowledgeConfig
	Assistant       AssistantConfig
	Tour            TourConfig
	RateLimit       RateLimitConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// StoreConfig selects the conversation backend.
type StoreConfig struct {
	Driver   string // sqlite, redis or memory
	DBPath   string
	RedisURL string
}

// KnowledgeConfig points at YAML overrides. Empty paths use the embedded defaults.
type KnowledgeConfig struct {
	BasePath  string
	ToursPath string
}

// AssistantConfig holds the simulated latencies of a chat turn.
type AssistantConfig struct {
	ThinkPause      time.Duration
	ThinkJitter     time.Duration
	TypingSpeed     time.Duration
	TypingMax       time.Duration
	TourLaunchDelay time.Duration
}

// TourConfig tunes target polling and the page bridge.
type TourConfig struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	RPCTimeout   time.Duration
}

// RateLimitConfig bounds chat requests per visitor.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes the event stream.
type SSEConfig struct {
	MaxRequestBodySize int64
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	QueueSize          int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		TTLInterval:    getEnvDuration("TTL_WORKER_INTERVAL", 5*time.Minute),
		Store: StoreConfig{
			Driver:   strings.ToLower(getEnv("STORE_DRIVER", "sqlite")),
			DBPath:   getEnv("DB_PATH", "./data/guidebot.db"),
			RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		Knowledge: KnowledgeConfig{
			BasePath:  getEnv("KNOWLEDGE_BASE_PATH", ""),
			ToursPath: getEnv("TOURS_PATH", ""),
		},
		Assistant: AssistantConfig{
			ThinkPause:      getEnvDuration("THINK_PAUSE", 300*time.Millisecond),
			ThinkJitter:     getEnvDuration("THINK_JITTER", 500*time.Millisecond),
			TypingSpeed:     getEnvDuration("TYPING_SPEED", 40*time.Millisecond),
			TypingMax:       getEnvDuration("TYPING_MAX", 1500*time.Millisecond),
			TourLaunchDelay: getEnvDuration("TOUR_LAUNCH_DELAY", time.Second),
		},
		Tour: TourConfig{
			PollInterval: getEnvDuration("TOUR_POLL_INTERVAL", 250*time.Millisecond),
			PollTimeout:  getEnvDuration("TOUR_POLL_TIMEOUT", 5*time.Second),
			RPCTimeout:   getEnvDuration("TOUR_RPC_TIMEOUT", 2*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
			RetryDelay:         getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			QueueSize:          getEnvInt("SSE_QUEUE_SIZE", 100),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be sqlite, redis or memory, got %q", c.Store.Driver)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.Assistant.ThinkPause < 0 || c.Assistant.ThinkJitter < 0 || c.Assistant.TypingSpeed < 0 ||
		c.Assistant.TypingMax < 0 || c.Assistant.TourLaunchDelay < 0 {
		return fmt.Errorf("assistant delays cannot be negative")
	}
	if c.Tour.PollInterval <= 0 || c.Tour.PollTimeout <= 0 {
		return fmt.Errorf("TOUR_POLL_INTERVAL and TOUR_POLL_TIMEOUT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("750ms") or bare milliseconds ("750").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
