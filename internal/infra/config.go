package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string

	SDAPIURL     string
	SDAPITimeout time.Duration

	OllamaAPIURL   string
	OllamaModel    string
	LLMTimeout     time.Duration
	LLMMaxAttempts int

	GoogleSearchAPIKey   string
	GoogleSearchEngineID string
	SearchTimeout        time.Duration

	ResearchCacheTTL       time.Duration
	ResearchMinInterval    time.Duration
	ResearchMaxAttempts    int
	ResearchInitialBackoff time.Duration

	DefaultModel     string
	DefaultSteps     int
	DefaultCfgScale  float64
	DefaultSampler   string
	DefaultScheduler string
	DefaultWidth     int
	DefaultHeight    int
	DefaultBatchSize int

	NotifyWebhookURL string
	InlineWorker     bool

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./data/images"),

		SDAPIURL:     getEnv("SD_API_URL", "http://localhost:7860"),
		SDAPITimeout: time.Second * time.Duration(getEnvInt("SD_API_TIMEOUT_SECONDS", 600)),

		OllamaAPIURL:   getEnv("OLLAMA_API_URL", "http://localhost:11434"),
		OllamaModel:    getEnv("OLLAMA_MODEL", "qwen3:0.6b"),
		LLMTimeout:     time.Second * time.Duration(getEnvInt("LLM_TIMEOUT_SECONDS", 60)),
		LLMMaxAttempts: getEnvInt("LLM_MAX_ATTEMPTS", 3),

		GoogleSearchAPIKey:   os.Getenv("GOOGLE_SEARCH_API_KEY"),
		GoogleSearchEngineID: os.Getenv("GOOGLE_SEARCH_ENGINE_ID"),
		SearchTimeout:        time.Second * time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 30)),

		ResearchCacheTTL:       time.Hour * time.Duration(getEnvInt("RESEARCH_CACHE_TTL_HOURS", 7*24)),
		ResearchMinInterval:    time.Second * time.Duration(getEnvInt("RESEARCH_MIN_INTERVAL_SECONDS", 1)),
		ResearchMaxAttempts:    getEnvInt("RESEARCH_MAX_ATTEMPTS", 3),
		ResearchInitialBackoff: time.Second * time.Duration(getEnvInt("RESEARCH_INITIAL_BACKOFF_SECONDS", 2)),

		DefaultModel:     getEnv("DEFAULT_MODEL", "default"),
		DefaultSteps:     getEnvInt("DEFAULT_STEPS", 20),
		DefaultCfgScale:  getEnvFloat("DEFAULT_CFG_SCALE", 7.0),
		DefaultSampler:   getEnv("DEFAULT_SAMPLER", "Euler a"),
		DefaultScheduler: os.Getenv("DEFAULT_SCHEDULER"),
		DefaultWidth:     getEnvInt("DEFAULT_WIDTH", 512),
		DefaultHeight:    getEnvInt("DEFAULT_HEIGHT", 512),
		DefaultBatchSize: getEnvInt("DEFAULT_BATCH_SIZE", 4),

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		InlineWorker:     getEnvBool("INLINE_WORKER", true),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
