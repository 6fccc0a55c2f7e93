package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLM providers understood by the relay.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderCanned = "canned"
)

// Retrieval modes for the chunk store.
const (
	RetrievalAuto    = "auto"
	RetrievalVector  = "vector"
	RetrievalKeyword = "keyword"
)

type Config struct {
	// EnvFileLoaded is false when no .env file was found and only the
	// process environment was used.
	EnvFileLoaded bool

	HTTPPort  string
	LogLevel  string
	LogFormat string

	// Tawk.to
	TawkWebhookSecret string
	TawkAPIKey        string
	TawkPropertyID    string
	TawkBaseURL       string

	// Language model
	LLMProvider    string
	OpenAIAPIKey   string
	GeminiAPIKey   string
	Model          string
	EmbeddingModel string
	MaxTokens      int
	Temperature    float32
	HistoryTurns   int

	// Retrieval
	RetrievalMode string
	CorpusPath    string
	TopK          int
	ContextBudget int
	ChunkSize     int
	ChunkOverlap  int

	// Cache
	RedisURL string
	CacheDir string
	CacheTTL time.Duration

	// Persistence and telemetry
	DatabaseURL            string
	TelemetryFlushInterval time.Duration
	TelemetryBatchSize     int
	TelemetryMaxQueue      int

	// Safety
	SafetyPhrases []string

	// HTTP surface
	AdminJWTSecret     string
	RateLimitPerMinute int
}

// Load reads the process environment (and a .env file if one exists) into a Config.
// An error is returned only for settings that make startup impossible.
func Load() (*Config, error) {
	cfg := &Config{
		EnvFileLoaded: godotenv.Load() == nil,

		HTTPPort:  getEnv("PORT", "10000"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		TawkWebhookSecret: getEnv("TAWK_WEBHOOK_SECRET", ""),
		TawkAPIKey:        getEnv("TAWK_API_KEY", ""),
		TawkPropertyID:    getEnv("TAWK_PROPERTY_ID", ""),
		TawkBaseURL:       getEnv("TAWK_BASE_URL", "https://api.tawk.to/v3"),

		LLMProvider:    strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		Model:          getEnv("MODEL", ""),
		EmbeddingModel: getEnv("EMBEDDING_MODEL", ""),
		MaxTokens:      getEnvAsInt("MAX_TOKENS", 500),
		Temperature:    getEnvAsFloat32("TEMPERATURE", 0.7),
		HistoryTurns:   getEnvAsInt("HISTORY_TURNS", 4),

		RetrievalMode: strings.ToLower(getEnv("RETRIEVAL_MODE", RetrievalAuto)),
		CorpusPath:    getEnv("CORPUS_PATH", "knowledge/embeddings.json"),
		TopK:          getEnvAsInt("RETRIEVAL_TOP_K", 3),
		ContextBudget: getEnvAsInt("CONTEXT_BUDGET", 1500),
		ChunkSize:     getEnvAsInt("CHUNK_SIZE", 1000),
		ChunkOverlap:  getEnvAsInt("CHUNK_OVERLAP", 200),

		RedisURL: getEnv("REDIS_URL", ""),
		CacheDir: getEnv("CACHE_DIR", ""),
		CacheTTL: getEnvAsDuration("CACHE_TTL", time.Hour),

		DatabaseURL:            getEnv("DATABASE_URL", "relay.db"),
		TelemetryFlushInterval: getEnvAsDuration("TELEMETRY_FLUSH_INTERVAL", 5*time.Second),
		TelemetryBatchSize:     getEnvAsInt("TELEMETRY_BATCH_SIZE", 50),
		TelemetryMaxQueue:      getEnvAsInt("TELEMETRY_MAX_QUEUE", 10000),

		SafetyPhrases: getEnvAsList("SAFETY_PHRASES", nil),

		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel(cfg.LLMProvider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderOpenAI, ProviderGemini, ProviderCanned:
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.RetrievalMode {
	case RetrievalAuto, RetrievalVector, RetrievalKeyword:
	default:
		return fmt.Errorf("unknown RETRIEVAL_MODE %q", c.RetrievalMode)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.TelemetryBatchSize <= 0 || c.TelemetryMaxQueue < c.TelemetryBatchSize {
		return fmt.Errorf("TELEMETRY_MAX_QUEUE (%d) must be at least TELEMETRY_BATCH_SIZE (%d)", c.TelemetryMaxQueue, c.TelemetryBatchSize)
	}
	return nil
}

// LLMAPIKey returns the key for the configured provider, empty when none is set.
func (c *Config) LLMAPIKey() string {
	switch c.LLMProvider {
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderGemini:
		return c.GeminiAPIKey
	}
	return ""
}

// TawkConfigured reports whether outbound delivery credentials are present.
func (c *Config) TawkConfigured() bool {
	return c.TawkAPIKey != "" && c.TawkPropertyID != ""
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderGemini:
		return "gemini-1.5-flash-latest"
	case ProviderCanned:
		return "canned"
	}
	return "gpt-4-turbo-preview"
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 32); err == nil {
		return float32(value)
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("5s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
