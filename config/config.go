package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds the application's configuration
type Config struct {
	LogLevel string `mapstructure:"LOG_LEVEL"`
	WebPort  int    `mapstructure:"WEB_PORT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// OpenAI-compatible endpoints
	MainLLMHost             string        `mapstructure:"MAIN_LLM_HOST"`
	MainLLMModel            string        `mapstructure:"MAIN_LLM_MODEL"`
	EmbeddingHost           string        `mapstructure:"EMBEDDING_HOST"`
	EmbeddingModel          string        `mapstructure:"EMBEDDING_MODEL"`
	FallbackEmbeddingHost   string        `mapstructure:"FALLBACK_EMBEDDING_HOST"`
	FallbackEmbeddingModel  string        `mapstructure:"FALLBACK_EMBEDDING_MODEL"`
	RerankHost              string        `mapstructure:"RERANK_HOST"`
	RerankModel             string        `mapstructure:"RERANK_MODEL"`
	LLMRequestTimeout       time.Duration `mapstructure:"LLM_REQUEST_TIMEOUT"`
	EmbeddingRequestTimeout time.Duration `mapstructure:"EMBEDDING_REQUEST_TIMEOUT"`
	SearchTimeout           time.Duration `mapstructure:"SEARCH_TIMEOUT"`
	MaxRetries              int           `mapstructure:"MAX_RETRIES"`
	RetryDelaySeconds       time.Duration `mapstructure:"RETRY_DELAY_SECONDS"`

	// Embedding dimensions and cache
	EmbeddingDimension         int           `mapstructure:"EMBEDDING_DIMENSION"`
	FallbackEmbeddingDimension int           `mapstructure:"FALLBACK_EMBEDDING_DIMENSION"`
	EmbeddingCacheSize         int           `mapstructure:"EMBEDDING_CACHE_SIZE"`
	EmbeddingCacheTTL          time.Duration `mapstructure:"EMBEDDING_CACHE_TTL_HOURS"`

	// Webhook dedup guard
	FingerprintTTL           time.Duration `mapstructure:"FINGERPRINT_TTL_MINUTES"`
	FingerprintSweepInterval time.Duration `mapstructure:"FINGERPRINT_SWEEP_MINUTES"`

	// Lead qualification thresholds
	QualifiedThreshold int `mapstructure:"QUALIFIED_THRESHOLD"`
	NurtureThreshold   int `mapstructure:"NURTURE_THRESHOLD"`

	// Per-conversation lock eviction
	ConversationLockIdleAge time.Duration `mapstructure:"CONVERSATION_LOCK_IDLE_HOURS"`

	// Exposure cache (items already shown per user)
	ExposureMaxItems int           `mapstructure:"EXPOSURE_MAX_ITEMS"`
	ExposureTTL      time.Duration `mapstructure:"EXPOSURE_TTL_HOURS"`

	// Retrieval
	RetrievalTopK      int           `mapstructure:"RETRIEVAL_TOP_K"`
	RetrievalFinalK    int           `mapstructure:"RETRIEVAL_FINAL_K"`
	ContextTokenLimit  int           `mapstructure:"CONTEXT_TOKEN_LIMIT"`
	KBFreshnessWindow  time.Duration `mapstructure:"KB_FRESHNESS_DAYS"`

	// WhatsApp Cloud API
	WhatsAppToken         string `mapstructure:"WHATSAPP_TOKEN"`
	WhatsAppPhoneNumberID string `mapstructure:"WHATSAPP_PHONE_NUMBER_ID"`
	WhatsAppVerifyToken   string `mapstructure:"WHATSAPP_VERIFY_TOKEN"`

	// Inbound webhook rate limiting
	RateLimitMessagesPerMin int `mapstructure:"RATE_LIMIT_MESSAGES_PER_MIN"`
	RateLimitBurstSize      int `mapstructure:"RATE_LIMIT_BURST_SIZE"`
}

func Load(logger *zap.Logger) *Config {
	var config Config
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("WEB_PORT", 8080)
	viper.SetDefault("DATABASE_URL", "")
	viper.SetDefault("MAIN_LLM_HOST", "http://localhost:8090")
	viper.SetDefault("MAIN_LLM_MODEL", "")
	viper.SetDefault("EMBEDDING_HOST", "https://api.openai.com")
	viper.SetDefault("EMBEDDING_MODEL", "text-embedding-3-small")
	viper.SetDefault("FALLBACK_EMBEDDING_HOST", "http://localhost:8091")
	viper.SetDefault("FALLBACK_EMBEDDING_MODEL", "all-MiniLM-L6-v2")
	viper.SetDefault("RERANK_HOST", "")
	viper.SetDefault("RERANK_MODEL", "")
	viper.SetDefault("LLM_REQUEST_TIMEOUT", 60)
	viper.SetDefault("EMBEDDING_REQUEST_TIMEOUT", 3)
	viper.SetDefault("SEARCH_TIMEOUT", 3)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_DELAY_SECONDS", 2)
	viper.SetDefault("EMBEDDING_DIMENSION", 1536)
	viper.SetDefault("FALLBACK_EMBEDDING_DIMENSION", 384)
	viper.SetDefault("EMBEDDING_CACHE_SIZE", 4096)
	viper.SetDefault("EMBEDDING_CACHE_TTL_HOURS", 24)
	viper.SetDefault("FINGERPRINT_TTL_MINUTES", 60)
	viper.SetDefault("FINGERPRINT_SWEEP_MINUTES", 5)
	viper.SetDefault("QUALIFIED_THRESHOLD", 70)
	viper.SetDefault("NURTURE_THRESHOLD", 40)
	viper.SetDefault("CONVERSATION_LOCK_IDLE_HOURS", 6)
	viper.SetDefault("EXPOSURE_MAX_ITEMS", 50)
	viper.SetDefault("EXPOSURE_TTL_HOURS", 24)
	viper.SetDefault("RETRIEVAL_TOP_K", 10)
	viper.SetDefault("RETRIEVAL_FINAL_K", 5)
	viper.SetDefault("CONTEXT_TOKEN_LIMIT", 1500)
	viper.SetDefault("KB_FRESHNESS_DAYS", 90)
	viper.SetDefault("WHATSAPP_TOKEN", "")
	viper.SetDefault("WHATSAPP_PHONE_NUMBER_ID", "")
	viper.SetDefault("WHATSAPP_VERIFY_TOKEN", "")
	viper.SetDefault("RATE_LIMIT_MESSAGES_PER_MIN", 20)
	viper.SetDefault("RATE_LIMIT_BURST_SIZE", 5)

	if err := viper.ReadInConfig(); err != nil {
		if logger != nil {
			logger.Warn("Could not read config file, using defaults/env vars", zap.Error(err))
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		// Config unmarshaling is critical - fail fast during bootstrap
		if logger != nil {
			logger.Fatal("Unable to decode config into struct", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: Unable to decode config into struct: %v\n", err)
			os.Exit(1)
		}
	}

	config.MainLLMHost = strings.TrimRight(strings.TrimSpace(config.MainLLMHost), "/")
	config.EmbeddingHost = strings.TrimRight(strings.TrimSpace(config.EmbeddingHost), "/")
	config.FallbackEmbeddingHost = strings.TrimRight(strings.TrimSpace(config.FallbackEmbeddingHost), "/")
	config.RerankHost = strings.TrimRight(strings.TrimSpace(config.RerankHost), "/")

	// Convert raw numbers to proper time.Duration
	config.LLMRequestTimeout = config.LLMRequestTimeout * time.Second
	config.EmbeddingRequestTimeout = config.EmbeddingRequestTimeout * time.Second
	config.SearchTimeout = config.SearchTimeout * time.Second
	config.RetryDelaySeconds = config.RetryDelaySeconds * time.Second
	config.EmbeddingCacheTTL = config.EmbeddingCacheTTL * time.Hour
	config.FingerprintTTL = config.FingerprintTTL * time.Minute
	config.FingerprintSweepInterval = config.FingerprintSweepInterval * time.Minute
	config.ConversationLockIdleAge = config.ConversationLockIdleAge * time.Hour
	config.ExposureTTL = config.ExposureTTL * time.Hour
	config.KBFreshnessWindow = config.KBFreshnessWindow * 24 * time.Hour

	return &config
}
