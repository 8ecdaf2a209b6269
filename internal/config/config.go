// Package config loads the engine configuration from the environment with
// sane defaults. A .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Qdrant    QdrantConfig    `json:"qdrant"`
	Redis     RedisConfig     `json:"redis"`
	LLM       LLMConfig       `json:"llm"`
	Auth      AuthConfig      `json:"auth"`
	Chunking  ChunkingConfig  `json:"chunking"`
	Retrieval RetrievalConfig `json:"retrieval"`
	Drop      DropConfig      `json:"drop"`
	Tasks     TasksConfig     `json:"tasks"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig represents HTTP server configuration.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds"`
}

// DatabaseConfig represents the relational store configuration.
type DatabaseConfig struct {
	// URL selects the driver by scheme: postgres:// uses lib/pq, anything
	// else is treated as a sqlite3 DSN.
	URL string `json:"-"`
}

// QdrantConfig represents the vector store configuration.
type QdrantConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	APIKey         string `json:"-"`
	UseTLS         bool   `json:"use_tls"`
	Collection     string `json:"collection"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RedisConfig represents the optional Redis backend for rate limiting.
type RedisConfig struct {
	URL string `json:"-"`
}

// LLMConfig represents LLM gateway configuration.
type LLMConfig struct {
	OpenAIAPIKey       string  `json:"-"`
	AnthropicAPIKey    string  `json:"-"`
	ChatModel          string  `json:"chat_model"`
	AnthropicModel     string  `json:"anthropic_model"`
	EmbeddingModel     string  `json:"embedding_model"`
	EmbeddingDimension int     `json:"embedding_dimension"`
	Temperature        float64 `json:"temperature"`
	RequestTimeout     int     `json:"request_timeout_seconds"`
	MaxConcurrency     int     `json:"max_concurrency"`
	MaxDailyTokens     int64   `json:"max_daily_tokens"`
}

// AuthConfig carries the options recognized for the external auth layer.
// Session issuance itself lives upstream; the engine only validates the
// forwarded principal.
type AuthConfig struct {
	SecretKey                string `json:"-"`
	AccessTokenExpireMinutes int    `json:"access_token_expire_minutes"`
	RefreshTokenExpireDays   int    `json:"refresh_token_expire_days"`
}

// ChunkingConfig represents the chunking policy knobs.
type ChunkingConfig struct {
	SingleChunkMax      int     `json:"single_chunk_max"`
	RecursiveMax        int     `json:"recursive_max"`
	ChunkSize           int     `json:"chunk_size"`
	ChunkOverlap        int     `json:"chunk_overlap"`
	SemanticThreshold   float64 `json:"semantic_threshold"`
	SemanticMinBuffer   int     `json:"semantic_min_buffer"`
	SemanticMaxBuffer   int     `json:"semantic_max_buffer"`
	MaxEmbeddingContent int     `json:"max_embedding_content"`
}

// RetrievalConfig represents the retrieval planner's policy knobs. The
// recency multipliers are policy, not law, so they are configurable.
type RetrievalConfig struct {
	MMRLambda          float64 `json:"mmr_lambda"`
	FetchMultiplier    int     `json:"fetch_multiplier"`
	JaccardCutoff      float64 `json:"jaccard_cutoff"`
	StateFetchMult     int     `json:"state_fetch_multiplier"`
	CleanupRatio       float64 `json:"cleanup_ratio"`
	RecencyBonus30d    float64 `json:"recency_bonus_30d"`
	RecencyBonus90d    float64 `json:"recency_bonus_90d"`
	RecencyBonus365d   float64 `json:"recency_bonus_365d"`
	RecencyBoostWeight float64 `json:"recency_boost_weight"`
}

// DropConfig represents agent drop-channel constraints.
type DropConfig struct {
	MaxBodyBytes  int64 `json:"max_body_bytes"`
	RateLimit     int   `json:"rate_limit"`
	RateWindowSec int   `json:"rate_window_seconds"`
}

// TasksConfig represents task runner configuration.
type TasksConfig struct {
	Workers            int `json:"workers"`
	PollIntervalMillis int `json:"poll_interval_millis"`
	MaxAttempts        int `json:"max_attempts"`
	BackoffBaseSeconds int `json:"backoff_base_seconds"`
	BackoffCapSeconds  int `json:"backoff_cap_seconds"`
	TaskTimeoutSeconds int `json:"task_timeout_seconds"`
	ReconcileMinutes   int `json:"reconcile_minutes"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Database: DatabaseConfig{
			URL: "file:brainvault.db?_fk=1",
		},
		Qdrant: QdrantConfig{
			Host:           "localhost",
			Port:           6334,
			UseTLS:         false,
			Collection:     "brainvault",
			TimeoutSeconds: 30,
		},
		LLM: LLMConfig{
			ChatModel:          "gpt-4o-mini",
			AnthropicModel:     "claude-3-5-haiku-latest",
			EmbeddingModel:     "text-embedding-3-small",
			EmbeddingDimension: 1536,
			Temperature:        0.0,
			RequestTimeout:     60,
			MaxConcurrency:     10,
			MaxDailyTokens:     100_000,
		},
		Auth: AuthConfig{
			AccessTokenExpireMinutes: 30,
			RefreshTokenExpireDays:   7,
		},
		Chunking: ChunkingConfig{
			SingleChunkMax:      500,
			RecursiveMax:        3000,
			ChunkSize:           1000,
			ChunkOverlap:        200,
			SemanticThreshold:   0.5,
			SemanticMinBuffer:   150,
			SemanticMaxBuffer:   2000,
			MaxEmbeddingContent: 8000,
		},
		Retrieval: RetrievalConfig{
			MMRLambda:          0.3,
			FetchMultiplier:    10,
			JaccardCutoff:      0.85,
			StateFetchMult:     4,
			CleanupRatio:       0.9,
			RecencyBonus30d:    0.5,
			RecencyBonus90d:    0.3,
			RecencyBonus365d:   0.1,
			RecencyBoostWeight: 0.1,
		},
		Drop: DropConfig{
			MaxBodyBytes:  50 * 1024,
			RateLimit:     10,
			RateWindowSec: 60,
		},
		Tasks: TasksConfig{
			Workers:            4,
			PollIntervalMillis: 500,
			MaxAttempts:        8,
			BackoffBaseSeconds: 2,
			BackoffCapSeconds:  600,
			TaskTimeoutSeconds: 300,
			ReconcileMinutes:   15,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from environment variables and defaults.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	loadServerConfig(cfg)
	loadStoreConfig(cfg)
	loadLLMConfig(cfg)
	loadAuthConfig(cfg)
	loadPolicyConfig(cfg)
}

func loadServerConfig(cfg *Config) {
	if host := os.Getenv("BRAINVAULT_HOST"); host != "" {
		cfg.Server.Host = host
	}
	setIntEnv("BRAINVAULT_PORT", &cfg.Server.Port)
	setIntEnv("BRAINVAULT_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout)
	setIntEnv("BRAINVAULT_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout)

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
}

func loadStoreConfig(cfg *Config) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}

	if host := os.Getenv("QDRANT_HOST"); host != "" {
		cfg.Qdrant.Host = host
	} else if host := os.Getenv("PINECONE_HOST"); host != "" {
		// Legacy deployments configured the vector store under this name.
		cfg.Qdrant.Host = host
	}
	setIntEnv("QDRANT_PORT", &cfg.Qdrant.Port)
	if key := os.Getenv("QDRANT_API_KEY"); key != "" {
		cfg.Qdrant.APIKey = key
	}
	if useTLS := os.Getenv("QDRANT_USE_TLS"); useTLS != "" {
		if tls, err := strconv.ParseBool(useTLS); err == nil {
			cfg.Qdrant.UseTLS = tls
		}
	}
	if collection := os.Getenv("QDRANT_COLLECTION"); collection != "" {
		cfg.Qdrant.Collection = collection
	}
	setIntEnv("QDRANT_TIMEOUT_SECONDS", &cfg.Qdrant.TimeoutSeconds)
}

func loadLLMConfig(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.OpenAIAPIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.AnthropicAPIKey = key
	}
	if model := os.Getenv("CHAT_MODEL"); model != "" {
		cfg.LLM.ChatModel = model
	}
	if model := os.Getenv("ANTHROPIC_MODEL"); model != "" {
		cfg.LLM.AnthropicModel = model
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" {
		cfg.LLM.EmbeddingModel = model
	}
	setIntEnv("EMBEDDING_DIMENSION", &cfg.LLM.EmbeddingDimension)
	setIntEnv("LLM_REQUEST_TIMEOUT_SECONDS", &cfg.LLM.RequestTimeout)
	setIntEnv("LLM_MAX_CONCURRENCY", &cfg.LLM.MaxConcurrency)
	if tokens := os.Getenv("MAX_DAILY_TOKENS"); tokens != "" {
		if t, err := strconv.ParseInt(tokens, 10, 64); err == nil {
			cfg.LLM.MaxDailyTokens = t
		}
	}
	if temp := os.Getenv("LLM_TEMPERATURE"); temp != "" {
		if t, err := strconv.ParseFloat(temp, 64); err == nil {
			cfg.LLM.Temperature = t
		}
	}
}

func loadAuthConfig(cfg *Config) {
	if key := os.Getenv("SECRET_KEY"); key != "" {
		cfg.Auth.SecretKey = key
	}
	setIntEnv("ACCESS_TOKEN_EXPIRE_MINUTES", &cfg.Auth.AccessTokenExpireMinutes)
	setIntEnv("REFRESH_TOKEN_EXPIRE_DAYS", &cfg.Auth.RefreshTokenExpireDays)
}

func loadPolicyConfig(cfg *Config) {
	setFloatEnv("RETRIEVAL_MMR_LAMBDA", &cfg.Retrieval.MMRLambda)
	setFloatEnv("RETRIEVAL_JACCARD_CUTOFF", &cfg.Retrieval.JaccardCutoff)
	setFloatEnv("RETRIEVAL_CLEANUP_RATIO", &cfg.Retrieval.CleanupRatio)
	setFloatEnv("RETRIEVAL_RECENCY_BONUS_30D", &cfg.Retrieval.RecencyBonus30d)
	setFloatEnv("RETRIEVAL_RECENCY_BONUS_90D", &cfg.Retrieval.RecencyBonus90d)
	setFloatEnv("RETRIEVAL_RECENCY_BONUS_365D", &cfg.Retrieval.RecencyBonus365d)
	setFloatEnv("RETRIEVAL_RECENCY_BOOST_WEIGHT", &cfg.Retrieval.RecencyBoostWeight)

	setIntEnv("TASK_WORKERS", &cfg.Tasks.Workers)
	setIntEnv("TASK_MAX_ATTEMPTS", &cfg.Tasks.MaxAttempts)
	setIntEnv("TASK_BACKOFF_CAP_SECONDS", &cfg.Tasks.BackoffCapSeconds)
	setIntEnv("TASK_TIMEOUT_SECONDS", &cfg.Tasks.TaskTimeoutSeconds)
	setIntEnv("RECONCILE_MINUTES", &cfg.Tasks.ReconcileMinutes)

	if maxBody := os.Getenv("DROP_MAX_BODY_BYTES"); maxBody != "" {
		if b, err := strconv.ParseInt(maxBody, 10, 64); err == nil {
			cfg.Drop.MaxBodyBytes = b
		}
	}
	setIntEnv("DROP_RATE_LIMIT", &cfg.Drop.RateLimit)
	setIntEnv("DROP_RATE_WINDOW_SECONDS", &cfg.Drop.RateWindowSec)
}

func setIntEnv(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func setFloatEnv(key string, dst *float64) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL cannot be empty")
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant host cannot be empty")
	}
	if c.Qdrant.Collection == "" {
		return fmt.Errorf("qdrant collection cannot be empty")
	}
	if c.LLM.EmbeddingDimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if c.LLM.MaxConcurrency <= 0 {
		return fmt.Errorf("llm max concurrency must be positive")
	}
	if c.LLM.MaxDailyTokens <= 0 {
		return fmt.Errorf("max daily tokens must be positive")
	}
	if c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunk overlap must be smaller than chunk size")
	}
	if c.Retrieval.MMRLambda < 0 || c.Retrieval.MMRLambda > 1 {
		return fmt.Errorf("mmr lambda must be between 0 and 1")
	}
	if c.Drop.MaxBodyBytes <= 0 {
		return fmt.Errorf("drop max body bytes must be positive")
	}
	return nil
}
