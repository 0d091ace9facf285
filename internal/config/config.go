package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Valkey     ValkeyConfig
	OpenRouter OpenRouterConfig
	Bedrock    BedrockConfig
	Labeling   LabelingConfig
	Pipeline   PipelineConfig
	Auth       AuthConfig
	Scheduler  SchedulerConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type ValkeyConfig struct {
	Addr     string
	Password string
	DB       int
}

type OpenRouterConfig struct {
	APIKey            string
	Model             string
	BaseURL           string
	BaseURLEmbeddings string
	Dimensions        int
}

type BedrockConfig struct {
	Region  string
	ModelID string
}

type LabelingConfig struct {
	Model       string
	Concurrency int
	MaxRetries  int
}

// PipelineConfig bounds one opinion-map session so the slowest phase still
// fits inside a single worker invocation's wall clock.
type PipelineConfig struct {
	MaxSampleSize   int
	MinSampleSize   int
	MinCoverage     float64
	PhaseTimeout    time.Duration
	EmbedBatchSize  int
	EmbedBatchDelay time.Duration
	ReduceDims      int
	MinClusterSize  int
}

type AuthConfig struct {
	Enabled      bool
	IssuerURL    string
	PublicIssuer string
	Audience     string
}

type SchedulerConfig struct {
	SweepInterval time.Duration
	SweepLimit    int
}

func Load() (*Config, error) {
	// Best-effort .env for local development; deployments set real env vars.
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  time.Duration(getEnvInt("SERVER_READ_TIMEOUT_SECS", 30)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("SERVER_WRITE_TIMEOUT_SECS", 60)) * time.Second,
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "opinionmap"),
			Password: getEnv("DB_PASSWORD", "opinionmap"),
			Name:     getEnv("DB_NAME", "echolens"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvInt("DB_MIN_CONNS", 5)),
		},
		Valkey: ValkeyConfig{
			Addr:     getEnv("VALKEY_ADDR", "localhost:6379"),
			Password: getEnv("VALKEY_PASSWORD", ""),
			DB:       getEnvInt("VALKEY_DB", 0),
		},
		OpenRouter: OpenRouterConfig{
			APIKey:            getEnv("OPENROUTER_API_KEY", ""),
			Model:             getEnv("OPENROUTER_MODEL", ""),
			BaseURL:           getEnv("OPENROUTER_BASE_URL", ""),
			BaseURLEmbeddings: getEnv("OPENROUTER_BASE_URL_EMBEDDINGS", ""),
			Dimensions:        getEnvInt("OPENROUTER_DIMENSIONS", 1024),
		},
		Bedrock: BedrockConfig{
			Region:  getEnv("BEDROCK_REGION", ""),
			ModelID: getEnv("BEDROCK_MODEL_ID", "cohere.embed-multilingual-v3"),
		},
		Labeling: LabelingConfig{
			Model:       getEnv("LABELING_MODEL", "openai/gpt-4o-mini"),
			Concurrency: getEnvInt("LABELING_CONCURRENCY", 4),
			MaxRetries:  getEnvInt("LABELING_MAX_RETRIES", 2),
		},
		Pipeline: PipelineConfig{
			MaxSampleSize:   getEnvInt("PIPELINE_MAX_SAMPLE_SIZE", 3000),
			MinSampleSize:   getEnvInt("PIPELINE_MIN_SAMPLE_SIZE", 50),
			MinCoverage:     getEnvFloat("PIPELINE_MIN_COVERAGE", 0.5),
			PhaseTimeout:    time.Duration(getEnvInt("PIPELINE_PHASE_TIMEOUT_SECS", 300)) * time.Second,
			EmbedBatchSize:  getEnvInt("PIPELINE_EMBED_BATCH_SIZE", 96),
			EmbedBatchDelay: time.Duration(getEnvInt("PIPELINE_EMBED_BATCH_DELAY_MS", 500)) * time.Millisecond,
			ReduceDims:      getEnvInt("PIPELINE_REDUCE_DIMS", 32),
			MinClusterSize:  getEnvInt("PIPELINE_MIN_CLUSTER_SIZE", 3),
		},
		Auth: AuthConfig{
			Enabled:      getEnvBool("AUTH_ENABLED", false),
			IssuerURL:    getEnv("AUTH_ISSUER_URL", ""),
			PublicIssuer: getEnv("AUTH_PUBLIC_ISSUER", ""),
			Audience:     getEnv("AUTH_AUDIENCE", "opinionmap-api"),
		},
		Scheduler: SchedulerConfig{
			SweepInterval: time.Duration(getEnvInt("SWEEP_INTERVAL_SECS", 60)) * time.Second,
			SweepLimit:    getEnvInt("SWEEP_LIMIT", 2000),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
