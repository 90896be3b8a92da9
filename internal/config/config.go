package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the promptbatch server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Worker   WorkerConfig
	Jobs     JobsConfig
	Notify   NotifyConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// LLMConfig holds credentials and endpoints per backend. Which backend serves
// a given model is decided by the model registry, not by configuration.
type LLMConfig struct {
	InferenceTimeout time.Duration
	Ollama           OllamaConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Version string
}

type WorkerConfig struct {
	PerQueue   int
	ClaimBlock time.Duration
}

type JobsConfig struct {
	ReconcileInterval time.Duration
	StuckTaskGrace    time.Duration
	ResultDir         string
	RateLimitPerMin   int
}

type NotifyConfig struct {
	WebhookURL string
	Timeout    time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PROMPTBATCH_PORT", 8080),
			Env:  envString("PROMPTBATCH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		LLM: LLMConfig{
			InferenceTimeout: envDurationSecs("LLM_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				Version: envString("ANTHROPIC_VERSION", "2023-06-01"),
			},
		},
		Worker: WorkerConfig{
			PerQueue:   envInt("WORKERS_PER_QUEUE", 4),
			ClaimBlock: envDurationSecs("WORKER_CLAIM_BLOCK_SECS", 5*time.Second),
		},
		Jobs: JobsConfig{
			ReconcileInterval: envDurationSecs("JOBS_RECONCILE_INTERVAL_SECS", 30*time.Second),
			StuckTaskGrace:    envDurationSecs("JOBS_STUCK_TASK_GRACE_SECS", 120*time.Second),
			ResultDir:         envString("JOBS_RESULT_DIR", "results"),
			RateLimitPerMin:   envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Notify: NotifyConfig{
			WebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
			Timeout:    envDurationSecs("NOTIFY_TIMEOUT_SECS", 5*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.PerQueue <= 0 {
		return fmt.Errorf("WORKERS_PER_QUEUE must be positive, got %d", c.Worker.PerQueue)
	}

	if c.Jobs.StuckTaskGrace <= 0 {
		return fmt.Errorf("JOBS_STUCK_TASK_GRACE_SECS must be positive")
	}

	if c.Jobs.ResultDir == "" {
		return fmt.Errorf("JOBS_RESULT_DIR is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
