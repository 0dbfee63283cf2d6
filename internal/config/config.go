package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values
const (
	DefaultMaxBodySize int64 = 2 * 1024 * 1024 // 2MB
	DefaultConfigPath        = "config.yaml"
)

// GitHubConfig holds GitHub App credentials and API settings.
type GitHubConfig struct {
	AppID          string `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	WebhookSecret  string `yaml:"-"` // From Env
	APIBaseURL     string `yaml:"api_base_url"`
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"-"` // From Env
	CheapModel   string `yaml:"cheap_model"`
	CapableModel string `yaml:"capable_model"`
}

// QueueConfig holds lane concurrency and retry policy.
type QueueConfig struct {
	RedisURL         string        `yaml:"redis_url"`
	FastWorkers      int           `yaml:"fast_workers"`
	SlowWorkers      int           `yaml:"slow_workers"`
	IndexWorkers     int           `yaml:"index_workers"`
	ConvWorkers      int           `yaml:"conversation_workers"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryInitial     time.Duration `yaml:"retry_initial"`
	RetryCap         time.Duration `yaml:"retry_cap"`
	SoftDeadline     time.Duration `yaml:"soft_deadline"`
	HardDeadline     time.Duration `yaml:"hard_deadline"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`
	ReaperInterval   time.Duration `yaml:"reaper_interval"`
	LockRetryDelay   time.Duration `yaml:"lock_retry_delay"`
	EnqueueSubBudget time.Duration `yaml:"enqueue_sub_budget"`
}

// ReviewConfig holds orchestrator knobs.
type ReviewConfig struct {
	CostCeilingCents   int64         `yaml:"cost_ceiling_cents"`   // per-review budget (default: 50 = $0.50)
	ModelConcurrency   int64         `yaml:"model_concurrency"`    // bounded outbound model calls (default: 5)
	MaxFindings        int           `yaml:"max_findings"`         // synthesis cap (default: 25)
	PareThreshold      int           `yaml:"pare_threshold"`       // model pare pass above this (default: 15)
	SeverityThreshold  string        `yaml:"severity_threshold"`   // critical|high|medium|low|info
	FileReviewHunks    int           `yaml:"file_review_hunks"`    // hunk count forcing file-level review (default: 4)
	SecurityPaths      []string      `yaml:"security_paths"`       // globs forcing capable-model review
	AnalyzerTimeout    time.Duration `yaml:"analyzer_timeout"`     // per static-analyzer run (default: 30s)
	ConversationTurns  int           `yaml:"conversation_turns"`   // thread history cap (default: 20)
	LargePRThreshold   int           `yaml:"large_pr_threshold"`   // files above this go to the slow lane (default: 50)
	SkipLabel          string        `yaml:"skip_label"`           // PR label disabling review
	MaxConcurrentPosts int64         `yaml:"max_concurrent_posts"` // parallel comment posting (default: 5)
	TokenSafetyMargin  time.Duration `yaml:"token_safety_margin"`  // below true token expiry (default: 5m)
}

// StorageConfig holds configuration for review persistence.
type StorageConfig struct {
	DSN     string        `yaml:"dsn"`     // sqlite DSN
	Timeout time.Duration `yaml:"timeout"` // Timeout for storage operations (default: 5s)
}

// Config holds the configuration for the review service.
type Config struct {
	Log struct {
		Level    string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
		Format   string `yaml:"format"` // text, json
		Output   string `yaml:"output"` // stdout, stderr, /path/to/file
		Rotation struct {
			MaxSize    int  `yaml:"max_size"`    // Megabytes
			MaxBackups int  `yaml:"max_backups"` // Number of old files to keep
			MaxAge     int  `yaml:"max_age"`     // Days to keep
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"log"`

	Server struct {
		Port           int           `yaml:"port"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		MaxBodySize    int64         `yaml:"max_body_size"`
		ResponseBudget time.Duration `yaml:"response_budget"` // hard ack deadline (default: 100ms)
		AdminSecret    string        `yaml:"-"`               // From Env
	} `yaml:"server"`

	GitHub  GitHubConfig  `yaml:"github"`
	LLM     LLMConfig     `yaml:"llm"`
	Queue   QueueConfig   `yaml:"queue"`
	Review  ReviewConfig  `yaml:"review"`
	Storage StorageConfig `yaml:"storage"`
}

// GetLogLevel returns the slog.Level based on Log.Level string
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig loads configuration from YAML file and supplements with environment variables
func LoadConfig() *Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{}

	// Set some defaults before loading
	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Log.Rotation.MaxSize = 100
	cfg.Log.Rotation.MaxBackups = 10
	cfg.Log.Rotation.MaxAge = 7
	cfg.Log.Rotation.Compress = true

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.MaxBodySize = DefaultMaxBodySize
	cfg.Server.ResponseBudget = 100 * time.Millisecond

	cfg.GitHub.APIBaseURL = "https://api.github.com"
	cfg.GitHub.PrivateKeyPath = "./private-key.pem"

	cfg.LLM.Endpoint = "https://api.openai.com/v1"
	cfg.LLM.CheapModel = "gpt-4o-mini"
	cfg.LLM.CapableModel = "gpt-4o"

	cfg.Queue.RedisURL = "redis://localhost:6379/0"
	cfg.Queue.FastWorkers = 4
	cfg.Queue.SlowWorkers = 1
	cfg.Queue.IndexWorkers = 1
	cfg.Queue.ConvWorkers = 2
	cfg.Queue.MaxRetries = 3
	cfg.Queue.RetryInitial = 60 * time.Second
	cfg.Queue.RetryCap = 5 * time.Minute
	cfg.Queue.SoftDeadline = 180 * time.Second
	cfg.Queue.HardDeadline = 300 * time.Second
	cfg.Queue.IdempotencyTTL = 2 * time.Hour
	cfg.Queue.ReaperInterval = 30 * time.Second
	cfg.Queue.LockRetryDelay = 5 * time.Second
	cfg.Queue.EnqueueSubBudget = 50 * time.Millisecond

	cfg.Review.CostCeilingCents = 50
	cfg.Review.ModelConcurrency = 5
	cfg.Review.MaxFindings = 25
	cfg.Review.PareThreshold = 15
	cfg.Review.SeverityThreshold = "info"
	cfg.Review.FileReviewHunks = 4
	cfg.Review.SecurityPaths = []string{"**/auth/**", "**/security/**", "**/crypto/**", "**/*password*", "**/*secret*"}
	cfg.Review.AnalyzerTimeout = 30 * time.Second
	cfg.Review.ConversationTurns = 20
	cfg.Review.LargePRThreshold = 50
	cfg.Review.SkipLabel = "skip-ai-review"
	cfg.Review.MaxConcurrentPosts = 5
	cfg.Review.TokenSafetyMargin = 5 * time.Minute

	cfg.Storage.DSN = "file:openrabbit.db"
	cfg.Storage.Timeout = 5 * time.Second

	// Try to load from YAML
	configPath := getEnv("CONFIG_PATH", DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("unmarshal config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", configPath)
	} else {
		if !os.IsNotExist(err) {
			slog.Error("read config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config not found, using defaults", "path", configPath)
	}

	// Always supplement/override with environment variables for secrets and critical items
	cfg.GitHub.AppID = getEnv("GITHUB_APP_ID", cfg.GitHub.AppID)
	cfg.GitHub.PrivateKeyPath = getEnv("GITHUB_APP_PRIVATE_KEY_PATH", cfg.GitHub.PrivateKeyPath)
	cfg.GitHub.WebhookSecret = getEnv("GITHUB_WEBHOOK_SECRET", cfg.GitHub.WebhookSecret)
	cfg.Server.AdminSecret = getEnv("ADMIN_SECRET", cfg.Server.AdminSecret)
	cfg.LLM.APIKey = getEnv("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.Queue.RedisURL = getEnv("REDIS_URL", cfg.Queue.RedisURL)
	cfg.Storage.DSN = getEnv("DATABASE_DSN", cfg.Storage.DSN)

	if envPort := getEnvInt("PORT", 0); envPort != 0 {
		cfg.Server.Port = envPort
	}
	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		cfg.Log.Level = envLogLevel
	}
	if envLogFormat := os.Getenv("LOG_FORMAT"); envLogFormat != "" {
		cfg.Log.Format = envLogFormat
	}
	if envLogOutput := getEnv("LOG_OUTPUT", ""); envLogOutput != "" {
		cfg.Log.Output = envLogOutput
	}

	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.GitHub.AppID == "" {
		errs = append(errs, "GITHUB_APP_ID is required")
	}
	if c.GitHub.WebhookSecret == "" {
		errs = append(errs, "GITHUB_WEBHOOK_SECRET is required")
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, "LLM_API_KEY is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}
	if c.Queue.SoftDeadline >= c.Queue.HardDeadline {
		errs = append(errs, "soft deadline must be below hard deadline")
	}
	if c.Review.CostCeilingCents < 0 {
		errs = append(errs, "cost ceiling must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Helper functions for reading environment variables

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
