package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Detector    DetectorConfig    `yaml:"detector"`
	Suppression SuppressionConfig `yaml:"suppression"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Analyzer    AnalyzerConfig    `yaml:"analyzer"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Store       StoreConfig       `yaml:"store"`
	History     HistoryConfig     `yaml:"history"`
	Notifier    NotifierConfig    `yaml:"notifier"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DetectorConfig tunes baseline learning and anomaly thresholds.
type DetectorConfig struct {
	ZScoreThreshold float64 `yaml:"zScoreThreshold"`
	BaselineWindow  int     `yaml:"baselineWindow"`
	MinSamples      int     `yaml:"minSamples"`
	SpikeFlushEvery int     `yaml:"spikeFlushEvery"`
}

// SuppressionConfig tunes the noise suppressor.
type SuppressionConfig struct {
	DedupWindow   time.Duration `yaml:"dedupWindow"`
	FlapCount     int           `yaml:"flapCount"`
	FlapWindow    time.Duration `yaml:"flapWindow"`
	NeverSuppress []string      `yaml:"neverSuppress"`
	RulesPath     string        `yaml:"rulesPath"`
}

// CorrelationConfig tunes incident triggering.
type CorrelationConfig struct {
	DeployLookback time.Duration `yaml:"deployLookback"`
	PendingWindow  time.Duration `yaml:"pendingWindow"`
}

// AnalyzerConfig configures the reasoning backend and its deadline.
type AnalyzerConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	BaseURL        string        `yaml:"baseURL"`
	Model          string        `yaml:"model"`
	Temperature    float64       `yaml:"temperature"`
	RollbackWindow time.Duration `yaml:"rollbackWindow"`
}

// ExecutorConfig holds the safety-rail settings.
type ExecutorConfig struct {
	ConfidenceFloor     float64       `yaml:"confidenceFloor"`
	RiskCeiling         string        `yaml:"riskCeiling"`
	ExecutionWindow     string        `yaml:"executionWindow"`
	NightStart          int           `yaml:"nightStart"`
	NightEnd            int           `yaml:"nightEnd"`
	RateLimitPerHour    int           `yaml:"rateLimitPerHour"`
	MaxRollbacksPerHour int           `yaml:"maxRollbacksPerHour"`
	Cooldown            time.Duration `yaml:"cooldown"`
	// ActionEndpoint is the remediation service actions are POSTed to.
	// Empty means dry-run mode.
	ActionEndpoint string        `yaml:"actionEndpoint"`
	ActionToken    string        `yaml:"actionToken"`
	ActionTimeout  time.Duration `yaml:"actionTimeout"`
}

// StoreConfig selects and configures the signal store backend.
type StoreConfig struct {
	// Backend is "memory" or "valkey".
	Backend      string        `yaml:"backend"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
}

// HistoryConfig configures the durable incident history.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// NotifierConfig configures the outbound notification channel.
type NotifierConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	AuthToken  string        `yaml:"authToken"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("AUTOPILOT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Detector: DetectorConfig{
			ZScoreThreshold: 2.5,
			BaselineWindow:  1000,
			MinSamples:      10,
			SpikeFlushEvery: 10,
		},
		Suppression: SuppressionConfig{
			DedupWindow: 5 * time.Minute,
			FlapCount:   5,
			FlapWindow:  10 * time.Minute,
		},
		Correlation: CorrelationConfig{
			DeployLookback: 30 * time.Minute,
			PendingWindow:  10 * time.Minute,
		},
		Analyzer: AnalyzerConfig{
			Timeout:        45 * time.Second,
			Model:          "llama3.1:8b",
			RollbackWindow: 30 * time.Minute,
		},
		Executor: ExecutorConfig{
			ConfidenceFloor:     0.8,
			RiskCeiling:         "low",
			ExecutionWindow:     "always",
			NightStart:          22,
			NightEnd:            6,
			RateLimitPerHour:    3,
			MaxRollbacksPerHour: 2,
			Cooldown:            300 * time.Second,
			ActionTimeout:       30 * time.Second,
		},
		Store: StoreConfig{
			Backend:      "memory",
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		History: HistoryConfig{Path: "autopilot.db"},
		Notifier: NotifierConfig{
			Timeout: 10 * time.Second,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOPILOT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("AUTOPILOT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("AUTOPILOT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("AUTOPILOT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("AUTOPILOT_Z_SCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Detector.ZScoreThreshold = f
		}
	}
	if v := os.Getenv("AUTOPILOT_BASELINE_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.BaselineWindow = n
		}
	}
	if v := os.Getenv("AUTOPILOT_MIN_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Detector.MinSamples = n
		}
	}
	if v := os.Getenv("AUTOPILOT_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Suppression.DedupWindow = d
		}
	}
	if v := os.Getenv("AUTOPILOT_FLAP_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Suppression.FlapCount = n
		}
	}
	if v := os.Getenv("AUTOPILOT_FLAP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Suppression.FlapWindow = d
		}
	}
	if v := os.Getenv("AUTOPILOT_RULES_PATH"); v != "" {
		cfg.Suppression.RulesPath = v
	}
	if v := os.Getenv("AUTOPILOT_DEPLOY_LOOKBACK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.DeployLookback = d
		}
	}
	if v := os.Getenv("AUTOPILOT_ANALYZER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analyzer.Timeout = d
		}
	}
	if v := os.Getenv("AUTOPILOT_ANALYZER_BASE_URL"); v != "" {
		cfg.Analyzer.BaseURL = v
	}
	if v := os.Getenv("AUTOPILOT_ANALYZER_MODEL"); v != "" {
		cfg.Analyzer.Model = v
	}
	if v := os.Getenv("AUTOPILOT_AUTO_CONFIDENCE_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Executor.ConfidenceFloor = f
		}
	}
	if v := os.Getenv("AUTOPILOT_AUTO_RISK_CEILING"); v != "" {
		cfg.Executor.RiskCeiling = v
	}
	if v := os.Getenv("AUTOPILOT_AUTO_EXECUTION_WINDOW"); v != "" {
		cfg.Executor.ExecutionWindow = v
	}
	if v := os.Getenv("AUTOPILOT_AUTO_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.RateLimitPerHour = n
		}
	}
	if v := os.Getenv("AUTOPILOT_AUTO_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Executor.Cooldown = d
		}
	}
	if v := os.Getenv("AUTOPILOT_ACTION_ENDPOINT"); v != "" {
		cfg.Executor.ActionEndpoint = v
	}
	if v := os.Getenv("AUTOPILOT_ACTION_TOKEN"); v != "" {
		cfg.Executor.ActionToken = v
	}
	if v := os.Getenv("AUTOPILOT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("AUTOPILOT_STORE_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("AUTOPILOT_STORE_USERNAME"); v != "" {
		cfg.Store.Username = v
	}
	if v := os.Getenv("AUTOPILOT_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("AUTOPILOT_STORE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.DB = db
		}
	}
	if v := os.Getenv("AUTOPILOT_STORE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Store.TLS = true
	}
	if v := os.Getenv("AUTOPILOT_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("AUTOPILOT_WEBHOOK_URL"); v != "" {
		cfg.Notifier.WebhookURL = v
	}
	if v := os.Getenv("AUTOPILOT_WEBHOOK_TOKEN"); v != "" {
		cfg.Notifier.AuthToken = v
	}
}
