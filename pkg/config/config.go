// Package config loads and validates proptrack's runtime configuration
// from a YAML file plus environment-variable expansion, following the
// loader/errors/merge split the teacher's own config package uses.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/desertdata/proptrack/pkg/proptrackerr"
)

// AssessorConfig holds assessor.* keys (spec §6.7).
type AssessorConfig struct {
	BaseURL          string  `yaml:"base_url"`
	APIKey           string  `yaml:"api_key"`
	Resource         string  `yaml:"resource"`
	RateLimitPerHour int     `yaml:"rate_limit_per_hour"`
	SafetyMargin     float64 `yaml:"safety_margin"`
	MaxRetries       int     `yaml:"max_retries"`
}

// MLSConfig holds mls.* keys.
type MLSConfig struct {
	BaseURL        string `yaml:"base_url"`
	MaxRetries     int    `yaml:"max_retries"`
	PageTimeoutMS  int    `yaml:"page_timeout_ms"`
	RespectRobots  *bool  `yaml:"respect_robots"`
	SelectorsPath  string `yaml:"selectors_path"`
}

// ProxyConfig holds proxy.* keys.
type ProxyConfig struct {
	Endpoints            []string `yaml:"endpoints"`
	Username             string   `yaml:"username"`
	Password             string   `yaml:"password"`
	MaxFailures          int      `yaml:"max_failures"`
	MinHealthy           int      `yaml:"min_healthy"`
	HealthCheckIntervalS int      `yaml:"health_check_interval_s"`
}

// LLMConfig holds llm.* keys.
type LLMConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutS   int    `yaml:"timeout_s"`
	MaxRetries int    `yaml:"max_retries"`
	BatchSize  int    `yaml:"batch_size"`
}

// ValidationConfig holds validation.* keys.
type ValidationConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
	Strict        bool    `yaml:"strict"`
	MinPrice      float64 `yaml:"min_price"`
	MaxPrice      float64 `yaml:"max_price"`
	MinSqft       int     `yaml:"min_sqft"`
	MaxSqft       int     `yaml:"max_sqft"`
}

// ProcessingConfig holds processing.* keys.
type ProcessingConfig struct {
	BatchSize     int  `yaml:"batch_size"`
	MaxConcurrent int  `yaml:"max_concurrent"`
	EnableStorage bool `yaml:"enable_storage"`
}

// OrchestrationConfig holds orchestration.* keys.
type OrchestrationConfig struct {
	Mode                      string `yaml:"mode"`
	BudgetMinutes             int    `yaml:"budget_minutes"`
	PerCollectorTimeoutMinutes int   `yaml:"per_collector_timeout_minutes"`
}

// DatabaseConfig mirrors the teacher's pkg/database connection settings,
// generalized from a single service to proptrack's repository.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Config is the fully resolved, validated application configuration.
type Config struct {
	TargetZipCodes []string `yaml:"target_zip_codes"`

	Assessor     AssessorConfig      `yaml:"assessor"`
	MLS          MLSConfig           `yaml:"mls"`
	Proxy        ProxyConfig         `yaml:"proxy"`
	LLM          LLMConfig           `yaml:"llm"`
	Validation   ValidationConfig    `yaml:"validation"`
	Processing   ProcessingConfig    `yaml:"processing"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Database     DatabaseConfig      `yaml:"database"`

	LogLevel string `yaml:"log_level"`
	ReportsDir string `yaml:"reports_dir"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// rawYAML mirrors Config field-for-field for unmarshaling; a plain type
// alias would recurse into UnmarshalYAML if Config ever defined one, so
// this keeps the loader decoupled from the public type's future evolution.
type rawYAML Config

func defaults() Config {
	respectRobots := true
	return Config{
		Assessor: AssessorConfig{
			Resource:         "properties",
			RateLimitPerHour: 1000,
			SafetyMargin:     0.10,
			MaxRetries:       3,
		},
		MLS: MLSConfig{
			MaxRetries:    3,
			PageTimeoutMS: 30000,
			RespectRobots: &respectRobots,
		},
		Proxy: ProxyConfig{
			MaxFailures:          3,
			MinHealthy:           2,
			HealthCheckIntervalS: 300,
		},
		LLM: LLMConfig{
			Model:      "llama3.2:latest",
			TimeoutS:   30,
			MaxRetries: 2,
			BatchSize:  5,
		},
		Validation: ValidationConfig{
			MinConfidence: 0.7,
			MinPrice:      10_000,
			MaxPrice:      10_000_000,
			MinSqft:       100,
			MaxSqft:       20_000,
		},
		Processing: ProcessingConfig{
			BatchSize:     10,
			MaxConcurrent: 3,
			EnableStorage: true,
		},
		Orchestration: OrchestrationConfig{
			Mode:                      "sequential",
			BudgetMinutes:             75,
			PerCollectorTimeoutMinutes: 30,
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		LogLevel:    "info",
		ReportsDir:  "reports",
		MetricsAddr: ":9090",
	}
}

// Load reads a YAML config file, expands ${VAR} references against the
// process environment (loading a .env file first if present, per the
// teacher's godotenv usage pattern), merges it over the built-in defaults,
// and validates the result. Returns a ConfigError-classified error on any
// failure (spec §7: ConfigError is fatal at startup).
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, proptrackerr.Classify(proptrackerr.ErrConfig, "config", "", path, 0, err)
	}

	expanded := os.ExpandEnv(string(data))

	var raw rawYAML
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, proptrackerr.Classify(proptrackerr.ErrConfig, "config", "", path, 0, fmt.Errorf("invalid yaml: %w", err))
	}

	cfg := defaults()
	parsed := Config(raw)
	if err := mergo.Merge(&cfg, parsed, mergo.WithOverride); err != nil {
		return nil, proptrackerr.Classify(proptrackerr.ErrConfig, "config", "", path, 0, fmt.Errorf("merge defaults: %w", err))
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	var missing []string
	if len(cfg.TargetZipCodes) == 0 {
		missing = append(missing, "target_zip_codes")
	}
	if cfg.Assessor.BaseURL == "" {
		missing = append(missing, "assessor.base_url")
	}
	if cfg.Assessor.APIKey == "" {
		missing = append(missing, "assessor.api_key")
	}
	if cfg.MLS.BaseURL == "" {
		missing = append(missing, "mls.base_url")
	}
	if len(cfg.Proxy.Endpoints) > 0 && (cfg.Proxy.Username == "" || cfg.Proxy.Password == "") {
		missing = append(missing, "proxy.username/proxy.password")
	}
	if cfg.LLM.BaseURL == "" {
		missing = append(missing, "llm.base_url")
	}

	if len(missing) > 0 {
		return proptrackerr.Classify(proptrackerr.ErrConfig, "config", "", "", 0,
			fmt.Errorf("missing required keys: %s", strings.Join(missing, ", ")))
	}
	return nil
}
