package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the strand configuration file
// (~/.config/strand/config.yaml). Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	// Server
	ServerAddress string         `yaml:"server_address"`
	ReadTimeout   *time.Duration `yaml:"read_timeout"`
	DrainTimeout  *time.Duration `yaml:"drain_timeout"`
	RateLimit     *float64       `yaml:"rate_limit"`

	// Sampling defaults
	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	MinP        *float64 `yaml:"min_p"`
	Seed        *int64   `yaml:"seed"`
	MaxTokens   *int64   `yaml:"max_tokens"`

	// Model
	Hidden    *int64 `yaml:"hidden"`
	ModelSeed *int64 `yaml:"model_seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "strand", "config.yaml")
}

// applyServeConfig applies config file defaults to serve command variables
// when the corresponding CLI flag was not explicitly set.
func applyServeConfig(c *cli.Command, cfg Config, opts *serveOptions) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		opts.addr = cfg.ServerAddress
	}
	if cfg.ReadTimeout != nil && !c.IsSet("read-timeout") {
		opts.readTimeout = *cfg.ReadTimeout
	}
	if cfg.DrainTimeout != nil && !c.IsSet("drain-timeout") {
		opts.drainTimeout = *cfg.DrainTimeout
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		opts.rateLimit = *cfg.RateLimit
	}
	if cfg.Temperature != nil && !c.IsSet("temp") {
		opts.temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		opts.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		opts.topP = *cfg.TopP
	}
	if cfg.MinP != nil && !c.IsSet("min-p") {
		opts.minP = *cfg.MinP
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		opts.seed = *cfg.Seed
	}
	if cfg.MaxTokens != nil && !c.IsSet("max-tokens") {
		opts.maxTokens = *cfg.MaxTokens
	}
	if cfg.Hidden != nil && !c.IsSet("hidden") {
		opts.hidden = *cfg.Hidden
	}
	if cfg.ModelSeed != nil && !c.IsSet("model-seed") {
		opts.modelSeed = *cfg.ModelSeed
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		opts.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		opts.logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file does
// not exist or cannot be parsed.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
