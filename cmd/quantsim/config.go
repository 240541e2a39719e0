package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the quantsim configuration file
// (~/.config/quantsim/config.yaml). Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	// Quantizer defaults
	BitLength  *int64   `yaml:"bit_length"`
	QuantAxis  *int64   `yaml:"quant_axis"`
	WindowSize *int64   `yaml:"window_size"`
	MovingRate *float64 `yaml:"moving_rate"`

	// Output
	OutDir    string `yaml:"out_dir"`
	DType     string `yaml:"dtype"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string         `yaml:"server_address"`
	SessionTTL    *time.Duration `yaml:"session_ttl"`
	Plan          string         `yaml:"plan"`
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quantsim", "config.yaml")
}

// applyLoggingConfig applies config file defaults to the global logging flags
// when they were not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyQuantizerConfig applies config file defaults to the quantizer flags.
func applyQuantizerConfig(c *cli.Command, cfg Config) {
	if cfg.BitLength != nil && !c.IsSet("bits") {
		bitLength = *cfg.BitLength
	}
	if cfg.QuantAxis != nil && !c.IsSet("axis") {
		quantAxis = *cfg.QuantAxis
	}
	if cfg.WindowSize != nil && !c.IsSet("window-size") {
		windowSize = *cfg.WindowSize
	}
	if cfg.MovingRate != nil && !c.IsSet("moving-rate") {
		movingRate = *cfg.MovingRate
	}
}

// applyOutputConfig applies config file defaults to per-command output flags.
func applyOutputConfig(c *cli.Command, cfg Config, dtype *string) {
	if cfg.DType != "" && !c.IsSet("dtype") {
		*dtype = cfg.DType
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, ttl *time.Duration, planPath *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.SessionTTL != nil && !c.IsSet("session-ttl") {
		*ttl = *cfg.SessionTTL
	}
	if cfg.Plan != "" && !c.IsSet("plan") {
		*planPath = cfg.Plan
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
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
