// Package config holds the settings read from the config file, HAUL_*
// environment variables and command-line flags, in rising precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tanq16/haul/internal/types"
	"github.com/tanq16/haul/internal/utils"
	"gopkg.in/yaml.v3"
)

type Config struct {
	MaxConnections int        `yaml:"max_connections"`
	SpeedLimit     int64      `yaml:"speed_limit"`
	AutoStart      bool       `yaml:"auto_start"`
	Workers        int        `yaml:"workers"`
	DownloadDir    string     `yaml:"download_dir"`
	StateFile      string     `yaml:"state_file"`
	AWSProfile     string     `yaml:"aws_profile"`
	HTTP           HTTPConfig `yaml:"http"`
}

type HTTPConfig struct {
	Timeout       time.Duration     `yaml:"timeout"`
	KATimeout     time.Duration     `yaml:"keep_alive_timeout"`
	UserAgent     string            `yaml:"user_agent"`
	ProxyURL      string            `yaml:"proxy"`
	ProxyUsername string            `yaml:"proxy_username"`
	ProxyPassword string            `yaml:"proxy_password"`
	Headers       map[string]string `yaml:"headers"`
	VerifyTLS     bool              `yaml:"verify_tls"`
}

func Default() Config {
	return Config{
		MaxConnections: utils.DefaultConnections,
		Workers:        4,
		DownloadDir:    ".",
		StateFile:      filepath.Join(DefaultStateDir(), utils.StateFile),
		HTTP: HTTPConfig{
			Timeout:   utils.DefaultRequestTimeout,
			KATimeout: 90 * time.Second,
		},
	}
}

// DefaultStateDir is ~/.haul, or .haul in the working directory when the
// home directory is unknown.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".haul"
	}
	return filepath.Join(home, ".haul")
}

// yamlConfig takes durations as strings and tells an absent auto_start
// apart from false.
type yamlConfig struct {
	MaxConnections int            `yaml:"max_connections"`
	SpeedLimit     int64          `yaml:"speed_limit"`
	AutoStart      *bool          `yaml:"auto_start"`
	Workers        int            `yaml:"workers"`
	DownloadDir    string         `yaml:"download_dir"`
	StateFile      string         `yaml:"state_file"`
	AWSProfile     string         `yaml:"aws_profile"`
	HTTP           yamlHTTPConfig `yaml:"http"`
}

type yamlHTTPConfig struct {
	Timeout       string            `yaml:"timeout"`
	KATimeout     string            `yaml:"keep_alive_timeout"`
	UserAgent     string            `yaml:"user_agent"`
	ProxyURL      string            `yaml:"proxy"`
	ProxyUsername string            `yaml:"proxy_username"`
	ProxyPassword string            `yaml:"proxy_password"`
	Headers       map[string]string `yaml:"headers"`
	VerifyTLS     bool              `yaml:"verify_tls"`
}

func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	if yc.MaxConnections != 0 {
		cfg.MaxConnections = yc.MaxConnections
	}
	cfg.SpeedLimit = yc.SpeedLimit
	if yc.AutoStart != nil {
		cfg.AutoStart = *yc.AutoStart
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.DownloadDir != "" {
		cfg.DownloadDir = yc.DownloadDir
	}
	if yc.StateFile != "" {
		cfg.StateFile = yc.StateFile
	}
	cfg.AWSProfile = yc.AWSProfile
	if yc.HTTP.Timeout != "" {
		d, err := time.ParseDuration(yc.HTTP.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse http.timeout: %w", err)
		}
		cfg.HTTP.Timeout = d
	}
	if yc.HTTP.KATimeout != "" {
		d, err := time.ParseDuration(yc.HTTP.KATimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse http.keep_alive_timeout: %w", err)
		}
		cfg.HTTP.KATimeout = d
	}
	cfg.HTTP.UserAgent = yc.HTTP.UserAgent
	cfg.HTTP.ProxyURL = yc.HTTP.ProxyURL
	cfg.HTTP.ProxyUsername = yc.HTTP.ProxyUsername
	cfg.HTTP.ProxyPassword = yc.HTTP.ProxyPassword
	cfg.HTTP.Headers = yc.HTTP.Headers
	cfg.HTTP.VerifyTLS = yc.HTTP.VerifyTLS
	return cfg, nil
}

// ApplyEnv overrides fields from HAUL_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("HAUL_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse HAUL_CONNECTIONS: %w", err)
		}
		c.MaxConnections = n
	}
	if v := os.Getenv("HAUL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse HAUL_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("HAUL_AUTO_START"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse HAUL_AUTO_START: %w", err)
		}
		c.AutoStart = b
	}
	if v := os.Getenv("HAUL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse HAUL_TIMEOUT: %w", err)
		}
		c.HTTP.Timeout = d
	}
	if v := os.Getenv("HAUL_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("HAUL_STATE_FILE"); v != "" {
		c.StateFile = v
	}
	if v := os.Getenv("HAUL_USER_AGENT"); v != "" {
		c.HTTP.UserAgent = v
	}
	if v := os.Getenv("HAUL_PROXY"); v != "" {
		c.HTTP.ProxyURL = v
	}
	if v := os.Getenv("HAUL_AWS_PROFILE"); v != "" {
		c.AWSProfile = v
	}
	if v := os.Getenv("HAUL_VERIFY_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse HAUL_VERIFY_TLS: %w", err)
		}
		c.HTTP.VerifyTLS = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxConnections < 1 || c.MaxConnections > utils.MaxChunks {
		errs = append(errs, fmt.Errorf("max_connections must be between 1 and %d, got %d", utils.MaxChunks, c.MaxConnections))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.SpeedLimit < 0 {
		errs = append(errs, fmt.Errorf("speed_limit cannot be negative, got %d", c.SpeedLimit))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout))
	}
	if c.StateFile == "" {
		errs = append(errs, errors.New("state_file is required"))
	}
	return errors.Join(errs...)
}

func (c Config) Settings() types.Settings {
	return types.Settings{
		MaxConnections: c.MaxConnections,
		SpeedLimit:     c.SpeedLimit,
		AutoStart:      c.AutoStart,
	}
}

func (c Config) HTTPClientConfig() utils.HTTPClientConfig {
	return utils.HTTPClientConfig{
		Timeout:       c.HTTP.Timeout,
		KATimeout:     c.HTTP.KATimeout,
		ProxyURL:      c.HTTP.ProxyURL,
		ProxyUsername: c.HTTP.ProxyUsername,
		ProxyPassword: c.HTTP.ProxyPassword,
		UserAgent:     c.HTTP.UserAgent,
		Headers:       c.HTTP.Headers,
		VerifyTLS:     c.HTTP.VerifyTLS,
	}
}
