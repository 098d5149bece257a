// Package config loads the mail proxy configuration from a TOML or YAML
// file and MAILER_* environment variables.
//
// Durations are written as strings ("300s", "1m") and parsed on use.
// Environment variables take precedence over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/alexisbouchez/mailer"
	"github.com/alexisbouchez/mailer/mailclient"
	"github.com/alexisbouchez/mailer/proxy"
)

// Config is the complete service configuration.
type Config struct {
	SMTP    SMTPConfig    `toml:"smtp" yaml:"smtp"`
	Proxy   ProxyConfig   `toml:"proxy" yaml:"proxy"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// SMTPConfig mirrors mailer.Config with string durations.
type SMTPConfig struct {
	Hostname         string   `toml:"hostname" yaml:"hostname"`
	Port             int      `toml:"port" yaml:"port"`
	SSL              bool     `toml:"ssl" yaml:"ssl"`
	StartTLS         string   `toml:"starttls" yaml:"starttls"`
	AuthMethods      []string `toml:"auth_methods" yaml:"auth_methods"`
	Login            string   `toml:"login" yaml:"login"`
	Username         string   `toml:"username" yaml:"username"`
	Password         string   `toml:"password" yaml:"password"`
	OwnHostname      string   `toml:"own_hostname" yaml:"own_hostname"`
	MaxPoolSize      int      `toml:"max_pool_size" yaml:"max_pool_size"`
	KeepAlive        bool     `toml:"keep_alive" yaml:"keep_alive"`
	KeepAliveTimeout string   `toml:"keep_alive_timeout" yaml:"keep_alive_timeout"` // e.g. "300s"; "0s" disables eviction
	ConnectTimeout   string   `toml:"connect_timeout" yaml:"connect_timeout"`
	DisableESMTP     bool     `toml:"disable_esmtp" yaml:"disable_esmtp"`
	AllowRcptErrors  bool     `toml:"allow_rcpt_errors" yaml:"allow_rcpt_errors"`
	TrustAll         bool     `toml:"trust_all" yaml:"trust_all"`
	KeyStore         string   `toml:"key_store" yaml:"key_store"` // PEM bundle or PKCS#12 file
	KeyStorePassword string   `toml:"key_store_password" yaml:"key_store_password"`
	UserAgent        string   `toml:"user_agent" yaml:"user_agent"`
	Pipelining       bool     `toml:"pipelining" yaml:"pipelining"`
}

// ProxyConfig configures the HTTP bus endpoint of the proxy service.
type ProxyConfig struct {
	Listen          string `toml:"listen" yaml:"listen"`
	BusAddress      string `toml:"bus_address" yaml:"bus_address"`
	PoolName        string `toml:"pool_name" yaml:"pool_name"`
	ShutdownTimeout string `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`   // debug, info, warn, error
	Format string `toml:"format" yaml:"format"` // text or json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	d := mailer.DefaultConfig()
	return &Config{
		SMTP: SMTPConfig{
			Hostname:         d.Hostname,
			Port:             d.Port,
			StartTLS:         string(d.StartTLS),
			Login:            string(d.Login),
			MaxPoolSize:      d.MaxPoolSize,
			KeepAlive:        d.KeepAlive,
			KeepAliveTimeout: d.KeepAliveTimeout.String(),
			ConnectTimeout:   d.ConnectTimeout.String(),
			UserAgent:        d.UserAgent,
		},
		Proxy: ProxyConfig{
			Listen:          ":8025",
			BusAddress:      proxy.DefaultAddress,
			PoolName:        mailclient.DefaultPoolName,
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads path (when not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			slog.Warn("configuration file contains unknown keys that will be ignored",
				"path", path, "keys", keys)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config: unsupported file type %q (want .toml, .yaml or .yml)", ext)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.Mailer(); err != nil {
		return err
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	if _, err := c.Proxy.GetShutdownTimeout(); err != nil {
		return err
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("config: metrics path %q must start with /", c.Metrics.Path)
	}
	return nil
}

// Mailer converts the [smtp] section into a validated mailer.Config.
func (c *Config) Mailer() (mailer.Config, error) {
	s := c.SMTP
	keepAliveTimeout, err := parseDuration("smtp.keep_alive_timeout", s.KeepAliveTimeout, mailer.DefaultKeepAliveTimeout)
	if err != nil {
		return mailer.Config{}, err
	}
	connectTimeout, err := parseDuration("smtp.connect_timeout", s.ConnectTimeout, mailer.DefaultConnectTimeout)
	if err != nil {
		return mailer.Config{}, err
	}

	mc := mailer.Config{
		Hostname:         s.Hostname,
		Port:             s.Port,
		SSL:              s.SSL,
		StartTLS:         mailer.StartTLSPolicy(strings.ToLower(s.StartTLS)),
		AuthMethods:      s.AuthMethods,
		Login:            mailer.LoginPolicy(strings.ToLower(s.Login)),
		Username:         s.Username,
		Password:         s.Password,
		OwnHostname:      s.OwnHostname,
		MaxPoolSize:      s.MaxPoolSize,
		KeepAlive:        s.KeepAlive,
		KeepAliveTimeout: keepAliveTimeout,
		DisableESMTP:     s.DisableESMTP,
		AllowRcptErrors:  s.AllowRcptErrors,
		TrustAll:         s.TrustAll,
		KeyStore:         s.KeyStore,
		KeyStorePassword: s.KeyStorePassword,
		UserAgent:        s.UserAgent,
		Pipelining:       s.Pipelining,
		ConnectTimeout:   connectTimeout,
	}
	if err := mc.Validate(); err != nil {
		return mailer.Config{}, err
	}
	return mc, nil
}

// GetShutdownTimeout parses the graceful shutdown timeout.
func (p ProxyConfig) GetShutdownTimeout() (time.Duration, error) {
	return parseDuration("proxy.shutdown_timeout", p.ShutdownTimeout, 10*time.Second)
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: logging level: %w", err)
	}
	return level, nil
}

// NewLogger builds a logger writing to w in the configured format.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseDuration(key, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, mailer.NewError(mailer.KindConfig, key, err)
	}
	if d < 0 {
		return 0, mailer.Errorf(mailer.KindConfig, key, "duration %s must not be negative", s)
	}
	return d, nil
}
