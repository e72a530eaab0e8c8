// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

// Package config loads Rollcall configuration.
//
// Sources are layered, later ones winning: built-in defaults, the YAML
// file, a .env file and the process environment, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/xdg"
)

// Config is the complete Rollcall configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Log      LogConfig      `koanf:"log"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	SMTP     SMTPConfig     `koanf:"smtp"`
}

// DatabaseConfig configures PostgreSQL access.
type DatabaseConfig struct {
	// URL is the application role's connection string. The role must not
	// bypass row-level security.
	URL string `koanf:"url"`
	// AdminURL is used by migrate and seed. Defaults to URL.
	AdminURL         string        `koanf:"admin_url"`
	MaxConns         int32         `koanf:"max_conns"`
	StatementTimeout time.Duration `koanf:"statement_timeout"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
	ApplicationName  string        `koanf:"application_name"`
}

// MigrationURL returns the connection string for schema and seed work.
func (d DatabaseConfig) MigrationURL() string {
	if d.AdminURL != "" {
		return d.AdminURL
	}
	return d.URL
}

// AuthConfig configures sign-in and coordinator activation.
type AuthConfig struct {
	LoginTimeout      time.Duration     `koanf:"login_timeout"`
	ActivationTimeout time.Duration     `koanf:"activation_timeout"`
	ActivationRetries uint64            `koanf:"activation_retries"`
	ResetTokenTTL     time.Duration     `koanf:"reset_token_ttl"`
	Argon2            auth.Argon2Params `koanf:"argon2"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// MetricsConfig configures the metrics endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// SMTPConfig configures password-reset mail. An empty Host logs reset links
// instead of mailing them.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
	// ResetURL is the link template; "{token}" is replaced with the token.
	ResetURL string `koanf:"reset_url"`
}

// Enabled reports whether reset mail is delivered over SMTP.
func (s SMTPConfig) Enabled() bool {
	return s.Host != ""
}

// Defaults returns the built-in configuration values by key.
func Defaults() map[string]any {
	return map[string]any{
		"database.max_conns":         int32(4),
		"database.statement_timeout": 10 * time.Second,
		"database.connect_timeout":   5 * time.Second,
		"database.application_name":  "rollcall",
		"auth.login_timeout":         10 * time.Second,
		"auth.activation_timeout":    5 * time.Second,
		"auth.activation_retries":    uint64(5),
		"auth.reset_token_ttl":       auth.ResetTokenExpiry,
		"auth.argon2.time":           auth.DefaultArgon2Params.Time,
		"auth.argon2.memory_kib":     auth.DefaultArgon2Params.MemoryKiB,
		"auth.argon2.threads":        auth.DefaultArgon2Params.Threads,
		"log.format":                 "text",
		"log.level":                  "info",
		"metrics.addr":               "",
		"smtp.port":                  587,
	}
}

// envKeys maps environment variables onto configuration keys.
var envKeys = map[string]string{
	"DATABASE_URL":           "database.url",
	"ROLLCALL_ADMIN_URL":     "database.admin_url",
	"ROLLCALL_SMTP_PASSWORD": "smtp.password",
	"ROLLCALL_LOG_FORMAT":    "log.format",
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"database-url": "database.url",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"metrics-addr": "metrics.addr",
}

// BindFlags registers the configuration flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default $XDG_CONFIG_HOME/rollcall/config.yaml)")
	fs.String("database-url", "", "PostgreSQL connection string (env DATABASE_URL)")
	fs.String("log-format", "text", "log format (json or text)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("metrics-addr", "", "metrics listen address, empty to disable")
}

// Options select the sources Load reads.
type Options struct {
	// Path is the YAML file. Empty means the XDG default, which may be absent.
	Path string
	// DotEnv is the .env file. Empty means ".env" in the working directory,
	// which may be absent.
	DotEnv string
	// Flags are applied last. Only flags the user set override earlier sources.
	Flags *pflag.FlagSet
}

// Load reads configuration from every source in opts.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrap(err)
		}
	}

	if err := loadFile(k, opts.Path); err != nil {
		return nil, err
	}
	if err := loadEnv(k, opts.DotEnv); err != nil {
		return nil, err
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrapf(err, "decode configuration")
	}
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	explicit := path != ""
	if !explicit {
		def, err := xdg.ConfigFile()
		if err != nil {
			// No home directory means no default file.
			return nil //nolint:nilerr // the default file is optional
		}
		path = def
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return oops.Code("CONFIG_NOT_FOUND").With("path", path).Wrap(err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
	}
	return nil
}

func loadEnv(k *koanf.Koanf, dotenv string) error {
	explicit := dotenv != ""
	if !explicit {
		dotenv = ".env"
	}
	// godotenv.Load never overrides variables already in the environment.
	if err := godotenv.Load(dotenv); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || explicit {
			return oops.Code("CONFIG_LOAD_FAILED").With("path", dotenv).Wrap(err)
		}
	}

	for env, key := range envKeys {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return oops.Code("CONFIG_LOAD_FAILED").With("env", env).Wrap(err)
			}
		}
	}
	return nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Database.URL == "" {
		add("database.url is required")
	}
	if c.Database.MaxConns < 1 {
		add("database.max_conns must be at least 1")
	}
	if c.Database.StatementTimeout < 0 {
		add("database.statement_timeout must not be negative")
	}
	if c.Database.ConnectTimeout <= 0 {
		add("database.connect_timeout must be positive")
	}

	if c.Auth.LoginTimeout <= 0 {
		add("auth.login_timeout must be positive")
	}
	if c.Auth.ActivationTimeout <= 0 {
		add("auth.activation_timeout must be positive")
	}
	if c.Auth.ResetTokenTTL <= 0 {
		add("auth.reset_token_ttl must be positive")
	}
	if err := c.Auth.Argon2.Validate(); err != nil {
		add("auth.argon2: %v", err)
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	if c.SMTP.Enabled() {
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			add("smtp.port must be between 1 and 65535")
		}
		if c.SMTP.From == "" {
			add("smtp.from is required when smtp.host is set")
		}
		if !strings.Contains(c.SMTP.ResetURL, "{token}") {
			add("smtp.reset_url must contain {token}")
		}
	}

	if len(problems) > 0 {
		return oops.Code("CONFIG_INVALID").
			With("problems", problems).
			Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DefaultYAML renders the built-in defaults as a YAML config file.
func DefaultYAML() ([]byte, error) {
	k := koanf.New(".")
	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code("CONFIG_MARSHAL_FAILED").With("key", key).Wrap(err)
		}
	}
	out, err := k.Marshal(yaml.Parser())
	if err != nil {
		return nil, oops.Code("CONFIG_MARSHAL_FAILED").Wrap(err)
	}
	return out, nil
}
