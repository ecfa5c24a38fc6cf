// config/config.go
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dalemusser/mailaddr/pantry/email/address"
	"github.com/dalemusser/mailaddr/pantry/validate"
)

// EnvPrefix prefixes every environment variable, e.g. MAILADDR_SMTP_HOST.
const EnvPrefix = "MAILADDR"

// ErrIncomplete is returned by ValidateForSend when settings needed to send
// mail are missing.
var ErrIncomplete = errors.New("config: incomplete mail settings")

// SMTPConfig groups SMTP connection settings.
type SMTPConfig struct {
	Host     string `mapstructure:"smtp_host"`
	Port     int    `mapstructure:"smtp_port" validate:"is_natural_no_zero"`
	Username string `mapstructure:"smtp_username"`
	Password string `mapstructure:"smtp_password"`
	UseSSL   bool   `mapstructure:"smtp_use_ssl"`

	// Timeout is parsed separately so "30", "30s" and "1m" are all accepted.
	Timeout time.Duration `mapstructure:"-"`
}

// Config holds everything the mailaddr tools need.
type Config struct {
	Env      string `mapstructure:"env" validate:"required|in_list[dev,prod]"`
	LogLevel string `mapstructure:"log_level" validate:"required|in_list[debug,info,warn,error,dpanic,panic,fatal]"`

	SMTP SMTPConfig `mapstructure:",squash"`

	// FromRaw is the sender in either "user@example.com" or
	// `"Name" <user@example.com>` form; From is its parsed value.
	FromRaw string          `mapstructure:"from"`
	From    address.Address `mapstructure:"-" json:"-"`

	RedisAddr string `mapstructure:"redis_addr"`

	// MetricsTextfile, if set, is where the CLI writes its counters in the
	// Prometheus text format after each command, for node_exporter's
	// textfile collector.
	MetricsTextfile string `mapstructure:"metrics_textfile"`
}

// Dump returns a pretty, redacted JSON string of the config for debugging.
func (c Config) Dump() string {
	cp := c
	if cp.SMTP.Password != "" {
		cp.SMTP.Password = "[redacted]"
	}
	b, _ := json.MarshalIndent(cp, "", "  ")
	return string(b)
}

// ValidateForSend reports what is missing before mail can be sent.
func (c Config) ValidateForSend() error {
	var missing []string
	if strings.TrimSpace(c.SMTP.Host) == "" {
		missing = append(missing, EnvPrefix+"_SMTP_HOST (or --smtp_host)")
	}
	if c.From.IsZero() {
		missing = append(missing, EnvPrefix+"_FROM (or --from)")
	}
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: missing %s", ErrIncomplete, strings.Join(missing, ", "))
}

// Load merges defaults → config.* file(s) → .env/env vars → explicit flags
// into one Config. Final precedence (highest wins): flags(explicit) > env >
// config > defaults.
//
// args are the command-line arguments without the program name. Load returns
// the positional arguments left after flag parsing.
func Load(logger *zap.Logger, args []string) (*Config, []string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// 0) Optionally load .env (real env still wins over .env)
	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded .env file")
	}

	// 1) Flags (only explicitly set flags override)
	fs := NewFlagSet("mailaddr")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	// 2) Viper + env
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, k := range allKeys() {
		_ = v.BindEnv(k)
	}

	// 3) Optional config.* files (yaml|yml|json|toml)
	for _, ext := range [...]string{"yaml", "yml", "json", "toml"} {
		file := "config." + ext
		b, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		v.SetConfigType(ext)
		if err := v.MergeConfig(bytes.NewReader(b)); err != nil {
			logger.Warn("cannot decode config file", zap.String("file", file), zap.Error(err))
			continue
		}
		logger.Info("Loaded config file", zap.String("file", file))
	}

	// 4) Defaults (lowest precedence)
	setDefaults(v)

	// 5) Explicit flags (highest precedence)
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			_ = v.BindPFlag(f.Name, f)
		}
	})

	// 6) Build struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: unable to decode: %w", err)
	}

	timeout, err := parseDurationFlexible(v.Get("smtp_timeout"), 30*time.Second)
	if err != nil {
		logger.Warn("invalid smtp_timeout; using default 30s",
			zap.Any("value", v.Get("smtp_timeout")), zap.Error(err))
	}
	cfg.SMTP.Timeout = timeout

	// 7) Validate
	if err := finish(&cfg); err != nil {
		return nil, nil, err
	}

	return &cfg, fs.Args(), nil
}

// NewFlagSet defines every config flag on a fresh FlagSet.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.String("env", "dev", `Runtime environment "dev"|"prod"`)
	fs.String("log_level", "info", "Log level")

	fs.String("smtp_host", "", "SMTP server hostname")
	fs.Int("smtp_port", 587, "SMTP server port (587 STARTTLS, 465 SSL)")
	fs.String("smtp_username", "", "SMTP username")
	fs.String("smtp_password", "", "SMTP password")
	fs.Bool("smtp_use_ssl", false, "Use implicit SSL/TLS instead of STARTTLS")
	fs.String("smtp_timeout", "30s", `SMTP timeout (e.g., "30s", "1m", or seconds)`)

	fs.String("from", "", `Default sender, e.g. '"Example" <noreply@example.com>'`)
	fs.String("redis_addr", "", "Redis address for the send queue (empty = send directly)")
	fs.String("metrics_textfile", "", "Write counters to this .prom file after each command")

	return fs
}

func allKeys() []string {
	return []string{
		"env", "log_level",
		"smtp_host", "smtp_port", "smtp_username", "smtp_password", "smtp_use_ssl", "smtp_timeout",
		"from", "redis_addr", "metrics_textfile",
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("smtp_host", "")
	v.SetDefault("smtp_port", 587)
	v.SetDefault("smtp_username", "")
	v.SetDefault("smtp_password", "")
	v.SetDefault("smtp_use_ssl", false)
	v.SetDefault("smtp_timeout", "30s")

	v.SetDefault("from", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("metrics_textfile", "")
}

// finish normalizes cfg, parses the sender address and collects every
// validation problem into one error.
func finish(cfg *Config) error {
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	var errs error
	if err := validate.Struct(cfg); err != nil {
		errs = multierr.Append(errs, err)
	}
	if cfg.SMTP.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("smtp_port must be in 1..65535"))
	}

	if strings.TrimSpace(cfg.FromRaw) != "" {
		from, err := address.Create(cfg.FromRaw)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("from: %w", err))
		} else {
			cfg.From = from
		}
	}

	if errs != nil {
		return fmt.Errorf("config: %w", errs)
	}
	return nil
}
