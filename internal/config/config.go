// Package config loads rosterfile settings from an optional YAML file with
// environment overrides on top.
package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	RMW    RMWConfig    `yaml:"rmw"`
	Roster RosterConfig `yaml:"roster"`
	Logger LoggerConfig `yaml:"logger"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// APIToken, when set, is required as a bearer token on /v1 routes.
	APIToken string `yaml:"api_token"`
}

// StoreConfig selects the document store. DSN is one of github://owner/repo,
// memory://, file:///dir or postgres://...
type StoreConfig struct {
	DSN       string `yaml:"dsn"`
	Branch    string `yaml:"branch"`
	Token     string `yaml:"token"`
	UserAgent string `yaml:"user_agent"`
}

type RMWConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      time.Duration `yaml:"jitter"`
	// OnCorrupt is "treat_as_empty" or "fail".
	OnCorrupt string `yaml:"on_corrupt"`
}

type RosterConfig struct {
	RosterDir     string `yaml:"roster_dir"`
	AttendanceDir string `yaml:"attendance_dir"`
	ProgressDir   string `yaml:"progress_dir"`
	MaxSemester   int    `yaml:"max_semester"`
	MaxRangeDays  int    `yaml:"max_range_days"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

const (
	CorruptTreatAsEmpty = "treat_as_empty"
	CorruptFail         = "fail"
)

// Default returns a config that runs against an in-memory store.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DSN:       "memory://",
			Branch:    "main",
			UserAgent: "rosterfile",
		},
		RMW: RMWConfig{
			MaxAttempts: 5,
			BaseDelay:   80 * time.Millisecond,
			MaxDelay:    1200 * time.Millisecond,
			Jitter:      40 * time.Millisecond,
			OnCorrupt:   CorruptTreatAsEmpty,
		},
		Roster: RosterConfig{
			AttendanceDir: "absensi",
			MaxSemester:   888,
			MaxRangeDays:  366,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over Default. An empty path or a missing file yields the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// ApplyEnv overlays ROSTERFILE_* variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	setString := func(dst *string, names ...string) {
		for _, name := range names {
			if v := strings.TrimSpace(getenv(name)); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&c.Store.DSN, "ROSTERFILE_STORE_DSN")
	setString(&c.Store.Token, "ROSTERFILE_GITHUB_TOKEN", "GITHUB_TOKEN")
	setString(&c.Store.Branch, "ROSTERFILE_BRANCH")
	setString(&c.Server.Addr, "ROSTERFILE_ADDR")
	setString(&c.Server.APIToken, "ROSTERFILE_API_TOKEN")
	setString(&c.Logger.Level, "ROSTERFILE_LOG_LEVEL")
	setString(&c.Logger.Format, "ROSTERFILE_LOG_FORMAT")
	c.Roster.MaxSemester = intEnv(getenv, "ROSTERFILE_MAX_SEMESTER", c.Roster.MaxSemester)
	c.Server.MaxBodyBytes = int64Env(getenv, "ROSTERFILE_MAX_BODY_BYTES", c.Server.MaxBodyBytes)
	c.RMW.MaxAttempts = intEnv(getenv, "ROSTERFILE_RMW_ATTEMPTS", c.RMW.MaxAttempts)
	c.RMW.BaseDelay = durationEnv(getenv, "ROSTERFILE_RMW_BASE_DELAY", c.RMW.BaseDelay)
	c.Server.ShutdownTimeout = durationEnv(getenv, "ROSTERFILE_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.Errorf("server.max_body_bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return errors.New("store.dsn is required")
	}
	if c.RMW.MaxAttempts < 1 {
		return errors.Errorf("rmw.max_attempts must be at least 1, got %d", c.RMW.MaxAttempts)
	}
	if c.RMW.BaseDelay <= 0 || c.RMW.MaxDelay < c.RMW.BaseDelay {
		return errors.Errorf("rmw delays must satisfy 0 < base_delay <= max_delay, got %s and %s", c.RMW.BaseDelay, c.RMW.MaxDelay)
	}
	if c.RMW.Jitter < 0 {
		return errors.New("rmw.jitter must not be negative")
	}
	switch c.RMW.OnCorrupt {
	case CorruptTreatAsEmpty, CorruptFail:
	default:
		return errors.Errorf("rmw.on_corrupt must be %q or %q, got %q", CorruptTreatAsEmpty, CorruptFail, c.RMW.OnCorrupt)
	}
	if c.Roster.MaxSemester < 1 {
		return errors.Errorf("roster.max_semester must be positive, got %d", c.Roster.MaxSemester)
	}
	if c.Roster.MaxRangeDays < 1 {
		return errors.Errorf("roster.max_range_days must be positive, got %d", c.Roster.MaxRangeDays)
	}
	if _, err := ParseLevel(c.Logger.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logger.Format) {
	case "json", "text":
	default:
		return errors.Errorf("logger.format must be json or text, got %q", c.Logger.Format)
	}
	return nil
}

func ParseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return level, errors.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// NewLogger builds the JSON or text slog logger the config asks for.
func NewLogger(cfg LoggerConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), nil
}

func intEnv(getenv func(string) string, name string, fallback int) int {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(getenv func(string) string, name string, fallback int64) int64 {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(getenv func(string) string, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration env value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
