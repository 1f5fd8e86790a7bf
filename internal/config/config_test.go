package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(values map[string]string) func(string) string {
	return func(name string) string { return values[name] }
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rosterfile.yaml")
	content := `
server:
  addr: 127.0.0.1:9090
store:
  dsn: github://madrasah/data
  branch: data
rmw:
  base_delay: 50ms
  on_corrupt: fail
roster:
  attendance_dir: kehadiran
logger:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, "github://madrasah/data", cfg.Store.DSN)
	assert.Equal(t, "data", cfg.Store.Branch)
	assert.Equal(t, 50*time.Millisecond, cfg.RMW.BaseDelay)
	assert.Equal(t, 1200*time.Millisecond, cfg.RMW.MaxDelay, "unset fields keep defaults")
	assert.Equal(t, CorruptFail, cfg.RMW.OnCorrupt)
	assert.Equal(t, "kehadiran", cfg.Roster.AttendanceDir)
	assert.Equal(t, 888, cfg.Roster.MaxSemester)
	assert.Equal(t, "json", cfg.Logger.Format)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(envMap(map[string]string{
		"ROSTERFILE_STORE_DSN":      "file:///srv/data",
		"GITHUB_TOKEN":              "fallback-token",
		"ROSTERFILE_BRANCH":         "gh-data",
		"ROSTERFILE_ADDR":           ":7000",
		"ROSTERFILE_LOG_LEVEL":      "debug",
		"ROSTERFILE_LOG_FORMAT":     "json",
		"ROSTERFILE_MAX_SEMESTER":   "12",
		"ROSTERFILE_MAX_BODY_BYTES": "2048",
		"ROSTERFILE_RMW_ATTEMPTS":   "not-a-number",
	}))
	assert.Equal(t, "file:///srv/data", cfg.Store.DSN)
	assert.Equal(t, "fallback-token", cfg.Store.Token)
	assert.Equal(t, "gh-data", cfg.Store.Branch)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 12, cfg.Roster.MaxSemester)
	assert.Equal(t, int64(2048), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 5, cfg.RMW.MaxAttempts, "bad values fall back")

	cfg.ApplyEnv(envMap(map[string]string{
		"ROSTERFILE_GITHUB_TOKEN": "primary-token",
		"GITHUB_TOKEN":            "fallback-token",
	}))
	assert.Equal(t, "primary-token", cfg.Store.Token)
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = " " }, "server.addr"},
		{"body limit", func(c *Config) { c.Server.MaxBodyBytes = 0 }, "max_body_bytes"},
		{"empty dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"attempts", func(c *Config) { c.RMW.MaxAttempts = 0 }, "max_attempts"},
		{"delays", func(c *Config) { c.RMW.MaxDelay = time.Millisecond }, "base_delay <= max_delay"},
		{"jitter", func(c *Config) { c.RMW.Jitter = -time.Millisecond }, "jitter"},
		{"corrupt policy", func(c *Config) { c.RMW.OnCorrupt = "ignore" }, "on_corrupt"},
		{"semester", func(c *Config) { c.Roster.MaxSemester = 0 }, "max_semester"},
		{"range", func(c *Config) { c.Roster.MaxRangeDays = -1 }, "max_range_days"},
		{"level", func(c *Config) { c.Logger.Level = "loud" }, "log level"},
		{"format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewLoggerJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LoggerConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "class", "kelas_A")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "kelas_A", entry["class"])

	_, err = NewLogger(LoggerConfig{Level: "chatty"}, &buf)
	assert.Error(t, err)
}
