package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentworkforce/rosterfile/internal/config"
	"github.com/agentworkforce/rosterfile/internal/rmw"
)

func TestCorruptPolicyMapping(t *testing.T) {
	cases := map[string]rmw.CorruptPolicy{
		"":               rmw.TreatCorruptAsEmpty,
		"treat_as_empty": rmw.TreatCorruptAsEmpty,
		"fail":           rmw.FailOnCorrupt,
		" FAIL ":         rmw.FailOnCorrupt,
	}
	for raw, want := range cases {
		if got := corruptPolicy(raw); got != want {
			t.Fatalf("corruptPolicy(%q): expected %s, got %s", raw, want, got)
		}
	}
}

func TestRMWOptionsCopiesConfig(t *testing.T) {
	cfg := config.Default().RMW
	cfg.OnCorrupt = config.CorruptFail
	opts := rmwOptions(cfg, nil)
	if opts.MaxAttempts != 5 || opts.BaseDelay != rmw.DefaultBaseDelay || opts.MaxDelay != rmw.DefaultMaxDelay || opts.Jitter != rmw.DefaultJitter {
		t.Fatalf("unexpected options %+v", opts)
	}
	if opts.OnCorrupt != rmw.FailOnCorrupt {
		t.Fatalf("expected fail policy, got %s", opts.OnCorrupt)
	}
}

func TestBuildServerWithMemoryStore(t *testing.T) {
	cfg := config.Default()
	server, err := buildServer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/classes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildServerRejectsUnknownStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DSN = "ftp://example.com/roster"
	if _, err := buildServer(cfg, slog.Default()); err == nil {
		t.Fatalf("expected error for unsupported store scheme")
	}
}

func TestRedactDSN(t *testing.T) {
	cases := map[string]string{
		"memory://":                          "memory://",
		"github://acme/madrasah?branch=main": "github://acme/madrasah?branch=main",
		"postgres://user:secret@db/roster":   "postgres://***@db/roster",
		"/var/lib/rosterfile":                "/var/lib/rosterfile",
	}
	for input, want := range cases {
		if got := redactDSN(input); got != want {
			t.Fatalf("redactDSN(%q): expected %q, got %q", input, want, got)
		}
	}
}
