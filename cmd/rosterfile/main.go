package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/rosterfile/internal/config"
	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/agentworkforce/rosterfile/internal/httpapi"
	"github.com/agentworkforce/rosterfile/internal/rmw"
	"github.com/agentworkforce/rosterfile/internal/roster"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("ROSTERFILE_CONFIG")), "path to a YAML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if strings.TrimSpace(*addr) != "" {
		cfg.Server.Addr = strings.TrimSpace(*addr)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger, err := config.NewLogger(cfg.Logger, os.Stderr)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	slog.SetDefault(logger)

	handler, err := buildServer(cfg, logger)
	if err != nil {
		log.Fatalf("failed to initialize rosterfile: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("rosterfile listening", "addr", cfg.Server.Addr, "store", redactDSN(cfg.Store.DSN))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	case <-rootCtx.Done():
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}
}

// buildServer wires store, coordinator, roster service and HTTP surface.
func buildServer(cfg config.Config, logger *slog.Logger) (*httpapi.Server, error) {
	store, err := docstore.BuildStoreFromDSN(cfg.Store.DSN, docstore.StoreOptions{
		Token:     cfg.Store.Token,
		Branch:    cfg.Store.Branch,
		UserAgent: cfg.Store.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	coord := rmw.New(store, rmwOptions(cfg.RMW, logger))
	svc, err := roster.NewService(coord, roster.Options{
		Layout: roster.Layout{
			RosterDir:     cfg.Roster.RosterDir,
			AttendanceDir: cfg.Roster.AttendanceDir,
			ProgressDir:   cfg.Roster.ProgressDir,
		},
		MaxSemester:  cfg.Roster.MaxSemester,
		MaxRangeDays: cfg.Roster.MaxRangeDays,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return httpapi.NewServerWithConfig(svc, httpapi.ServerConfig{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		APIToken:     cfg.Server.APIToken,
		Logger:       logger,
	}), nil
}

func rmwOptions(cfg config.RMWConfig, logger *slog.Logger) rmw.Options {
	return rmw.Options{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.Jitter,
		OnCorrupt:   corruptPolicy(cfg.OnCorrupt),
		Logger:      logger,
	}
}

func corruptPolicy(raw string) rmw.CorruptPolicy {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case config.CorruptFail:
		return rmw.FailOnCorrupt
	default:
		return rmw.TreatCorruptAsEmpty
	}
}

// redactDSN drops credentials so the DSN can be logged.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			return scheme + "://***@" + rest[at+1:]
		}
	}
	return dsn
}
