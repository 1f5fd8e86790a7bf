package main

import (
	"context"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/rosterfile/internal/config"
	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/agentworkforce/rosterfile/internal/mirror"
	flag "github.com/spf13/pflag"
)

func main() {
	storeDSN := flag.String("store-dsn", strings.TrimSpace(os.Getenv("ROSTERFILE_STORE_DSN")), "document store DSN")
	token := flag.String("token", envOrDefault("ROSTERFILE_GITHUB_TOKEN", strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))), "GitHub token")
	branch := flag.String("branch", envOrDefault("ROSTERFILE_BRANCH", "main"), "branch to mirror")
	remoteRoot := flag.String("remote-root", strings.TrimSpace(os.Getenv("ROSTERFILE_MIRROR_REMOTE_ROOT")), "store directory to mirror")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("ROSTERFILE_MIRROR_LOCAL_DIR")), "local mirror directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("ROSTERFILE_MIRROR_STATE_FILE")), "state file path")
	interval := flag.Duration("interval", durationEnv("ROSTERFILE_MIRROR_INTERVAL", 30*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("ROSTERFILE_MIRROR_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("ROSTERFILE_MIRROR_TIMEOUT", time.Minute), "per-sync timeout")
	debounce := flag.Duration("debounce", durationEnv("ROSTERFILE_MIRROR_DEBOUNCE", 500*time.Millisecond), "delay after a local change before syncing")
	logLevel := flag.String("log-level", envOrDefault("ROSTERFILE_LOG_LEVEL", "info"), "log level")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	watch := flag.Bool("watch", false, "sync soon after local changes as well as on the interval")
	flag.Parse()

	if strings.TrimSpace(*storeDSN) == "" {
		log.Fatalf("store-dsn is required (--store-dsn or ROSTERFILE_STORE_DSN)")
	}
	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or ROSTERFILE_MIRROR_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	logger, err := config.NewLogger(config.LoggerConfig{Level: *logLevel, Format: "text"}, os.Stderr)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}

	store, err := docstore.BuildStoreFromDSN(*storeDSN, docstore.StoreOptions{
		Token:     strings.TrimSpace(*token),
		Branch:    strings.TrimSpace(*branch),
		UserAgent: "rosterfile-mirror",
	})
	if err != nil {
		log.Fatalf("failed to open document store: %v", err)
	}
	syncer, err := mirror.NewSyncer(store, mirror.SyncerOptions{
		RemoteRoot: *remoteRoot,
		LocalRoot:  *localDir,
		StateFile:  *stateFile,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize mirror syncer: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		report, err := syncer.SyncOnce(ctx)
		if err != nil {
			logger.Error("mirror sync cycle failed", "error", err)
			return
		}
		logger.Info("mirror sync cycle completed",
			"pushed", report.Pushed,
			"pulled", report.Pulled,
			"removed", report.Removed,
			"conflicts", report.Conflicts,
		)
	}

	run()
	if *once {
		return
	}

	changes := make(chan struct{}, 1)
	if *watch {
		watcher, err := mirror.NewWatcher(syncer.LocalRoot(), logger)
		if err != nil {
			log.Fatalf("failed to watch %s: %v", syncer.LocalRoot(), err)
		}
		defer watcher.Close()
		go func() {
			_ = watcher.Run(rootCtx, func(path string) {
				logger.Debug("local change", "path", path)
				select {
				case changes <- struct{}{}:
				default:
				}
			})
		}()
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("mirror sync stopping", "reason", rootCtx.Err())
			return
		case <-changes:
			if !sleepUnlessDone(rootCtx, *debounce) {
				continue
			}
			drain(changes)
			run()
			resetTimer(timer, jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func sleepUnlessDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by up to ±jitterRatio using a
// sample in [0,1], never going below one second.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Second {
		return time.Second
	}
	return delay
}
