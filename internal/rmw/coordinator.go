package rmw

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/pkg/errors"
)

var (
	ErrConflictAfterRetries = errors.New("conflict after retries")
	ErrCorruptDocument      = errors.New("corrupt document")
	// ErrSkipWrite is returned by a Transform to finish without writing,
	// typically because the document already holds the desired state.
	ErrSkipWrite = errors.New("skip write")
)

// CorruptPolicy decides what happens when a stored document is not valid JSON.
type CorruptPolicy int

const (
	InheritCorruptPolicy CorruptPolicy = iota
	TreatCorruptAsEmpty
	FailOnCorrupt
)

func (p CorruptPolicy) String() string {
	switch p {
	case TreatCorruptAsEmpty:
		return "treat_as_empty"
	case FailOnCorrupt:
		return "fail"
	default:
		return "inherit"
	}
}

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 80 * time.Millisecond
	DefaultMaxDelay    = 1200 * time.Millisecond
	DefaultJitter      = 40 * time.Millisecond
)

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	OnCorrupt   CorruptPolicy
	Logger      *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
		OnCorrupt:   TreatCorruptAsEmpty,
	}
}

// ConflictAfterRetriesError reports an exhausted attempt budget. It matches
// both ErrConflictAfterRetries and docstore.ErrConflict.
type ConflictAfterRetriesError struct {
	Path     string
	Attempts int
	Last     error
}

func (e *ConflictAfterRetriesError) Error() string {
	return fmt.Sprintf("conflict after %d attempts writing %s: %v", e.Attempts, e.Path, e.Last)
}

func (e *ConflictAfterRetriesError) Is(target error) bool {
	return target == ErrConflictAfterRetries
}

func (e *ConflictAfterRetriesError) Unwrap() error {
	return e.Last
}

// Coordinator runs fetch, transform and conditional write cycles against a
// Store, retrying version conflicts with capped exponential backoff.
type Coordinator struct {
	store  docstore.Store
	opts   Options
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(limit time.Duration) time.Duration
}

// New fills zero options from DefaultOptions. A negative Jitter disables jitter.
func New(store docstore.Store, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaults.MaxDelay
	}
	switch {
	case opts.Jitter == 0:
		opts.Jitter = defaults.Jitter
	case opts.Jitter < 0:
		opts.Jitter = 0
	}
	if opts.OnCorrupt == InheritCorruptPolicy {
		opts.OnCorrupt = defaults.OnCorrupt
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "rmw"),
		sleep:  sleepContext,
		jitter: randomJitter,
	}
}

func (c *Coordinator) Store() docstore.Store {
	return c.store
}

func (c *Coordinator) Options() Options {
	return c.opts
}

// Backoff returns the delay before retry number attempt (1-based):
// min(base*2^(attempt-1), max) plus up to Jitter of random slack.
func (c *Coordinator) Backoff(attempt int) time.Duration {
	delay := c.opts.BaseDelay
	for i := 1; i < attempt && delay < c.opts.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	if c.opts.Jitter > 0 {
		delay += c.jitter(c.opts.Jitter)
	}
	return delay
}

type Request[T any] struct {
	Path    string
	Message string
	// Start skips the initial fetch when the caller already holds the document.
	Start *docstore.Document
	// Transform receives the decoded current value and whether the document
	// existed. It must not retain current after returning.
	Transform func(current T, exists bool) (T, error)
	// RequireExisting fails with docstore.ErrNotFound when the document is absent.
	RequireExisting bool
	// Idempotent turns an exhausted conflict budget into success.
	Idempotent bool
	// Recompute re-reads the content and reruns Transform after a conflict.
	// Without it only the version token is refreshed and the same bytes are
	// written again.
	Recompute bool
	OnCorrupt CorruptPolicy
}

type Result[T any] struct {
	Path             string
	Value            T
	Created          bool
	Written          bool
	Version          string
	CommitSHA        string
	Attempts         int
	CorruptRecovered bool
	ConflictIgnored  bool
}

// Snapshot is a decoded read without a write.
type Snapshot[T any] struct {
	Value            T
	Document         docstore.Document
	CorruptRecovered bool
}

// Read fetches and decodes a document under the given corrupt policy.
func Read[T any](ctx context.Context, c *Coordinator, path string, policy CorruptPolicy) (Snapshot[T], error) {
	doc, err := c.store.Fetch(ctx, path)
	if err != nil {
		return Snapshot[T]{}, err
	}
	value, recovered, err := decodeDocument[T](doc, c.policy(policy))
	if err != nil {
		return Snapshot[T]{}, err
	}
	if recovered {
		c.logger.Warn("corrupt document treated as empty", "path", doc.Path)
	}
	return Snapshot[T]{Value: value, Document: doc, CorruptRecovered: recovered}, nil
}

// Update performs one read-modify-write cycle, retrying version conflicts up
// to the configured attempt budget.
func Update[T any](ctx context.Context, c *Coordinator, req Request[T]) (Result[T], error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return Result[T]{}, errors.Wrap(docstore.ErrInvalidInput, "document path is required")
	}
	if req.Transform == nil {
		return Result[T]{}, errors.Wrap(docstore.ErrInvalidInput, "transform is required")
	}
	policy := c.policy(req.OnCorrupt)
	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = "update " + path
	}
	logger := c.logger.With("path", path)
	res := Result[T]{Path: path}

	var doc docstore.Document
	if req.Start != nil {
		doc = *req.Start
	} else {
		var err error
		if doc, err = c.store.Fetch(ctx, path); err != nil {
			return res, err
		}
	}

	var payload []byte
	// compute decodes doc, applies the transform and reports whether the
	// write should be skipped.
	compute := func(doc docstore.Document) (bool, error) {
		if req.RequireExisting && !doc.Exists {
			return false, errors.Wrapf(docstore.ErrNotFound, "document %s", path)
		}
		current, recovered, err := decodeDocument[T](doc, policy)
		if err != nil {
			return false, err
		}
		if recovered {
			res.CorruptRecovered = true
			logger.Warn("corrupt document treated as empty")
		}
		next, err := req.Transform(current, doc.Exists)
		if errors.Is(err, ErrSkipWrite) {
			res.Value = current
			res.Version = doc.Version
			return true, nil
		}
		if err != nil {
			return false, err
		}
		encoded, err := EncodeJSON(next)
		if err != nil {
			return false, err
		}
		res.Value = next
		payload = encoded
		return false, nil
	}

	skip, err := compute(doc)
	if err != nil || skip {
		return res, err
	}

	var lastConflict error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		res.Attempts = attempt
		written, err := c.store.Write(ctx, docstore.WriteRequest{
			Path:    path,
			Content: payload,
			Version: doc.Version,
			Message: message,
		})
		if err == nil {
			res.Written = true
			res.Created = !doc.Exists
			res.Version = written.Version
			res.CommitSHA = written.CommitSHA
			return res, nil
		}
		if !errors.Is(err, docstore.ErrConflict) {
			return res, err
		}
		lastConflict = err
		if attempt == c.opts.MaxAttempts {
			break
		}
		delay := c.Backoff(attempt)
		logger.Debug("version conflict, retrying", "attempt", attempt, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return res, err
		}
		fresh, err := c.store.Fetch(ctx, path)
		if err != nil {
			return res, err
		}
		if req.Recompute {
			doc = fresh
			skip, err := compute(doc)
			if err != nil || skip {
				return res, err
			}
			continue
		}
		if req.RequireExisting && !fresh.Exists {
			return res, errors.Wrapf(docstore.ErrNotFound, "document %s", path)
		}
		doc.Exists = fresh.Exists
		doc.Version = fresh.Version
	}

	if req.Idempotent {
		res.ConflictIgnored = true
		logger.Info("conflict after retries ignored for idempotent update", "attempts", res.Attempts)
		return res, nil
	}
	return res, &ConflictAfterRetriesError{Path: path, Attempts: res.Attempts, Last: lastConflict}
}

func (c *Coordinator) policy(p CorruptPolicy) CorruptPolicy {
	if p == InheritCorruptPolicy {
		return c.opts.OnCorrupt
	}
	return p
}

func decodeDocument[T any](doc docstore.Document, policy CorruptPolicy) (T, bool, error) {
	var zero T
	if !doc.Exists {
		return zero, false, nil
	}
	value, err := DecodeJSON[T](doc.Content)
	if err == nil {
		return value, false, nil
	}
	if policy == FailOnCorrupt {
		return zero, false, errors.Wrapf(ErrCorruptDocument, "%s: %v", doc.Path, err)
	}
	return zero, true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit) + 1))
}
