package rmw

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/rosterfile/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	Kelas string `json:"kelas"`
	Count int    `json:"count"`
}

// scriptedStore wraps a MemoryStore and lets tests interfere with writes.
type scriptedStore struct {
	*docstore.MemoryStore
	mu          sync.Mutex
	fetches     int
	writes      int
	beforeWrite func(n int)
	writeErr    func(n int) error
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{MemoryStore: docstore.NewMemoryStore()}
}

func (s *scriptedStore) Fetch(ctx context.Context, path string) (docstore.Document, error) {
	s.mu.Lock()
	s.fetches++
	s.mu.Unlock()
	return s.MemoryStore.Fetch(ctx, path)
}

func (s *scriptedStore) Write(ctx context.Context, req docstore.WriteRequest) (docstore.WriteResult, error) {
	s.mu.Lock()
	s.writes++
	n := s.writes
	before, fail := s.beforeWrite, s.writeErr
	s.mu.Unlock()
	if before != nil {
		before(n)
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return docstore.WriteResult{}, err
		}
	}
	return s.MemoryStore.Write(ctx, req)
}

func (s *scriptedStore) seed(t *testing.T, path, content string) docstore.WriteResult {
	t.Helper()
	doc, err := s.MemoryStore.Fetch(context.Background(), path)
	require.NoError(t, err)
	res, err := s.MemoryStore.Write(context.Background(), docstore.WriteRequest{Path: path, Content: []byte(content), Version: doc.Version})
	require.NoError(t, err)
	return res
}

func (s *scriptedStore) content(t *testing.T, path string) string {
	t.Helper()
	doc, err := s.MemoryStore.Fetch(context.Background(), path)
	require.NoError(t, err)
	return string(doc.Content)
}

func newTestCoordinator(store docstore.Store, opts Options) (*Coordinator, *[]time.Duration) {
	c := New(store, opts)
	var slept []time.Duration
	var mu sync.Mutex
	c.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return ctx.Err()
	}
	c.jitter = func(time.Duration) time.Duration { return 0 }
	return c, &slept
}

func appendEntry(name string) func([]entry, bool) ([]entry, error) {
	return func(current []entry, _ bool) ([]entry, error) {
		return append(current, entry{Kelas: name, Count: 1}), nil
	}
}

func TestUpdateCreatesMissingDocument(t *testing.T) {
	store := newScriptedStore()
	c, _ := newTestCoordinator(store, Options{})

	var sawExists = true
	res, err := Update(context.Background(), c, Request[[]entry]{
		Path: "progress.json",
		Transform: func(current []entry, exists bool) ([]entry, error) {
			sawExists = exists
			assert.Empty(t, current)
			return append(current, entry{Kelas: "kelas_<A>", Count: 2}), nil
		},
	})
	require.NoError(t, err)
	assert.False(t, sawExists)
	assert.True(t, res.Created)
	assert.True(t, res.Written)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.Version)
	assert.Equal(t, "[\n  {\n    \"kelas\": \"kelas_<A>\",\n    \"count\": 2\n  }\n]", store.content(t, "progress.json"))
}

func TestBackoffSchedule(t *testing.T) {
	c, _ := newTestCoordinator(docstore.NewMemoryStore(), Options{})
	want := []time.Duration{80, 160, 320, 640, 1200, 1200}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, c.Backoff(i+1), "attempt %d", i+1)
	}

	c.jitter = func(limit time.Duration) time.Duration { return limit }
	assert.Equal(t, 120*time.Millisecond, c.Backoff(1))
	assert.Equal(t, 1240*time.Millisecond, c.Backoff(5))
}

func TestNewJitterDefaults(t *testing.T) {
	store := docstore.NewMemoryStore()
	assert.Equal(t, DefaultJitter, New(store, Options{}).Options().Jitter)
	assert.Equal(t, time.Duration(0), New(store, Options{Jitter: -1}).Options().Jitter)
	assert.Equal(t, 5*time.Millisecond, New(store, Options{Jitter: 5 * time.Millisecond}).Options().Jitter)

	c := New(store, Options{Jitter: -1})
	c.jitter = func(limit time.Duration) time.Duration { return limit + time.Hour }
	assert.Equal(t, DefaultBaseDelay, c.Backoff(1))
}

func TestRandomJitterStaysInRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		j := randomJitter(DefaultJitter)
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.LessOrEqual(t, j, DefaultJitter)
	}
	assert.Equal(t, time.Duration(0), randomJitter(0))
}

func TestUpdateRetriesWithRefreshedVersion(t *testing.T) {
	store := newScriptedStore()
	store.seed(t, "doc.json", `[{"kelas":"a","count":1}]`)
	store.beforeWrite = func(n int) {
		if n == 1 {
			store.seed(t, "doc.json", `[{"kelas":"intruder","count":9}]`)
		}
	}
	c, slept := newTestCoordinator(store, Options{})

	res, err := Update(context.Background(), c, Request[[]entry]{Path: "doc.json", Transform: appendEntry("b")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.False(t, res.Created)
	assert.Equal(t, []time.Duration{80 * time.Millisecond}, *slept)
	// without Recompute the originally computed bytes win
	final, err := DecodeJSON[[]entry]([]byte(store.content(t, "doc.json")))
	require.NoError(t, err)
	assert.Equal(t, []entry{{"a", 1}, {"b", 1}}, final)
}

func TestUpdateRecomputeRerunsTransformOnFreshContent(t *testing.T) {
	store := newScriptedStore()
	store.seed(t, "doc.json", `[{"kelas":"a","count":1}]`)
	store.beforeWrite = func(n int) {
		if n == 1 {
			store.seed(t, "doc.json", `[{"kelas":"a","count":1},{"kelas":"intruder","count":9}]`)
		}
	}
	c, _ := newTestCoordinator(store, Options{})

	calls := 0
	res, err := Update(context.Background(), c, Request[[]entry]{
		Path:      "doc.json",
		Recompute: true,
		Transform: func(current []entry, exists bool) ([]entry, error) {
			calls++
			return appendEntry("b")(current, exists)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []entry{{"a", 1}, {"intruder", 9}, {"b", 1}}, res.Value)
}

func TestUpdateConflictAfterRetries(t *testing.T) {
	store := newScriptedStore()
	store.writeErr = func(int) error { return &docstore.ConflictError{Path: "doc.json"} }
	c, slept := newTestCoordinator(store, Options{})

	res, err := Update(context.Background(), c, Request[[]entry]{Path: "doc.json", Transform: appendEntry("a")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflictAfterRetries))
	assert.True(t, errors.Is(err, docstore.ErrConflict))
	var exhausted *ConflictAfterRetriesError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, DefaultMaxAttempts, exhausted.Attempts)
	assert.Equal(t, DefaultMaxAttempts, res.Attempts)
	assert.False(t, res.Written)
	assert.Equal(t, []time.Duration{80, 160, 320, 640}, scale(*slept, time.Millisecond))
}

func TestUpdateIdempotentTreatsExhaustionAsSuccess(t *testing.T) {
	store := newScriptedStore()
	store.writeErr = func(int) error { return &docstore.ConflictError{Path: "doc.json"} }
	c, _ := newTestCoordinator(store, Options{MaxAttempts: 3})

	res, err := Update(context.Background(), c, Request[[]entry]{Path: "doc.json", Idempotent: true, Transform: appendEntry("a")})
	require.NoError(t, err)
	assert.True(t, res.ConflictIgnored)
	assert.False(t, res.Written)
	assert.Equal(t, 3, res.Attempts)
}

func TestUpdateCorruptPolicies(t *testing.T) {
	store := newScriptedStore()
	store.seed(t, "doc.json", `[{"kelas":`)
	c, _ := newTestCoordinator(store, Options{})

	res, err := Update(context.Background(), c, Request[[]entry]{Path: "doc.json", Transform: appendEntry("a")})
	require.NoError(t, err)
	assert.True(t, res.CorruptRecovered)
	assert.Equal(t, []entry{{"a", 1}}, res.Value)

	store.seed(t, "other.json", `not json`)
	_, err = Update(context.Background(), c, Request[[]entry]{Path: "other.json", OnCorrupt: FailOnCorrupt, Transform: appendEntry("a")})
	assert.True(t, errors.Is(err, ErrCorruptDocument))
	assert.Equal(t, "not json", store.content(t, "other.json"))

	strict, _ := newTestCoordinator(store, Options{OnCorrupt: FailOnCorrupt})
	_, err = Read[[]entry](context.Background(), strict, "other.json", InheritCorruptPolicy)
	assert.True(t, errors.Is(err, ErrCorruptDocument))
	snap, err := Read[[]entry](context.Background(), strict, "other.json", TreatCorruptAsEmpty)
	require.NoError(t, err)
	assert.True(t, snap.CorruptRecovered)
	assert.Empty(t, snap.Value)
}

func TestUpdateTrailingGarbageIsCorrupt(t *testing.T) {
	_, err := DecodeJSON[[]entry]([]byte(`[] []`))
	assert.Error(t, err)
	value, err := DecodeJSON[[]entry]([]byte("  \n"))
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestUpdateRequireExisting(t *testing.T) {
	store := newScriptedStore()
	c, _ := newTestCoordinator(store, Options{})
	_, err := Update(context.Background(), c, Request[[]entry]{Path: "missing.json", RequireExisting: true, Transform: appendEntry("a")})
	assert.True(t, errors.Is(err, docstore.ErrNotFound))
	assert.Equal(t, 0, store.writes)
}

func TestUpdateSkipWrite(t *testing.T) {
	store := newScriptedStore()
	seeded := store.seed(t, "doc.json", `[{"kelas":"a","count":1}]`)
	c, _ := newTestCoordinator(store, Options{})

	res, err := Update(context.Background(), c, Request[[]entry]{
		Path: "doc.json",
		Transform: func(current []entry, _ bool) ([]entry, error) {
			return nil, ErrSkipWrite
		},
	})
	require.NoError(t, err)
	assert.False(t, res.Written)
	assert.Equal(t, seeded.Version, res.Version)
	assert.Equal(t, []entry{{"a", 1}}, res.Value)
	assert.Equal(t, 0, store.writes)
}

func TestUpdateStartSkipsInitialFetch(t *testing.T) {
	store := newScriptedStore()
	store.seed(t, "doc.json", `[]`)
	start, err := store.MemoryStore.Fetch(context.Background(), "doc.json")
	require.NoError(t, err)
	c, _ := newTestCoordinator(store, Options{})

	_, err = Update(context.Background(), c, Request[[]entry]{Path: "doc.json", Start: &start, Transform: appendEntry("a")})
	require.NoError(t, err)
	assert.Equal(t, 0, store.fetches)
}

func TestUpdateStoreErrorIsNotRetried(t *testing.T) {
	store := newScriptedStore()
	store.writeErr = func(int) error {
		return &docstore.StoreError{Op: "write", Path: "doc.json", StatusCode: 500, Body: "boom"}
	}
	c, slept := newTestCoordinator(store, Options{})

	_, err := Update(context.Background(), c, Request[[]entry]{Path: "doc.json", Transform: appendEntry("a")})
	var storeErr *docstore.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, 500, storeErr.StatusCode)
	assert.Equal(t, 1, store.writes)
	assert.Empty(t, *slept)
}

func TestUpdateTransformErrorAborts(t *testing.T) {
	store := newScriptedStore()
	c, _ := newTestCoordinator(store, Options{})
	boom := errors.New("boom")
	_, err := Update(context.Background(), c, Request[[]entry]{
		Path:      "doc.json",
		Transform: func([]entry, bool) ([]entry, error) { return nil, boom },
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, store.writes)
}

func TestUpdateStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	store := newScriptedStore()
	store.writeErr = func(int) error { return &docstore.ConflictError{Path: "doc.json"} }
	c := New(store, Options{BaseDelay: time.Hour, MaxDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	store.beforeWrite = func(int) { cancel() }

	_, err := Update(ctx, c, Request[[]entry]{Path: "doc.json", Transform: appendEntry("a")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.writes)
}

func TestConcurrentUpsertsOnMissingDocumentBothSucceed(t *testing.T) {
	store := docstore.NewMemoryStore()
	c := New(store, Options{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Jitter: time.Millisecond})

	// both writers observe the document as missing before either writes
	startA, err := store.Fetch(context.Background(), "progress.json")
	require.NoError(t, err)
	startB := startA

	upsert := func(start docstore.Document, count int) error {
		_, err := Update(context.Background(), c, Request[[]entry]{
			Path:       "progress.json",
			Start:      &start,
			Recompute:  true,
			Idempotent: true,
			Transform: func(current []entry, _ bool) ([]entry, error) {
				for i := range current {
					if current[i].Kelas == "kelas_a" {
						current[i].Count = count
						return current, nil
					}
				}
				return append(current, entry{Kelas: "kelas_a", Count: count}), nil
			},
		})
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, start := range []docstore.Document{startA, startB} {
		wg.Add(1)
		go func(i int, start docstore.Document) {
			defer wg.Done()
			errs[i] = upsert(start, 10+i)
		}(i, start)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	snap, err := Read[[]entry](context.Background(), c, "progress.json", FailOnCorrupt)
	require.NoError(t, err)
	require.Len(t, snap.Value, 1)
	assert.Equal(t, "kelas_a", snap.Value[0].Kelas)
	assert.Contains(t, []int{10, 11}, snap.Value[0].Count)
}

func scale(ds []time.Duration, unit time.Duration) []time.Duration {
	out := make([]time.Duration, len(ds))
	for i, d := range ds {
		out[i] = d / unit
	}
	return out
}
