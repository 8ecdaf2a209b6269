package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainvault/internal/apperrors"
	"brainvault/internal/config"
	"brainvault/internal/notify"
	"brainvault/internal/store"
	"brainvault/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testTasksConfig() *config.TasksConfig {
	return &config.TasksConfig{
		Workers:            2,
		PollIntervalMillis: 10,
		MaxAttempts:        3,
		BackoffBaseSeconds: 2,
		BackoffCapSeconds:  600,
		TaskTimeoutSeconds: 5,
	}
}

func TestRunnerExecutesTask(t *testing.T) {
	st := newTestStore(t)
	r := NewRunner(st, testTasksConfig())

	var ran atomic.Int64
	r.Register("noop", func(ctx context.Context, task *store.Task) error {
		ran.Add(1)
		return nil
	})

	task, err := r.Enqueue(context.Background(), "noop", 1, map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return ran.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunnerRejectsUnknownType(t *testing.T) {
	st := newTestStore(t)
	r := NewRunner(st, testTasksConfig())

	_, err := r.Enqueue(context.Background(), "unregistered", 1, nil)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidationError))
}

func TestRunnerRetriesWithBackoff(t *testing.T) {
	st := newTestStore(t)
	r := NewRunner(st, testTasksConfig())

	r.Register("flaky", func(ctx context.Context, task *store.Task) error {
		return apperrors.New(apperrors.CodeUpstreamError, "provider hiccup")
	})

	task, err := r.Enqueue(context.Background(), "flaky", 1, nil)
	require.NoError(t, err)

	claimed, err := st.ClaimTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	r.execute(context.Background(), claimed)

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.Status)
	assert.Contains(t, got.LastError, "provider hiccup")
	// First retry is base × 2^0 = 2s in the future.
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(time.Second)))
}

func TestRunnerDeadLettersAfterMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	cfg := testTasksConfig()
	cfg.MaxAttempts = 2
	r := NewRunner(st, cfg)

	r.Register("flaky", func(ctx context.Context, task *store.Task) error {
		return apperrors.New(apperrors.CodeUpstreamError, "still down")
	})

	task, err := r.Enqueue(context.Background(), "flaky", 1, nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		// Bring the task due and run it once.
		require.NoError(t, st.RetryTask(context.Background(), task.ID, time.Now().UTC().Add(-time.Second), ""))
		claimed, err := st.ClaimTask(context.Background())
		require.NoError(t, err)
		require.NotNil(t, claimed)
		r.execute(context.Background(), claimed)
	}

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDead, got.Status)
}

func TestRunnerDeadLettersNonRetryableImmediately(t *testing.T) {
	st := newTestStore(t)
	r := NewRunner(st, testTasksConfig())

	r.Register("bad", func(ctx context.Context, task *store.Task) error {
		return apperrors.New(apperrors.CodeValidationError, "payload makes no sense")
	})

	task, err := r.Enqueue(context.Background(), "bad", 1, nil)
	require.NoError(t, err)

	claimed, err := st.ClaimTask(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	r.execute(context.Background(), claimed)

	got, err := st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDead, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	r := NewRunner(nil, testTasksConfig())

	assert.Equal(t, 2*time.Second, r.backoff(1))
	assert.Equal(t, 4*time.Second, r.backoff(2))
	assert.Equal(t, 16*time.Second, r.backoff(4))
	// 2 × 2^19 seconds would exceed the 600s ceiling.
	assert.Equal(t, 600*time.Second, r.backoff(20))
}

func TestDecodeMemoryPayload(t *testing.T) {
	task := &store.Task{Payload: []byte(`{"memory_id": 42}`)}
	p, err := DecodeMemoryPayload(task)
	require.NoError(t, err)
	assert.Equal(t, int64(42), p.MemoryID)

	_, err = DecodeMemoryPayload(&store.Task{Payload: []byte(`{}`)})
	assert.Error(t, err)

	_, err = DecodeMemoryPayload(&store.Task{Payload: []byte(`not json`)})
	assert.Error(t, err)
}

type fakeIngestor struct{ calls atomic.Int64 }

func (f *fakeIngestor) Ingest(ctx context.Context, userID, memoryID int64) error {
	f.calls.Add(1)
	return nil
}

type fakeChecker struct{ calls atomic.Int64 }

func (f *fakeChecker) CheckMemory(ctx context.Context, userID, memoryID int64) error {
	f.calls.Add(1)
	return nil
}

type fakeTagger struct{ tags []string }

func (f *fakeTagger) SuggestTags(ctx context.Context, userID int64, title, content string) ([]string, error) {
	if f.tags == nil {
		return nil, errors.New("tagger unavailable")
	}
	return f.tags, nil
}

type fakeSweeper struct{ calls atomic.Int64 }

func (f *fakeSweeper) Sweep(ctx context.Context) error {
	f.calls.Add(1)
	return nil
}

func TestMetadataHandlerMergesTags(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "ana@example.com")
	require.NoError(t, err)
	m := &types.Memory{UserID: u.ID, Title: "coffee notes", Content: "espresso ratios", Tags: []string{"coffee"}}
	require.NoError(t, st.CreateMemory(ctx, m))

	hub := notify.NewHub()
	sub, cancel := hub.Subscribe(u.ID)
	defer cancel()

	h := NewHandlers(st, &fakeIngestor{}, &fakeChecker{}, &fakeTagger{tags: []string{"Coffee", "brewing"}}, &fakeSweeper{}, hub)

	task := &store.Task{UserID: u.ID, Payload: []byte(`{"memory_id": 1}`)}
	require.NoError(t, h.HandleMetadata(ctx, task))

	got, err := st.GetMemory(ctx, u.ID, m.ID)
	require.NoError(t, err)
	// "Coffee" is a case-insensitive duplicate of the existing tag.
	assert.Equal(t, []string{"coffee", "brewing"}, got.Tags)

	select {
	case event := <-sub.C:
		assert.Equal(t, types.EventInboxUpdate, event.Type)
	default:
		t.Fatal("inbox_update event was not published")
	}
}

func TestHandlersDispatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ingestor := &fakeIngestor{}
	checker := &fakeChecker{}
	sweeper := &fakeSweeper{}
	h := NewHandlers(st, ingestor, checker, &fakeTagger{}, sweeper, notify.NewHub())

	task := &store.Task{UserID: 1, Payload: []byte(`{"memory_id": 5}`)}
	require.NoError(t, h.HandleIngest(ctx, task))
	require.NoError(t, h.HandleDedupe(ctx, task))
	require.NoError(t, h.HandleReconcile(ctx, &store.Task{}))

	assert.Equal(t, int64(1), ingestor.calls.Load())
	assert.Equal(t, int64(1), checker.calls.Load())
	assert.Equal(t, int64(1), sweeper.calls.Load())
}

func TestMergeTags(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, mergeTags([]string{"a"}, []string{"b", "A", ""}))
	assert.Equal(t, []string{"x"}, mergeTags(nil, []string{"x", "x"}))
	assert.Empty(t, mergeTags(nil, nil))
}
