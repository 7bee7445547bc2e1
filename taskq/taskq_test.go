package taskq

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestQueue(t *testing.T, opt Options) *Queue {
	t.Helper()
	if opt.Logger == nil {
		opt.Logger = zaptest.NewLogger(t).Sugar()
	}
	q := New(opt)
	t.Cleanup(func() { q.Close() })
	return q
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func TestScheduleAndRun(t *testing.T) {
	q := newTestQueue(t, Options{Workers: 2})
	var mu sync.Mutex
	var got []string
	q.Register("echo", func(ctx context.Context, payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return nil
	})
	q.Start(context.Background())

	for _, p := range []string{"a", "b", "c"} {
		id, err := q.Schedule(context.Background(), "echo", []byte(p))
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}
	drain(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func TestScheduleUnknownTask(t *testing.T) {
	q := newTestQueue(t, Options{})
	q.Start(context.Background())
	_, err := q.Schedule(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler")
}

func TestRegisterDuplicatePanics(t *testing.T) {
	q := newTestQueue(t, Options{})
	q.Register("dup", func(ctx context.Context, payload []byte) error { return nil })
	assert.Panics(t, func() {
		q.Register("dup", func(ctx context.Context, payload []byte) error { return nil })
	})
}

func TestRetryUntilSuccess(t *testing.T) {
	q := newTestQueue(t, Options{
		Workers:     1,
		MaxAttempts: 5,
		RetryMin:    time.Millisecond,
		RetryMax:    5 * time.Millisecond,
	})
	var attempts atomic.Int32
	q.Register("flaky", func(ctx context.Context, payload []byte) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	q.Start(context.Background())

	_, err := q.Schedule(context.Background(), "flaky", nil)
	require.NoError(t, err)
	drain(t, q)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestPermanentFailureStopsAtMaxAttempts(t *testing.T) {
	q := newTestQueue(t, Options{
		Workers:     1,
		MaxAttempts: 3,
		RetryMin:    time.Millisecond,
		RetryMax:    5 * time.Millisecond,
	})
	var attempts atomic.Int32
	q.Register("doomed", func(ctx context.Context, payload []byte) error {
		attempts.Add(1)
		return errors.New("never works")
	})
	q.Start(context.Background())

	_, err := q.Schedule(context.Background(), "doomed", nil)
	require.NoError(t, err)
	drain(t, q)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDrainWaitsForFollowUpTasks(t *testing.T) {
	q := newTestQueue(t, Options{Workers: 2})
	var mu sync.Mutex
	var order []string
	q.Register("second", func(ctx context.Context, payload []byte) error {
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		return nil
	})
	q.Register("first", func(ctx context.Context, payload []byte) error {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		_, err := q.Schedule(ctx, "second", nil)
		return err
	})
	q.Start(context.Background())

	_, err := q.Schedule(context.Background(), "first", nil)
	require.NoError(t, err)
	drain(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDrainHonorsContext(t *testing.T) {
	q := newTestQueue(t, Options{Workers: 1})
	release := make(chan struct{})
	q.Register("slow", func(ctx context.Context, payload []byte) error {
		<-release
		return nil
	})
	q.Start(context.Background())

	_, err := q.Schedule(context.Background(), "slow", nil)
	require.NoError(t, err)

	// Abandoned drains must release their waiters, not park them until
	// the queue happens to empty.
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		assert.ErrorIs(t, q.Drain(ctx), context.DeadlineExceeded)
		cancel()
	}
	close(release)
	drain(t, q)
}

func TestCloseRejectsNewTasks(t *testing.T) {
	q := New(Options{Logger: zaptest.NewLogger(t).Sugar(), Workers: 1})
	q.Register("noop", func(ctx context.Context, payload []byte) error { return nil })
	q.Start(context.Background())
	require.NoError(t, q.Close())

	_, err := q.Schedule(context.Background(), "noop", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestHTTPDispatch(t *testing.T) {
	q := newTestQueue(t, Options{Workers: 1})
	var mu sync.Mutex
	var got []string
	q.Register("ingest", func(ctx context.Context, payload []byte) error {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
		return nil
	})
	q.Register("broken", func(ctx context.Context, payload []byte) error {
		return errors.New("handler exploded")
	})

	srv := httptest.NewServer(q.Router("sekrit"))
	defer srv.Close()

	post := func(path, token, body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set(DispatchTokenHeader, token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := post("/tasks/ingest", "", "payload")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = post("/tasks/ingest", "wrong", "payload")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = post("/tasks/unknown", "sekrit", "payload")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post("/tasks/broken", "sekrit", "payload")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp = post("/tasks/ingest", "sekrit", "hello")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello"}, got)
}
