// Package taskq is a small in-process deferred task queue with named
// handlers, at-least-once delivery and bounded retries. It stands in for
// an external push queue; the HTTP endpoint accepts externally dispatched
// tasks using the same handler registry.
package taskq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Handler func(ctx context.Context, payload []byte) error

type Task struct {
	ID       string
	Name     string
	Payload  []byte
	Attempts int
}

type Options struct {
	Logger      *zap.SugaredLogger
	Workers     int // default 4
	MaxAttempts int // default 5
	RetryMin    time.Duration
	RetryMax    time.Duration
}

type Queue struct {
	log         *zap.SugaredLogger
	workers     int
	maxAttempts int
	retryMin    time.Duration
	retryMax    time.Duration

	mu          sync.Mutex
	cond        *sync.Cond
	handlers    map[string]Handler
	pending     []*Task
	outstanding int
	closed      bool

	grp    *errgroup.Group
	cancel context.CancelFunc
}

func New(opt Options) *Queue {
	q := &Queue{
		log:         opt.Logger,
		workers:     opt.Workers,
		maxAttempts: opt.MaxAttempts,
		retryMin:    opt.RetryMin,
		retryMax:    opt.RetryMax,
		handlers:    make(map[string]Handler),
	}
	if q.log == nil {
		q.log = zap.NewNop().Sugar()
	}
	if q.workers <= 0 {
		q.workers = 4
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 5
	}
	if q.retryMin <= 0 {
		q.retryMin = 10 * time.Millisecond
	}
	if q.retryMax <= 0 {
		q.retryMax = 5 * time.Second
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Register binds a handler to a task name. Registering after Start or
// re-registering a name panics.
func (q *Queue) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers[name] != nil {
		panic(errors.Errorf("task %q already registered", name))
	}
	q.handlers[name] = h
}

// Schedule enqueues one task and returns its id. The payload is retained
// as-is; callers must not mutate it afterwards.
func (q *Queue) Schedule(ctx context.Context, name string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", errors.New("queue closed")
	}
	if q.handlers[name] == nil {
		return "", errors.Errorf("no handler registered for task %q", name)
	}
	t := &Task{ID: uuid.NewString(), Name: name, Payload: payload}
	q.pending = append(q.pending, t)
	q.outstanding++
	q.cond.Broadcast()
	return t.ID, nil
}

// Start launches the worker pool. Workers run until Close or until the
// context is canceled.
func (q *Queue) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.grp, ctx = errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		q.grp.Go(func() error {
			q.worker(ctx)
			return nil
		})
	}
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed && ctx.Err() == nil {
			q.cond.Wait()
		}
		if (q.closed && len(q.pending) == 0) || ctx.Err() != nil {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		h := q.handlers[t.Name]
		q.mu.Unlock()

		q.run(ctx, t, h)

		q.mu.Lock()
		q.outstanding--
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// run attempts a task until it succeeds or the attempt budget is spent.
func (q *Queue) run(ctx context.Context, t *Task, h Handler) {
	bo := &backoff.Backoff{Min: q.retryMin, Max: q.retryMax, Jitter: true}
	for {
		t.Attempts++
		err := h(ctx, t.Payload)
		if err == nil {
			return
		}
		if t.Attempts >= q.maxAttempts {
			q.log.Errorw("task failed permanently",
				"task", t.Name, "id", t.ID, "attempts", t.Attempts, "err", err)
			return
		}
		q.log.Warnw("task failed, retrying",
			"task", t.Name, "id", t.ID, "attempt", t.Attempts, "err", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.Duration()):
		}
	}
}

// Drain blocks until every scheduled task, including tasks scheduled by
// running tasks, has finished, or until the context expires.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.mu.Lock()
		for q.outstanding > 0 && ctx.Err() == nil {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(done)
	}()
	select {
	case <-ctx.Done():
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
		<-done
		return ctx.Err()
	case <-done:
		q.mu.Lock()
		drained := q.outstanding == 0
		q.mu.Unlock()
		if drained {
			return nil
		}
		return ctx.Err()
	}
}

// Close stops accepting tasks, lets queued work finish and waits for the
// workers to exit.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	var err error
	if q.grp != nil {
		err = q.grp.Wait()
	}
	if q.cancel != nil {
		q.cancel()
	}
	return err
}
