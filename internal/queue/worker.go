package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Ichablog-AI/ichablog-api/internal/store"
)

// minPollTimeout is the smallest BLPOP timeout; Redis counts it in whole
// seconds and 0 would block forever.
const minPollTimeout = time.Second

// WorkerHooks observe the worker lifecycle. Every field is optional.
// OnJobError fires for each dequeued job that did not complete: bad
// envelopes, unknown job names and processor failures alike.
type WorkerHooks struct {
	OnStart    func(queues []string)
	OnJob      func(queue string, env Envelope)
	OnSuccess  func(queue string, env Envelope, elapsed time.Duration)
	OnRetry    func(queue string, env Envelope, attempt int, delay time.Duration, err error)
	OnFailure  func(queue string, env Envelope, err error)
	OnJobError func(queue string, env Envelope, err error)
	OnEnd      func()
}

// Worker pulls envelopes from its queues and runs one job at a time.
type Worker struct {
	client      *Client
	router      *Router
	stats       *store.Store
	id          string
	pollTimeout time.Duration
	log         *zap.Logger
	hooks       WorkerHooks

	mu       sync.Mutex
	state    State
	conn     *redis.Conn
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	jobCtx   context.Context
	cancel   context.CancelFunc
}

type WorkerOption func(*Worker)

// WithPollTimeout sets how long one BLPOP blocks; it also bounds how
// quickly End is noticed by an idle worker. Values under 1s are raised.
func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollTimeout = d }
}

func WithWorkerLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) { w.log = l }
}

func WithHooks(h WorkerHooks) WorkerOption {
	return func(w *Worker) { w.hooks = h }
}

func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) { w.id = id }
}

// NewWorker builds the routing table for specs. It fails when no spec is
// given or two specs share a job name.
func NewWorker(client *Client, specs []Spec, opts ...WorkerOption) (*Worker, error) {
	router, err := NewRouter(specs...)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	w := &Worker{
		client:      client,
		router:      router,
		stats:       store.New(client.Redis(), client.Namespace()),
		id:          fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()),
		pollTimeout: 5 * time.Second,
		log:         zap.NewNop(),
		state:       StateCreated,
	}
	for _, o := range opts {
		o(w)
	}
	if w.pollTimeout < minPollTimeout {
		w.pollTimeout = minPollTimeout
	}
	for _, q := range router.Queues() {
		w.log.Debug("registered queue", zap.String("queue", q))
	}
	return w, nil
}

func (w *Worker) ID() string { return w.id }

// Queues returns the distinct queue names the worker polls.
func (w *Worker) Queues() []string { return w.router.Queues() }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Connect opens the worker's own session and registers it in the store.
func (w *Worker) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateCreated {
		return fmt.Errorf("%w: worker connect from %s", ErrInvalidState, w.state)
	}
	conn := w.client.Redis().Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue: worker connect: %w", err)
	}
	if err := w.stats.RegisterWorker(ctx, w.id, w.router.Queues()); err != nil {
		_ = conn.Close()
		return err
	}
	w.conn = conn
	w.state = StateConnected
	return nil
}

// Start launches the polling loop. It returns immediately.
func (w *Worker) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateConnected {
		return fmt.Errorf("%w: worker start from %s", ErrInvalidState, w.state)
	}
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.jobCtx, w.cancel = context.WithCancel(context.Background())
	w.state = StateRunning

	queues := w.router.Queues()
	w.log.Info("worker started", zap.String("worker_id", w.id), zap.Strings("queues", queues))
	if w.hooks.OnStart != nil {
		w.hooks.OnStart(queues)
	}
	go w.run()
	return nil
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) run() {
	defer close(w.done)

	queues := w.router.Queues()
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = w.client.queueKey(q)
	}
	prefix := w.client.queueKey("")

	for !w.stopping() {
		res, err := w.conn.BLPop(w.jobCtx, w.pollTimeout, keys...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if w.stopping() {
				return
			}
			w.log.Error("worker poll failed", zap.String("worker_id", w.id), zap.Error(err))
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.pollTimeout):
			}
			continue
		}
		w.process(w.jobCtx, strings.TrimPrefix(res[0], prefix), []byte(res[1]))
	}
}

// process runs one dequeued envelope to completion. It never returns an
// error: every outcome is logged, counted and reported through hooks.
func (w *Worker) process(ctx context.Context, queue string, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		w.jobError(ctx, queue, env, err)
		return
	}
	spec, ok := w.router.Lookup(env.Class)
	if !ok {
		w.jobError(ctx, queue, env, fmt.Errorf("%w: %s", ErrUnknownJob, env.Class))
		return
	}

	if w.hooks.OnJob != nil {
		w.hooks.OnJob(queue, env)
	}
	w.setStatus(ctx, store.StatusWorking, map[string]interface{}{
		"queue":  queue,
		"job":    env.Class,
		"run_at": time.Now().Unix(),
	})
	defer w.setStatus(ctx, store.StatusIdle)

	w.log.Debug("performing job", zap.String("queue", queue), zap.String("job", env.Class), zap.ByteString("params", env.Params()))

	start := time.Now()
	err = w.perform(ctx, spec, env)
	elapsed := time.Since(start)

	if err != nil {
		w.handleFailure(ctx, queue, spec, env, err)
		return
	}

	if spec.RetryOptions() != nil {
		if cerr := w.client.clearFailures(ctx, env); cerr != nil {
			w.log.Warn("failed to clear retry counter", zap.String("job", env.Class), zap.Error(cerr))
		}
	}
	w.incr(ctx, store.StatProcessed)
	w.log.Info("job completed", zap.String("queue", queue), zap.String("job", env.Class), zap.Duration("elapsed", elapsed))
	if w.hooks.OnSuccess != nil {
		w.hooks.OnSuccess(queue, env, elapsed)
	}
}

func (w *Worker) perform(ctx context.Context, spec Spec, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", env.Class, r)
		}
	}()
	return spec.Perform(ctx, env.Params())
}

// handleFailure re-enqueues the envelope while retries remain and
// otherwise reports the failure as terminal.
func (w *Worker) handleFailure(ctx context.Context, queue string, spec Spec, env Envelope, jobErr error) {
	if w.hooks.OnJobError != nil {
		w.hooks.OnJobError(queue, env, jobErr)
	}

	opts := spec.RetryOptions()
	if opts == nil || opts.Retries <= 0 {
		w.fail(ctx, queue, env, jobErr)
		return
	}

	attempt, err := w.client.recordFailure(ctx, env)
	if err != nil {
		w.log.Error("failed to record retry attempt", zap.String("job", env.Class), zap.Error(err))
		w.fail(ctx, queue, env, jobErr)
		return
	}
	if attempt > opts.Retries {
		if cerr := w.client.clearFailures(ctx, env); cerr != nil {
			w.log.Warn("failed to clear retry counter", zap.String("job", env.Class), zap.Error(cerr))
		}
		w.fail(ctx, queue, env, jobErr)
		return
	}

	delay := opts.Delay(attempt)
	if err := w.client.requeue(ctx, delay, env); err != nil {
		w.log.Error("failed to re-enqueue job", zap.String("job", env.Class), zap.Error(err))
		w.fail(ctx, queue, env, jobErr)
		return
	}

	w.log.Warn("job failed, retry scheduled",
		zap.String("queue", queue),
		zap.String("job", env.Class),
		zap.Int("attempt", attempt),
		zap.Int("retries", opts.Retries),
		zap.Duration("delay", delay),
		zap.Error(jobErr),
	)
	if w.hooks.OnRetry != nil {
		w.hooks.OnRetry(queue, env, attempt, delay, jobErr)
	}
}

func (w *Worker) fail(ctx context.Context, queue string, env Envelope, err error) {
	w.incr(ctx, store.StatFailed)
	w.log.Error("job failed", zap.String("queue", queue), zap.String("job", env.Class), zap.Error(err))
	if w.hooks.OnFailure != nil {
		w.hooks.OnFailure(queue, env, err)
	}
}

// jobError reports an envelope that could not be dispatched at all.
func (w *Worker) jobError(ctx context.Context, queue string, env Envelope, err error) {
	w.incr(ctx, store.StatFailed)
	w.log.Error("worker error", zap.String("queue", queue), zap.String("job", env.Class), zap.Error(err))
	if w.hooks.OnJobError != nil {
		w.hooks.OnJobError(queue, env, err)
	}
}

func (w *Worker) incr(ctx context.Context, stat string) {
	if err := w.stats.Incr(ctx, stat, w.id); err != nil {
		w.log.Warn("failed to update stats", zap.String("stat", stat), zap.Error(err))
	}
}

func (w *Worker) setStatus(ctx context.Context, status string, fields ...map[string]interface{}) {
	if err := w.stats.SetStatus(ctx, w.id, status, fields...); err != nil {
		w.log.Warn("failed to update worker status", zap.String("status", status), zap.Error(err))
	}
}

// End stops pulling new jobs and waits for the in-flight one. When ctx
// expires first, the job context is cancelled and End returns the
// context error. The shared connection is left open.
func (w *Worker) End(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateStopped:
		return nil
	case StateCreated:
		w.state = StateStopped
		return nil
	case StateRunning:
		w.stopOnce.Do(func() { close(w.stopCh) })
		select {
		case <-w.done:
			w.cancel()
		case <-ctx.Done():
			w.cancel()
			return fmt.Errorf("queue: worker end: %w", ctx.Err())
		}
	}

	if err := w.stats.UnregisterWorker(ctx, w.id); err != nil {
		w.log.Warn("failed to unregister worker", zap.Error(err))
	}
	err := w.conn.Close()
	w.conn = nil
	w.state = StateStopped
	w.log.Info("worker stopped", zap.String("worker_id", w.id))
	if w.hooks.OnEnd != nil {
		w.hooks.OnEnd()
	}
	if err != nil {
		return fmt.Errorf("queue: worker close session: %w", err)
	}
	return nil
}
