package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BootOptions configures StartAll.
type BootOptions struct {
	SchedulerOptions []SchedulerOption
	WorkerOptions    []WorkerOption
	// ShutdownTimeout bounds Run's shutdown once its context is done.
	ShutdownTimeout time.Duration
}

// StartScheduler connects and starts a scheduler on the client's connection.
func StartScheduler(ctx context.Context, client *Client, log *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	log.Info("starting scheduler")
	s := NewScheduler(client, append([]SchedulerOption{WithSchedulerLogger(log)}, opts...)...)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.End(ctx)
		return nil, err
	}
	return s, nil
}

// StartWorker connects and starts a worker for specs.
func StartWorker(ctx context.Context, client *Client, specs []Spec, log *zap.Logger, opts ...WorkerOption) (*Worker, error) {
	log.Info("preparing worker", zap.Int("jobs", len(specs)))
	for _, s := range specs {
		log.Debug("registering job spec",
			zap.String("job", s.JobName()),
			zap.String("queue", s.QueueName()),
			zap.Any("retry", s.RetryOptions()),
		)
	}
	w, err := NewWorker(client, specs, append([]WorkerOption{WithWorkerLogger(log)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := w.Connect(ctx); err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.End(ctx)
		return nil, err
	}
	return w, nil
}

// Runtime owns a running scheduler and worker plus the shared client,
// and tears all three down in the right order.
type Runtime struct {
	Client    *Client
	Scheduler *Scheduler
	Worker    *Worker

	log             *zap.Logger
	shutdownTimeout time.Duration
	once            sync.Once
	err             error
}

// StartAll starts the scheduler, then the worker. If the worker cannot
// start, the already running scheduler is ended before returning.
func StartAll(ctx context.Context, client *Client, specs []Spec, log *zap.Logger, opts BootOptions) (*Runtime, error) {
	log.Info("bootstrapping scheduler and worker together")

	s, err := StartScheduler(ctx, client, log.Named("scheduler"), opts.SchedulerOptions...)
	if err != nil {
		return nil, fmt.Errorf("start scheduler: %w", err)
	}
	w, err := StartWorker(ctx, client, specs, log.Named("worker"), opts.WorkerOptions...)
	if err != nil {
		_ = s.End(ctx)
		return nil, fmt.Errorf("start worker: %w", err)
	}

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log.Info("scheduler and worker are running", zap.Strings("queues", w.Queues()))
	return &Runtime{
		Client:          client,
		Scheduler:       s,
		Worker:          w,
		log:             log,
		shutdownTimeout: timeout,
	}, nil
}

// Shutdown ends the worker and scheduler concurrently and, once both
// have returned, closes the shared connection. Later calls return the
// first call's result.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.once.Do(func() {
		r.log.Info("shutting down scheduler and worker")

		// Neither End cancels the other; the client closes after both return.
		var g errgroup.Group
		g.Go(func() error { return r.Worker.End(ctx) })
		g.Go(func() error { return r.Scheduler.End(ctx) })
		endErr := g.Wait()

		closeErr := r.Client.Close()
		r.err = errors.Join(endErr, closeErr)
		if r.err != nil {
			r.log.Error("shutdown finished with errors", zap.Error(r.err))
			return
		}
		r.log.Info("shutdown complete")
	})
	return r.err
}

// Run blocks until ctx is done, then shuts down within the configured
// timeout.
func (r *Runtime) Run(ctx context.Context) error {
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()
	return r.Shutdown(sctx)
}
