package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Envelope is the unit written to a queue list. Args always carries
// exactly one element: the params object of the job invocation.
type Envelope struct {
	Class string            `json:"class"`
	Queue string            `json:"queue"`
	Args  []json.RawMessage `json:"args"`
}

// NewEnvelope marshals params as the single argument of a job.
func NewEnvelope(queue, job string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal params for job %q: %w", job, err)
	}
	return Envelope{Class: job, Queue: queue, Args: []json.RawMessage{raw}}, nil
}

// DecodeEnvelope parses and validates an envelope read from the store.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Class == "" {
		return env, fmt.Errorf("%w: missing class", ErrInvalidEnvelope)
	}
	if len(env.Args) != 1 {
		return env, fmt.Errorf("%w: expected 1 argument, got %d", ErrInvalidEnvelope, len(env.Args))
	}
	return env, nil
}

// Params returns the raw params object.
func (e Envelope) Params() json.RawMessage {
	if len(e.Args) == 0 {
		return nil
	}
	return e.Args[0]
}

// digest identifies a job instance by its arguments.
func (e Envelope) digest() string {
	sum := sha1.Sum(e.Params())
	return hex.EncodeToString(sum[:])
}

// Spec is the contract every job kind satisfies. Perform receives the
// raw params object and must return an error for work it wants retried.
type Spec interface {
	QueueName() string
	JobName() string
	RetryOptions() *RetryOptions
	Perform(ctx context.Context, params json.RawMessage) error
}

// Definition is a typed Spec: params are decoded into T before Process
// runs, and Enqueue accepts T directly.
type Definition[T any] struct {
	Queue   string
	Name    string
	Process func(ctx context.Context, params T) error
	Retry   *RetryOptions

	client *Client
	log    *zap.Logger
}

type definitionOptions struct {
	retry *RetryOptions
	log   *zap.Logger
}

type DefinitionOption func(*definitionOptions)

// WithRetry attaches a retry policy to the definition.
func WithRetry(r RetryOptions) DefinitionOption {
	return func(o *definitionOptions) { o.retry = &r }
}

func WithJobLogger(l *zap.Logger) DefinitionOption {
	return func(o *definitionOptions) { o.log = l }
}

func NewDefinition[T any](client *Client, queue, name string, process func(context.Context, T) error, opts ...DefinitionOption) *Definition[T] {
	o := definitionOptions{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Definition[T]{
		Queue:   queue,
		Name:    name,
		Process: process,
		Retry:   o.retry,
		client:  client,
		log:     o.log,
	}
}

func (d *Definition[T]) QueueName() string { return d.Queue }

func (d *Definition[T]) JobName() string { return d.Name }

func (d *Definition[T]) RetryOptions() *RetryOptions { return d.Retry }

// Perform decodes the params and runs Process. A params payload that
// does not decode into T is reported as a processor failure.
func (d *Definition[T]) Perform(ctx context.Context, raw json.RawMessage) error {
	var params T
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("decode params for job %q: %w", d.Name, err)
	}
	return d.Process(ctx, params)
}

// Enqueue submits params for immediate processing.
func (d *Definition[T]) Enqueue(ctx context.Context, params T) error {
	d.log.Debug("enqueueing job", zap.String("job", d.Name), zap.Any("params", params))
	return d.client.Enqueue(ctx, d.Queue, d.Name, params)
}

// EnqueueIn submits params to run once delay has elapsed.
func (d *Definition[T]) EnqueueIn(ctx context.Context, delay time.Duration, params T) error {
	d.log.Debug("enqueueing delayed job",
		zap.String("job", d.Name),
		zap.Duration("delay", delay),
		zap.Any("params", params),
	)
	return d.client.EnqueueIn(ctx, delay, d.Queue, d.Name, params)
}

// Router is the immutable job name to Spec table a worker dispatches on.
type Router struct {
	specs  map[string]Spec
	queues []string
}

// NewRouter indexes specs by job name and collects their distinct
// queues in registration order.
func NewRouter(specs ...Spec) (*Router, error) {
	if len(specs) == 0 {
		return nil, ErrNoJobs
	}
	r := &Router{specs: make(map[string]Spec, len(specs))}
	seen := make(map[string]bool)
	for _, s := range specs {
		if _, dup := r.specs[s.JobName()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, s.JobName())
		}
		r.specs[s.JobName()] = s
		if !seen[s.QueueName()] {
			seen[s.QueueName()] = true
			r.queues = append(r.queues, s.QueueName())
		}
	}
	return r, nil
}

func (r *Router) Lookup(job string) (Spec, bool) {
	s, ok := r.specs[job]
	return s, ok
}

// Queues returns a copy of the polled queue names.
func (r *Router) Queues() []string {
	return append([]string(nil), r.queues...)
}
