package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultNamespace = "resque"

// Client is the producer-side queue API. It owns the shared Redis
// connection that the scheduler and worker borrow their sessions from.
type Client struct {
	rdb *redis.Client
	ns  string
	log *zap.Logger

	initialized atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

type ClientOption func(*Client)

// WithNamespace changes the key prefix (default "resque").
func WithNamespace(ns string) ClientOption {
	return func(c *Client) { c.ns = ns }
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient builds a client over a new connection. No I/O happens until Init.
func NewClient(opts *redis.Options, options ...ClientOption) *Client {
	c := &Client{
		rdb: redis.NewClient(opts),
		ns:  DefaultNamespace,
		log: zap.NewNop(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// NewClientFromURL builds a client from a redis:// URL.
func NewClientFromURL(url string, options ...ClientOption) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse url: %w", err)
	}
	return NewClient(opts, options...), nil
}

// Init verifies the connection. It must be called exactly once per
// process before enqueueing; a second call is rejected.
func (c *Client) Init(ctx context.Context) error {
	if !c.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.initialized.Store(false)
		return fmt.Errorf("queue: connect: %w", err)
	}
	c.log.Info("queue client connected", zap.String("addr", c.rdb.Options().Addr), zap.String("namespace", c.ns))
	return nil
}

// Redis exposes the shared connection.
func (c *Client) Redis() *redis.Client { return c.rdb }

func (c *Client) Namespace() string { return c.ns }

// Close closes the shared connection. Only the first call has an effect.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rdb.Close()
		c.log.Info("queue client closed")
	})
	return c.closeErr
}

// Enqueue writes a job for immediate pickup.
func (c *Client) Enqueue(ctx context.Context, queue, job string, params any) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	env, err := NewEnvelope(queue, job, params)
	if err != nil {
		return err
	}
	return c.push(ctx, env)
}

// EnqueueIn writes a job that becomes visible once delay has elapsed.
func (c *Client) EnqueueIn(ctx context.Context, delay time.Duration, queue, job string, params any) error {
	return c.EnqueueAt(ctx, time.Now().Add(delay), queue, job, params)
}

// EnqueueAt writes a job that becomes visible at t or later.
func (c *Client) EnqueueAt(ctx context.Context, t time.Time, queue, job string, params any) error {
	if !c.initialized.Load() {
		return ErrNotInitialized
	}
	env, err := NewEnvelope(queue, job, params)
	if err != nil {
		return err
	}
	return c.pushAt(ctx, t, env)
}

func (c *Client) push(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: encode envelope: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.SAdd(ctx, c.queuesKey(), env.Queue)
	pipe.RPush(ctx, c.queueKey(env.Queue), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// pushAt files the envelope under the first whole second not before t,
// so a delayed job is never promoted early.
func (c *Client) pushAt(ctx context.Context, t time.Time, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue: encode envelope: %w", err)
	}
	ts := dueSecond(t)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, c.delayedKey(ts), data)
	pipe.ZAdd(ctx, c.scheduleKey(), redis.Z{Score: float64(ts), Member: ts})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue delayed: %w", err)
	}
	return nil
}

func dueSecond(t time.Time) int64 {
	return int64(math.Ceil(float64(t.UnixMilli()) / 1000))
}

// Queues lists every queue name that has received a job.
func (c *Client) Queues(ctx context.Context) ([]string, error) {
	names, err := c.rdb.SMembers(ctx, c.queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list queues: %w", err)
	}
	return names, nil
}

// Length returns the number of envelopes waiting in a queue.
func (c *Client) Length(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, c.queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length: %w", err)
	}
	return n, nil
}

// Peek returns up to n envelopes from the head of a queue without
// removing them. Entries that do not decode are logged and skipped.
func (c *Client) Peek(ctx context.Context, queue string, n int64) ([]Envelope, error) {
	if n <= 0 {
		return nil, nil
	}
	raws, err := c.rdb.LRange(ctx, c.queueKey(queue), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: peek: %w", err)
	}
	envs := make([]Envelope, 0, len(raws))
	for _, raw := range raws {
		env, err := DecodeEnvelope([]byte(raw))
		if err != nil {
			c.log.Warn("skipping malformed envelope", zap.String("queue", queue), zap.Error(err))
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// DelayedCount returns how many envelopes wait in the delayed structure.
func (c *Client) DelayedCount(ctx context.Context) (int64, error) {
	stamps, err := c.rdb.ZRange(ctx, c.scheduleKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: delayed count: %w", err)
	}
	var total int64
	for _, s := range stamps {
		n, err := c.rdb.LLen(ctx, c.key("delayed:"+s)).Result()
		if err != nil {
			return 0, fmt.Errorf("queue: delayed count: %w", err)
		}
		total += n
	}
	return total, nil
}
