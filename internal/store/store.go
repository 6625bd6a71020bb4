// Package store keeps worker bookkeeping in Redis: the set of live
// workers, what each one is doing, and processed/failed counters.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatProcessed = "processed"
	StatFailed    = "failed"
)

const (
	StatusIdle    = "idle"
	StatusWorking = "working"
)

type Store struct {
	rdb redis.Cmdable
	ns  string
}

func New(rdb redis.Cmdable, namespace string) *Store {
	return &Store{rdb: rdb, ns: namespace}
}

func (s *Store) key(parts ...string) string {
	return s.ns + ":" + strings.Join(parts, ":")
}

// Stats is a snapshot of the global counters.
type Stats struct {
	Processed int64    `json:"processed"`
	Failed    int64    `json:"failed"`
	Workers   []string `json:"workers"`
}

// RegisterWorker adds the worker to the live set and records its queues.
func (s *Store) RegisterWorker(ctx context.Context, workerID string, queues []string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, s.key("workers"), workerID)
	pipe.HSet(ctx, s.key("worker", workerID), map[string]interface{}{
		"queues":     strings.Join(queues, ","),
		"status":     StatusIdle,
		"started_at": time.Now().Unix(),
		"updated_at": time.Now().Unix(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: register worker: %w", err)
	}
	return nil
}

// UnregisterWorker removes the worker and its per-worker counters.
func (s *Store) UnregisterWorker(ctx context.Context, workerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SRem(ctx, s.key("workers"), workerID)
	pipe.Del(ctx,
		s.key("worker", workerID),
		s.key("stat", StatProcessed, workerID),
		s.key("stat", StatFailed, workerID),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: unregister worker: %w", err)
	}
	return nil
}

// SetStatus updates the worker hash with a status and optional extra fields.
func (s *Store) SetStatus(ctx context.Context, workerID, status string, fields ...map[string]interface{}) error {
	data := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().Unix(),
	}
	if len(fields) > 0 {
		for k, v := range fields[0] {
			data[k] = v
		}
	}
	return s.rdb.HSet(ctx, s.key("worker", workerID), data).Err()
}

// Worker returns the stored hash for a worker; empty when unknown.
func (s *Store) Worker(ctx context.Context, workerID string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, s.key("worker", workerID)).Result()
}

// Incr bumps a stat globally and for the given worker.
func (s *Store) Incr(ctx context.Context, stat, workerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, s.key("stat", stat))
	pipe.Incr(ctx, s.key("stat", stat, workerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: incr %s: %w", stat, err)
	}
	return nil
}

// Stat reads one counter; workerID may be empty for the global value.
func (s *Store) Stat(ctx context.Context, stat, workerID string) (int64, error) {
	key := s.key("stat", stat)
	if workerID != "" {
		key = s.key("stat", stat, workerID)
	}
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get %s: %w", stat, err)
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.Processed, err = s.Stat(ctx, StatProcessed, ""); err != nil {
		return st, err
	}
	if st.Failed, err = s.Stat(ctx, StatFailed, ""); err != nil {
		return st, err
	}
	if st.Workers, err = s.rdb.SMembers(ctx, s.key("workers")).Result(); err != nil {
		return st, fmt.Errorf("store: list workers: %w", err)
	}
	return st, nil
}
