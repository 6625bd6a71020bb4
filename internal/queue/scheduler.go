package queue

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// promoteScript moves every envelope of up to ARGV[3] due timestamp
// buckets into its target queue and drops the timestamps from the
// schedule. Entries that do not decode to an envelope with a queue name
// are moved to KEYS[2] instead, so the script never raises halfway
// through a bucket. Returns {moved, unroutable}.
var promoteScript = redis.NewScript(`
local stamps = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local moved = 0
local bad = 0
for _, ts in ipairs(stamps) do
	local bucket = ARGV[2] .. 'delayed:' .. ts
	local raw = redis.call('LPOP', bucket)
	while raw do
		local ok, env = pcall(cjson.decode, raw)
		if ok and type(env) == 'table' and type(env['queue']) == 'string' and env['queue'] ~= '' then
			redis.call('SADD', ARGV[2] .. 'queues', env['queue'])
			redis.call('RPUSH', ARGV[2] .. 'queue:' .. env['queue'], raw)
			moved = moved + 1
		else
			redis.call('RPUSH', KEYS[2], raw)
			bad = bad + 1
		end
		raw = redis.call('LPOP', bucket)
	end
	redis.call('ZREM', KEYS[1], ts)
end
return {moved, bad}
`)

var refreshLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Scheduler promotes delayed envelopes whose due time has passed into
// their immediate queues. Only the scheduler holding the leader lock
// scans, so a second instance started by mistake stays idle.
type Scheduler struct {
	client    *Client
	name      string
	interval  time.Duration
	lockTTL   time.Duration
	batchSize int
	log       *zap.Logger
	onError   func(error)

	mu       sync.Mutex
	state    State
	conn     *redis.Conn
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	scanMu sync.Mutex
	leader bool
}

type SchedulerOption func(*Scheduler)

// WithSchedulerInterval sets the pause between scans (default 5s).
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithLeaderLockTTL sets how long the leader lock survives without a refresh.
func WithLeaderLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

func WithSchedulerLogger(l *zap.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

// WithSchedulerErrorHandler observes scan failures.
func WithSchedulerErrorHandler(fn func(error)) SchedulerOption {
	return func(s *Scheduler) { s.onError = fn }
}

func NewScheduler(client *Client, opts ...SchedulerOption) *Scheduler {
	host, _ := os.Hostname()
	s := &Scheduler{
		client:    client,
		name:      fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()),
		interval:  5 * time.Second,
		lockTTL:   3 * time.Minute,
		batchSize: 100,
		log:       zap.NewNop(),
		state:     StateCreated,
	}
	for _, o := range opts {
		o(s)
	}
	if s.lockTTL < 2*s.interval {
		s.lockTTL = 2 * s.interval
	}
	return s
}

func (s *Scheduler) Name() string { return s.name }

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Leader reports whether the last scan cycle held the leader lock.
func (s *Scheduler) Leader() bool {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	return s.leader
}

// Connect opens the scheduler's own session on the shared connection.
func (s *Scheduler) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		return fmt.Errorf("%w: scheduler connect from %s", ErrInvalidState, s.state)
	}
	conn := s.client.Redis().Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue: scheduler connect: %w", err)
	}
	s.conn = conn
	s.state = StateConnected
	return nil
}

// Start launches the scan loop. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return fmt.Errorf("%w: scheduler start from %s", ErrInvalidState, s.state)
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.state = StateRunning

	s.log.Info("scheduler started", zap.String("name", s.name), zap.Duration("interval", s.interval))
	go s.run()
	return nil
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.tick(context.Background())

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	leader, err := s.acquireLeadership(ctx)
	if err != nil {
		s.reportError(fmt.Errorf("queue: scheduler leader lock: %w", err))
		return
	}
	if !leader {
		return
	}
	if _, err := s.Promote(ctx, time.Now()); err != nil {
		s.reportError(err)
	}
}

func (s *Scheduler) reportError(err error) {
	s.log.Error("scheduler error", zap.Error(err))
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *Scheduler) acquireLeadership(ctx context.Context) (bool, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	key := s.client.leaderKey()
	ok, err := s.conn.SetNX(ctx, key, s.name, s.lockTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		n, err := refreshLockScript.Run(ctx, s.conn, []string{key}, s.name, s.lockTTL.Milliseconds()).Int()
		if err != nil {
			return false, err
		}
		ok = n == 1
	}
	if ok != s.leader {
		s.log.Info("scheduler leadership changed", zap.String("name", s.name), zap.Bool("leader", ok))
	}
	s.leader = ok
	return ok, nil
}

// Promote moves every envelope due at or before now into its queue and
// returns how many were moved. Unroutable entries go to the failed list
// and are not counted. It requires a connected session.
func (s *Scheduler) Promote(ctx context.Context, now time.Time) (int, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	if s.conn == nil {
		return 0, fmt.Errorf("%w: scheduler not connected", ErrInvalidState)
	}

	total := 0
	for {
		res, err := promoteScript.Run(ctx, s.conn,
			[]string{s.client.scheduleKey(), s.client.failedKey()},
			strconv.FormatInt(now.Unix(), 10),
			s.client.ns+":",
			s.batchSize,
		).Int64Slice()
		if err != nil {
			return total, fmt.Errorf("queue: promote delayed: %w", err)
		}
		if len(res) != 2 {
			return total, fmt.Errorf("queue: promote delayed: unexpected reply %v", res)
		}
		moved, bad := int(res[0]), int(res[1])
		if bad > 0 {
			s.log.Warn("unroutable delayed entries moved to failed list",
				zap.Int("count", bad),
				zap.String("key", s.client.failedKey()),
			)
		}
		total += moved
		if moved == 0 && bad == 0 {
			break
		}
	}
	if total > 0 {
		s.log.Debug("promoted delayed jobs", zap.Int("count", total))
	}
	return total, nil
}

// End stops the scan loop after any in-flight promotion, releases the
// leader lock and closes the scheduler session. The shared connection
// stays open.
func (s *Scheduler) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStopped:
		return nil
	case StateCreated:
		s.state = StateStopped
		return nil
	case StateRunning:
		s.stopOnce.Do(func() { close(s.stopCh) })
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("queue: scheduler end: %w", ctx.Err())
		}
	}

	if _, err := releaseLockScript.Run(ctx, s.conn, []string{s.client.leaderKey()}, s.name).Result(); err != nil {
		s.log.Warn("failed to release scheduler leader lock", zap.Error(err))
	}
	s.scanMu.Lock()
	err := s.conn.Close()
	s.conn = nil
	s.leader = false
	s.scanMu.Unlock()
	s.state = StateStopped
	s.log.Info("scheduler stopped", zap.String("name", s.name))
	if err != nil {
		return fmt.Errorf("queue: scheduler close session: %w", err)
	}
	return nil
}
