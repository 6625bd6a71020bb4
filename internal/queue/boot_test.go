package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStartAll_Shutdown(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	processed := make(chan json.RawMessage, 10)
	spec := &funcSpec{queue: "hello-world", name: "sayHello", fn: func(_ context.Context, p json.RawMessage) error {
		processed <- p
		return nil
	}}

	rt, err := StartAll(ctx, c, []Spec{spec}, zap.NewNop(), BootOptions{
		SchedulerOptions: []SchedulerOption{WithSchedulerInterval(50 * time.Millisecond)},
		WorkerOptions:    []WorkerOption{WithPollTimeout(time.Second)},
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, rt.Scheduler.State())
	assert.Equal(t, StateRunning, rt.Worker.State())

	require.NoError(t, c.EnqueueIn(ctx, 0, "hello-world", "sayHello", map[string]string{"name": "delayed"}))

	select {
	case p := <-processed:
		assert.JSONEq(t, `{"name":"delayed"}`, string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("delayed job was never processed")
	}

	require.NoError(t, rt.Shutdown(ctx))
	require.NoError(t, rt.Shutdown(ctx), "second shutdown is a no-op")
	assert.Equal(t, StateStopped, rt.Scheduler.State())
	assert.Equal(t, StateStopped, rt.Worker.State())

	assert.Error(t, c.Enqueue(ctx, "hello-world", "sayHello", map[string]string{}), "client is closed")

	mr.RPush("resque:queue:hello-world", `{"class":"sayHello","queue":"hello-world","args":[{}]}`)
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, processed, "nothing is dequeued after shutdown")
	n, err := mr.List("resque:queue:hello-world")
	require.NoError(t, err)
	assert.Len(t, n, 1)
}

func TestRuntime_ShutdownWaitsForWorkerWhenSchedulerFails(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	started := make(chan struct{})
	var finished atomic.Bool
	spec := &funcSpec{queue: "q", name: "slow", fn: func(context.Context, json.RawMessage) error {
		close(started)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return nil
	}}

	rt, err := StartAll(ctx, c, []Spec{spec}, zap.NewNop(), BootOptions{
		WorkerOptions: []WorkerOption{WithPollTimeout(time.Second)},
	})
	require.NoError(t, err)

	require.NoError(t, c.Enqueue(ctx, "q", "slow", 1))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	// A session closed underneath the scheduler makes its End fail fast.
	rt.Scheduler.scanMu.Lock()
	require.NoError(t, rt.Scheduler.conn.Close())
	rt.Scheduler.scanMu.Unlock()

	err = rt.Shutdown(ctx)
	require.Error(t, err)
	assert.True(t, finished.Load(), "the in-flight job completes before the client is closed")
	assert.Equal(t, StateStopped, rt.Worker.State())
}

func TestStartAll_WorkerFailureEndsScheduler(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	_, err := StartAll(ctx, c, nil, zap.NewNop(), BootOptions{})
	assert.ErrorIs(t, err, ErrNoJobs)
	assert.False(t, mr.Exists("resque:resque_scheduler_leader_lock"))
}

func TestRuntime_Run(t *testing.T) {
	c, _ := newTestClient(t)
	spec := &funcSpec{queue: "q", name: "job"}

	rt, err := StartAll(context.Background(), c, []Spec{spec}, zap.NewNop(), BootOptions{ShutdownTimeout: 5 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, StateStopped, rt.Worker.State())
}
