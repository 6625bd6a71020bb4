package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type helloParams struct {
	Name string `json:"name"`
	Age  int    `json:"age,omitempty"`
}

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestClient_EnqueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	require.NoError(t, c.Enqueue(ctx, "hello-world", "sayHello", helloParams{Name: "John Doe", Age: 30}))

	for i := 0; i < 2; i++ {
		envs, err := c.Peek(ctx, "hello-world", 10)
		require.NoError(t, err)
		require.Len(t, envs, 1, "peek must not consume or duplicate")
		assert.Equal(t, "sayHello", envs[0].Class)
		assert.Equal(t, "hello-world", envs[0].Queue)

		var got helloParams
		require.NoError(t, json.Unmarshal(envs[0].Params(), &got))
		assert.Equal(t, helloParams{Name: "John Doe", Age: 30}, got)
	}

	ok, err := mr.SIsMember("resque:queues", "hello-world")
	require.NoError(t, err)
	assert.True(t, ok)

	raw, err := mr.Lpop("resque:queue:hello-world")
	require.NoError(t, err)
	assert.JSONEq(t, `{"class":"sayHello","queue":"hello-world","args":[{"name":"John Doe","age":30}]}`, raw)
}

func TestClient_Namespace(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := NewClient(&redis.Options{Addr: mr.Addr()}, WithNamespace("blog"))
	require.NoError(t, c.Init(ctx))
	defer c.Close()

	require.NoError(t, c.Enqueue(ctx, "q", "job", map[string]string{}))
	assert.True(t, mr.Exists("blog:queue:q"))
	assert.False(t, mr.Exists("resque:queue:q"))
	assert.Equal(t, "blog", c.Namespace())
}

func TestClient_EnqueueBeforeInit(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()

	err := c.Enqueue(context.Background(), "q", "job", nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	err = c.EnqueueIn(context.Background(), time.Second, "q", "job", nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, mr.Exists("resque:queue:q"))
}

func TestClient_InitTwice(t *testing.T) {
	c, _ := newTestClient(t)
	assert.ErrorIs(t, c.Init(context.Background()), ErrAlreadyInitialized)
}

func TestClient_InitFailureCanRetry(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer c.Close()

	err := c.Init(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyInitialized)
	assert.ErrorIs(t, c.Enqueue(context.Background(), "q", "job", nil), ErrNotInitialized)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Error(t, c.Enqueue(ctx, "q", "job", nil), "enqueue on a closed client fails")
}

func TestClient_EnqueueIn(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	require.NoError(t, c.EnqueueIn(ctx, 10*time.Second, "hello-world", "sayHello", helloParams{Name: "later"}))

	n, err := c.Length(ctx, "hello-world")
	require.NoError(t, err)
	assert.Zero(t, n, "delayed job is not visible yet")

	delayed, err := c.DelayedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, delayed)

	stamps, err := mr.ZMembers("resque:delayed_queue_schedule")
	require.NoError(t, err)
	require.Len(t, stamps, 1)
	assert.True(t, mr.Exists("resque:delayed:"+stamps[0]))
}

func TestDueSecond(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want int64
	}{
		{"whole second", time.Unix(100, 0), 100},
		{"rounds up", time.Unix(100, int64(time.Millisecond)), 101},
		{"just under", time.Unix(100, int64(999*time.Millisecond)), 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dueSecond(tt.in))
		})
	}
}

func TestClient_PeekSkipsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)

	_, err := mr.RPush("resque:queue:q", "not json", `{"class":"a","queue":"q","args":[]}`)
	require.NoError(t, err)
	require.NoError(t, c.Enqueue(ctx, "q", "job", helloParams{Name: "ok"}))

	envs, err := c.Peek(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "job", envs[0].Class)

	n, err := c.Length(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "peek leaves bad entries in place")
}

func TestClient_QueuesAndPeekLimit(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Enqueue(ctx, "a", "job", i))
	}
	require.NoError(t, c.Enqueue(ctx, "b", "job", 0))

	queues, err := c.Queues(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, queues)

	envs, err := c.Peek(ctx, "a", 2)
	require.NoError(t, err)
	assert.Len(t, envs, 2)

	envs, err = c.Peek(ctx, "a", 0)
	require.NoError(t, err)
	assert.Empty(t, envs)
}
