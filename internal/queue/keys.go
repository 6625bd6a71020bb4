package queue

import "strconv"

// Redis key layout, compatible with resque-style tooling. Every key is
// prefixed with the client namespace ("resque" by default).

func (c *Client) key(suffix string) string { return c.ns + ":" + suffix }

// queuesKey is the Set of every queue name that has ever been written.
func (c *Client) queuesKey() string { return c.key("queues") }

// queueKey is the List holding immediate envelopes for a queue.
func (c *Client) queueKey(name string) string { return c.key("queue:" + name) }

// scheduleKey is the Sorted Set of due timestamps (unix seconds).
func (c *Client) scheduleKey() string { return c.key("delayed_queue_schedule") }

// delayedKey is the List of envelopes due at ts.
func (c *Client) delayedKey(ts int64) string {
	return c.key("delayed:" + strconv.FormatInt(ts, 10))
}

// failedKey is the List of delayed envelopes that could not be routed.
func (c *Client) failedKey() string { return c.key("failed") }

func (c *Client) leaderKey() string { return c.key("resque_scheduler_leader_lock") }

// retryKey counts failed attempts of one job instance.
func (c *Client) retryKey(queue, job, argsDigest string) string {
	return c.key("retry:" + queue + ":" + job + ":" + argsDigest)
}
