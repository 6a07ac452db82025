package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue coordinates the ready and in-flight refinement job queues in
// Redis. A dequeued job holds a lease; the worker extends it while the
// iteration loop runs, and an expired lease marks the owning worker as dead.
type RedisQueue struct {
	client      *redis.Client
	readyKey    string
	inflightKey string
	cancelKey   string
	leaseTTL    time.Duration
}

// NewRedisQueue builds a queue on a shared Redis client.
func NewRedisQueue(client *redis.Client, leaseTTL time.Duration) *RedisQueue {
	if leaseTTL == 0 {
		leaseTTL = 2 * time.Minute
	}
	return &RedisQueue{
		client:      client,
		readyKey:    "refine:ready",
		inflightKey: "refine:inflight",
		cancelKey:   "refine:cancel:",
		leaseTTL:    leaseTTL,
	}
}

// Enqueue pushes a job onto the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// DequeueWithLease pops a ready job and places it in-flight with a lease
// deadline. Returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.leaseTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the lease deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(q.leaseTTL).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and clears its cancel flag.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.cancelKey+jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReapExpired removes jobs whose lease deadline has passed and returns their
// ids. The caller decides what an orphaned job means; they are not re-queued.
func (q *RedisQueue) ReapExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops a job from the ready queue if it has not started yet.
// Returns true when an entry was removed.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.LRem(ctx, q.readyKey, 0, jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RequestCancel flags a job for cooperative cancellation. The worker checks
// the flag between steps.
func (q *RedisQueue) RequestCancel(ctx context.Context, jobID string) error {
	return q.client.Set(ctx, q.cancelKey+jobID, "1", 24*time.Hour).Err()
}

// CancelRequested reports whether a cancel flag is set for the job.
func (q *RedisQueue) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	_, err := q.client.Get(ctx, q.cancelKey+jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
