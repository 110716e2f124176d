package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultDueKey = "cadencely:due_executions"

// leaseScript moves every due member's score to the lease deadline and
// returns member/score pairs.
var leaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZADD', KEYS[1], ARGV[3], id)
	table.insert(out, id)
end
return out
`)

// ackScript removes the member only while it still holds the caller's lease.
var ackScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) == tonumber(ARGV[2]) then
	return redis.call('ZREM', KEYS[1], ARGV[1])
end
return 0
`)

// RedisQueue is a DueQueue stored in one sorted set scored by due time in
// milliseconds.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = defaultDueKey
	}
	return &RedisQueue{client: client, key: key}
}

// Enqueue adds the execution unless it is already queued, so re-enqueueing
// never pushes back an existing lease.
func (q *RedisQueue) Enqueue(ctx context.Context, executionID uint, dueAt time.Time) error {
	return q.client.ZAddNX(ctx, q.key, &redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: strconv.FormatUint(uint64(executionID), 10),
	}).Err()
}

func (q *RedisQueue) Receive(ctx context.Context, now time.Time, limit int, visibility time.Duration) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	deadline := now.Add(visibility).UnixMilli()
	res, err := leaseScript.Run(ctx, q.client, []string{q.key},
		now.UnixMilli(), limit, deadline).StringSlice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("lease due executions: %w", err)
	}

	receipt := strconv.FormatInt(deadline, 10)
	deliveries := make([]Delivery, 0, len(res))
	for _, member := range res {
		id, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			// Not ours; drop it so it does not block the head of the queue.
			q.client.ZRem(ctx, q.key, member)
			continue
		}
		deliveries = append(deliveries, Delivery{ExecutionID: uint(id), Receipt: receipt})
	}
	return deliveries, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return ackScript.Run(ctx, q.client, []string{q.key},
		strconv.FormatUint(uint64(d.ExecutionID), 10), d.Receipt).Err()
}

// Len reports how many executions are queued or leased.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
