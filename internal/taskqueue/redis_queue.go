package taskqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisQueue is a delayed task queue stored in a Redis sorted set scored by
// NotBefore. A task is claimed by whichever consumer removes it first, so
// several processes can share one queue.
type RedisQueue struct {
	client       redis.UniversalClient
	key          string
	pollInterval time.Duration
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue stored under "<prefix>tasks".
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "lumi:"
	}
	return &RedisQueue{
		client:       client,
		key:          prefix + "tasks",
		pollInterval: 20 * time.Millisecond,
	}
}

type redisTask struct {
	ID         string
	RunID      string
	EnqueuedAt int64
	NotBefore  int64
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = normalize(t)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	member, err := msgpack.Marshal(redisTask{
		ID:         t.ID,
		RunID:      t.RunID,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		NotBefore:  t.NotBefore.UnixNano(),
	})
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(t.NotBefore.UnixMilli()),
		Member: member,
	}).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
			Count: 8,
		}).Result()
		if err != nil {
			return nil, err
		}

		for _, m := range members {
			// ZREM succeeds for exactly one consumer.
			removed, err := q.client.ZRem(ctx, q.key, m).Result()
			if err != nil {
				return nil, err
			}
			if removed == 0 {
				continue
			}
			var rt redisTask
			if err := msgpack.Unmarshal([]byte(m), &rt); err != nil {
				return nil, err
			}
			return &Task{
				ID:         rt.ID,
				RunID:      rt.RunID,
				EnqueuedAt: time.Unix(0, rt.EnqueuedAt),
				NotBefore:  time.Unix(0, rt.NotBefore),
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
