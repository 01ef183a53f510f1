package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Transport over Redis lists. Received items are moved into a
// per-queue processing list until acknowledged.
type Redis struct {
	client    redis.Cmdable
	batchSize int
}

var _ Transport = (*Redis)(nil)

// NewRedis returns a transport that receives at most batchSize items per call.
func NewRedis(client redis.Cmdable, batchSize int) *Redis {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Redis{client: client, batchSize: batchSize}
}

func readyKey(queueID string) string {
	return fmt.Sprintf("queue:%s", queueID)
}

func processingKey(queueID string) string {
	return fmt.Sprintf("queue:%s:processing", queueID)
}

// Receive moves up to batchSize items to the processing list. The item
// itself is its ack token.
func (q *Redis) Receive(ctx context.Context, queueID string) ([]Message, error) {
	keys := []string{readyKey(queueID), processingKey(queueID)}
	res, err := receiveScript.Run(ctx, q.client, keys, q.batchSize).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queueID, err)
	}
	msgs := make([]Message, 0, len(res))
	for _, body := range res {
		msgs = append(msgs, Message{Body: body, AckToken: body})
	}
	return msgs, nil
}

// Acknowledge drops one matching item from the processing list.
func (q *Redis) Acknowledge(ctx context.Context, queueID, ackToken string) error {
	if err := q.client.LRem(ctx, processingKey(queueID), 1, ackToken).Err(); err != nil {
		return fmt.Errorf("ack on %s: %w", queueID, err)
	}
	return nil
}

func (q *Redis) Publish(ctx context.Context, queueID, body string) error {
	if err := q.client.RPush(ctx, readyKey(queueID), body).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", queueID, err)
	}
	return nil
}

// Release moves one matching item from the processing list back to the
// head of the queue. Releasing an item that is not in processing is a no-op.
func (q *Redis) Release(ctx context.Context, queueID, ackToken string) error {
	keys := []string{readyKey(queueID), processingKey(queueID)}
	if err := releaseScript.Run(ctx, q.client, keys, ackToken).Err(); err != nil {
		return fmt.Errorf("release on %s: %w", queueID, err)
	}
	return nil
}

// Depth returns the number of items waiting in the queue.
func (q *Redis) Depth(ctx context.Context, queueID string) (int64, error) {
	return q.client.LLen(ctx, readyKey(queueID)).Result()
}

// Unacked returns the items received but not yet acknowledged.
func (q *Redis) Unacked(ctx context.Context, queueID string) ([]string, error) {
	return q.client.LRange(ctx, processingKey(queueID), 0, -1).Result()
}

var receiveScript = redis.NewScript(`
local moved = {}
for i=1,tonumber(ARGV[1]) do
  local item = redis.call('LPOP', KEYS[1])
  if not item then
    break
  end
  redis.call('RPUSH', KEYS[2], item)
  moved[#moved+1] = item
end
return moved
`)

var releaseScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[2], 1, ARGV[1])
if removed > 0 then
  redis.call('LPUSH', KEYS[1], ARGV[1])
end
return removed
`)
