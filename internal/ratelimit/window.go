package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a fixed-window request counter shared through Redis, so every
// dispatcher replica enforces the same limit.
type Window struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
}

// NewWindow allows limit requests per key in each window.
func NewWindow(client redis.Cmdable, limit int, window time.Duration) *Window {
	return &Window{client: client, limit: int64(limit), window: window}
}

// Allow counts one request against key. It returns whether the request is
// within the limit and how many requests remain in the current window.
func (w *Window) Allow(ctx context.Context, key string) (bool, int64, error) {
	res, err := windowScript.Run(ctx, w.client, []string{key}, w.window.Milliseconds()).Int64()
	if err != nil {
		return false, 0, err
	}
	remaining := w.limit - res
	if remaining < 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// The window starts with the first request; expiry resets it.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)
