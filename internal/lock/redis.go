package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// unlockScript deletes the key only if it still carries our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a lease-based lock shared across processes. A holder that dies
// loses the lock after TTL.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	// Retry is the polling interval while the key is held elsewhere.
	Retry  time.Duration
	Logger *zap.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{Client: client, Prefix: "escalator:lock:", TTL: ttl, Retry: 25 * time.Millisecond, Logger: zap.NewNop()}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	ttl := r.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := r.Retry
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	full := r.Prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.Client.SetNX(ctx, full, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return func() {
		// Release on a fresh context so a cancelled caller still frees the key.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(rctx, r.Client, []string{full}, token).Err(); err != nil && !errors.Is(err, redis.Nil) && r.Logger != nil {
			r.Logger.Warn("release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
