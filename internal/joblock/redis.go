package joblock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "rokct:joblock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1]) + 1) == ARGV[1] .. " " then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares locks between control-plane hosts through Redis
// SET NX. Keys expire after the stale window so a crashed holder cannot
// wedge a site forever.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisLocker parses url (redis://...) and returns a locker. ttl <= 0 uses
// DefaultStaleAfter.
func NewRedisLocker(url string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLockerWithClient(redis.NewClient(opts), ttl), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultStaleAfter
	}
	return &RedisLocker{client: client, ttl: ttl, now: time.Now}
}

// Ping checks the connection.
func (r *RedisLocker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}

// TryAcquire implements Locker.
func (r *RedisLocker) TryAcquire(ctx context.Context, site string) (Release, bool, error) {
	token := uuid.NewString()
	key := redisKeyPrefix + site
	ok, err := r.client.SetNX(ctx, key, formatHolder(token, r.now()), r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire redis lock %s: %w", site, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
				log.Warn().Err(err).Str("component", "joblock").Str("site", site).Msg("Failed to release job lock")
			}
		})
	}
	return release, true, nil
}

// AcquiredAt implements Locker.
func (r *RedisLocker) AcquiredAt(ctx context.Context, site string) (time.Time, bool, error) {
	v, err := r.client.Get(ctx, redisKeyPrefix+site).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read redis lock %s: %w", site, err)
	}
	_, at, err := parseHolder(v)
	if err != nil {
		return time.Time{}, true, err
	}
	return at, true, nil
}
