// Package locks provides a distributed per-reservation lock for multi-instance deploys.
package locks

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/torquebay/api/internal/services"
)

// releaseScript deletes the key only while it still holds our token, so an expired lock
// re-acquired by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements services.ReservationLocker with SET NX PX. The TTL bounds how
// long a crashed holder can block others.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

var _ services.ReservationLocker = (*RedisLocker)(nil)

// NewRedisLocker builds a locker using keys "<prefix><reservationID>".
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis locker: client is required")
	}
	if ttl <= 0 {
		return nil, errors.New("redis locker: ttl must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}, nil
}

// Lock polls until the key is free or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, reservationID string) (func(), error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return nil, errors.New("redis locker: reservation id is required")
	}
	key := l.prefix + reservationID
	token := ulid.MustNew(ulid.Now(), rand.Reader).String()
	backoff := gax.Backoff{Initial: 10 * time.Millisecond, Max: 250 * time.Millisecond, Multiplier: 1.6}

	for {
		acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis locker: acquire %s: %w", key, err)
		}
		if acquired {
			break
		}
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release must run even when the request context was cancelled
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("redis lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

// NewClient builds a client from address, password and db and checks connectivity.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
