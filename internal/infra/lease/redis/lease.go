// Package redis provides the sweep lease on Redis so only one replica runs
// the maintenance sweep at a time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

// DefaultKey is the lease key used when none is configured.
const DefaultKey = "scanwatch:maintenance:sweep"

var _ scans.Lease = (*Lease)(nil)

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was taken by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Lease is a TTL-bound mutex held under a random per-process token.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	logger *logger.Logger
}

// NewLease creates a lease on key. The TTL must outlast one sweep; if the
// holder dies the lease frees itself after ttl.
func NewLease(client redis.UniversalClient, key string, ttl time.Duration, logger *logger.Logger) *Lease {
	if key == "" {
		key = DefaultKey
	}
	return &Lease{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		logger: logger.With("component", "sweep_lease", "key", key),
	}
}

// Acquire takes the lease with SET NX PX. It returns false without error when
// another holder has it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		l.logger.Debug(ctx, "sweep lease acquired", "ttl", l.ttl)
	}
	return ok, nil
}

// Release drops the lease if this process still holds it.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		l.logger.Warn(ctx, "sweep lease expired before release")
	}
	return nil
}
