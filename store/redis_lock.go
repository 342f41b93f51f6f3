package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLockConfig configures a RedisLocker.
type RedisLockConfig struct {
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
	Retry  time.Duration `mapstructure:"retry"`
}

// RedisLocker serializes per-instance work across processes. Each lock is a
// key holding a random token; it expires after TTL unless the holder keeps
// refreshing it, so a crashed holder cannot block an instance forever.
type RedisLocker struct {
	client redis.UniversalClient
	cfg    RedisLockConfig
	logger *zap.Logger
}

// NewRedisLocker creates a locker. Zero config fields take defaults.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockConfig, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "flowpilot:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 25 * time.Millisecond
	}
	return &RedisLocker{client: client, cfg: cfg, logger: logger}
}

// Lock blocks until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := l.cfg.Prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.Retry):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.refresh(rkey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.TTL)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{rkey}, token).Err(); err != nil {
				l.logger.Warn("Lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

func (l *RedisLocker) refresh(rkey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.cfg.TTL/3)
			n, err := refreshScript.Run(ctx, l.client, []string{rkey}, token, l.cfg.TTL.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("Lock refresh failed", zap.String("key", rkey), zap.Error(err))
				continue
			}
			if n == 0 {
				l.logger.Error("Lock lost before release", zap.String("key", rkey))
				return
			}
		}
	}
}
