package rollcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

// SweepLocker keeps two scheduler sweeps of the same kind from
// running at once, across goroutines or across bot instances.
type SweepLocker interface {
	// TryLock acquires the named lock without waiting. When ok is
	// false, another sweep holds it. unlock must be called once the
	// sweep finishes.
	TryLock(ctx context.Context, name string) (unlock func(), ok bool, err error)
}

// localSweepLocker locks within a single process
type localSweepLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocalSweepLocker() SweepLocker {
	return &localSweepLocker{locks: map[string]*sync.Mutex{}}
}

func (l *localSweepLocker) TryLock(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	m, ok := l.locks[name]
	if !ok {
		m = &sync.Mutex{}
		l.locks[name] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return func() {}, false, nil
	}
	return m.Unlock, true, nil
}

// releaseLockScript deletes the lock only if it still holds our token,
// so a sweep that outlived its TTL can't release someone else's lock
var releaseLockScript = redis.NewScript(
	`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`,
)

// redisSweepLocker uses SET NX PX, so a crashed holder's lock expires
// after ttl
type redisSweepLocker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

func NewRedisSweepLocker(
	client redis.UniversalClient,
	keyPrefix string,
	ttl time.Duration,
	logger *slog.Logger,
) SweepLocker {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultSchedulerLockTTL
	}
	return &redisSweepLocker{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger.With(loggerNameKey, "sweep_lock"),
	}
}

func (r *redisSweepLocker) key(name string) string {
	return r.keyPrefix + "sweep:" + name
}

func (r *redisSweepLocker) TryLock(ctx context.Context, name string) (func(), bool, error) {
	key := r.key(name)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("error acquiring sweep lock %q: %w", key, err)
	}
	if !ok {
		return func() {}, false, nil
	}

	unlock := func() {
		// the sweep's context may already be done
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil &&
			!errors.Is(err, redis.Nil) {
			r.logger.Error("error releasing sweep lock", "key", key, tint.Err(err))
		}
	}
	return unlock, true, nil
}

// newRedisClient connects to Redis and verifies the connection
func newRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(
		&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
	)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
