// Package lock keeps a single bot process trading a pair of accounts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrHeld = errors.New("lock held by another process")

// Lease is a held lock. Lost is closed when the lock expires or is taken
// over while held.
type Lease interface {
	Lost() <-chan struct{}
	Release()
}

type Locker interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Noop always succeeds and never loses the lease.
type Noop struct{}

func (Noop) Acquire(context.Context) (Lease, error) {
	return &noopLease{lost: make(chan struct{})}, nil
}

type noopLease struct {
	lost chan struct{}
}

func (l *noopLease) Lost() <-chan struct{} { return l.lost }
func (l *noopLease) Release()              {}

const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

type Redis struct {
	rdb     *redis.Client
	key     string
	ttl     time.Duration
	unlock  *redis.Script
	refresh *redis.Script
	log     *zap.Logger
}

// NewRedis connects to url and pings it.
func NewRedis(ctx context.Context, url, key string, ttl time.Duration, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedis(rdb, key, ttl, log), nil
}

func newRedis(rdb *redis.Client, key string, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{
		rdb:     rdb,
		key:     "lock:" + key,
		ttl:     ttl,
		unlock:  redis.NewScript(unlockLua),
		refresh: redis.NewScript(refreshLua),
		log:     log,
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// Acquire takes the lock or returns ErrHeld. The lease is refreshed every
// third of the TTL until Release.
func (r *Redis) Acquire(ctx context.Context) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", r.key, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire %s: %w", r.key, ErrHeld)
	}
	l := &redisLease{
		owner: r,
		token: token,
		lost:  make(chan struct{}),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.keepAlive()
	r.log.Info("instance lock acquired", zap.String("key", r.key), zap.Duration("ttl", r.ttl))
	return l, nil
}

type redisLease struct {
	owner *Redis
	token string
	lost  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }

func (l *redisLease) keepAlive() {
	defer close(l.done)
	r := l.owner
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
		n, err := r.refresh.Run(ctx, r.rdb, []string{r.key}, l.token, r.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			r.log.Warn("instance lock refresh failed", zap.String("key", r.key), zap.Error(err))
			continue
		}
		if n == 0 {
			r.log.Error("instance lock lost", zap.String("key", r.key))
			close(l.lost)
			return
		}
	}
}

// Release stops the refresher and deletes the key if still owned. Safe to
// call more than once.
func (l *redisLease) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		r := l.owner
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.unlock.Run(ctx, r.rdb, []string{r.key}, l.token).Err(); err != nil {
			r.log.Warn("instance lock release failed", zap.String("key", r.key), zap.Error(err))
			return
		}
		r.log.Info("instance lock released", zap.String("key", r.key))
	})
}
