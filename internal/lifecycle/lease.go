package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "jobrunner/pkg/logx"
)

const (
	DefaultLeaseKey = "jobrunner:primary"
	DefaultLeaseTTL = 15 * time.Second
)

// Refresh and release only touch the key while we still own it.
const (
	refreshScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
)

// LeaseClient is the subset of *redis.Client the lease needs.
type LeaseClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLease elects a primary among instances sharing a redis server. The
// owner holds key with a random token and refreshes it every ttl/3.
type RedisLease struct {
	client LeaseClient
	key    string
	token  string
	ttl    time.Duration
	log    logx.Logger
	now    func() time.Time

	held atomic.Bool
	// renewed is when the last successful acquire or refresh was sent, in
	// unix nanoseconds. The key expires ttl after it.
	renewed atomic.Int64

	mu       sync.Mutex
	onChange []func(primary bool)
}

func NewRedisLease(client LeaseClient, key string, ttl time.Duration, log logx.Logger) *RedisLease {
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &RedisLease{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
		now:    time.Now,
		log:    log.With(logx.String("comp", "lease"), logx.String("key", key)),
	}
}

func (l *RedisLease) IsPrimary() bool { return l.held.Load() }

func (l *RedisLease) Token() string { return l.token }

// OnChange registers fn to run whenever primacy is gained or lost.
func (l *RedisLease) OnChange(fn func(primary bool)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Run keeps trying to take or refresh the lease until ctx ends, then
// releases it.
func (l *RedisLease) Run(ctx context.Context) error {
	tick := time.NewTicker(l.ttl / 3)
	defer tick.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			l.Release(rctx)
			cancel()
			return nil
		case <-tick.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one acquire-or-refresh round.
func (l *RedisLease) Tick(ctx context.Context) {
	sent := l.now()
	if l.held.Load() {
		n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
		if err != nil {
			// The key may still be ours until ttl after the last refresh;
			// past that another instance can take it.
			age := sent.Sub(time.Unix(0, l.renewed.Load()))
			l.log.Warn("lease refresh failed", logx.Err(err), logx.Duration("since_refresh", age))
			if age >= l.ttl {
				l.set(false)
			}
			return
		}
		if n == 0 {
			l.set(false)
			return
		}
		l.renewed.Store(sent.UnixNano())
		return
	}

	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			l.log.Warn("lease acquire failed", logx.Err(err))
		}
		return
	}
	if ok {
		l.renewed.Store(sent.UnixNano())
		l.set(true)
	}
}

// Release gives the lease up if this instance holds it.
func (l *RedisLease) Release(ctx context.Context) {
	if !l.held.Load() {
		return
	}
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		l.log.Warn("lease release failed", logx.Err(err))
	}
	l.set(false)
}

func (l *RedisLease) set(primary bool) {
	if l.held.Swap(primary) == primary {
		return
	}
	if primary {
		l.log.Info("became primary")
	} else {
		l.log.Warn("lost primary lease")
	}
	l.mu.Lock()
	fns := append([]func(bool){}, l.onChange...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(primary)
	}
}
