package sharedstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnykmshr/throttled/pkg/common/errors"
	"github.com/vnykmshr/throttled/pkg/common/validation"
)

// RedisConfig holds configuration for a RedisBackend.
type RedisConfig struct {
	// Redis client for coordination
	Redis redis.UniversalClient

	// Prefix is prepended to every key written by the backend
	Prefix string

	// InstanceID identifies this process in lock tokens
	InstanceID string

	// LockTTL bounds how long a crashed holder can keep a state locked
	// (defaults to 1 minute). A lease held longer than LockTTL loses the
	// lock and its Release fails.
	LockTTL time.Duration

	// PollInterval controls how often a blocked Acquire retries (defaults to 10ms)
	PollInterval time.Duration

	// RedisTimeout is the timeout for individual Redis operations (defaults to 500ms)
	RedisTimeout time.Duration
}

// DefaultRedisConfig returns a default Redis backend configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:       "throttled",
		InstanceID:   generateInstanceID(),
		LockTTL:      time.Minute,
		PollInterval: 10 * time.Millisecond,
		RedisTimeout: 500 * time.Millisecond,
	}
}

// RedisBackend shares states between processes connected to the same
// Redis server. The lock is a SET NX key with a per-lease token; counters
// live in a hash next to it.
type RedisBackend struct {
	config        RedisConfig
	releaseScript *redis.Script

	mu     sync.Mutex
	states map[string]*redisState
	closed bool
}

// NewRedisBackend creates a Redis backend. The client stays owned by the
// caller and is not closed by Close.
func NewRedisBackend(config RedisConfig) (*RedisBackend, error) {
	if err := validateRedisConfig(config); err != nil {
		return nil, err
	}

	return &RedisBackend{
		config:        applyRedisDefaults(config),
		releaseScript: redis.NewScript(luaReleaseLock),
		states:        make(map[string]*redisState),
	}, nil
}

// validateRedisConfig validates the backend configuration.
func validateRedisConfig(config RedisConfig) error {
	if err := validation.ValidateNotNil(module, "redis", config.Redis); err != nil {
		return err
	}
	// zero selects the default
	if err := validation.ValidateNonNegativeDuration(module, "lock_ttl", config.LockTTL); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration(module, "poll_interval", config.PollInterval); err != nil {
		return err
	}
	return validation.ValidateNonNegativeDuration(module, "redis_timeout", config.RedisTimeout)
}

// applyRedisDefaults sets default values for unspecified config fields.
func applyRedisDefaults(config RedisConfig) RedisConfig {
	defaults := DefaultRedisConfig()
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if config.InstanceID == "" {
		config.InstanceID = defaults.InstanceID
	}
	if config.LockTTL == 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RedisTimeout == 0 {
		config.RedisTimeout = defaults.RedisTimeout
	}
	return config
}

// Open returns the state registered under name.
func (b *RedisBackend) Open(name string) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewOperationError(module, "Open", errors.ErrClosed)
	}
	if s, ok := b.states[name]; ok {
		return s, nil
	}

	prefix := b.config.Prefix + ":" + name
	s := &redisState{
		name:     name,
		backend:  b,
		lockKey:  prefix + ":lock",
		stateKey: prefix + ":state",
	}
	b.states[name] = s
	return s, nil
}

// Close forgets all opened states. The Redis client is left open.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.states = nil
	return nil
}

// Reset deletes the stored lock and counters of the named state. It is
// meant for tests and operational cleanup.
func (b *RedisBackend) Reset(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, b.config.RedisTimeout)
	defer cancel()

	prefix := b.config.Prefix + ":" + name
	if err := b.config.Redis.Del(ctx, prefix+":lock", prefix+":state").Err(); err != nil {
		return &RedisError{"reset", err}
	}
	return nil
}

type redisState struct {
	name     string
	backend  *RedisBackend
	lockKey  string
	stateKey string
}

func (s *redisState) Name() string {
	return s.name
}

// Acquire polls SET NX until it wins the lock or ctx is done.
func (s *redisState) Acquire(ctx context.Context) (Lease, error) {
	cfg := s.backend.config
	token := cfg.InstanceID + ":" + randomHex(8)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, lockError("Acquire", s.name, err)
		}

		ok, err := s.tryLock(ctx, token)
		if err != nil {
			return nil, lockError("Acquire", s.name, &RedisError{"acquire", err})
		}
		if ok {
			return &redisLease{guard: guard{name: s.name, held: true}, s: s, token: token}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, lockError("Acquire", s.name, ctx.Err())
		}
	}
}

func (s *redisState) tryLock(ctx context.Context, token string) (bool, error) {
	cfg := s.backend.config
	ctx, cancel := context.WithTimeout(ctx, cfg.RedisTimeout)
	defer cancel()

	return cfg.Redis.SetNX(ctx, s.lockKey, token, cfg.LockTTL).Result()
}

type redisLease struct {
	guard
	s     *redisState
	token string
}

func (l *redisLease) client() redis.UniversalClient {
	return l.s.backend.config.Redis
}

func (l *redisLease) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.s.backend.config.RedisTimeout)
}

func (l *redisLease) opError(op string, err error) error {
	return lockError(op, l.name, &RedisError{op, err})
}

func (l *redisLease) LastCalledAt(ctx context.Context) (time.Time, error) {
	if err := l.check("LastCalledAt"); err != nil {
		return time.Time{}, err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	v, err := l.client().HGet(ctx, l.s.stateKey, "last_called").Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, l.opError("LastCalledAt", err)
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return time.Time{}, l.opError("LastCalledAt", err)
	}
	return floatToTime(f), nil
}

func (l *redisLease) SetLastCalledAt(ctx context.Context, t time.Time) error {
	if err := l.check("SetLastCalledAt"); err != nil {
		return err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	v := strconv.FormatFloat(timeToFloat(t), 'f', 6, 64)
	if err := l.client().HSet(ctx, l.s.stateKey, "last_called", v).Err(); err != nil {
		return l.opError("SetLastCalledAt", err)
	}
	return nil
}

func (l *redisLease) IncrementCount(ctx context.Context) (int64, error) {
	if err := l.check("IncrementCount"); err != nil {
		return 0, err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	n, err := l.client().HIncrBy(ctx, l.s.stateKey, "count", 1).Result()
	if err != nil {
		return 0, l.opError("IncrementCount", err)
	}
	return n, nil
}

func (l *redisLease) Count(ctx context.Context) (int64, error) {
	if err := l.check("Count"); err != nil {
		return 0, err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	v, err := l.client().HGet(ctx, l.s.stateKey, "count").Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, l.opError("Count", err)
	}
	return v, nil
}

// Release deletes the lock key if it still carries this lease's token.
func (l *redisLease) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	ctx, cancel := l.withTimeout(context.Background())
	defer cancel()

	res, err := l.s.backend.releaseScript.Run(ctx, l.client(), []string{l.s.lockKey}, l.token).Int64()
	if err != nil {
		return lockError("Release", l.name, &RedisError{"release", err})
	}
	if res == 0 {
		return lockError("Release", l.name, fmt.Errorf("lock expired before release (ttl %v)", l.s.backend.config.LockTTL))
	}
	return nil
}

// RedisError represents a Redis operation error.
type RedisError struct {
	Operation string
	Err       error
}

func (e *RedisError) Error() string {
	return "redis error in " + e.Operation + ": " + e.Err.Error()
}

func (e *RedisError) Unwrap() error {
	return e.Err
}

// generateInstanceID creates a unique identifier for this process.
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), randomHex(4))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Lua script deleting the lock only when it is still owned by the caller
const luaReleaseLock = `
-- KEYS[1]: lock key
-- ARGV[1]: owner token

if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
