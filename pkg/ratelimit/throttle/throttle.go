package throttle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnykmshr/throttled/pkg/common/errors"
	"github.com/vnykmshr/throttled/pkg/common/validation"
	"github.com/vnykmshr/throttled/pkg/metrics"
	"github.com/vnykmshr/throttled/pkg/ratelimit/sharedstate"
)

const module = "throttle"

// DefaultKey is the key used when calls are not partitioned by a key function.
const DefaultKey = "throttled"

// DefaultName is the limiter name used when Config.Name is empty.
const DefaultName = "throttled"

// Config holds configuration options for creating a new Limiter.
type Config struct {
	// Name identifies the limiter in logs and metrics. States are opened as
	// Name + ":" + key, so limiters with the same name on a shared backend
	// share their schedules. Defaults to DefaultName.
	Name string

	// MaxPerSecond is the maximum number of permitted calls per second for
	// each key. It must be positive.
	MaxPerSecond float64

	// ReturnIfThrottled makes a call that arrives too early return at once
	// without running the operation instead of waiting for its turn.
	ReturnIfThrottled bool

	// Backend stores the shared states. If nil, a private in-process
	// MemoryBackend is created and closed together with the limiter.
	Backend sharedstate.Backend

	// Clock provides the current time. If nil, SystemClock is used.
	Clock Clock

	// Logger receives debug output about decisions. If nil, logging is disabled.
	Logger *zerolog.Logger

	// Metrics configures Prometheus instrumentation.
	Metrics metrics.Config
}

// Stats is a snapshot of the shared state behind one key.
type Stats struct {
	Key          string
	State        string
	Count        int64
	LastCalledAt time.Time
}

// Limiter spaces calls sharing a key at least MinInterval apart. Calls on
// the same key are serialised, including the wait for eligibility; calls
// on different keys never block each other.
//
// A Limiter is safe for concurrent use.
type Limiter struct {
	name              string
	minInterval       time.Duration
	returnIfThrottled bool
	backend           sharedstate.Backend
	ownsBackend       bool
	clock             Clock
	logger            zerolog.Logger
	metrics           *instruments

	mu     sync.Mutex
	states map[string]sharedstate.State
	closed bool
}

// New creates a limiter allowing maxPerSecond calls per second per key,
// waiting when throttled, with an in-process backend. It panics if
// maxPerSecond is not positive; use NewWithConfig to get an error instead.
func New(maxPerSecond float64) *Limiter {
	l, err := NewWithConfig(Config{MaxPerSecond: maxPerSecond})
	if err != nil {
		panic(err)
	}
	return l
}

// NewWithConfig creates a new limiter with the specified configuration.
// An invalid MaxPerSecond yields a *errors.ValidationError.
func NewWithConfig(config Config) (*Limiter, error) {
	if err := validation.ValidatePositiveFloat(module, "max_per_second", config.MaxPerSecond); err != nil {
		return nil, err
	}
	if config.Name == "" {
		config.Name = DefaultName
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	logger = logger.With().Str("limiter", config.Name).Logger()

	l := &Limiter{
		name:              config.Name,
		minInterval:       intervalFor(config.MaxPerSecond),
		returnIfThrottled: config.ReturnIfThrottled,
		backend:           config.Backend,
		clock:             config.Clock,
		logger:            logger,
		metrics:           newInstruments(config.Metrics, config.Name),
		states:            make(map[string]sharedstate.State),
	}
	if l.backend == nil {
		l.backend = sharedstate.NewMemoryBackend()
		l.ownsBackend = true
	}
	return l, nil
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// MinInterval returns the minimum spacing between two permitted calls on
// the same key.
func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

// Do runs fn under the limiter for key. It reports whether fn ran.
//
// The first call for a key runs immediately. Later calls run once
// MinInterval has passed since the previous call on the key finished. A
// call arriving earlier either returns (false, nil) without running fn when
// ReturnIfThrottled is set, or waits while holding the key's lock. If ctx
// is done while waiting, fn does not run and the context error is returned.
//
// fn's error is returned unchanged. The call time is recorded whether fn
// succeeds, fails or panics, so failing calls still count against the rate.
// Shared state failures match errors.ErrLockFailed.
func (l *Limiter) Do(ctx context.Context, key string, fn func(context.Context) error) (executed bool, err error) {
	state, err := l.state(key)
	if err != nil {
		return false, err
	}

	l.metrics.request()

	lockStart := time.Now()
	lease, err := state.Acquire(ctx)
	l.metrics.lockWait(time.Since(lockStart))
	if err != nil {
		l.metrics.denied()
		return false, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			l.logger.Warn().Err(rerr).Str("key", key).Msg("release shared state")
			if err == nil {
				err = rerr
			}
		}
	}()

	// bookkeeping must survive cancellation of the caller's context
	bookCtx := context.WithoutCancel(ctx)

	count, err := lease.IncrementCount(bookCtx)
	if err != nil {
		l.metrics.denied()
		return false, err
	}

	now := l.clock.Now()
	last, err := lease.LastCalledAt(bookCtx)
	if err != nil {
		l.metrics.denied()
		return false, err
	}

	var leftToWait time.Duration
	if last.IsZero() {
		if err := lease.SetLastCalledAt(bookCtx, now); err != nil {
			l.metrics.denied()
			return false, err
		}
		l.logger.Debug().Str("key", key).Int64("count", count).Msg("seeded")
	} else {
		// a last call time ahead of now (clock stepped back, skewed peer)
		// never costs more than one interval
		leftToWait = min(l.minInterval-now.Sub(last), l.minInterval)
	}

	if leftToWait > 0 {
		if l.returnIfThrottled {
			l.metrics.denied()
			l.logger.Debug().Str("key", key).Int64("count", count).
				Dur("left_to_wait", leftToWait).Msg("throttled, skipping")
			return false, nil
		}

		l.logger.Debug().Str("key", key).Int64("count", count).
			Dur("left_to_wait", leftToWait).Msg("throttled, waiting")
		if err := l.wait(ctx, leftToWait); err != nil {
			l.metrics.denied()
			return false, err
		}
	}

	l.metrics.allowed()
	err = l.invoke(ctx, bookCtx, lease, key, fn)
	if err != nil {
		l.metrics.failure()
	}
	l.logger.Debug().Str("key", key).Int64("count", count).Err(err).Msg("executed")
	return true, err
}

// wait blocks for d or until ctx is done.
func (l *Limiter) wait(ctx context.Context, d time.Duration) error {
	start := time.Now()
	defer func() { l.metrics.waited(time.Since(start)) }()

	select {
	case <-l.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// invoke runs fn and records the call time afterwards, even if fn panics.
// fn's own error takes precedence over a bookkeeping failure.
func (l *Limiter) invoke(ctx, bookCtx context.Context, lease sharedstate.Lease, key string, fn func(context.Context) error) (err error) {
	defer func() {
		if serr := lease.SetLastCalledAt(bookCtx, l.clock.Now()); serr != nil {
			l.logger.Warn().Err(serr).Str("key", key).Msg("record call time")
			if err == nil {
				err = serr
			}
		}
	}()
	return fn(ctx)
}

// state returns the shared state for key, opening and registering it on
// first use.
func (l *Limiter) state(key string) (sharedstate.State, error) {
	return l.lookup("Do", key, true)
}

// lookup returns the shared state for key. An unknown key is registered
// with the limiter only when register is set.
func (l *Limiter) lookup(op, key string, register bool) (sharedstate.State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errors.NewOperationError(module, op, errors.ErrClosed).WithContext("limiter " + l.name)
	}
	if s, ok := l.states[key]; ok {
		return s, nil
	}

	s, err := l.backend.Open(l.name + ":" + key)
	if err != nil {
		return nil, err
	}
	if !register {
		return s, nil
	}
	l.states[key] = s
	l.metrics.keys(len(l.states))
	l.logger.Debug().Str("key", key).Str("state", s.Name()).Msg("opened state")
	return s, nil
}

// Stats returns the count and last call time recorded for key. The values
// are read under the key's lock and include calls made by other processes
// sharing the backend.
//
// A key this limiter has not called is not added to Keys or the keys
// gauge. The backend may still create empty storage for its state, such as
// the file backend's .lock and .state files; an empty state reads as a
// zero count and no last call.
func (l *Limiter) Stats(ctx context.Context, key string) (Stats, error) {
	s, err := l.lookup("Stats", key, false)
	if err != nil {
		return Stats{}, err
	}
	snap, err := sharedstate.Read(ctx, s)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Key:          key,
		State:        snap.Name,
		Count:        snap.Count,
		LastCalledAt: snap.LastCalledAt,
	}, nil
}

// Keys returns the keys seen by this limiter, sorted.
func (l *Limiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]string, 0, len(l.states))
	for k := range l.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Close forgets all keys. The backend is closed only when the limiter
// created it. Calls after Close fail with errors.ErrClosed.
func (l *Limiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.states = nil
	l.metrics.keys(0)

	if l.ownsBackend {
		return l.backend.Close()
	}
	return nil
}
