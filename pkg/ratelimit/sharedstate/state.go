package sharedstate

import (
	"context"
	"math"
	"time"

	"github.com/vnykmshr/throttled/pkg/common/errors"
)

const module = "sharedstate"

// Backend opens named rate states. Every cooperating process that opens the
// same name on an equivalent backend observes the same state.
type Backend interface {
	// Open returns the state registered under name, creating it if needed.
	// Repeated calls with the same name return handles to the same state.
	Open(name string) (State, error)

	// Close releases resources held by the backend. States opened from a
	// closed backend must not be used.
	Close() error
}

// State is a named record holding a call counter and the time of the last
// permitted call, guarded by a lock that excludes every other holder,
// including holders in other processes.
type State interface {
	// Name returns the identifying label of the state.
	Name() string

	// Acquire blocks until the lock is held or ctx is done. The returned
	// Lease must be released on every exit path, typically with defer.
	Acquire(ctx context.Context) (Lease, error)
}

// Lease is exclusive access to a State. Its accessors fail with
// errors.ErrLockNotHeld once the lease has been released.
//
// A Lease belongs to the goroutine that acquired it and is not safe for
// concurrent use.
type Lease interface {
	// LastCalledAt returns the time of the last permitted call, or the zero
	// time when the state has never been called.
	LastCalledAt(ctx context.Context) (time.Time, error)

	// SetLastCalledAt stores t as the time of the last permitted call.
	SetLastCalledAt(ctx context.Context, t time.Time) error

	// IncrementCount adds one to the call counter and returns the new value.
	IncrementCount(ctx context.Context) (int64, error)

	// Count returns the call counter.
	Count(ctx context.Context) (int64, error)

	// Held reports whether the lease still holds the lock.
	Held() bool

	// Release unlocks the state. It is a no-op when the lease is not held,
	// so it is safe to call on every exit path.
	Release() error
}

// Snapshot is a point-in-time copy of a State read under its lock.
type Snapshot struct {
	Name         string
	Count        int64
	LastCalledAt time.Time
}

// Read acquires s, copies its fields and releases it.
func Read(ctx context.Context, s State) (snap Snapshot, err error) {
	lease, err := s.Acquire(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	snap.Name = s.Name()
	if snap.Count, err = lease.Count(ctx); err != nil {
		return Snapshot{}, err
	}
	if snap.LastCalledAt, err = lease.LastCalledAt(ctx); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// guard tracks whether a lease still holds its lock.
type guard struct {
	name string
	held bool
}

func (g *guard) Held() bool {
	return g.held
}

// check returns an error when the lease was released before op.
func (g *guard) check(op string) error {
	if !g.held {
		return errors.NewOperationError(module, op, errors.ErrLockNotHeld).
			WithContext("state " + g.name)
	}
	return nil
}

func lockError(op, name string, cause error) error {
	return errors.NewLockError(module, op, cause).WithContext("state " + name)
}

// timeToFloat converts time to float64 seconds since epoch for storage.
// The zero time maps to 0, the "never called" sentinel. Times are rounded up
// to the microsecond so a stored timestamp never precedes the real one.
func timeToFloat(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	us := (t.UnixNano() + 999) / 1000
	return float64(us) / 1e6
}

// floatToTime converts float64 seconds back to time.Time at microsecond
// resolution.
func floatToTime(f float64) time.Time {
	if f == 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(f * 1e6)))
}
