package sharedstate

import (
	"context"
	"sync"
	"time"

	"github.com/vnykmshr/throttled/pkg/common/errors"
)

// MemoryBackend keeps states in process memory. Goroutines of one process
// share a state; other processes do not see it.
type MemoryBackend struct {
	mu     sync.Mutex
	states map[string]*memoryState
	closed bool
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{states: make(map[string]*memoryState)}
}

// Open returns the state registered under name.
func (b *MemoryBackend) Open(name string) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewOperationError(module, "Open", errors.ErrClosed)
	}
	if s, ok := b.states[name]; ok {
		return s, nil
	}
	s := &memoryState{
		name: name,
		sem:  make(chan struct{}, 1),
	}
	b.states[name] = s
	return s, nil
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// memoryState uses a one-slot channel as its lock so that acquisition can
// be abandoned when the context is done.
type memoryState struct {
	name string
	sem  chan struct{}

	// guarded by sem
	count int64
	last  float64
}

func (s *memoryState) Name() string {
	return s.name
}

func (s *memoryState) Acquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, lockError("Acquire", s.name, err)
	}

	select {
	case s.sem <- struct{}{}:
		return &memoryLease{guard: guard{name: s.name, held: true}, s: s}, nil
	case <-ctx.Done():
		return nil, lockError("Acquire", s.name, ctx.Err())
	}
}

type memoryLease struct {
	guard
	s *memoryState
}

func (l *memoryLease) LastCalledAt(context.Context) (time.Time, error) {
	if err := l.check("LastCalledAt"); err != nil {
		return time.Time{}, err
	}
	return floatToTime(l.s.last), nil
}

func (l *memoryLease) SetLastCalledAt(_ context.Context, t time.Time) error {
	if err := l.check("SetLastCalledAt"); err != nil {
		return err
	}
	l.s.last = timeToFloat(t)
	return nil
}

func (l *memoryLease) IncrementCount(context.Context) (int64, error) {
	if err := l.check("IncrementCount"); err != nil {
		return 0, err
	}
	l.s.count++
	return l.s.count, nil
}

func (l *memoryLease) Count(context.Context) (int64, error) {
	if err := l.check("Count"); err != nil {
		return 0, err
	}
	return l.s.count, nil
}

func (l *memoryLease) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	<-l.s.sem
	return nil
}
