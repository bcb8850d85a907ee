package sharedstate

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/vnykmshr/throttled/pkg/common/errors"
	"github.com/vnykmshr/throttled/pkg/common/validation"
)

// recordSize is the on-disk size of a state: count uint64, lastCalledAt float64.
const recordSize = 16

// FileConfig holds configuration for a FileBackend.
type FileConfig struct {
	// Dir holds one .lock and one .state file per state. Processes that
	// use the same directory share states.
	Dir string

	// RetryDelay is how often a blocked Acquire retries the file lock
	// (defaults to 10ms).
	RetryDelay time.Duration

	// FileMode is the permission used when creating state files
	// (defaults to 0o644).
	FileMode os.FileMode
}

// FileBackend shares states between processes on one host through files
// in a common directory, locked with flock(2).
type FileBackend struct {
	config FileConfig

	mu     sync.Mutex
	states map[string]*fileState
	closed bool
}

// NewFileBackend creates a file backend rooted at dir with default settings.
func NewFileBackend(dir string) (*FileBackend, error) {
	return NewFileBackendWithConfig(FileConfig{Dir: dir})
}

// NewFileBackendWithConfig creates a file backend, creating Dir if needed.
func NewFileBackendWithConfig(config FileConfig) (*FileBackend, error) {
	if err := validation.ValidateNotEmpty(module, "dir", config.Dir); err != nil {
		return nil, err
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 10 * time.Millisecond
	}
	if err := validation.ValidatePositiveDuration(module, "retry_delay", config.RetryDelay); err != nil {
		return nil, err
	}
	if config.FileMode == 0 {
		config.FileMode = 0o644
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	return &FileBackend{
		config: config,
		states: make(map[string]*fileState),
	}, nil
}

// Dir returns the directory holding the state files.
func (b *FileBackend) Dir() string {
	return b.config.Dir
}

// Open returns the state registered under name, creating its files if needed.
func (b *FileBackend) Open(name string) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewOperationError(module, "Open", errors.ErrClosed)
	}
	if s, ok := b.states[name]; ok {
		return s, nil
	}

	base := filepath.Join(b.config.Dir, fileName(name))
	data, err := os.OpenFile(base+".state", os.O_RDWR|os.O_CREATE, b.config.FileMode)
	if err != nil {
		return nil, errors.NewOperationError(module, "Open", err).WithContext("state " + name)
	}

	s := &fileState{
		name:       name,
		sem:        make(chan struct{}, 1),
		lock:       flock.New(base + ".lock"),
		data:       data,
		retryDelay: b.config.RetryDelay,
	}
	b.states[name] = s
	return s, nil
}

// Close closes every open state file. Locks still held are dropped by the
// operating system when their file is closed.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	for name, s := range b.states {
		if err := s.lock.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close lock for %s: %w", name, err)
		}
		if err := s.data.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close state for %s: %w", name, err)
		}
	}
	b.states = nil
	return firstErr
}

// fileName maps a state name to a unique, path-safe file name.
func fileName(name string) string {
	return url.QueryEscape(name)
}

// fileState pairs an in-process semaphore with a flock. flock excludes
// other open files, not other goroutines sharing this one, so goroutines
// queue on sem first.
type fileState struct {
	name       string
	sem        chan struct{}
	lock       *flock.Flock
	data       *os.File
	retryDelay time.Duration
}

func (s *fileState) Name() string {
	return s.name
}

func (s *fileState) Acquire(ctx context.Context) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, lockError("Acquire", s.name, err)
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, lockError("Acquire", s.name, ctx.Err())
	}

	locked, err := s.lock.TryLockContext(ctx, s.retryDelay)
	if err != nil || !locked {
		<-s.sem
		if err == nil {
			err = ctx.Err()
		}
		return nil, lockError("Acquire", s.name, err)
	}

	return &fileLease{guard: guard{name: s.name, held: true}, s: s}, nil
}

type fileLease struct {
	guard
	s *fileState
}

type record struct {
	count int64
	last  float64
}

func (l *fileLease) read(op string) (record, error) {
	if err := l.check(op); err != nil {
		return record{}, err
	}

	var buf [recordSize]byte
	n, err := l.s.data.ReadAt(buf[:], 0)
	if err == io.EOF && n < recordSize {
		// never written
		return record{}, nil
	}
	if err != nil {
		return record{}, lockError(op, l.name, err)
	}

	return record{
		count: int64(binary.LittleEndian.Uint64(buf[0:8])),
		last:  math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16])),
	}, nil
}

func (l *fileLease) write(op string, r record) error {
	var buf [recordSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.count))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(r.last))

	if _, err := l.s.data.WriteAt(buf[:], 0); err != nil {
		return lockError(op, l.name, err)
	}
	return nil
}

func (l *fileLease) LastCalledAt(context.Context) (time.Time, error) {
	r, err := l.read("LastCalledAt")
	if err != nil {
		return time.Time{}, err
	}
	return floatToTime(r.last), nil
}

func (l *fileLease) SetLastCalledAt(_ context.Context, t time.Time) error {
	r, err := l.read("SetLastCalledAt")
	if err != nil {
		return err
	}
	r.last = timeToFloat(t)
	return l.write("SetLastCalledAt", r)
}

func (l *fileLease) IncrementCount(context.Context) (int64, error) {
	r, err := l.read("IncrementCount")
	if err != nil {
		return 0, err
	}
	r.count++
	if err := l.write("IncrementCount", r); err != nil {
		return 0, err
	}
	return r.count, nil
}

func (l *fileLease) Count(context.Context) (int64, error) {
	r, err := l.read("Count")
	if err != nil {
		return 0, err
	}
	return r.count, nil
}

func (l *fileLease) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	defer func() { <-l.s.sem }()

	if err := l.s.lock.Unlock(); err != nil {
		return lockError("Release", l.name, err)
	}
	return nil
}
