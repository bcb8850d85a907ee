package testutil

import (
	"sort"
	"sync"
	"time"
)

// MockClock implements the throttle Clock interface for testing with
// controllable time. Timers created by After fire when Advance moves the
// clock past their deadline.
type MockClock struct {
	mu          sync.Mutex
	now         time.Time
	timers      []*mockTimer
	autoAdvance bool
}

type mockTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewMockClock creates a new MockClock starting at the given time.
// If zero time is provided, uses current time.
func NewMockClock(start time.Time) *MockClock {
	if start.IsZero() {
		start = time.Now()
	}
	return &MockClock{now: start}
}

// NewAutoClock creates a MockClock whose After advances virtual time by the
// requested duration and fires immediately, so waits cost no real time.
func NewAutoClock(start time.Time) *MockClock {
	c := NewMockClock(start)
	c.autoAdvance = true
	return c
}

// Now returns the current mock time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives the mock time once the clock has
// been advanced by at least d.
func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan time.Time, 1)
	if m.autoAdvance && d > 0 {
		m.now = m.now.Add(d)
	}
	deadline := m.now.Add(d)
	if m.autoAdvance || d <= 0 {
		ch <- m.now
		return ch
	}
	m.timers = append(m.timers, &mockTimer{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the mock clock forward by the given duration.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	m.fire()
}

// Set sets the mock clock to a specific time.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
	m.fire()
}

// Pending returns the number of timers that have not fired yet.
func (m *MockClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// fire delivers expired timers; callers hold m.mu.
func (m *MockClock) fire() {
	remaining := m.timers[:0]
	for _, t := range m.timers {
		if !t.deadline.After(m.now) {
			t.ch <- m.now
			continue
		}
		remaining = append(remaining, t)
	}
	m.timers = remaining
}

// CallRecorder records the instants at which a wrapped operation ran.
type CallRecorder struct {
	mu    sync.Mutex
	now   func() time.Time
	calls []time.Time
}

// NewCallRecorder creates a recorder that timestamps calls with now.
// A nil now uses time.Now.
func NewCallRecorder(now func() time.Time) *CallRecorder {
	if now == nil {
		now = time.Now
	}
	return &CallRecorder{now: now}
}

// Record stores the current instant.
func (r *CallRecorder) Record() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, r.now())
}

// Count returns the number of recorded calls.
func (r *CallRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Calls returns the recorded instants in chronological order.
func (r *CallRecorder) Calls() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]time.Time, len(r.calls))
	copy(out, r.calls)
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// MinGap returns the smallest spacing between consecutive recorded calls.
// It returns -1 when fewer than two calls were recorded.
func (r *CallRecorder) MinGap() time.Duration {
	calls := r.Calls()
	if len(calls) < 2 {
		return -1
	}
	gap := calls[1].Sub(calls[0])
	for i := 2; i < len(calls); i++ {
		if d := calls[i].Sub(calls[i-1]); d < gap {
			gap = d
		}
	}
	return gap
}
