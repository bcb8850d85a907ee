package throttle

import (
	"bytes"
	"context"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/vnykmshr/throttled/internal/testutil"
	"github.com/vnykmshr/throttled/pkg/common/errors"
	"github.com/vnykmshr/throttled/pkg/metrics"
	"github.com/vnykmshr/throttled/pkg/ratelimit/sharedstate"
)

// epsilon absorbs scheduler resolution when measuring real spacing.
const epsilon = 2 * time.Millisecond

var testStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, config Config) *Limiter {
	t.Helper()
	l, err := NewWithConfig(config)
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestNewWithConfig(t *testing.T) {
	tests := []struct {
		name         string
		maxPerSecond float64
		wantErr      bool
		wantInterval time.Duration
	}{
		{"two per second", 2, false, 500 * time.Millisecond},
		{"ten per second", 10, false, 100 * time.Millisecond},
		{"fractional rate", 0.5, false, 2 * time.Second},
		{"rounds interval up", 3, false, 333333334 * time.Nanosecond},
		{"zero rate", 0, true, 0},
		{"negative rate", -1, true, 0},
		{"NaN rate", math.NaN(), true, 0},
		{"infinite rate", math.Inf(1), true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := NewWithConfig(Config{MaxPerSecond: tt.maxPerSecond})
			if tt.wantErr {
				if !errors.IsValidationError(err) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				if !errors.Is(err, errors.ErrInvalidConfiguration) {
					t.Errorf("error should wrap ErrInvalidConfiguration")
				}
				return
			}
			testutil.AssertNoError(t, err)
			defer l.Close()

			testutil.AssertEqual(t, l.MinInterval(), tt.wantInterval)
			testutil.AssertEqual(t, l.Name(), DefaultName)
		})
	}
}

func TestNewPanicsOnInvalidRate(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic")
		}
	}()
	New(0)
}

func TestEvery(t *testing.T) {
	testutil.AssertEqual(t, Every(500*time.Millisecond), 2.0)
	testutil.AssertEqual(t, Every(2*time.Second), 0.5)
	testutil.AssertEqual(t, Every(0), 0.0)

	l := New(Every(250 * time.Millisecond))
	defer l.Close()
	testutil.AssertEqual(t, l.MinInterval(), 250*time.Millisecond)
}

func TestFirstCallThrough(t *testing.T) {
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 2, Clock: clock})

	var calls int32
	executed, err := l.Do(context.Background(), "fresh", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)
	testutil.AssertEqual(t, atomic.LoadInt32(&calls), int32(1))
	// no timer was ever armed, so the call was not delayed
	testutil.AssertEqual(t, clock.Pending(), 0)
	testutil.AssertEqual(t, clock.Now(), testStart)
}

func TestThrottleSkip(t *testing.T) {
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 2, ReturnIfThrottled: true, Clock: clock})
	ctx := context.Background()

	var calls int32
	op := func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	executed, err := l.Do(ctx, DefaultKey, op)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)

	executed, err = l.Do(ctx, DefaultKey, op)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, false)
	testutil.AssertEqual(t, atomic.LoadInt32(&calls), int32(1))

	clock.Advance(499 * time.Millisecond)
	executed, err = l.Do(ctx, DefaultKey, op)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, false)

	clock.Advance(time.Millisecond)
	executed, err = l.Do(ctx, DefaultKey, op)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)
	testutil.AssertEqual(t, atomic.LoadInt32(&calls), int32(2))

	// skipped attempts are still counted
	stats, err := l.Stats(ctx, DefaultKey)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.Count, int64(4))
}

func TestThrottleWaitVirtualTime(t *testing.T) {
	clock := testutil.NewAutoClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 2, Clock: clock})
	rec := testutil.NewCallRecorder(clock.Now)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		executed, err := l.Do(ctx, DefaultKey, func(context.Context) error {
			rec.Record()
			return nil
		})
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, executed, true)
	}

	testutil.AssertEqual(t, rec.Count(), 5)
	testutil.AssertEqual(t, rec.MinGap(), 500*time.Millisecond)
	testutil.AssertEqual(t, clock.Now(), testStart.Add(2*time.Second))
}

func TestThrottleWaitRealTime(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for half a second")
	}

	l := newTestLimiter(t, Config{MaxPerSecond: 2})
	rec := testutil.NewCallRecorder(nil)
	ctx := context.Background()

	op := func(context.Context) error {
		rec.Record()
		return nil
	}

	start := time.Now()
	for i := 0; i < 2; i++ {
		executed, err := l.Do(ctx, DefaultKey, op)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, executed, true)
	}

	testutil.AssertEqual(t, rec.Count(), 2)
	testutil.AssertAtLeast(t, rec.MinGap(), 500*time.Millisecond-epsilon)
	testutil.AssertAtLeast(t, time.Since(start), 500*time.Millisecond-epsilon)
}

func TestKeyIsolation(t *testing.T) {
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 1, Clock: clock})
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	_, err := l.Do(ctx, "a", noop)
	testutil.AssertNoError(t, err)

	// the second call on "a" waits on the mock clock holding a's lock
	done := make(chan error, 1)
	go func() {
		_, err := l.Do(ctx, "a", noop)
		done <- err
	}()
	testutil.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)

	// "b" proceeds at once regardless
	executed, err := l.Do(ctx, "b", noop)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)

	executed, err = l.Do(ctx, "c", noop)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)

	clock.Advance(time.Second)
	select {
	case err := <-done:
		testutil.AssertNoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiting call on key a did not finish")
	}

	testutil.AssertEqual(t, len(l.Keys()), 3)
}

func TestFailureStillCounts(t *testing.T) {
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 2, ReturnIfThrottled: true, Clock: clock})
	ctx := context.Background()

	boom := errors.New("upstream unavailable")
	executed, err := l.Do(ctx, "k", func(context.Context) error { return boom })
	testutil.AssertEqual(t, executed, true)
	if err != boom {
		t.Fatalf("error = %v, want the operation's error unchanged", err)
	}

	var calls int32
	executed, err = l.Do(ctx, "k", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, false)
	testutil.AssertEqual(t, atomic.LoadInt32(&calls), int32(0))
}

func TestFailureRecordsTimeAfterOperation(t *testing.T) {
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 2, ReturnIfThrottled: true, Clock: clock})
	ctx := context.Background()

	// the operation takes 300ms of virtual time before failing
	_, err := l.Do(ctx, "k", func(context.Context) error {
		clock.Advance(300 * time.Millisecond)
		return errors.New("slow failure")
	})
	testutil.AssertError(t, err)

	stats, err := l.Stats(ctx, "k")
	testutil.AssertNoError(t, err)
	if !stats.LastCalledAt.Equal(testStart.Add(300 * time.Millisecond)) {
		t.Errorf("LastCalledAt = %v, want end of the failed call", stats.LastCalledAt)
	}
}

func TestPanicReleasesLockAndCounts(t *testing.T) {
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 2, ReturnIfThrottled: true, Clock: clock})
	ctx := context.Background()

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_, _ = l.Do(ctx, "k", func(context.Context) error { panic("boom") })
	}()

	// the lock is free again and the panicking call counted
	short, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	executed, err := l.Do(short, "k", func(context.Context) error { return nil })
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, false)
}

func TestClockSteppedBackWaitsAtMostOneInterval(t *testing.T) {
	clock := testutil.NewAutoClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 10, Clock: clock})
	noop := func(context.Context) error { return nil }

	_, err := l.Do(context.Background(), DefaultKey, noop)
	testutil.AssertNoError(t, err)

	// the recorded call now lies an hour in the future
	clock.Set(testStart.Add(-time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	executed, err := l.Do(ctx, DefaultKey, noop)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)
	testutil.AssertEqual(t, clock.Now(), testStart.Add(-time.Hour).Add(100*time.Millisecond))
}

func TestWaitCancellation(t *testing.T) {
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 1, Clock: clock})
	noop := func(context.Context) error { return nil }

	_, err := l.Do(context.Background(), DefaultKey, noop)
	testutil.AssertNoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	done := make(chan error, 1)
	go func() {
		executed, err := l.Do(ctx, DefaultKey, func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		if executed {
			t.Error("cancelled call should not execute")
		}
		done <- err
	}()

	testutil.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}
	testutil.AssertEqual(t, atomic.LoadInt32(&calls), int32(0))

	// the lock was released: a later call proceeds once eligible
	clock.Advance(time.Second)
	executed, err := l.Do(context.Background(), DefaultKey, noop)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)
}

func TestAcquireCancellation(t *testing.T) {
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{MaxPerSecond: 1, Clock: clock})

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = l.Do(context.Background(), DefaultKey, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	executed, err := l.Do(ctx, DefaultKey, func(context.Context) error { return nil })
	testutil.AssertEqual(t, executed, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}

	close(release)

	// Stats waits for the running call to release the lock; the abandoned
	// attempt never reached the state and is not counted
	stats, err := l.Stats(context.Background(), DefaultKey)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.Count, int64(1))
}

func TestConcurrencyStress(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for a second")
	}

	const (
		maxPerSecond = 10
		callers      = 8
		runFor       = time.Second
	)

	for _, skip := range []bool{false, true} {
		name := "waiting"
		if skip {
			name = "skipping"
		}
		t.Run(name, func(t *testing.T) {
			l := newTestLimiter(t, Config{MaxPerSecond: maxPerSecond, ReturnIfThrottled: skip})
			rec := testutil.NewCallRecorder(nil)

			ctx, cancel := context.WithTimeout(context.Background(), runFor)
			defer cancel()

			var wg conc.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Go(func() {
					for ctx.Err() == nil {
						_, err := l.Do(ctx, "shared", func(context.Context) error {
							rec.Record()
							return nil
						})
						if err != nil && !errors.Is(err, context.DeadlineExceeded) {
							t.Errorf("unexpected error: %v", err)
							return
						}
					}
				})
			}
			wg.Wait()

			calls := rec.Calls()
			if len(calls) == 0 {
				t.Fatal("no calls were permitted")
			}
			span := calls[len(calls)-1].Sub(calls[0])
			limit := int(math.Floor((span+epsilon).Seconds()*maxPerSecond)) + 1
			if len(calls) > limit {
				t.Errorf("permitted %d calls over %v, want at most %d", len(calls), span, limit)
			}
			if gap := rec.MinGap(); gap >= 0 && gap < l.MinInterval()-epsilon {
				t.Errorf("minimum spacing %v below %v", gap, l.MinInterval())
			}
		})
	}
}

func TestSharedBackendAcrossLimiters(t *testing.T) {
	// Two limiters with the same name on backends over one directory behave
	// like two processes sharing a schedule.
	dir := t.TempDir()
	clock := testutil.NewMockClock(testStart)

	newLimiter := func() *Limiter {
		backend, err := sharedstate.NewFileBackendWithConfig(sharedstate.FileConfig{Dir: dir, RetryDelay: time.Millisecond})
		testutil.AssertNoError(t, err)
		t.Cleanup(func() { _ = backend.Close() })
		return newTestLimiter(t, Config{
			Name:              "mailer",
			MaxPerSecond:      2,
			ReturnIfThrottled: true,
			Backend:           backend,
			Clock:             clock,
		})
	}
	l1, l2 := newLimiter(), newLimiter()
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	executed, err := l1.Do(ctx, "smtp", noop)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)

	executed, err = l2.Do(ctx, "smtp", noop)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, false)

	clock.Advance(500 * time.Millisecond)
	executed, err = l2.Do(ctx, "smtp", noop)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)

	stats, err := l1.Stats(ctx, "smtp")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.Count, int64(3))
	testutil.AssertEqual(t, stats.State, "mailer:smtp")
}

func TestStatsUnknownKeyIsNotRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	l := newTestLimiter(t, Config{
		Name:         "reports",
		MaxPerSecond: 1,
		Metrics:      metrics.Config{Enabled: true, Registry: reg},
	})
	ctx := context.Background()

	stats, err := l.Stats(ctx, "unseen")
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.State, "reports:unseen")
	testutil.AssertEqual(t, stats.Count, int64(0))
	testutil.AssertEqual(t, stats.LastCalledAt.IsZero(), true)
	testutil.AssertEqual(t, len(l.Keys()), 0)
	keys := l.metrics.registry.RateLimitKeys.WithLabelValues("throttle", "reports")
	testutil.AssertEqual(t, promtest.ToFloat64(keys), 0.0)

	executed, err := l.Do(ctx, "unseen", func(context.Context) error { return nil })
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executed, true)
	testutil.AssertEqual(t, strings.Join(l.Keys(), ","), "unseen")
	testutil.AssertEqual(t, promtest.ToFloat64(keys), 1.0)
}

func TestClose(t *testing.T) {
	backend := sharedstate.NewMemoryBackend()
	l, err := NewWithConfig(Config{MaxPerSecond: 1, Backend: backend})
	testutil.AssertNoError(t, err)

	_, err = l.Do(context.Background(), "k", func(context.Context) error { return nil })
	testutil.AssertNoError(t, err)

	testutil.AssertNoError(t, l.Close())
	testutil.AssertNoError(t, l.Close())

	_, err = l.Do(context.Background(), "k", func(context.Context) error { return nil })
	if !errors.Is(err, errors.ErrClosed) {
		t.Errorf("Do after Close = %v, want ErrClosed", err)
	}
	testutil.AssertEqual(t, len(l.Keys()), 0)

	// a caller-provided backend stays usable
	_, err = backend.Open("still-open")
	testutil.AssertNoError(t, err)
}

func TestLockFailureSurfaces(t *testing.T) {
	backend := sharedstate.NewMemoryBackend()
	l := newTestLimiter(t, Config{MaxPerSecond: 1, Backend: backend})
	testutil.AssertNoError(t, backend.Close())

	executed, err := l.Do(context.Background(), "k", func(context.Context) error {
		t.Error("operation must not run")
		return nil
	})
	testutil.AssertEqual(t, executed, false)
	if !errors.Is(err, errors.ErrClosed) {
		t.Errorf("error = %v, want backend ErrClosed", err)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{
		Name:              "api",
		MaxPerSecond:      2,
		ReturnIfThrottled: true,
		Clock:             clock,
		Metrics:           metrics.Config{Enabled: true, Registry: reg},
	})
	ctx := context.Background()

	_, _ = l.Do(ctx, "a", func(context.Context) error { return nil })
	_, _ = l.Do(ctx, "a", func(context.Context) error { return nil })
	_, _ = l.Do(ctx, "b", func(context.Context) error { return errors.New("fail") })

	m := l.metrics.registry
	testutil.AssertEqual(t, promtest.ToFloat64(m.RateLimitRequests.WithLabelValues("throttle", "api")), 3.0)
	testutil.AssertEqual(t, promtest.ToFloat64(m.RateLimitAllowed.WithLabelValues("throttle", "api")), 2.0)
	testutil.AssertEqual(t, promtest.ToFloat64(m.RateLimitDenied.WithLabelValues("throttle", "api")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(m.RateLimitFailures.WithLabelValues("throttle", "api")), 1.0)
	testutil.AssertEqual(t, promtest.ToFloat64(m.RateLimitKeys.WithLabelValues("throttle", "api")), 2.0)
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	clock := testutil.NewMockClock(testStart)
	l := newTestLimiter(t, Config{
		MaxPerSecond:      2,
		ReturnIfThrottled: true,
		Clock:             clock,
		Logger:            &logger,
	})

	_, _ = l.Do(context.Background(), "k", func(context.Context) error { return nil })
	_, _ = l.Do(context.Background(), "k", func(context.Context) error { return nil })

	out := buf.String()
	for _, want := range []string{`"limiter":"throttled"`, `"message":"seeded"`, `"message":"throttled, skipping"`, `"key":"k"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s:\n%s", want, out)
		}
	}
}
