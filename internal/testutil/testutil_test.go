package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestEventually(t *testing.T) {
	t.Run("condition met immediately", func(t *testing.T) {
		called := false
		Eventually(t, func() bool {
			called = true
			return true
		}, 100*time.Millisecond, 10*time.Millisecond)

		if !called {
			t.Error("condition function should be called")
		}
	})

	t.Run("condition met after delay", func(t *testing.T) {
		var counter int32
		go func() {
			time.Sleep(50 * time.Millisecond)
			atomic.StoreInt32(&counter, 1)
		}()

		Eventually(t, func() bool {
			return atomic.LoadInt32(&counter) == 1
		}, 500*time.Millisecond, 10*time.Millisecond)
	})
}

func TestMockClockAfter(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	ch := clock.After(500 * time.Millisecond)
	AssertEqual(t, clock.Pending(), 1)

	clock.Advance(499 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case got := <-ch:
		AssertEqual(t, got, start.Add(500*time.Millisecond))
	default:
		t.Fatal("timer did not fire")
	}
	AssertEqual(t, clock.Pending(), 0)
}

func TestMockClockAfterNonPositive(t *testing.T) {
	clock := NewMockClock(time.Time{})
	select {
	case <-clock.After(0):
	default:
		t.Fatal("zero duration timer should fire immediately")
	}
}

func TestAutoClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewAutoClock(start)

	<-clock.After(2 * time.Second)
	AssertEqual(t, clock.Now(), start.Add(2*time.Second))
	AssertEqual(t, clock.Pending(), 0)
}

func TestCallRecorder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	rec := NewCallRecorder(clock.Now)

	AssertEqual(t, rec.MinGap(), time.Duration(-1))

	rec.Record()
	clock.Advance(300 * time.Millisecond)
	rec.Record()
	clock.Advance(100 * time.Millisecond)
	rec.Record()

	AssertEqual(t, rec.Count(), 3)
	AssertEqual(t, rec.MinGap(), 100*time.Millisecond)
	AssertEqual(t, rec.Calls()[0], start)
}

func TestWithTimeout(t *testing.T) {
	ctx, cancel := WithTimeout(t)
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("context should have a deadline")
	}
	if until := time.Until(deadline); until <= 0 || until > TestTimeout {
		t.Errorf("deadline %v outside expected range", until)
	}
}

func TestAssertions(t *testing.T) {
	AssertNoError(t, nil)
	AssertEqual(t, 42, 42)
	AssertAtLeast(t, time.Second, time.Millisecond)
}
