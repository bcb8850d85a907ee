/*
Package ratelimit groups the rate limiting packages of throttled.

  - throttle: Limiter spacing calls on a key at least 1/MaxPerSecond apart
  - sharedstate: backends holding the per-key lock, attempt count and last
    call time that limiters in different processes share

Fixed interval vs token bucket:

A throttle.Limiter never bursts. Once a call on a key finishes, the next
call on that key may start no sooner than the minimum interval later,
whichever goroutine or process makes it:

	limiter := throttle.New(10) // at most one call every 100ms per key
	ran, err := limiter.Do(ctx, "key", fn)

Calls that arrive too early either wait for their turn while holding the
key's lock, or, with Config.ReturnIfThrottled, return at once without
running fn.

All limiters and backends are safe for concurrent use and integrate with
the context package for cancellation and timeouts.
*/
package ratelimit
