/*
Package throttled spaces calls to an operation at least a fixed interval
apart, across goroutines and across processes that share a backend.

Rate Limiting (pkg/ratelimit):
  - throttle: fixed-interval limiter with per-key schedules, wait or skip
  - sharedstate: lockable call counters and timestamps in memory, files or Redis

Supporting packages:
  - pkg/metrics: Prometheus instrumentation
  - pkg/common/errors, pkg/common/validation: shared error types and checks

The throttled command (cmd/throttled) runs shell commands under a shared
throttle so that cron jobs, hooks and scripts on one host, or on hosts
sharing a Redis server, respect a common rate.

Example usage:

	import (
		"github.com/vnykmshr/throttled/pkg/ratelimit/sharedstate"
		"github.com/vnykmshr/throttled/pkg/ratelimit/throttle"
	)

	backend, _ := sharedstate.NewFileBackend("/var/run/myapp/throttle")
	limiter, _ := throttle.NewWithConfig(throttle.Config{
		Name:         "api",
		MaxPerSecond: 2,
		Backend:      backend,
	})

	ran, err := limiter.Do(ctx, "github", poll)
*/
package throttled
