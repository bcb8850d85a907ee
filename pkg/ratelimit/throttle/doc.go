/*
Package throttle spaces calls to an operation at least a fixed interval
apart, across goroutines and, with a shared backend, across processes.

A Limiter allows at most MaxPerSecond calls per second for each key: once a
call on a key finishes, the next call on that key may start no sooner than
1/MaxPerSecond seconds later. The first call on a key always runs at once.

Basic usage:

	limiter, err := throttle.NewWithConfig(throttle.Config{MaxPerSecond: 2})
	if err != nil {
		return err
	}
	defer limiter.Close()

	ran, err := limiter.Do(ctx, "github", func(ctx context.Context) error {
		return client.Poll(ctx)
	})

Wrapping an operation:

	search := throttle.Wrap(limiter, api.Search, func(q Query) string { return q.Tenant })
	results, ok, err := search(ctx, query)
	if err == nil && !ok {
		// throttled and skipped (only with ReturnIfThrottled)
	}

Waiting or skipping:

By default a call that arrives too early waits for its turn. The wait
happens while the key's lock is held, so concurrent callers on the same key
are served one at a time and never fire together; there is no fairness
guarantee among them. With ReturnIfThrottled the call returns immediately
with ok == false and the operation is not run. A waiting call returns early
with the context error when its context is done.

Sharing between processes:

The schedule of each key lives in a sharedstate.State opened from
Config.Backend under the name Name + ":" + key. Processes that configure the
same Name on a FileBackend over one directory, or on a RedisBackend over one
server, share their schedules:

	backend, err := sharedstate.NewFileBackend("/var/run/myapp/throttle")
	limiter, err := throttle.NewWithConfig(throttle.Config{
		Name:         "smtp",
		MaxPerSecond: 0.5,
		Backend:      backend,
	})

Errors:

NewWithConfig rejects a non-positive rate with a *errors.ValidationError.
Errors returned by the operation are passed through unchanged, and the call
still counts against the rate. Failures of the shared lock match
errors.ErrLockFailed.
*/
package throttle
