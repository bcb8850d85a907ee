/*
Package sharedstate provides lock-guarded rate records that can be shared
between goroutines and between operating system processes.

A State holds two fields, a call counter and the time of the last permitted
call, behind a mutual-exclusion lock. The fields are only reachable through
a Lease returned by Acquire, so they cannot be read or written without the
lock:

	lease, err := state.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	last, err := lease.LastCalledAt(ctx)

Release is idempotent, which makes the deferred call safe on every exit path
even when the lease has already been released explicitly.

Backends:

  - MemoryBackend: goroutines of a single process.
  - FileBackend: processes on one host sharing a directory. Each state is a
    flock(2)-locked .lock file plus a 16-byte .state record.
  - RedisBackend: processes sharing a Redis server. The lock is a SET NX key
    with an expiry; counters live in a hash.

A Backend is an explicit handle: every cooperating component receives it
from its caller rather than reaching for a package-level singleton.

Lock failures are reported as *errors.OperationError values matching
errors.ErrLockFailed; cancellation of a blocked Acquire additionally matches
the context error.
*/
package sharedstate
