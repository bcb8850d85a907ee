package throttle

import "context"

// KeyFunc maps the argument of a wrapped operation to its rate-limit key.
// Calls whose arguments map to the same key share one schedule.
type KeyFunc[A any] func(arg A) string

// Func is a rate-limited operation produced by Wrap. The boolean result is
// false when the call was throttled and skipped; the value is then the zero
// value of R and the error is nil.
type Func[A, R any] func(ctx context.Context, arg A) (R, bool, error)

// Wrap returns op limited by l. keyFn partitions calls by argument; a nil
// keyFn puts every call on DefaultKey. Operations wrapped by the same
// limiter share its keys.
//
//	limiter, err := throttle.NewWithConfig(throttle.Config{MaxPerSecond: 2})
//	fetch := throttle.Wrap(limiter, fetchUser, func(id string) string { return id })
//	user, ok, err := fetch(ctx, "42")
func Wrap[A, R any](l *Limiter, op func(context.Context, A) (R, error), keyFn KeyFunc[A]) Func[A, R] {
	return func(ctx context.Context, arg A) (R, bool, error) {
		key := DefaultKey
		if keyFn != nil {
			key = keyFn(arg)
		}

		var result R
		executed, err := l.Do(ctx, key, func(ctx context.Context) error {
			var opErr error
			result, opErr = op(ctx, arg)
			return opErr
		})
		if !executed {
			var zero R
			return zero, false, err
		}
		return result, true, err
	}
}

// WrapFunc returns fn limited by l on DefaultKey. It reports whether fn ran.
func WrapFunc(l *Limiter, fn func(context.Context) error) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		return l.Do(ctx, DefaultKey, fn)
	}
}
