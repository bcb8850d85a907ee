package throttle

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain enables goroutine leak detection for all tests in this package.
// This catches waiters left blocked on a key after a test returns.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
