package miio_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs all tests in the miio_test package and checks for goroutine
// leaks after all tests complete — in particular that Close() unsubscribes
// the handleInbound callback and fails every pending call. Any leaked
// goroutine causes a test failure.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
