package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const pollInterval = 5 * time.Millisecond

// RequireEventually fails the test unless condition becomes true within timeout.
func RequireEventually(t testing.TB, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	require.Eventually(t, condition, timeout, pollInterval, msg)
}

// WaitForCount waits for counter to reach expected.
func WaitForCount(t testing.TB, timeout time.Duration, counter func() int, expected int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return counter() == expected
	}, timeout, pollInterval, fmt.Sprintf("expected count %d", expected))
}

// Receive waits for a value on ch.
func Receive[T any](t testing.TB, ch chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		t.Fatalf("nothing received within %v", timeout)
		var zero T
		return zero
	}
}
