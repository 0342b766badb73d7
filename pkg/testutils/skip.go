package testutils

import (
	"os"
	"testing"
)

// IntegrationTest skips tests that need a real search cluster (started with testcontainers) unless
// INTEGRATION is set.
func IntegrationTest(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("skipping integration tests, set environment variable INTEGRATION")
	}
}
