package gateway

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/orgsearch/tenant-index/pkg/logger"
)

// DefaultBackoff: start 250ms, factor 2.0, jitter 0.25, cap 10s, steps 6 (~30s upper bound).
var DefaultBackoff = wait.Backoff{
	Duration: 250 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.25,
	Steps:    6,
	Cap:      10 * time.Second,
}

// retry runs fn with exponential backoff while it fails with a transient error (throttling, 5xx, transport).
// Any other error is returned immediately.
func retry(ctx context.Context, backoff wait.Backoff, desc string, fn func() error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		e := fn()
		if e == nil {
			return true, nil
		}
		if !IsTransient(e) {
			return true, e
		}
		lastErr = e
		logger.Warnf("Retrying %s due to transient error: %v", desc, e)
		return false, nil
	})
	if err == nil {
		return nil
	}
	if lastErr != nil && ctx.Err() == nil && wait.Interrupted(err) {
		return fmt.Errorf("%s: exhausted retries: %w", desc, lastErr)
	}
	return err
}
