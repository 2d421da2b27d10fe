package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxRetryInterval = 30 * time.Second

func newRetryBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0 // retry until the subscription closes
	b.Reset()
	return b
}

// sleepCtx waits d or until ctx is done. It reports false when ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
