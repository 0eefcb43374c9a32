package sync

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often a push that failed transiently is retried.
// Delays grow exponentially from BaseDelay and are capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns 5 retries starting at one minute, capped at an
// hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Minute,
		MaxDelay:   time.Hour,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	max := p.MaxRetries
	if max < 0 {
		max = 0
	}
	return retry.WithMaxRetries(uint64(max), b)
}

// Delay returns the wait before retry number attempt (1-based). ok is false
// once the policy is exhausted.
func (p RetryPolicy) Delay(attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 {
		return 0, true
	}
	b := p.backoff()
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			return 0, false
		}
		delay = next
	}
	return delay, true
}

// versionMovedRetries bounds how often a write guarded by a mirror version
// is re-read and retried when a concurrent pull or push moved the version.
const versionMovedRetries = 3

func versionMovedBackoff() retry.Backoff {
	return retry.WithMaxRetries(versionMovedRetries, retry.NewConstant(10*time.Millisecond))
}
