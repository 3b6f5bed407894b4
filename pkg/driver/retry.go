package driver

import (
	"math"
	"math/rand"
	"time"
)

// RetryBackoff computes an exponential delay with full jitter for the
// given attempt count (1-indexed), capped at five minutes so a crash loop
// on one execution never starves its queue for longer than that.
func RetryBackoff(attempt int) time.Duration {
	const base = time.Second
	const maxBackoff = 5 * time.Minute
	exp := math.Pow(2, float64(attempt))
	backoff := time.Duration(exp) * base
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(backoff) + 1))
}
