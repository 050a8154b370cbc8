package job

import (
	"math"
	"time"
)

const (
	backoffFactor  = 0.25
	maxBackoffSecs = 600.0

	// MaxRetryInterval is the largest delay RetryInterval returns.
	MaxRetryInterval = time.Duration(backoffFactor * maxBackoffSecs * float64(time.Second))
)

// RetryInterval returns the delay before the next attempt of a job that has
// already failed failureCount times: 0.25s * min(600, 2^failureCount).
func RetryInterval(failureCount int) time.Duration {
	if failureCount < 0 {
		failureCount = 0
	}
	exp := math.Min(maxBackoffSecs, math.Pow(2, float64(failureCount)))
	return time.Duration(backoffFactor * exp * float64(time.Second))
}
