package scheduler

import (
	"math/rand/v2"
	"time"
)

const maxStartupSpread = 30 * time.Second

// spreadFirst delays the first run of a freshly seeded interval job by a
// random amount below min(every, 30s) so jobs seeded together do not all
// fire on the same tick.
func spreadFirst(every time.Duration, now time.Time) (time.Time, time.Duration) {
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return now, 0
	}
	jitter := rand.N(window)
	return now.Add(jitter), jitter
}
