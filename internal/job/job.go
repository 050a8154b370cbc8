package job

import (
	"bytes"
	"time"
)

// Job is the persisted unit of work.
//
// Zero values mean "absent": ID 0 is not yet persisted, a zero NextRunTimestamp
// has no explicit schedule, ThreadID "" and InteractionID 0 are unset.
type Job struct {
	ID        int64
	Variant   Variant
	Behaviour Behaviour

	// ShouldBlock makes the job run on the blocking queue the first time it is
	// loaded in a session, ahead of every other queue.
	ShouldBlock bool
	// ShouldSkipLaunchBecomeActive skips the became-active run that immediately
	// follows a cold launch.
	ShouldSkipLaunchBecomeActive bool

	FailureCount     int
	NextRunTimestamp time.Time

	ThreadID      string
	InteractionID int64

	Payload []byte
}

// Dependency is an edge: DependantID may not run until JobID completed successfully.
type Dependency struct {
	DependantID int64
	JobID       int64
}

func (j Job) Persisted() bool { return j.ID != 0 }

// EligibleAt reports whether the job may run at now.
func (j Job) EligibleAt(now time.Time) bool {
	return j.NextRunTimestamp.IsZero() || !j.NextRunTimestamp.After(now)
}

// SameWork reports whether two jobs describe the same work (variant + payload),
// ignoring identity and retry state.
func (j Job) SameWork(o Job) bool {
	return j.Variant == o.Variant && bytes.Equal(j.Payload, o.Payload)
}

// Clone returns a copy that shares no mutable memory with j.
func (j Job) Clone() Job {
	cp := j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	return cp
}

// IsPending reports whether a persisted job is a candidate for a queue reload.
//
// Launch-only jobs are never picked up by a reload; recurringOnLaunch/OnActive
// jobs are only picked up once a failed run scheduled a retry for them.
func IsPending(j Job, now time.Time, excludeFuture bool) bool {
	switch j.Behaviour {
	case RunOnceNextLaunch:
		return false
	case RecurringOnLaunch, RecurringOnActive:
		if j.NextRunTimestamp.IsZero() {
			return false
		}
	}
	if excludeFuture && !j.EligibleAt(now) {
		return false
	}
	return true
}
