package storage

import (
	"context"
	"errors"
	"time"

	"jobrunner/internal/job"
)

var (
	ErrClosed       = errors.New("storage closed")
	ErrNotFound     = errors.New("job not found")
	ErrNotPersisted = errors.New("job has no id")
	ErrReadOnly     = errors.New("write in read transaction")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps; nothing survives a restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store runs transactions against the job tables.
//
// Write transactions are serialized. A non-nil error from fn rolls the
// transaction back and discards any AfterCommit callbacks.
type Store interface {
	Read(ctx context.Context, fn func(Tx) error) error
	Write(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// PendingQuery selects reload candidates for one queue.
type PendingQuery struct {
	Variants []job.Variant
	Now      time.Time
	// ExcludeFuture drops jobs whose NextRunTimestamp is after Now.
	ExcludeFuture bool
	// ExcludeIDs are held elsewhere (queued, running or parked) and must not be returned.
	ExcludeIDs map[int64]struct{}
}

func (q PendingQuery) excluded(id int64) bool {
	if q.ExcludeIDs == nil {
		return false
	}
	_, ok := q.ExcludeIDs[id]
	return ok
}

func (q PendingQuery) matches(j job.Job) bool {
	if q.excluded(j.ID) {
		return false
	}
	found := false
	for _, v := range q.Variants {
		if v == j.Variant {
			found = true
			break
		}
	}
	return found && job.IsPending(j, q.Now, q.ExcludeFuture)
}

// Tx is a unit of work. Methods must not be used after the enclosing
// Read/Write callback returns.
type Tx interface {
	// InsertJob assigns an id and returns the stored record.
	InsertJob(j job.Job) (job.Job, error)
	// UpdateJob overwrites a persisted job; ErrNotFound if it vanished.
	UpdateJob(j job.Job) error
	// DeleteJob removes the job and its outgoing dependency edges.
	// Edges pointing at the job are kept so dependants can detect the gap.
	DeleteJob(id int64) error
	JobExists(id int64) (bool, error)
	FetchJob(id int64) (job.Job, bool, error)

	// PendingJobs returns reload candidates ordered by id.
	PendingJobs(q PendingQuery) ([]job.Job, error)
	// NextRunTimestamp returns the soonest NextRunTimestamp among pending
	// candidates, ignoring ExcludeFuture. A zero time with ok=true means "now".
	NextRunTimestamp(q PendingQuery) (ts time.Time, ok bool, err error)
	JobsByBehaviour(behaviours ...job.Behaviour) ([]job.Job, error)

	InsertDependency(d job.Dependency) error
	CountDependencies(dependantID int64) (int, error)
	// DependenciesOf returns the jobs that dependantID waits on, skipping vanished ones.
	DependenciesOf(dependantID int64) ([]job.Job, error)
	// DependantsOf returns the ids of jobs waiting on jobID.
	DependantsOf(jobID int64) ([]int64, error)
	DeleteDependenciesOn(jobID int64) error
	// BrokenDependants returns ids of jobs with at least one edge to a vanished job.
	BrokenDependants() ([]int64, error)

	// AfterCommit registers fn to run once the transaction committed.
	AfterCommit(fn func())
}
