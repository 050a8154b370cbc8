package engine

import (
	"context"
	"fmt"

	"jobrunner/internal/job"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

func validate(j job.Job) error {
	if !j.Variant.Valid() {
		return fmt.Errorf("%w: %v", ErrUnknownVariant, j.Variant)
	}
	if !j.Behaviour.Valid() {
		return fmt.Errorf("invalid job behaviour: %v", j.Behaviour)
	}
	if j.FailureCount < 0 {
		return fmt.Errorf("invalid failure count: %d", j.FailureCount)
	}
	return nil
}

// Add persists j in tx. Once tx commits, j joins its queue when it may run
// now (runOnceNextLaunch jobs wait for the next cold launch) and, if canStart,
// the queue is started.
func (r *Runner) Add(tx storage.Tx, j job.Job, canStart bool) (job.Job, error) {
	if err := validate(j); err != nil {
		return j, err
	}
	j.ID = 0
	stored, err := tx.InsertJob(j)
	if err != nil {
		return j, fmt.Errorf("insert %s job: %w", j.Variant, err)
	}
	tx.AfterCommit(func() { r.route(stored, canStart) })
	return stored, nil
}

func (r *Runner) route(j job.Job, canStart bool) {
	q := r.queueFor(j.Variant)

	r.routeMu.Lock()
	queued := false
	if holder, _ := r.holderLocked(j.ID); holder == nil {
		queued = q.add(j, canStart)
	}
	r.routeMu.Unlock()

	r.publish(EventJobAdded, q, j, nil)
	q.log.Debug("job added", append(jobFields(j), logx.Bool("queued", queued))...)
	if canStart {
		q.Start()
	}
}

// Upsert saves j and reflects it in memory: a queued copy is replaced,
// otherwise j is added as by Add. Jobs without an id are inserted. As with
// Add, the queue is started only when canStart is set.
func (r *Runner) Upsert(tx storage.Tx, j job.Job, canStart bool) (job.Job, error) {
	if !j.Persisted() {
		return r.Add(tx, j, canStart)
	}
	if err := validate(j); err != nil {
		return j, err
	}
	if err := tx.UpdateJob(j); err != nil {
		return j, fmt.Errorf("update job %d: %w", j.ID, err)
	}
	tx.AfterCommit(func() {
		q := r.queueFor(j.Variant)
		r.routeMu.Lock()
		holder, st := r.holderLocked(j.ID)
		switch {
		case st == heldPending:
			holder.replace(j)
		case holder == nil:
			q.add(j, canStart)
		}
		r.routeMu.Unlock()
		if canStart {
			q.Start()
		}
	})
	return j, nil
}

// Insert persists j and queues it directly ahead of before. Behaviours that
// schedule work for a later launch or activation are rejected.
func (r *Runner) Insert(tx storage.Tx, j job.Job, before job.Job) (job.Job, error) {
	if j.Behaviour.Deferred() {
		return j, fmt.Errorf("%w: %s", ErrInsertNotAllowed, j.Behaviour)
	}
	if err := validate(j); err != nil {
		return j, err
	}
	j.ID = 0
	stored, err := tx.InsertJob(j)
	if err != nil {
		return j, fmt.Errorf("insert %s job: %w", j.Variant, err)
	}
	tx.AfterCommit(func() {
		q := r.queueFor(stored.Variant)
		r.routeMu.Lock()
		holder, _ := r.holderLocked(before.ID)
		addOther := before.Persisted() && r.queueFor(before.Variant) == q && (holder == nil || holder == q)
		q.insertBefore(stored, before, addOther)
		r.routeMu.Unlock()

		r.publish(EventJobAdded, q, stored, nil)
		q.Start()
	})
	return stored, nil
}

// AddDependency records that d.DependantID waits for d.JobID.
func (r *Runner) AddDependency(tx storage.Tx, d job.Dependency) error {
	if d.DependantID == 0 || d.JobID == 0 {
		return ErrNotPersisted
	}
	return tx.InsertDependency(d)
}

// AddJob is Add in its own transaction.
func (r *Runner) AddJob(ctx context.Context, j job.Job, canStart bool) (job.Job, error) {
	var out job.Job
	err := r.store.Write(ctx, func(tx storage.Tx) error {
		var err error
		out, err = r.Add(tx, j, canStart)
		return err
	})
	return out, err
}

// IsCurrentlyRunning reports whether j is executing right now.
func (r *Runner) IsCurrentlyRunning(j job.Job) bool {
	if !j.Persisted() {
		return false
	}
	return r.queueFor(j.Variant).isCurrent(j.ID) || r.blocking.isCurrent(j.ID)
}

// AfterCurrentlyRunning calls fn once j finishes its current run, or right
// away with OutcomeNotFound if j is not running.
func (r *Runner) AfterCurrentlyRunning(j job.Job, fn func(Outcome)) {
	if fn == nil {
		return
	}
	if j.Persisted() && (r.queueFor(j.Variant).afterCurrent(j.ID, fn) || r.blocking.afterCurrent(j.ID, fn)) {
		return
	}
	go fn(OutcomeNotFound)
}

// HasPendingOrRunningJob reports whether a job with this variant and payload
// is queued or executing.
func (r *Runner) HasPendingOrRunningJob(v job.Variant, payload []byte) bool {
	probe := job.Job{Variant: v, Payload: payload}
	return r.queueFor(v).hasWork(probe) || r.blocking.hasWork(probe)
}

// RemovePendingJob drops j from the in-memory queues. The persisted record is untouched.
func (r *Runner) RemovePendingJob(j job.Job) {
	if !j.Persisted() {
		return
	}
	for _, q := range r.allQueues() {
		q.removePending(j.ID)
	}
}

// DetailsForCurrentlyRunningJobs returns the payloads of running jobs of v, keyed by id.
func (r *Runner) DetailsForCurrentlyRunningJobs(v job.Variant) map[int64][]byte {
	out := map[int64][]byte{}
	r.queueFor(v).currentDetails(v, out)
	r.blocking.currentDetails(v, out)
	return out
}

// StopAndClearPendingJobs stops every queue and forgets its pending jobs.
// Running jobs finish. Queues owning one of except keep going; the call waits
// for them to drain or for ctx to end.
func (r *Runner) StopAndClearPendingJobs(ctx context.Context, except ...job.Variant) error {
	keep := map[*Queue]struct{}{}
	for _, v := range except {
		keep[r.queueFor(v)] = struct{}{}
	}

	var waits []<-chan struct{}
	for _, q := range r.allQueues() {
		if _, ok := keep[q]; ok {
			if q.IsRunning() {
				waits = append(waits, q.waitDrained())
			}
			continue
		}
		q.stopAndClear()
	}
	r.log.Info("stopped and cleared pending jobs", logx.Int("kept", len(keep)))

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Snapshot returns a diagnostic view of every queue.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	s := Snapshot{
		Session:           r.session,
		Launched:          r.launched,
		CompletedBlocking: len(r.completedBlocking),
	}
	r.mu.Unlock()
	s.Primary = r.isPrimary()
	for _, q := range r.allQueues() {
		s.Queues = append(s.Queues, q.snapshot())
	}
	return s
}
