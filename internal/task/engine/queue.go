package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"jobrunner/internal/job"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

// parkTTL bounds how long a job waits for a dependency owned by another
// queue before the next reload re-evaluates it.
const parkTTL = 5 * time.Minute

type holdState int

const (
	heldNone holdState = iota
	heldPending
	heldCurrent
	heldParked
)

type deferralRecord struct {
	count int
	times []time.Time
}

// Queue executes the jobs of its variants one at a time, in order.
//
// All execution happens on the queue's worker goroutine. Other goroutines only
// touch the in-memory state under mu and nudge the worker through wake.
type Queue struct {
	name     string
	variants []job.Variant
	blocking bool
	r        *Runner
	log      logx.Logger

	wake chan struct{}

	// onDrained fires when the queue stops with nothing left to schedule.
	onDrained func()

	mu           sync.Mutex
	running      bool
	pending      []job.Job
	current      map[int64]job.Job
	parked       map[int64]time.Time
	deferrals    map[int64]deferralRecord
	callbacks    map[int64][]func(Outcome)
	drainWaiters []chan struct{}
	nextTrigger  time.Time
	history      []HistoryItem

	// Owned by the worker goroutine.
	trigger *time.Timer
}

func newQueue(r *Runner, name string, variants []job.Variant, blocking bool) *Queue {
	return &Queue{
		name:      name,
		variants:  append([]job.Variant(nil), variants...),
		blocking:  blocking,
		r:         r,
		log:       r.log.With(logx.String("queue", name)),
		wake:      make(chan struct{}, 1),
		current:   map[int64]job.Job{},
		parked:    map[int64]time.Time{},
		deferrals: map[int64]deferralRecord{},
		callbacks: map[int64][]func(Outcome){},
	}
}

func (q *Queue) Name() string { return q.name }

// Start asks the queue to run. It never blocks, is a no-op when the queue is
// already running or the process is not the primary instance, and may be
// called from any goroutine.
func (q *Queue) Start() {
	if !q.r.isPrimary() {
		return
	}
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// ---- worker ----

func (q *Queue) loop(ctx context.Context) error {
	q.trigger = time.NewTimer(time.Hour)
	stopTimer(q.trigger)
	defer q.trigger.Stop()

	q.recoverState()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-q.trigger.C:
			q.mu.Lock()
			q.nextTrigger = time.Time{}
			q.mu.Unlock()
			q.Start()
		}
		q.process(ctx)
	}
}

// recoverState releases jobs left "current" by a crashed worker and resumes.
func (q *Queue) recoverState() {
	q.mu.Lock()
	stale := make([]job.Job, 0, len(q.current))
	for _, j := range q.current {
		stale = append(stale, j)
	}
	resume := q.running
	q.mu.Unlock()

	for _, j := range stale {
		q.log.Warn("job abandoned by worker restart", logx.Int64("job_id", j.ID), logx.String("variant", j.Variant.String()))
		q.cleanup(j, OutcomeFailed, true, time.Time{}, errors.New("worker restarted"))
	}
	if resume {
		q.signal()
	}
}

func (q *Queue) process(ctx context.Context) {
	if !q.IsRunning() {
		return
	}
	q.load(ctx)
	for ctx.Err() == nil {
		j, state := q.pop()
		switch state {
		case popStopped:
			return
		case popEmpty:
			if q.load(ctx) > 0 {
				continue
			}
			if !q.stopIfIdle() {
				continue
			}
			if !q.scheduleNext(ctx) {
				return
			}
			q.mu.Lock()
			q.running = true
			q.mu.Unlock()
		default:
			q.runJob(ctx, j)
		}
	}
}

type popState int

const (
	popJob popState = iota
	popEmpty
	popStopped
)

func (q *Queue) pop() (job.Job, popState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return job.Job{}, popStopped
	}
	if len(q.pending) == 0 {
		return job.Job{}, popEmpty
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	return j, popJob
}

// stopIfIdle flips running off only if nothing was queued meanwhile, so a
// concurrent Start either sees running=true with its job queued, or restarts us.
func (q *Queue) stopIfIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 {
		return false
	}
	q.running = false
	return true
}

// load appends persisted jobs that are due and not held by any queue.
func (q *Queue) load(ctx context.Context) int {
	if q.blocking || len(q.variants) == 0 {
		return 0
	}
	r := q.r
	r.routeMu.Lock()
	defer r.routeMu.Unlock()

	query := storage.PendingQuery{
		Variants:      q.variants,
		Now:           r.now(),
		ExcludeFuture: true,
		ExcludeIDs:    r.heldIDsLocked(),
	}
	var jobs []job.Job
	err := r.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		jobs, err = tx.PendingJobs(query)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			q.log.Error("load pending jobs failed", logx.Err(err))
		}
		return 0
	}
	if len(jobs) == 0 {
		return 0
	}

	q.mu.Lock()
	q.pending = append(q.pending, jobs...)
	q.mu.Unlock()
	q.log.Debug("loaded pending jobs", logx.Int("count", len(jobs)))
	return len(jobs)
}

// scheduleNext arms the trigger for the soonest future job. It reports true
// when a job is already due and the queue should keep going.
func (q *Queue) scheduleNext(ctx context.Context) bool {
	r := q.r
	now := r.now()

	var (
		next  time.Time
		found bool
	)
	if !q.blocking && len(q.variants) > 0 {
		exclude := r.heldIDs()
		err := r.store.Read(ctx, func(tx storage.Tx) error {
			var err error
			next, found, err = tx.NextRunTimestamp(storage.PendingQuery{Variants: q.variants, Now: now, ExcludeIDs: exclude})
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			q.log.Error("next run lookup failed", logx.Err(err))
			q.arm(r.opts.MinTriggerDelay)
			return false
		}
	}

	if !found {
		q.drained()
		return false
	}
	wait := next.Sub(now)
	if next.IsZero() || wait <= 0 {
		q.log.Debug("restarting for due job")
		return true
	}
	if wait < r.opts.MinTriggerDelay {
		wait = r.opts.MinTriggerDelay
	}
	q.log.Debug("stopping until next job", logx.Duration("in", wait))
	q.arm(wait)
	return false
}

func (q *Queue) arm(d time.Duration) {
	if q.trigger == nil {
		return
	}
	stopTimer(q.trigger)
	q.trigger.Reset(d)
	q.mu.Lock()
	q.nextTrigger = q.r.now().Add(d)
	q.mu.Unlock()
}

func (q *Queue) drained() {
	q.mu.Lock()
	waiters := q.drainWaiters
	q.drainWaiters = nil
	q.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	q.r.publish(EventQueueDrained, q, job.Job{}, nil)
	if q.onDrained != nil {
		q.onDrained()
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// ---- dispatch ----

func (q *Queue) runJob(ctx context.Context, j job.Job) {
	r := q.r
	exec, ok := r.registry.Lookup(j.Variant)
	switch {
	case !ok:
		q.log.Warn("unable to run job: executor missing", jobFields(j)...)
		q.handleFailed(ctx, j, ErrExecutorMissing, true, time.Time{})
		return
	case exec.RequiresThreadID() && j.ThreadID == "":
		q.log.Warn("unable to run job: thread id missing", jobFields(j)...)
		q.handleFailed(ctx, j, ErrRequiredThreadIDMissing, true, time.Time{})
		return
	case exec.RequiresInteractionID() && j.InteractionID == 0:
		q.log.Warn("unable to run job: interaction id missing", jobFields(j)...)
		q.handleFailed(ctx, j, ErrRequiredInteractionIDMissing, true, time.Time{})
		return
	}

	if !j.EligibleAt(r.now()) {
		q.handleDeferred(ctx, j, time.Time{}, true)
		return
	}

	var (
		exists   bool
		expected int
		deps     []job.Job
	)
	err := r.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		if exists, err = tx.JobExists(j.ID); err != nil || !exists {
			return err
		}
		if expected, err = tx.CountDependencies(j.ID); err != nil {
			return err
		}
		deps, err = tx.DependenciesOf(j.ID)
		return err
	})
	if err != nil {
		// Left persisted; a later reload retries the checks.
		if ctx.Err() == nil {
			q.log.Error("job precheck failed", append(jobFields(j), logx.Err(err))...)
		}
		return
	}
	if !exists {
		q.cancelled(ctx, j, time.Time{})
		return
	}
	if len(deps) != expected {
		q.log.Warn("job has missing dependencies, removing it", append(jobFields(j), logx.Int("expected", expected), logx.Int("found", len(deps)))...)
		q.handleFailed(ctx, j, ErrMissingDependencies, true, time.Time{})
		return
	}
	if len(deps) > 0 {
		q.awaitDependencies(ctx, j, deps)
		return
	}

	started := r.now()
	q.mu.Lock()
	q.current[j.ID] = j
	remaining := len(q.pending)
	q.mu.Unlock()
	q.log.Debug("job started", append(jobFields(j), logx.Int("remaining", remaining))...)
	r.publish(EventJobStarted, q, j, nil)

	res := q.execute(ctx, exec, j)

	// Bookkeeping must finish even when shutdown cancels ctx mid-run.
	bctx := context.WithoutCancel(ctx)
	switch out := res.(type) {
	case Succeeded:
		q.handleSucceeded(bctx, merged(j, out.Job), out.ShouldStop, started)
	case Failed:
		q.handleFailed(bctx, merged(j, out.Job), out.Err, out.Permanent, started)
	case Deferred:
		q.handleDeferred(bctx, merged(j, out.Job), started, true)
	default:
		q.log.Error("executor returned an unsupported result", append(jobFields(j), logx.String("type", fmt.Sprintf("%T", res)))...)
		q.handleFailed(bctx, j, errUnexpectedResult, false, started)
	}
}

func (q *Queue) execute(ctx context.Context, exec Executor, j job.Job) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			stack := string(debug.Stack())
			q.log.Error("executor panicked", append(jobFields(j), logx.Any("panic", p), logx.Stack(stack))...)
			res = Failure(j, &PanicError{Value: p, Stack: stack})
		}
	}()

	if d := q.r.opts.ExecTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	res = exec.Run(ctx, j.Clone())
	return normalizeResult(j, res)
}

// normalizeResult unwraps pointer results. A nil result, typed or not,
// is a retryable failure.
func normalizeResult(j job.Job, res Result) Result {
	switch out := res.(type) {
	case nil:
		return Failure(j, errNilResult)
	case *Succeeded:
		if out == nil {
			return Failure(j, errNilResult)
		}
		return *out
	case *Failed:
		if out == nil {
			return Failure(j, errNilResult)
		}
		return *out
	case *Deferred:
		if out == nil {
			return Failure(j, errNilResult)
		}
		return *out
	}
	return res
}

// merged keeps identity fields from the dispatched job when an executor
// returns an updated copy.
func merged(dispatched, returned job.Job) job.Job {
	if returned.ID == 0 {
		return dispatched
	}
	returned.ID = dispatched.ID
	returned.Variant = dispatched.Variant
	return returned
}

// awaitDependencies re-orders j behind the jobs it depends on.
func (q *Queue) awaitDependencies(ctx context.Context, j job.Job, deps []job.Job) {
	r := q.r
	now := r.now()

	// A dependency waiting for its own retry: move j behind it.
	var latest time.Time
	for _, d := range deps {
		if !d.EligibleAt(now) && d.NextRunTimestamp.After(latest) {
			latest = d.NextRunTimestamp
		}
	}
	if !latest.IsZero() {
		j.NextRunTimestamp = latest.Add(time.Millisecond)
		err := r.store.Write(ctx, func(tx storage.Tx) error { return tx.UpdateJob(j) })
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			q.log.Error("reschedule behind dependency failed", append(jobFields(j), logx.Err(err))...)
		}
		q.log.Debug("job waits for dependency retry", append(jobFields(j), logx.Time("next_run", j.NextRunTimestamp))...)
		q.finishDeferred(j, time.Time{})
		return
	}

	// Two jobs that depend on each other would swap places forever.
	if q.trackDeferral(j.ID) {
		q.log.Warn("job keeps waiting on its dependencies, failing it", append(jobFields(j), logx.Int("dependencies", len(deps)))...)
		q.handleFailed(ctx, j, ErrPossibleDeferralLoop, false, time.Time{})
		return
	}

	starts := r.placeDependencies(q, j, deps)
	for _, owner := range starts {
		owner.Start()
	}
	q.log.Debug("job deferred behind dependencies", append(jobFields(j), logx.Int("dependencies", len(deps)))...)
	q.finishDeferred(j, time.Time{})
}

// ---- results ----

func (q *Queue) handleSucceeded(ctx context.Context, j job.Job, shouldStop bool, started time.Time) {
	r := q.r
	now := r.now()
	remove := j.Behaviour.DeleteOnSuccess(shouldStop)

	var dependants []int64
	err := r.store.Write(ctx, func(tx storage.Tx) error {
		var err error
		if dependants, err = tx.DependantsOf(j.ID); err != nil {
			return err
		}
		if err := tx.DeleteDependenciesOn(j.ID); err != nil {
			return err
		}
		if remove {
			return tx.DeleteJob(j.ID)
		}
		switch j.Behaviour {
		case job.Recurring:
			// The executor should move the schedule forward; make sure it moved.
			if j.NextRunTimestamp.Sub(now) < time.Millisecond {
				j.NextRunTimestamp = now.Add(time.Second)
			}
		case job.RecurringOnLaunch, job.RecurringOnActive:
			j.FailureCount = 0
			j.NextRunTimestamp = time.Time{}
		}
		if err := tx.UpdateJob(j); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		q.log.Error("persist job success failed", append(jobFields(j), logx.Err(err))...)
	}

	if q.blocking && j.ShouldBlock {
		r.markBlockingCompleted(j.ID)
	}
	q.log.Debug("job succeeded", append(jobFields(j), logx.Bool("removed", remove))...)
	q.cleanup(j, OutcomeSucceeded, true, started, nil)
	r.publish(EventJobSucceeded, q, j, func(e *JobEvent) { e.Duration = since(now, started) })
	r.wakeDependants(ctx, dependants)
}

func (q *Queue) handleFailed(ctx context.Context, j job.Job, cause error, permanent bool, started time.Time) {
	r := q.r
	if cause == nil {
		cause = errors.New("unspecified failure")
	}

	exists := false
	err := r.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		exists, err = tx.JobExists(j.ID)
		return err
	})
	if err != nil {
		q.log.Error("job failure bookkeeping failed", append(jobFields(j), logx.Err(err))...)
		q.cleanup(j, OutcomeFailed, true, started, cause)
		return
	}
	if !exists {
		q.cancelled(ctx, j, started)
		return
	}

	// Session-critical jobs retry immediately on the blocking queue, unless they
	// are spinning in a deferral loop.
	if q.blocking && j.ShouldBlock {
		loop := errors.Is(cause, ErrPossibleDeferralLoop)
		q.log.Warn("blocking job failed", append(jobFields(j), logx.Err(cause), logx.Bool("retry_now", !loop))...)
		q.cleanup(j, OutcomeFailed, loop, started, cause)
		if !loop {
			q.pushFront(j)
		}
		r.publish(EventJobFailed, q, j, func(e *JobEvent) { e.Error = cause.Error() })
		return
	}

	maxFailures := 0
	if exec, ok := r.registry.Lookup(j.Variant); ok {
		maxFailures = exec.MaxFailureCount()
	}
	retry := !permanent && (maxFailures < 0 || j.FailureCount+1 < maxFailures)

	if !retry {
		var dependants []int64
		err := r.store.Write(ctx, func(tx storage.Tx) error {
			var err error
			if dependants, err = tx.DependantsOf(j.ID); err != nil {
				return err
			}
			// The dependants would never become runnable.
			for _, id := range dependants {
				if err := tx.DeleteJob(id); err != nil {
					return err
				}
			}
			if err := tx.DeleteDependenciesOn(j.ID); err != nil {
				return err
			}
			return tx.DeleteJob(j.ID)
		})
		if err != nil {
			q.log.Error("remove failed job failed", append(jobFields(j), logx.Err(err))...)
		}
		r.dropJobs(dependants)

		fields := append(jobFields(j), logx.Err(cause), logx.Int("dependants_removed", len(dependants)))
		if !permanent {
			fields = append(fields, logx.Int("max_failures", maxFailures))
		}
		q.log.Warn("job failed permanently", fields...)
		q.cleanup(j, OutcomeFailed, true, started, cause)
		r.publish(EventJobFailed, q, j, func(e *JobEvent) { e.Error = cause.Error(); e.Permanent = true })
		r.publish(EventJobRemoved, q, j, nil)
		return
	}

	next := r.now().Add(r.opts.RetryInterval(j.FailureCount))
	j.FailureCount++
	j.NextRunTimestamp = next

	var dependants []int64
	err = r.store.Write(ctx, func(tx storage.Tx) error {
		if err := tx.UpdateJob(j); err != nil {
			return err
		}
		var err error
		if dependants, err = tx.DependantsOf(j.ID); err != nil {
			return err
		}
		// Keep dependants behind the retry so a reload orders them after it.
		for _, id := range dependants {
			d, ok, err := tx.FetchJob(id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			d.NextRunTimestamp = next.Add(time.Millisecond)
			if err := tx.UpdateJob(d); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		q.log.Error("schedule retry failed", append(jobFields(j), logx.Err(err))...)
	}
	r.dropJobs(dependants)

	q.log.Warn("job failed, scheduling retry", append(jobFields(j), logx.Err(cause), logx.Time("next_run", next))...)
	q.cleanup(j, OutcomeFailed, true, started, cause)
	r.publish(EventJobFailed, q, j, func(e *JobEvent) { e.Error = cause.Error() })
	r.publish(EventJobRetryScheduled, q, j, func(e *JobEvent) { e.NextRun = next })
}

// handleDeferred drops j from the in-memory list; it stays persisted unchanged.
func (q *Queue) handleDeferred(ctx context.Context, j job.Job, started time.Time, track bool) {
	if track && q.trackDeferral(j.ID) {
		q.log.Warn("job deferred too often, treating as failure", jobFields(j)...)
		q.handleFailed(ctx, j, ErrPossibleDeferralLoop, false, started)
		return
	}
	q.finishDeferred(j, started)
}

func (q *Queue) finishDeferred(j job.Job, started time.Time) {
	q.cleanup(j, OutcomeDeferred, true, started, nil)
	q.r.publish(EventJobDeferred, q, j, nil)
}

// trackDeferral reports a job deferred deferralLoopThreshold times faster
// than once per second.
func (q *Queue) trackDeferral(id int64) bool {
	now := q.r.now()
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.deferrals[id]
	if !ok {
		q.deferrals[id] = deferralRecord{count: 1, times: []time.Time{now}}
		return false
	}
	stuck := rec.count >= deferralLoopThreshold &&
		now.Sub(rec.times[0]) < time.Duration(rec.count)*time.Second
	if stuck {
		delete(q.deferrals, id)
		return true
	}
	times := rec.times
	if len(times) > deferralLoopThreshold-1 {
		times = times[len(times)-(deferralLoopThreshold-1):]
	}
	q.deferrals[id] = deferralRecord{count: rec.count + 1, times: append(append([]time.Time(nil), times...), now)}
	return false
}

func (q *Queue) cancelled(ctx context.Context, j job.Job, started time.Time) {
	r := q.r
	q.log.Info("job cancelled", jobFields(j)...)

	var dependants []int64
	_ = r.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		dependants, err = tx.DependantsOf(j.ID)
		return err
	})
	q.cleanup(j, OutcomeNotFound, true, started, nil)
	r.publish(EventJobCancelled, q, j, nil)
	// Dependants now point at nothing; let them fail their dependency check.
	r.wakeDependants(ctx, dependants)
}

// cleanup releases j from the running set and fires completion callbacks.
func (q *Queue) cleanup(j job.Job, outcome Outcome, fireCallbacks bool, started time.Time, cause error) {
	q.mu.Lock()
	delete(q.current, j.ID)
	var cbs []func(Outcome)
	if fireCallbacks {
		cbs = q.callbacks[j.ID]
		delete(q.callbacks, j.ID)
	}
	if !started.IsZero() {
		item := HistoryItem{
			ID:       j.ID,
			Variant:  j.Variant.String(),
			Started:  started,
			Duration: since(q.r.now(), started),
			Outcome:  outcome.String(),
		}
		if cause != nil {
			item.Error = cause.Error()
		}
		q.history = append(q.history, item)
		if n := q.r.opts.HistorySize; len(q.history) > n {
			q.history = q.history[len(q.history)-n:]
		}
	}
	q.mu.Unlock()

	for _, cb := range cbs {
		go cb(outcome)
	}
}

// ---- in-memory list (callers hold r.routeMu where noted) ----

func (q *Queue) pushFront(jobs ...job.Job) {
	q.mu.Lock()
	q.pending = append(append(make([]job.Job, 0, len(jobs)+len(q.pending)), jobs...), q.pending...)
	q.mu.Unlock()
}

// add appends j if it may run now. Caller holds r.routeMu.
func (q *Queue) add(j job.Job, canStart bool) bool {
	if !canStart || j.Behaviour == job.RunOnceNextLaunch || !j.EligibleAt(q.r.now()) {
		return false
	}
	q.mu.Lock()
	q.pending = append(q.pending, j)
	q.mu.Unlock()
	return true
}

// replace swaps a queued copy of j. Caller holds r.routeMu.
func (q *Queue) replace(j job.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pending {
		if q.pending[i].ID == j.ID {
			q.pending[i] = j
			return true
		}
	}
	return false
}

// insertBefore places j ahead of other. If other is not queued it is
// re-added behind j when addOther is set. Caller holds r.routeMu.
func (q *Queue) insertBefore(j, other job.Job, addOther bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// A reload may already have picked j up.
	for i := range q.pending {
		if q.pending[i].ID == j.ID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	for i := range q.pending {
		if q.pending[i].ID == other.ID {
			q.pending = append(q.pending[:i], append([]job.Job{j}, q.pending[i:]...)...)
			return
		}
	}
	head := []job.Job{j}
	if addOther {
		head = append(head, other)
	}
	q.pending = append(head, q.pending...)
}

// appendAll appends jobs not already queued here. Caller holds r.routeMu.
func (q *Queue) appendAll(jobs []job.Job) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range jobs {
		if q.stateLocked(j.ID) != heldNone {
			continue
		}
		q.pending = append(q.pending, j)
		n++
	}
	return n
}

// requeueBehind puts missing dependencies at the head and j right after the
// last of its dependencies. Caller holds r.routeMu.
func (q *Queue) requeueBehind(j job.Job, missing []job.Job, depIDs map[int64]struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append(make([]job.Job, 0, len(missing)+len(q.pending)+1), missing...), q.pending...)
	last := -1
	for i, p := range q.pending {
		if _, ok := depIDs[p.ID]; ok {
			last = i
		}
	}
	at := last + 1
	q.pending = append(q.pending[:at], append([]job.Job{j}, q.pending[at:]...)...)
}

func (q *Queue) park(id int64) {
	q.mu.Lock()
	q.parked[id] = q.r.now()
	q.mu.Unlock()
}

func (q *Queue) unpark(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.parked[id]; !ok {
		return false
	}
	delete(q.parked, id)
	return true
}

func (q *Queue) removePending(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pending {
		if q.pending[i].ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// removeJobs drops ids from the pending list and the parked set.
func (q *Queue) removeJobs(ids map[int64]struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.pending[:0]
	for _, j := range q.pending {
		if _, drop := ids[j.ID]; !drop {
			kept = append(kept, j)
		}
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = job.Job{}
	}
	q.pending = kept
	for id := range ids {
		delete(q.parked, id)
	}
}

func (q *Queue) state(id int64) holdState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateLocked(id)
}

func (q *Queue) stateLocked(id int64) holdState {
	if _, ok := q.current[id]; ok {
		return heldCurrent
	}
	for _, p := range q.pending {
		if p.ID == id {
			return heldPending
		}
	}
	if at, ok := q.parked[id]; ok && q.r.now().Sub(at) < parkTTL {
		return heldParked
	}
	return heldNone
}

// collectHeld adds every id this queue holds to dst, expiring stale parks.
func (q *Queue) collectHeld(dst map[int64]struct{}) {
	now := q.r.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.pending {
		dst[j.ID] = struct{}{}
	}
	for id := range q.current {
		dst[id] = struct{}{}
	}
	for id, at := range q.parked {
		if now.Sub(at) >= parkTTL {
			delete(q.parked, id)
			continue
		}
		dst[id] = struct{}{}
	}
}

func (q *Queue) stopAndClear() {
	q.mu.Lock()
	q.running = false
	q.pending = nil
	q.parked = map[int64]time.Time{}
	q.deferrals = map[int64]deferralRecord{}
	q.mu.Unlock()
}

// waitDrained returns a channel closed the next time the queue drains.
func (q *Queue) waitDrained() <-chan struct{} {
	ch := make(chan struct{})
	q.mu.Lock()
	q.drainWaiters = append(q.drainWaiters, ch)
	q.mu.Unlock()
	return ch
}

func (q *Queue) isCurrent(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.current[id]
	return ok
}

func (q *Queue) afterCurrent(id int64, fn func(Outcome)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.current[id]; !ok {
		return false
	}
	q.callbacks[id] = append(q.callbacks[id], fn)
	return true
}

func (q *Queue) hasWork(probe job.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.pending {
		if j.SameWork(probe) {
			return true
		}
	}
	for _, j := range q.current {
		if j.SameWork(probe) {
			return true
		}
	}
	return false
}

func (q *Queue) currentDetails(v job.Variant, dst map[int64][]byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, j := range q.current {
		if j.Variant == v {
			dst[id] = append([]byte(nil), j.Payload...)
		}
	}
}

func (q *Queue) snapshot() QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := QueueSnapshot{
		Name:        q.name,
		Variants:    make([]string, 0, len(q.variants)),
		Running:     q.running,
		Pending:     len(q.pending),
		Parked:      len(q.parked),
		CurrentJobs: make([]int64, 0, len(q.current)),
		NextTrigger: q.nextTrigger,
		History:     append([]HistoryItem(nil), q.history...),
	}
	for _, v := range q.variants {
		s.Variants = append(s.Variants, v.String())
	}
	for id := range q.current {
		s.CurrentJobs = append(s.CurrentJobs, id)
	}
	return s
}

func jobFields(j job.Job) []logx.Field {
	return []logx.Field{
		logx.Int64("job_id", j.ID),
		logx.String("variant", j.Variant.String()),
		logx.String("behaviour", j.Behaviour.String()),
		logx.Int("failure_count", j.FailureCount),
	}
}

func since(now, started time.Time) time.Duration {
	if started.IsZero() {
		return 0
	}
	if d := now.Sub(started); d > 0 {
		return d
	}
	return 0
}
