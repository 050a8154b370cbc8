package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/job"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"

	rtsup "jobrunner/internal/runtime/supervisor"
)

// Runner coordinates the queues: it routes jobs by variant, runs the startup
// sequences, and exposes the submission API.
type Runner struct {
	store    storage.Store
	registry *Registry
	opts     Options
	log      logx.Logger
	bus      eventbus.Bus
	session  string

	queues    []*Queue // named queues, then general
	byVariant map[job.Variant]*Queue
	blocking  *Queue

	// routeMu serializes placing jobs into in-memory lists so that no job is
	// ever held by two queues. Lock order: routeMu, then Queue.mu.
	routeMu sync.Mutex

	mu                sync.Mutex
	sup               *rtsup.Supervisor
	closed            bool
	launched          bool
	becameActive      bool
	completedBlocking map[int64]struct{}
}

// New validates the queue layout and builds a Runner. Call Run to start the workers.
func New(store storage.Store, registry *Registry, opts Options) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrQueueConfig)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	opts = opts.withDefaults()

	r := &Runner{
		store:             store,
		registry:          registry,
		opts:              opts,
		log:               opts.Log.With(logx.String("comp", "jobrunner")),
		bus:               opts.Bus,
		session:           uuid.NewString(),
		byVariant:         map[job.Variant]*Queue{},
		completedBlocking: map[int64]struct{}{},
	}

	seen := map[string]struct{}{GeneralQueue: {}, BlockingQueue: {}}
	for _, spec := range opts.Queues {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: queue name is required", ErrQueueConfig)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate or reserved queue name %q", ErrQueueConfig, name)
		}
		seen[name] = struct{}{}
		if len(spec.Variants) == 0 {
			return nil, fmt.Errorf("%w: queue %q has no variants", ErrQueueConfig, name)
		}
		q := newQueue(r, name, spec.Variants, false)
		for _, v := range spec.Variants {
			if !v.Valid() {
				return nil, fmt.Errorf("%w: queue %q: %w", ErrQueueConfig, name, ErrUnknownVariant)
			}
			if other, taken := r.byVariant[v]; taken {
				return nil, fmt.Errorf("%w: variant %s claimed by %q and %q", ErrQueueConfig, v, other.name, name)
			}
			r.byVariant[v] = q
		}
		r.queues = append(r.queues, q)
	}

	var rest []job.Variant
	for _, v := range job.Variants() {
		if _, ok := r.byVariant[v]; !ok {
			rest = append(rest, v)
		}
	}
	general := newQueue(r, GeneralQueue, rest, false)
	for _, v := range rest {
		r.byVariant[v] = general
	}
	r.queues = append(r.queues, general)

	r.blocking = newQueue(r, BlockingQueue, nil, true)
	r.blocking.onDrained = r.startAll

	return r, nil
}

// Session identifies this process's run; blocking jobs complete once per session.
func (r *Runner) Session() string { return r.session }

func (r *Runner) Registry() *Registry { return r.registry }

// Run starts one worker per queue. It is idempotent and returns immediately.
func (r *Runner) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.sup != nil {
		return nil
	}

	r.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log))
	for _, q := range r.allQueues() {
		r.sup.GoRestart("queue."+q.name, q.loop,
			rtsup.WithRestartBackoff(100*time.Millisecond, 10*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}
	r.log.Info("job runner started", logx.String("session", r.session), logx.Int("queues", len(r.queues)+1))
	return nil
}

// Close stops the workers. Jobs still executing get their context cancelled;
// their results are still recorded.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sup := r.sup
	r.mu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	r.log.Info("job runner stopped")
	return err
}

// Supervisor exposes worker goroutine stats (nil before Run).
func (r *Runner) Supervisor() *rtsup.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}

func (r *Runner) allQueues() []*Queue {
	return append([]*Queue{r.blocking}, r.queues...)
}

func (r *Runner) queueFor(v job.Variant) *Queue {
	if q, ok := r.byVariant[v]; ok {
		return q
	}
	return r.queues[len(r.queues)-1]
}

// Queue returns the queue owning v.
func (r *Runner) Queue(v job.Variant) *Queue { return r.queueFor(v) }

func (r *Runner) now() time.Time { return r.opts.Now() }

func (r *Runner) isPrimary() bool { return r.opts.Primary.IsPrimary() }

func (r *Runner) startAll() {
	for _, q := range r.queues {
		q.Start()
	}
}

func (r *Runner) markBlockingCompleted(id int64) {
	r.mu.Lock()
	r.completedBlocking[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) blockingDone(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.completedBlocking[id]
	return ok
}

func (r *Runner) heldIDs() map[int64]struct{} {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()
	return r.heldIDsLocked()
}

func (r *Runner) heldIDsLocked() map[int64]struct{} {
	held := map[int64]struct{}{}
	for _, q := range r.allQueues() {
		q.collectHeld(held)
	}
	return held
}

// holderLocked finds the queue holding id. Caller holds routeMu.
func (r *Runner) holderLocked(id int64) (*Queue, holdState) {
	for _, q := range r.allQueues() {
		if st := q.state(id); st != heldNone {
			return q, st
		}
	}
	return nil, heldNone
}

// placeDependencies arranges for j's dependencies to run before it and returns
// other queues that must be started.
func (r *Runner) placeDependencies(q *Queue, j job.Job, deps []job.Job) []*Queue {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()

	var (
		missing []job.Job
		starts  []*Queue
		park    bool
		depIDs  = make(map[int64]struct{}, len(deps))
	)
	for _, d := range deps {
		depIDs[d.ID] = struct{}{}
		holder, st := r.holderLocked(d.ID)
		switch {
		case holder == q && st == heldPending:
			// Already ahead of us or will be after re-ordering.
		case holder != nil && q.blocking && st == heldPending:
			// The blocking queue pulls prerequisites in so they run before the gate opens.
			holder.removePending(d.ID)
			missing = append(missing, d)
		case holder != nil:
			park = true
		case q.blocking || r.queueFor(d.Variant) == q:
			missing = append(missing, d)
		default:
			owner := r.queueFor(d.Variant)
			owner.pushFront(d)
			starts = append(starts, owner)
			park = true
		}
	}

	if park {
		// Another queue owns a dependency; its completion wakes j.
		for _, m := range missing {
			q.pushFront(m)
		}
		q.park(j.ID)
		return starts
	}
	q.requeueBehind(j, missing, depIDs)
	return starts
}

// wakeDependants re-queues jobs that were waiting on a finished dependency.
func (r *Runner) wakeDependants(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	var jobs []job.Job
	err := r.store.Read(ctx, func(tx storage.Tx) error {
		for _, id := range ids {
			j, ok, err := tx.FetchJob(id)
			if err != nil {
				return err
			}
			if ok {
				jobs = append(jobs, j)
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error("load dependants failed", logx.Err(err))
		return
	}

	starts := map[*Queue]struct{}{}
	r.routeMu.Lock()
	for _, j := range jobs {
		holder, st := r.holderLocked(j.ID)
		switch st {
		case heldParked:
			holder.unpark(j.ID)
			holder.pushFront(j)
			starts[holder] = struct{}{}
		case heldNone:
			starts[r.queueFor(j.Variant)] = struct{}{}
		}
	}
	r.routeMu.Unlock()

	for q := range starts {
		q.Start()
	}
}

// dropJobs removes ids from every in-memory list.
func (r *Runner) dropJobs(ids []int64) {
	if len(ids) == 0 {
		return
	}
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.routeMu.Lock()
	for _, q := range r.allQueues() {
		q.removeJobs(set)
	}
	r.routeMu.Unlock()
}

func (r *Runner) publish(typ string, q *Queue, j job.Job, mut func(*JobEvent)) {
	if r.bus == nil {
		return
	}
	e := JobEvent{ID: j.ID, Queue: q.name, FailureCount: j.FailureCount}
	if j.Variant.Valid() {
		e.Variant = j.Variant.String()
	}
	if mut != nil {
		mut(&e)
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: r.now(), Data: e})
}

// ---- startup sequences ----

// AppDidFinishLaunching runs the cold launch sequence: launch jobs flagged as
// blocking go to the blocking queue, which starts now; the rest wait in their
// queues until the blocking queue drains.
func (r *Runner) AppDidFinishLaunching(ctx context.Context) error {
	var jobs []job.Job
	err := r.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		jobs, err = tx.JobsByBehaviour(job.RecurringOnLaunch, job.RunOnceNextLaunch)
		return err
	})
	if err != nil {
		return fmt.Errorf("load launch jobs: %w", err)
	}

	r.mu.Lock()
	r.launched = true
	r.mu.Unlock()

	var blocking, other []job.Job
	for _, j := range jobs {
		if j.ShouldBlock {
			blocking = append(blocking, j)
		} else {
			other = append(other, j)
		}
	}
	r.distribute(blocking, other)

	r.log.Info("cold launch", logx.Int("blocking", len(blocking)), logx.Int("other", len(other)))
	r.blocking.Start()
	return nil
}

// AppDidBecomeActive runs the became-active sequence.
func (r *Runner) AppDidBecomeActive(ctx context.Context) error {
	r.mu.Lock()
	first := !r.becameActive
	r.becameActive = true
	r.mu.Unlock()

	anyRunning := false
	for _, q := range r.allQueues() {
		if q.IsRunning() {
			anyRunning = true
			break
		}
	}

	behaviours := []job.Behaviour{job.RecurringOnActive}
	if !anyRunning {
		behaviours = append(behaviours, job.RunOnce, job.Recurring)
	}
	var jobs []job.Job
	err := r.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		jobs, err = tx.JobsByBehaviour(behaviours...)
		return err
	})
	if err != nil {
		return fmt.Errorf("load active jobs: %w", err)
	}

	now := r.now()
	var blocking, other []job.Job
	for _, j := range jobs {
		if j.Behaviour == job.RecurringOnActive {
			if first && j.ShouldSkipLaunchBecomeActive {
				continue
			}
		} else if !j.EligibleAt(now) {
			continue
		}
		if j.ShouldBlock && !r.blockingDone(j.ID) {
			if anyRunning {
				continue
			}
			blocking = append(blocking, j)
			continue
		}
		other = append(other, j)
	}
	r.distribute(blocking, other)

	r.log.Info("became active",
		logx.Bool("already_running", anyRunning),
		logx.Int("blocking", len(blocking)),
		logx.Int("other", len(other)),
	)
	if !anyRunning {
		r.blocking.Start()
	}
	return nil
}

func (r *Runner) distribute(blocking, other []job.Job) {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()

	held := r.heldIDsLocked()
	fresh := func(jobs []job.Job) []job.Job {
		out := make([]job.Job, 0, len(jobs))
		for _, j := range jobs {
			if _, ok := held[j.ID]; !ok {
				out = append(out, j)
			}
		}
		return out
	}
	r.blocking.appendAll(fresh(blocking))

	byQueue := map[*Queue][]job.Job{}
	for _, j := range fresh(other) {
		q := r.queueFor(j.Variant)
		byQueue[q] = append(byQueue[q], j)
	}
	for q, jobs := range byQueue {
		q.appendAll(jobs)
	}
}
