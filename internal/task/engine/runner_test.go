package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/job"
	"jobrunner/internal/storage"
)

type switchPrimary struct{ on atomic.Bool }

func (p *switchPrimary) IsPrimary() bool { return p.on.Load() }

type harness struct {
	r   *Runner
	st  storage.Store
	reg *Registry
	bus eventbus.Bus
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	st := storage.NewMemory()
	reg := NewRegistry()
	bus := eventbus.New()
	if opts.MinTriggerDelay == 0 {
		opts.MinTriggerDelay = 10 * time.Millisecond
	}
	if opts.RetryInterval == nil {
		opts.RetryInterval = func(int) time.Duration { return 10 * time.Millisecond }
	}
	opts.Bus = bus

	r, err := New(st, reg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = r.Close(sctx)
	})
	return &harness{r: r, st: st, reg: reg, bus: bus}
}

func (h *harness) add(t *testing.T, j job.Job, canStart bool) job.Job {
	t.Helper()
	out, err := h.r.AddJob(context.Background(), j, canStart)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	return out
}

func (h *harness) fetch(t *testing.T, id int64) (job.Job, bool) {
	t.Helper()
	var (
		j  job.Job
		ok bool
	)
	err := h.st.Read(context.Background(), func(tx storage.Tx) error {
		var err error
		j, ok, err = tx.FetchJob(id)
		return err
	})
	if err != nil {
		t.Fatalf("FetchJob: %v", err)
	}
	return j, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string, id int64) JobEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e := <-ch:
			je, _ := e.Data.(JobEvent)
			if e.Type == typ && je.ID == id {
				return je
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s on job %d", typ, id)
		}
	}
}

type recorder struct {
	mu    sync.Mutex
	order []int64
}

func (r *recorder) note(id int64) {
	r.mu.Lock()
	r.order = append(r.order, id)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.order...)
}

func succeedInto(rec *recorder) Executor {
	return ExecutorFunc{MaxFailures: 3, Fn: func(_ context.Context, j job.Job) Result {
		rec.note(j.ID)
		return Success(j)
	}}
}

func TestMissingExecutorRemovesJob(t *testing.T) {
	h := newHarness(t, Options{})
	events, unsub := h.bus.Subscribe(64, "job.")
	defer unsub()

	j := h.add(t, job.Job{Variant: job.MessageSend, Behaviour: job.RunOnce}, true)

	ev := waitEvent(t, events, EventJobFailed, j.ID)
	if ev.Error != ErrExecutorMissing.Error() || !ev.Permanent {
		t.Fatalf("failure event = %+v, want permanent %q", ev, ErrExecutorMissing)
	}
	waitFor(t, "job removal", func() bool {
		_, ok := h.fetch(t, j.ID)
		return !ok
	})
}

func TestRunOnceSucceedsAndIsDeleted(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	h.reg.Register(job.MessageReceive, succeedInto(rec))

	j := h.add(t, job.Job{Variant: job.MessageReceive, Behaviour: job.RunOnce, Payload: []byte("x")}, true)

	waitFor(t, "job removal", func() bool {
		_, ok := h.fetch(t, j.ID)
		return !ok
	})
	if got := rec.snapshot(); len(got) != 1 || got[0] != j.ID {
		t.Fatalf("runs = %v, want [%d]", got, j.ID)
	}
}

func TestRetriesStopAtMaxFailureCount(t *testing.T) {
	h := newHarness(t, Options{})
	var runs atomic.Int32
	h.reg.Register(job.Generic, ExecutorFunc{MaxFailures: 3, Fn: func(_ context.Context, j job.Job) Result {
		runs.Add(1)
		return Failure(j, errors.New("downstream unavailable"))
	}})

	j := h.add(t, job.Job{Variant: job.Generic, Behaviour: job.RunOnce}, true)

	waitFor(t, "job removal", func() bool {
		_, ok := h.fetch(t, j.ID)
		return !ok
	})
	time.Sleep(100 * time.Millisecond)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestRetryPersistsBackoff(t *testing.T) {
	h := newHarness(t, Options{RetryInterval: func(int) time.Duration { return time.Hour }})
	events, unsub := h.bus.Subscribe(64, "job.")
	defer unsub()
	h.reg.Register(job.Generic, ExecutorFunc{MaxFailures: -1, Fn: func(_ context.Context, j job.Job) Result {
		return Failure(j, errors.New("nope"))
	}})

	before := time.Now()
	j := h.add(t, job.Job{Variant: job.Generic, Behaviour: job.RunOnce}, true)
	waitEvent(t, events, EventJobRetryScheduled, j.ID)

	got, ok := h.fetch(t, j.ID)
	if !ok {
		t.Fatalf("job %d vanished", j.ID)
	}
	if got.FailureCount != 1 {
		t.Fatalf("FailureCount = %d, want 1", got.FailureCount)
	}
	if got.NextRunTimestamp.Before(before.Add(59 * time.Minute)) {
		t.Fatalf("NextRunTimestamp = %v, want about an hour out", got.NextRunTimestamp)
	}
}

func TestNoRetryFailureIsPermanent(t *testing.T) {
	h := newHarness(t, Options{})
	var runs atomic.Int32
	h.reg.Register(job.Generic, ExecutorFunc{MaxFailures: -1, Fn: func(_ context.Context, j job.Job) Result {
		runs.Add(1)
		return Failure(j, NoRetry(errors.New("bad payload")))
	}})

	j := h.add(t, job.Job{Variant: job.Generic, Behaviour: job.RunOnce}, true)
	waitFor(t, "job removal", func() bool {
		_, ok := h.fetch(t, j.ID)
		return !ok
	})
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestDependantRunsDirectlyAfterDependency(t *testing.T) {
	h := newHarness(t, Options{})
	events, unsub := h.bus.Subscribe(64, "job.")
	defer unsub()
	rec := &recorder{}
	h.reg.Register(job.MessageSend, succeedInto(rec))

	var a, b job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		if a, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		if b, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		return h.r.AddDependency(tx, job.Dependency{DependantID: a.ID, JobID: b.ID})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	h.r.Queue(job.MessageSend).Start()

	waitEvent(t, events, EventJobDeferred, a.ID)
	waitFor(t, "both jobs", func() bool { return len(rec.snapshot()) == 2 })
	if got := rec.snapshot(); got[0] != b.ID || got[1] != a.ID {
		t.Fatalf("run order = %v, want [%d %d]", got, b.ID, a.ID)
	}
}

func TestCrossQueueDependency(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	h.reg.Register(job.MessageSend, succeedInto(rec))
	h.reg.Register(job.AttachmentDownload, succeedInto(rec))

	var a, b job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		if a, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		if b, err = h.r.Add(tx, job.Job{Variant: job.AttachmentDownload}, false); err != nil {
			return err
		}
		return h.r.AddDependency(tx, job.Dependency{DependantID: a.ID, JobID: b.ID})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	h.r.Queue(job.MessageSend).Start()

	waitFor(t, "both jobs", func() bool { return len(rec.snapshot()) == 2 })
	if got := rec.snapshot(); got[0] != b.ID || got[1] != a.ID {
		t.Fatalf("run order = %v, want [%d %d]", got, b.ID, a.ID)
	}
}

func TestBrokenDependencyRemovesJobWithoutRunning(t *testing.T) {
	h := newHarness(t, Options{})
	events, unsub := h.bus.Subscribe(64, "job.")
	defer unsub()
	rec := &recorder{}
	h.reg.Register(job.MessageSend, succeedInto(rec))

	var a, x job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		if x, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		if a, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		return h.r.AddDependency(tx, job.Dependency{DependantID: a.ID, JobID: x.ID})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := h.st.Write(context.Background(), func(tx storage.Tx) error { return tx.DeleteJob(x.ID) }); err != nil {
		t.Fatalf("delete dependency: %v", err)
	}

	h.r.Queue(job.MessageSend).Start()

	ev := waitEvent(t, events, EventJobFailed, a.ID)
	if ev.Error != ErrMissingDependencies.Error() || !ev.Permanent {
		t.Fatalf("failure event = %+v", ev)
	}
	if _, ok := h.fetch(t, a.ID); ok {
		t.Fatalf("job %d still persisted", a.ID)
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("executor ran %v, want nothing", got)
	}
}

func TestRecurringSuccessMovesScheduleForward(t *testing.T) {
	h := newHarness(t, Options{})
	events, unsub := h.bus.Subscribe(64, "job.")
	defer unsub()

	var finished atomic.Int64
	h.reg.Register(job.GarbageCollection, ExecutorFunc{MaxFailures: -1, Fn: func(_ context.Context, j job.Job) Result {
		finished.Store(time.Now().UnixNano())
		return Success(j)
	}})

	j := h.add(t, job.Job{Variant: job.GarbageCollection, Behaviour: job.Recurring}, true)
	waitEvent(t, events, EventJobSucceeded, j.ID)

	got, ok := h.fetch(t, j.ID)
	if !ok {
		t.Fatalf("recurring job %d deleted", j.ID)
	}
	successAt := time.Unix(0, finished.Load())
	if !got.NextRunTimestamp.After(successAt) {
		t.Fatalf("NextRunTimestamp = %v, want after %v", got.NextRunTimestamp, successAt)
	}
}

func TestRecurringStopsWhenAsked(t *testing.T) {
	h := newHarness(t, Options{})
	h.reg.Register(job.GarbageCollection, ExecutorFunc{MaxFailures: -1, Fn: func(_ context.Context, j job.Job) Result {
		return SuccessAndStop(j)
	}})

	j := h.add(t, job.Job{Variant: job.GarbageCollection, Behaviour: job.Recurring}, true)
	waitFor(t, "job removal", func() bool {
		_, ok := h.fetch(t, j.ID)
		return !ok
	})
}

func TestRunOnceNextLaunchWaitsForColdLaunch(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	h.reg.Register(job.UpdateProfilePicture, succeedInto(rec))

	j := h.add(t, job.Job{Variant: job.UpdateProfilePicture, Behaviour: job.RunOnceNextLaunch}, true)

	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("next-launch job ran mid-session: %v", got)
	}
	if _, ok := h.fetch(t, j.ID); !ok {
		t.Fatalf("next-launch job not persisted")
	}
	if n := h.r.Queue(job.UpdateProfilePicture).snapshot().Pending; n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}

	if err := h.r.AppDidFinishLaunching(context.Background()); err != nil {
		t.Fatalf("AppDidFinishLaunching: %v", err)
	}
	waitFor(t, "next-launch job run", func() bool { return len(rec.snapshot()) == 1 })
}

func TestAtMostOneRunningPerQueue(t *testing.T) {
	h := newHarness(t, Options{})
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		done     atomic.Int32
	)
	h.reg.Register(job.MessageSend, ExecutorFunc{MaxFailures: 1, Fn: func(_ context.Context, j job.Job) Result {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		done.Add(1)
		return Success(j)
	}})

	for i := 0; i < 10; i++ {
		h.add(t, job.Job{Variant: job.MessageSend}, true)
		h.r.Queue(job.MessageSend).Start()
	}
	waitFor(t, "all jobs", func() bool { return done.Load() == 10 })
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak concurrency = %d, want 1", got)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{})
	var runs atomic.Int32
	h.reg.Register(job.Generic, ExecutorFunc{MaxFailures: 1, Fn: func(_ context.Context, j job.Job) Result {
		runs.Add(1)
		return Success(j)
	}})

	j := h.add(t, job.Job{Variant: job.Generic}, false)
	q := h.r.Queue(job.Generic)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Start()
		}()
	}
	wg.Wait()

	waitFor(t, "job removal", func() bool {
		_, ok := h.fetch(t, j.ID)
		return !ok
	})
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestBlockingJobRunsBeforeOtherQueues(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	var attempts atomic.Int32
	h.reg.Register(job.Generic, ExecutorFunc{MaxFailures: 1, Fn: func(_ context.Context, j job.Job) Result {
		if attempts.Add(1) < 3 {
			return Failure(j, errors.New("not ready"))
		}
		rec.note(j.ID)
		return Success(j)
	}})
	h.reg.Register(job.MessageSend, succeedInto(rec))

	gate := h.add(t, job.Job{Variant: job.Generic, Behaviour: job.RecurringOnLaunch, ShouldBlock: true}, false)
	other := h.add(t, job.Job{Variant: job.MessageSend}, false)

	if err := h.r.AppDidFinishLaunching(context.Background()); err != nil {
		t.Fatalf("AppDidFinishLaunching: %v", err)
	}
	waitFor(t, "both jobs", func() bool { return len(rec.snapshot()) == 2 })

	if got := rec.snapshot(); got[0] != gate.ID || got[1] != other.ID {
		t.Fatalf("run order = %v, want [%d %d]", got, gate.ID, other.ID)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("blocking attempts = %d, want 3", got)
	}
	g, ok := h.fetch(t, gate.ID)
	if !ok || g.FailureCount != 0 || !g.NextRunTimestamp.IsZero() {
		t.Fatalf("launch job after success = %+v (exists=%v)", g, ok)
	}
}

func TestDeferralLoopBecomesFailure(t *testing.T) {
	h := newHarness(t, Options{RetryInterval: func(int) time.Duration { return time.Hour }})
	events, unsub := h.bus.Subscribe(256, "job.")
	defer unsub()
	h.reg.Register(job.Generic, ExecutorFunc{MaxFailures: -1, Fn: func(_ context.Context, j job.Job) Result {
		return Defer(j)
	}})

	j := h.add(t, job.Job{Variant: job.Generic}, true)
	ev := waitEvent(t, events, EventJobFailed, j.ID)
	if ev.Error != ErrPossibleDeferralLoop.Error() || ev.Permanent {
		t.Fatalf("failure event = %+v", ev)
	}
}

func TestPanickingExecutorIsRetried(t *testing.T) {
	h := newHarness(t, Options{})
	var runs atomic.Int32
	h.reg.Register(job.Generic, ExecutorFunc{MaxFailures: 5, Fn: func(_ context.Context, j job.Job) Result {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return Success(j)
	}})

	j := h.add(t, job.Job{Variant: job.Generic}, true)
	waitFor(t, "job removal", func() bool {
		_, ok := h.fetch(t, j.ID)
		return !ok
	})
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}
}

func TestRunningJobIntrospection(t *testing.T) {
	h := newHarness(t, Options{})
	release := make(chan struct{})
	entered := make(chan struct{})
	h.reg.Register(job.AttachmentDownload, ExecutorFunc{MaxFailures: 1, Fn: func(_ context.Context, j job.Job) Result {
		close(entered)
		<-release
		return Success(j)
	}})

	j := h.add(t, job.Job{Variant: job.AttachmentDownload, Payload: []byte("att-1")}, true)
	<-entered

	if !h.r.IsCurrentlyRunning(j) {
		t.Fatalf("IsCurrentlyRunning = false, want true")
	}
	if !h.r.HasPendingOrRunningJob(job.AttachmentDownload, []byte("att-1")) {
		t.Fatalf("HasPendingOrRunningJob = false, want true")
	}
	if d := h.r.DetailsForCurrentlyRunningJobs(job.AttachmentDownload); string(d[j.ID]) != "att-1" {
		t.Fatalf("details = %v", d)
	}

	outcome := make(chan Outcome, 1)
	h.r.AfterCurrentlyRunning(j, func(o Outcome) { outcome <- o })
	close(release)

	select {
	case o := <-outcome:
		if o != OutcomeSucceeded {
			t.Fatalf("outcome = %v, want succeeded", o)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("callback never fired")
	}

	notRunning := make(chan Outcome, 1)
	h.r.AfterCurrentlyRunning(job.Job{ID: 999, Variant: job.Generic}, func(o Outcome) { notRunning <- o })
	if o := <-notRunning; o != OutcomeNotFound {
		t.Fatalf("outcome = %v, want not_found", o)
	}
}

func TestStopAndClearPendingJobs(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.reg.Register(job.MessageSend, ExecutorFunc{MaxFailures: 1, Fn: func(_ context.Context, j job.Job) Result {
		entered <- struct{}{}
		<-release
		rec.note(j.ID)
		return Success(j)
	}})

	var first, second job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		if first, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, true); err != nil {
			return err
		}
		second, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, true)
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	<-entered

	if err := h.r.StopAndClearPendingJobs(context.Background()); err != nil {
		t.Fatalf("StopAndClearPendingJobs: %v", err)
	}
	close(release)

	waitFor(t, "first job", func() bool { return len(rec.snapshot()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 || got[0] != first.ID {
		t.Fatalf("runs = %v, want only [%d]", got, first.ID)
	}
	if _, ok := h.fetch(t, second.ID); !ok {
		t.Fatalf("cleared job %d must stay persisted", second.ID)
	}
}

func TestNotPrimaryNeverStarts(t *testing.T) {
	primary := &switchPrimary{}
	h := newHarness(t, Options{Primary: primary})
	rec := &recorder{}
	h.reg.Register(job.Generic, succeedInto(rec))

	j := h.add(t, job.Job{Variant: job.Generic}, true)
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("secondary instance ran %v", got)
	}
	if h.r.Queue(job.Generic).IsRunning() {
		t.Fatalf("queue running on secondary instance")
	}

	primary.on.Store(true)
	h.r.Queue(job.Generic).Start()
	waitFor(t, "job run", func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot(); got[0] != j.ID {
		t.Fatalf("runs = %v, want [%d]", got, j.ID)
	}
}

func TestBecameActiveSkipsFlaggedJobOnce(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	h.reg.Register(job.SyncPushTokens, succeedInto(rec))

	var j job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		j, err = tx.InsertJob(job.Job{Variant: job.SyncPushTokens, Behaviour: job.RecurringOnActive, ShouldSkipLaunchBecomeActive: true})
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	idle := func() bool {
		for _, q := range h.r.allQueues() {
			if q.IsRunning() {
				return false
			}
		}
		return true
	}

	if err := h.r.AppDidBecomeActive(context.Background()); err != nil {
		t.Fatalf("AppDidBecomeActive: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	waitFor(t, "idle queues", idle)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("flagged job ran on first activation: %v", got)
	}

	if err := h.r.AppDidBecomeActive(context.Background()); err != nil {
		t.Fatalf("AppDidBecomeActive: %v", err)
	}
	waitFor(t, "second activation run", func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot(); got[0] != j.ID {
		t.Fatalf("runs = %v, want [%d]", got, j.ID)
	}
	if _, ok := h.fetch(t, j.ID); !ok {
		t.Fatalf("recurring-on-active job deleted after success")
	}
}

func TestInsertRejectsDeferredBehaviours(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		_, err := h.r.Insert(tx, job.Job{Variant: job.Generic, Behaviour: job.RunOnceNextLaunch}, job.Job{ID: 1, Variant: job.Generic})
		return err
	})
	if !errors.Is(err, ErrInsertNotAllowed) {
		t.Fatalf("Insert err = %v, want ErrInsertNotAllowed", err)
	}
}

func TestInsertRunsAheadOfExistingJob(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	h.reg.Register(job.MessageSend, succeedInto(rec))

	var first, second, ahead job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		if first, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		if second, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		ahead, err = h.r.Insert(tx, job.Job{Variant: job.MessageSend}, second)
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Insert queues [ahead, second] and starts; the reload appends first.
	waitFor(t, "three jobs", func() bool { return len(rec.snapshot()) == 3 })
	if got := rec.snapshot(); got[0] != ahead.ID || got[1] != second.ID || got[2] != first.ID {
		t.Fatalf("run order = %v, want [%d %d %d]", got, ahead.ID, second.ID, first.ID)
	}
}

func TestNewRejectsOverlappingQueues(t *testing.T) {
	t.Parallel()
	_, err := New(storage.NewMemory(), nil, Options{Queues: []QueueSpec{
		{Name: "a", Variants: []job.Variant{job.MessageSend}},
		{Name: "b", Variants: []job.Variant{job.MessageSend, job.MessageReceive}},
	}})
	if !errors.Is(err, ErrQueueConfig) {
		t.Fatalf("New err = %v, want ErrQueueConfig", err)
	}
	_, err = New(storage.NewMemory(), nil, Options{Queues: []QueueSpec{{Name: GeneralQueue, Variants: []job.Variant{job.Generic}}}})
	if !errors.Is(err, ErrQueueConfig) {
		t.Fatalf("reserved name err = %v, want ErrQueueConfig", err)
	}
}

func TestEveryVariantHasExactlyOneQueue(t *testing.T) {
	t.Parallel()
	r, err := New(storage.NewMemory(), nil, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, v := range job.Variants() {
		owners := 0
		for _, q := range r.queues {
			for _, qv := range q.variants {
				if qv == v {
					owners++
				}
			}
		}
		if owners != 1 {
			t.Fatalf("variant %s owned by %d queues, want 1", v, owners)
		}
	}
	if got := r.Queue(job.AttachmentUpload).Name(); got != "message_send" {
		t.Fatalf("attachment_upload queue = %q, want message_send", got)
	}
	if got := r.Queue(job.DisappearingMessages).Name(); got != GeneralQueue {
		t.Fatalf("disappearing_messages queue = %q, want %q", got, GeneralQueue)
	}
}

func TestDependencyCycleFailsWithoutBlockingQueue(t *testing.T) {
	h := newHarness(t, Options{RetryInterval: func(int) time.Duration { return time.Hour }})
	rec := &recorder{}
	h.reg.Register(job.MessageSend, succeedInto(rec))

	var a, b, c job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		if a, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		if b, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		if c, err = h.r.Add(tx, job.Job{Variant: job.MessageSend}, false); err != nil {
			return err
		}
		if err := h.r.AddDependency(tx, job.Dependency{DependantID: a.ID, JobID: b.ID}); err != nil {
			return err
		}
		return h.r.AddDependency(tx, job.Dependency{DependantID: b.ID, JobID: a.ID})
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	h.r.Queue(job.MessageSend).Start()

	waitFor(t, "unrelated job", func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot(); got[0] != c.ID {
		t.Fatalf("runs = %v, want [%d]", got, c.ID)
	}
	waitFor(t, "one side of the cycle to fail", func() bool {
		ja, _ := h.fetch(t, a.ID)
		jb, _ := h.fetch(t, b.ID)
		return ja.FailureCount+jb.FailureCount == 1
	})
	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("runs = %v, want only [%d]", got, c.ID)
	}
	for _, id := range []int64{a.ID, b.ID} {
		got, ok := h.fetch(t, id)
		if !ok {
			t.Fatalf("job %d removed, want it kept for retry", id)
		}
		if !got.NextRunTimestamp.After(time.Now().Add(30 * time.Minute)) {
			t.Fatalf("job %d NextRunTimestamp = %v, want pushed out by the retry", id, got.NextRunTimestamp)
		}
	}
}

func TestPointerResultIsHandled(t *testing.T) {
	h := newHarness(t, Options{})
	var runs atomic.Int32
	h.reg.Register(job.Generic, ExecutorFunc{MaxFailures: 3, Fn: func(_ context.Context, j job.Job) Result {
		runs.Add(1)
		return &Succeeded{Job: j}
	}})

	j := h.add(t, job.Job{Variant: job.Generic, Behaviour: job.RunOnce}, true)
	waitFor(t, "job removal", func() bool {
		_, ok := h.fetch(t, j.ID)
		return !ok
	})
	waitFor(t, "job to stop running", func() bool { return !h.r.IsCurrentlyRunning(j) })
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestNormalizeResult(t *testing.T) {
	t.Parallel()
	j := job.Job{ID: 7, Variant: job.Generic}
	tests := []struct {
		name string
		in   Result
		want string
	}{
		{"nil", nil, "failed"},
		{"nil succeeded pointer", (*Succeeded)(nil), "failed"},
		{"succeeded pointer", &Succeeded{Job: j}, "succeeded"},
		{"failed pointer", &Failed{Job: j, Err: errors.New("x")}, "failed"},
		{"deferred pointer", &Deferred{Job: j}, "deferred"},
		{"value", Defer(j), "deferred"},
	}
	for _, tt := range tests {
		var got string
		switch normalizeResult(j, tt.in).(type) {
		case Succeeded:
			got = "succeeded"
		case Failed:
			got = "failed"
		case Deferred:
			got = "deferred"
		}
		if got != tt.want {
			t.Fatalf("%s: normalizeResult = %s, want %s", tt.name, got, tt.want)
		}
	}
}

// blockFirst registers an executor on MessageSend that holds the first run
// until release is closed and records every payload it sees.
func blockFirst(h *harness, entered chan<- struct{}, release <-chan struct{}, seen *[]string, mu *sync.Mutex) {
	var first atomic.Bool
	h.reg.Register(job.MessageSend, ExecutorFunc{MaxFailures: 3, Fn: func(_ context.Context, j job.Job) Result {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		mu.Lock()
		*seen = append(*seen, string(j.Payload))
		mu.Unlock()
		return Success(j)
	}})
}

func TestUpsertReplacesQueuedCopy(t *testing.T) {
	h := newHarness(t, Options{})
	entered, release := make(chan struct{}), make(chan struct{})
	var (
		mu   sync.Mutex
		seen []string
	)
	blockFirst(h, entered, release, &seen, &mu)

	h.add(t, job.Job{Variant: job.MessageSend, Payload: []byte("head")}, true)
	<-entered
	queued := h.add(t, job.Job{Variant: job.MessageSend, Payload: []byte("old")}, true)

	queued.Payload = []byte("new")
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		_, err := h.r.Upsert(tx, queued, true)
		return err
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	close(release)

	waitFor(t, "both jobs", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[1] != "new" {
		t.Fatalf("payloads = %q, want [head new]", seen)
	}
}

func TestUpsertWithFutureRunWaits(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	h.reg.Register(job.Generic, succeedInto(rec))

	var j job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		j, err = tx.InsertJob(job.Job{Variant: job.Generic, Behaviour: job.RunOnce})
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	next := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	j.NextRunTimestamp = next
	err = h.st.Write(context.Background(), func(tx storage.Tx) error {
		_, err := h.r.Upsert(tx, j, true)
		return err
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("runs = %v, want none before %v", got, next)
	}
	got, ok := h.fetch(t, j.ID)
	if !ok {
		t.Fatalf("job %d vanished", j.ID)
	}
	if !got.NextRunTimestamp.Equal(next) {
		t.Fatalf("NextRunTimestamp = %v, want %v", got.NextRunTimestamp, next)
	}
}

func TestUpsertWithoutStartLeavesQueueIdle(t *testing.T) {
	h := newHarness(t, Options{})
	rec := &recorder{}
	h.reg.Register(job.Generic, succeedInto(rec))

	var j job.Job
	err := h.st.Write(context.Background(), func(tx storage.Tx) error {
		var err error
		j, err = tx.InsertJob(job.Job{Variant: job.Generic, Behaviour: job.RunOnce})
		return err
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	j.Payload = []byte("edited")
	err = h.st.Write(context.Background(), func(tx storage.Tx) error {
		_, err := h.r.Upsert(tx, j, false)
		return err
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("runs = %v, want none without canStart", got)
	}
	if h.r.Queue(job.Generic).IsRunning() {
		t.Fatalf("queue started without canStart")
	}
}

func TestJobDeletedWhileQueuedIsCancelled(t *testing.T) {
	h := newHarness(t, Options{})
	events, unsub := h.bus.Subscribe(64, "job.")
	defer unsub()
	entered, release := make(chan struct{}), make(chan struct{})
	var (
		mu   sync.Mutex
		seen []string
	)
	blockFirst(h, entered, release, &seen, &mu)

	h.add(t, job.Job{Variant: job.MessageSend, Payload: []byte("head")}, true)
	<-entered
	doomed := h.add(t, job.Job{Variant: job.MessageSend, Payload: []byte("doomed")}, true)
	if err := h.st.Write(context.Background(), func(tx storage.Tx) error { return tx.DeleteJob(doomed.ID) }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(release)

	waitEvent(t, events, EventJobCancelled, doomed.ID)
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "head" {
		t.Fatalf("payloads = %q, want only [head]", seen)
	}
}
