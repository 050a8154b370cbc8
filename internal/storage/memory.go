package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobrunner/internal/job"
)

// memoryStore keeps jobs in maps. Write transactions work on a copy that
// replaces the live state on commit, so a failed fn leaves nothing behind.
type memoryStore struct {
	mu     sync.RWMutex
	wmu    sync.Mutex
	state  *memState
	closed bool
}

type memState struct {
	nextID int64
	jobs   map[int64]job.Job
	deps   map[job.Dependency]struct{}
}

func (s *memState) clone() *memState {
	cp := &memState{
		nextID: s.nextID,
		jobs:   make(map[int64]job.Job, len(s.jobs)),
		deps:   make(map[job.Dependency]struct{}, len(s.deps)),
	}
	for id, j := range s.jobs {
		cp.jobs[id] = j.Clone()
	}
	for d := range s.deps {
		cp.deps[d] = struct{}{}
	}
	return cp
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{state: &memState{jobs: map[int64]job.Job{}, deps: map[job.Dependency]struct{}{}}}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Read(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	tx := &memTx{st: s.state, readOnly: true}
	err := fn(tx)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	for _, cb := range tx.afterCommit {
		cb()
	}
	return nil
}

func (s *memoryStore) Write(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	work := s.state.clone()
	s.mu.RUnlock()

	tx := &memTx{st: work}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()

	for _, cb := range tx.afterCommit {
		cb()
	}
	return nil
}

type memTx struct {
	st          *memState
	readOnly    bool
	afterCommit []func()
}

func (t *memTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *memTx) AfterCommit(fn func()) {
	if fn != nil {
		t.afterCommit = append(t.afterCommit, fn)
	}
}

func (t *memTx) InsertJob(j job.Job) (job.Job, error) {
	if err := t.writable(); err != nil {
		return j, err
	}
	t.st.nextID++
	j.ID = t.st.nextID
	j.NextRunTimestamp = truncMillis(j.NextRunTimestamp)
	t.st.jobs[j.ID] = j.Clone()
	return j, nil
}

func (t *memTx) UpdateJob(j job.Job) error {
	if err := t.writable(); err != nil {
		return err
	}
	if !j.Persisted() {
		return ErrNotPersisted
	}
	if _, ok := t.st.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	j.NextRunTimestamp = truncMillis(j.NextRunTimestamp)
	t.st.jobs[j.ID] = j.Clone()
	return nil
}

func (t *memTx) DeleteJob(id int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	delete(t.st.jobs, id)
	for d := range t.st.deps {
		if d.DependantID == id {
			delete(t.st.deps, d)
		}
	}
	return nil
}

func (t *memTx) JobExists(id int64) (bool, error) {
	_, ok := t.st.jobs[id]
	return ok, nil
}

func (t *memTx) FetchJob(id int64) (job.Job, bool, error) {
	j, ok := t.st.jobs[id]
	if !ok {
		return job.Job{}, false, nil
	}
	return j.Clone(), true, nil
}

func (t *memTx) sorted(keep func(job.Job) bool) []job.Job {
	out := make([]job.Job, 0)
	for _, j := range t.st.jobs {
		if keep(j) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (t *memTx) PendingJobs(q PendingQuery) ([]job.Job, error) {
	return t.sorted(q.matches), nil
}

func (t *memTx) NextRunTimestamp(q PendingQuery) (time.Time, bool, error) {
	q.ExcludeFuture = false
	jobs := t.sorted(q.matches)
	if len(jobs) == 0 {
		return time.Time{}, false, nil
	}
	best := jobs[0].NextRunTimestamp
	for _, j := range jobs[1:] {
		if j.NextRunTimestamp.Before(best) {
			best = j.NextRunTimestamp
		}
	}
	return best, true, nil
}

func (t *memTx) JobsByBehaviour(behaviours ...job.Behaviour) ([]job.Job, error) {
	return t.sorted(func(j job.Job) bool {
		for _, b := range behaviours {
			if j.Behaviour == b {
				return true
			}
		}
		return false
	}), nil
}

func (t *memTx) InsertDependency(d job.Dependency) error {
	if err := t.writable(); err != nil {
		return err
	}
	if d.DependantID == 0 || d.JobID == 0 {
		return ErrNotPersisted
	}
	if _, ok := t.st.jobs[d.DependantID]; !ok {
		return ErrNotFound
	}
	t.st.deps[d] = struct{}{}
	return nil
}

func (t *memTx) CountDependencies(dependantID int64) (int, error) {
	n := 0
	for d := range t.st.deps {
		if d.DependantID == dependantID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) DependenciesOf(dependantID int64) ([]job.Job, error) {
	ids := map[int64]struct{}{}
	for d := range t.st.deps {
		if d.DependantID == dependantID {
			ids[d.JobID] = struct{}{}
		}
	}
	return t.sorted(func(j job.Job) bool {
		_, ok := ids[j.ID]
		return ok
	}), nil
}

func (t *memTx) DependantsOf(jobID int64) ([]int64, error) {
	var out []int64
	for d := range t.st.deps {
		if d.JobID == jobID {
			out = append(out, d.DependantID)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out, nil
}

func (t *memTx) DeleteDependenciesOn(jobID int64) error {
	if err := t.writable(); err != nil {
		return err
	}
	for d := range t.st.deps {
		if d.JobID == jobID {
			delete(t.st.deps, d)
		}
	}
	return nil
}

func (t *memTx) BrokenDependants() ([]int64, error) {
	seen := map[int64]struct{}{}
	var out []int64
	for d := range t.st.deps {
		if _, ok := t.st.jobs[d.JobID]; ok {
			continue
		}
		if _, dup := seen[d.DependantID]; dup {
			continue
		}
		seen[d.DependantID] = struct{}{}
		out = append(out, d.DependantID)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out, nil
}

// truncMillis matches the sqlite driver's resolution.
func truncMillis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}
