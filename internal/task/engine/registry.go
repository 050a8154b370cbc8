package engine

import (
	"context"
	"sync"

	"jobrunner/internal/job"
)

// Executor performs the work of one job variant.
type Executor interface {
	// MaxFailureCount is the retry ceiling; -1 retries forever.
	MaxFailureCount() int
	RequiresThreadID() bool
	RequiresInteractionID() bool
	// Run executes j and reports exactly one Result. It may block; ctx is
	// cancelled on shutdown or when the queue's execution timeout elapses.
	Run(ctx context.Context, j job.Job) Result
}

// ExecutorFunc adapts a function plus static metadata to Executor.
type ExecutorFunc struct {
	MaxFailures        int
	NeedsThreadID      bool
	NeedsInteractionID bool
	Fn                 func(ctx context.Context, j job.Job) Result
}

func (e ExecutorFunc) MaxFailureCount() int        { return e.MaxFailures }
func (e ExecutorFunc) RequiresThreadID() bool      { return e.NeedsThreadID }
func (e ExecutorFunc) RequiresInteractionID() bool { return e.NeedsInteractionID }
func (e ExecutorFunc) Run(ctx context.Context, j job.Job) Result {
	if e.Fn == nil {
		return PermanentFailure(j, ErrExecutorMissing)
	}
	return e.Fn(ctx, j)
}

// Registry maps variants to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[job.Variant]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[job.Variant]Executor{}}
}

// Register replaces any executor previously registered for v.
// A nil executor removes the registration.
func (r *Registry) Register(v job.Variant, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e == nil {
		delete(r.executors, v)
		return
	}
	r.executors[v] = e
}

func (r *Registry) Lookup(v job.Variant) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	e, ok := r.executors[v]
	r.mu.RUnlock()
	return e, ok
}

// Variants lists the variants that currently have an executor.
func (r *Registry) Variants() []job.Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]job.Variant, 0, len(r.executors))
	for _, v := range job.Variants() {
		if _, ok := r.executors[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
