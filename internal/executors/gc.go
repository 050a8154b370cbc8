package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"jobrunner/internal/job"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/engine"
	logx "jobrunner/pkg/logx"
)

// CollectType names one kind of garbage the collector removes.
type CollectType string

const (
	// OrphanedJobs are jobs with a dependency on a job that no longer exists.
	// They could never run.
	OrphanedJobs CollectType = "orphaned_jobs"
	// ExhaustedLaunchJobs are launch/active jobs whose failure count already
	// reached their executor's limit, e.g. after the limit was lowered.
	ExhaustedLaunchJobs CollectType = "exhausted_launch_jobs"
)

func AllCollectTypes() []CollectType { return []CollectType{OrphanedJobs, ExhaustedLaunchJobs} }

// GCDetails is the optional JSON payload of a garbage collection job.
// An empty payload collects every type.
type GCDetails struct {
	Types []CollectType `json:"types,omitempty"`
}

// DefaultActiveInterval throttles collections triggered by became-active.
const DefaultActiveInterval = 23 * time.Hour

// GarbageCollection removes persisted jobs that can never complete.
type GarbageCollection struct {
	Store    storage.Store
	Registry *engine.Registry
	// Forget drops removed jobs from the in-memory queues (typically Runner.RemovePendingJob).
	Forget func(job.Job)
	Log    logx.Logger

	// ActiveInterval is the minimum spacing between runs triggered by a
	// recurringOnActive job; 0 means DefaultActiveInterval.
	ActiveInterval time.Duration
	Now            func() time.Time

	mu      sync.Mutex
	lastRun time.Time
}

func (g *GarbageCollection) MaxFailureCount() int        { return -1 }
func (g *GarbageCollection) RequiresThreadID() bool      { return false }
func (g *GarbageCollection) RequiresInteractionID() bool { return false }

func (g *GarbageCollection) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *GarbageCollection) Run(ctx context.Context, j job.Job) engine.Result {
	types, err := parseGCDetails(j.Payload)
	if err != nil {
		return engine.PermanentFailure(j, err)
	}

	now := g.now()
	if j.Behaviour == job.RecurringOnActive && !g.due(now) {
		g.Log.Debug("garbage collection skipped, ran recently", logx.Int64("job_id", j.ID))
		return engine.Success(j)
	}

	var removed []job.Job
	err = g.Store.Write(ctx, func(tx storage.Tx) error {
		removed = removed[:0]
		for _, t := range types {
			var (
				ids []int64
				err error
			)
			switch t {
			case OrphanedJobs:
				ids, err = tx.BrokenDependants()
			case ExhaustedLaunchJobs:
				ids, err = g.exhaustedLaunchJobs(tx)
			}
			if err != nil {
				return fmt.Errorf("collect %s: %w", t, err)
			}
			for _, id := range ids {
				victim, ok, err := tx.FetchJob(id)
				if err != nil {
					return err
				}
				if !ok || victim.ID == j.ID {
					continue
				}
				if err := tx.DeleteJob(id); err != nil {
					return err
				}
				removed = append(removed, victim)
			}
		}
		return nil
	})
	if err != nil {
		return engine.Failure(j, err)
	}

	for _, r := range removed {
		if g.Forget != nil {
			g.Forget(r)
		}
	}
	g.mu.Lock()
	g.lastRun = now
	g.mu.Unlock()

	ids := make([]int64, 0, len(removed))
	for _, r := range removed {
		ids = append(ids, r.ID)
	}
	g.Log.Info("garbage collection finished", logx.Int("removed", len(removed)), logx.Int64s("job_ids", ids))
	return engine.Success(j)
}

func (g *GarbageCollection) due(now time.Time) bool {
	iv := g.ActiveInterval
	if iv <= 0 {
		iv = DefaultActiveInterval
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastRun.IsZero() || now.Sub(g.lastRun) >= iv
}

func (g *GarbageCollection) exhaustedLaunchJobs(tx storage.Tx) ([]int64, error) {
	jobs, err := tx.JobsByBehaviour(job.RecurringOnLaunch, job.RecurringOnActive)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, j := range jobs {
		limit := 0
		if g.Registry != nil {
			if exec, ok := g.Registry.Lookup(j.Variant); ok {
				limit = exec.MaxFailureCount()
			}
		}
		if limit >= 0 && j.FailureCount > 0 && j.FailureCount >= limit {
			out = append(out, j.ID)
		}
	}
	return out, nil
}

func parseGCDetails(payload []byte) ([]CollectType, error) {
	if len(payload) == 0 {
		return AllCollectTypes(), nil
	}
	var d GCDetails
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode garbage collection details: %w", err)
	}
	if len(d.Types) == 0 {
		return AllCollectTypes(), nil
	}
	for _, t := range d.Types {
		switch t {
		case OrphanedJobs, ExhaustedLaunchJobs:
		default:
			return nil, fmt.Errorf("unknown garbage collection type %q", t)
		}
	}
	return d.Types, nil
}
