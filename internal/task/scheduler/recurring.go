package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"jobrunner/internal/job"
	"jobrunner/internal/task/engine"
)

type recurring struct {
	engine.Executor
	sched       cron.Schedule
	now         func() time.Time
	onExhausted func(job.Job)
}

// Recurring wraps exec so that each successful run of a recurring job is
// rescheduled to the next slot of sched. A schedule with no further slots
// stops the job.
func Recurring(exec engine.Executor, sched cron.Schedule) engine.Executor {
	return &recurring{Executor: exec, sched: sched, now: time.Now}
}

func (r *recurring) Run(ctx context.Context, j job.Job) engine.Result {
	res := r.Executor.Run(ctx, j)
	out, ok := res.(engine.Succeeded)
	if !ok || out.ShouldStop || j.Behaviour != job.Recurring {
		return res
	}
	if out.Job.ID == 0 {
		out.Job = j
	}
	next := r.sched.Next(r.now())
	if next.IsZero() {
		if r.onExhausted != nil {
			r.onExhausted(j)
		}
		out.ShouldStop = true
		return out
	}
	out.Job.NextRunTimestamp = next
	return out
}
