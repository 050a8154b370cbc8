package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobrunner/internal/job"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/engine"
	logx "jobrunner/pkg/logx"
)

func New(cfg Config, runner *engine.Runner, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		runner: runner,
		store:  store,
		now:    time.Now,
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Add registers def and wraps the variant's executor so runs follow the
// schedule. Executors must be registered before their schedules.
func (s *Service) Add(def Def) error {
	if !def.Variant.Valid() {
		return fmt.Errorf("%w: %v", engine.ErrUnknownVariant, def.Variant)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.def.Variant == def.Variant {
			return fmt.Errorf("%w: %s", ErrDuplicateSchedule, def.Variant)
		}
	}

	loc := s.loc
	if tz := strings.TrimSpace(def.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("schedule %s: invalid timezone %q: %w", def.Variant, tz, err)
		}
		loc = l
	}
	sched, parsed, err := Compile(def.Spec, loc)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", def.Variant, err)
	}
	if sched.Next(s.now()).IsZero() {
		return fmt.Errorf("schedule %s: %w", def.Variant, ErrNeverFires)
	}

	reg := s.runner.Registry()
	exec, ok := reg.Lookup(def.Variant)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoExecutor, def.Variant)
	}
	rec := &recurring{Executor: exec, sched: sched, now: s.now}
	rec.onExhausted = func(j job.Job) {
		s.log.Warn("schedule exhausted, stopping recurring job", logx.Int64("job_id", j.ID), logx.String("variant", j.Variant.String()), logx.String("spec", def.Spec))
	}
	reg.Register(def.Variant, rec)

	s.defs = append(s.defs, scheduleDef{def: def, parsed: parsed, sched: sched, loc: loc})

	args := []logx.Field{logx.String("variant", def.Variant.String()), logx.String("spec", def.Spec), logx.String("tz", loc.String())}
	if next := s.previewNextRuns(sched, loc, 4); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Seed makes sure each registered schedule has a persisted recurring job.
// Existing jobs (same variant and payload) keep their timing. It returns the
// jobs it created.
func (s *Service) Seed(ctx context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var created []job.Job
	err := s.store.Write(ctx, func(tx storage.Tx) error {
		created = created[:0]
		existing, err := tx.JobsByBehaviour(job.Recurring)
		if err != nil {
			return err
		}
		for i := range s.defs {
			d := &s.defs[i]
			probe := job.Job{Variant: d.def.Variant, Payload: d.def.Payload}
			found := false
			for _, j := range existing {
				if j.SameWork(probe) {
					d.jobID = j.ID
					found = true
					break
				}
			}
			if found {
				continue
			}

			first := d.sched.Next(now)
			if d.parsed.Kind == SpecInterval {
				first, d.spread = spreadFirst(d.parsed.Every, now)
			}
			stored, err := s.runner.Add(tx, job.Job{
				Variant:          d.def.Variant,
				Behaviour:        job.Recurring,
				NextRunTimestamp: first,
				Payload:          append([]byte(nil), d.def.Payload...),
			}, true)
			if err != nil {
				return err
			}
			d.jobID = stored.ID
			created = append(created, stored)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("seed schedules: %w", err)
	}
	s.log.Info("schedules seeded", logx.Int("schedules", len(s.defs)), logx.Int("created", len(created)), logx.String("tz", s.loc.String()))
	return created, nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := Snapshot{Timezone: s.loc.String(), Schedules: make([]ScheduleInfo, 0, len(s.defs))}
	for _, d := range s.defs {
		out.Schedules = append(out.Schedules, ScheduleInfo{
			Variant:  d.def.Variant.String(),
			Spec:     d.def.Spec,
			Source:   d.parsed.Source,
			Timezone: d.loc.String(),
			JobID:    d.jobID,
			Next:     d.sched.Next(now),
			Spread:   d.spread,
		})
	}
	return out
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

// previewNextRuns returns a short, human-friendly list of upcoming run times.
func (s *Service) previewNextRuns(sched interface{ Next(time.Time) time.Time }, loc *time.Location, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	t := s.now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.In(loc).Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
