package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobrunner/internal/job"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/engine"
	logx "jobrunner/pkg/logx"
)

var (
	ErrDuplicateSchedule = errors.New("variant already has a schedule")
	ErrNoExecutor        = errors.New("no executor registered for scheduled variant")
	ErrNeverFires        = errors.New("schedule has no upcoming run")
)

// Config controls schedule evaluation.
type Config struct {
	Timezone string // IANA TZ for cron schedules, e.g. "Asia/Jakarta"; empty means Local
}

// Def declares one recurring job: Variant runs with Payload on Spec.
type Def struct {
	Variant  job.Variant
	Spec     string
	Payload  []byte
	Timezone string // overrides Config.Timezone
}

type scheduleDef struct {
	def    Def
	parsed ParsedSpec
	sched  cron.Schedule
	loc    *time.Location
	jobID  int64
	spread time.Duration // first-run jitter for seeded interval jobs
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	runner *engine.Runner
	store  storage.Store
	now    func() time.Time

	defs []scheduleDef
}

type ScheduleInfo struct {
	Variant  string        `json:"variant"`
	Spec     string        `json:"spec"`
	Source   string        `json:"source"`
	Timezone string        `json:"timezone"`
	JobID    int64         `json:"job_id,omitempty"`
	Next     time.Time     `json:"next"`
	Spread   time.Duration `json:"spread,omitempty"`
}

type Snapshot struct {
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
