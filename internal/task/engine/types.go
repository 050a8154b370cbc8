package engine

import (
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/job"
	logx "jobrunner/pkg/logx"
)

const (
	// GeneralQueue owns every variant not claimed by a named queue.
	GeneralQueue = "general"
	// BlockingQueue owns no variants; it is filled by the startup sequences.
	BlockingQueue = "blocking"

	deferralLoopThreshold = 3
	defaultMinTrigger     = time.Second
	defaultHistorySize    = 50
)

// Event types published on the bus.
const (
	EventJobAdded          = "job.added"
	EventJobStarted        = "job.started"
	EventJobSucceeded      = "job.succeeded"
	EventJobFailed         = "job.failed"
	EventJobRetryScheduled = "job.retry_scheduled"
	EventJobRemoved        = "job.removed"
	EventJobDeferred       = "job.deferred"
	EventJobCancelled      = "job.cancelled"
	EventQueueDrained      = "queue.drained"
)

// Primary gates queue starts to the primary process instance.
type Primary interface {
	IsPrimary() bool
}

type alwaysPrimary struct{}

func (alwaysPrimary) IsPrimary() bool { return true }

// QueueSpec declares a named queue and the variants it owns.
type QueueSpec struct {
	Name     string
	Variants []job.Variant
}

// DefaultQueues is the partition used when Options.Queues is empty.
func DefaultQueues() []QueueSpec {
	return []QueueSpec{
		{Name: "message_send", Variants: []job.Variant{job.AttachmentUpload, job.MessageSend, job.NotifyPushServer, job.SendReadReceipts}},
		{Name: "message_receive", Variants: []job.Variant{job.MessageReceive}},
		{Name: "attachment_download", Variants: []job.Variant{job.AttachmentDownload}},
	}
}

// Options configures a Runner. Zero values pick defaults.
type Options struct {
	Queues  []QueueSpec
	Primary Primary
	Bus     eventbus.Bus
	Log     logx.Logger

	// MinTriggerDelay is the shortest sleep before re-checking a future job.
	MinTriggerDelay time.Duration
	// ExecTimeout bounds a single executor run; 0 disables it.
	ExecTimeout time.Duration
	HistorySize int

	Now           func() time.Time
	RetryInterval func(failureCount int) time.Duration
}

func (o Options) withDefaults() Options {
	if len(o.Queues) == 0 {
		o.Queues = DefaultQueues()
	}
	if o.Primary == nil {
		o.Primary = alwaysPrimary{}
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.MinTriggerDelay <= 0 {
		o.MinTriggerDelay = defaultMinTrigger
	}
	if o.ExecTimeout < 0 {
		o.ExecTimeout = 0
	}
	if o.HistorySize <= 0 {
		o.HistorySize = defaultHistorySize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.RetryInterval == nil {
		o.RetryInterval = job.RetryInterval
	}
	return o
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	ID           int64         `json:"id"`
	Variant      string        `json:"variant"`
	Queue        string        `json:"queue"`
	FailureCount int           `json:"failure_count"`
	Duration     time.Duration `json:"duration,omitempty"`
	Error        string        `json:"error,omitempty"`
	Permanent    bool          `json:"permanent,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
}

// HistoryItem records one finished run.
type HistoryItem struct {
	ID       int64         `json:"id"`
	Variant  string        `json:"variant"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// QueueSnapshot is a point-in-time view of one queue for diagnostics.
type QueueSnapshot struct {
	Name        string        `json:"name"`
	Variants    []string      `json:"variants"`
	Running     bool          `json:"running"`
	Pending     int           `json:"pending"`
	Parked      int           `json:"parked"`
	CurrentJobs []int64       `json:"current_jobs"`
	NextTrigger time.Time     `json:"next_trigger,omitempty"`
	History     []HistoryItem `json:"history,omitempty"`
}

// Snapshot is a point-in-time view of the runner.
type Snapshot struct {
	Session           string          `json:"session"`
	Primary           bool            `json:"primary"`
	Launched          bool            `json:"launched"`
	CompletedBlocking int             `json:"completed_blocking"`
	Queues            []QueueSnapshot `json:"queues"`
}
