package engine

import "jobrunner/internal/job"

// Result is the outcome of one executor run: exactly one of
// Succeeded, Failed or Deferred.
type Result interface {
	result()
}

// Succeeded ends a run. ShouldStop ends a recurring job.
// Job may carry an updated NextRunTimestamp or Payload; a zero Job keeps the dispatched one.
type Succeeded struct {
	Job        job.Job
	ShouldStop bool
}

// Failed ends a run with an error. Permanent failures delete the job.
type Failed struct {
	Job       job.Job
	Err       error
	Permanent bool
}

// Deferred hands the job back without changing its state.
type Deferred struct {
	Job job.Job
}

func (Succeeded) result() {}
func (Failed) result()    {}
func (Deferred) result()  {}

func Success(j job.Job) Result        { return Succeeded{Job: j} }
func SuccessAndStop(j job.Job) Result { return Succeeded{Job: j, ShouldStop: true} }
func Defer(j job.Job) Result          { return Deferred{Job: j} }

// Failure reports a retryable failure, unless err is wrapped with NoRetry.
func Failure(j job.Job, err error) Result {
	return Failed{Job: j, Err: err, Permanent: IsNoRetry(err)}
}

func PermanentFailure(j job.Job, err error) Result {
	return Failed{Job: j, Err: err, Permanent: true}
}

// Outcome is what AfterCurrentlyRunning callbacks receive.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeDeferred
	OutcomeNotFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "not_found"
	}
}
