package executors

import (
	"context"
	"unicode/utf8"

	"jobrunner/internal/job"
	"jobrunner/internal/task/engine"
	logx "jobrunner/pkg/logx"
)

const maxLoggedPayload = 256

// LogOnly succeeds after logging the job. The daemon registers it for
// generic jobs so they can be exercised end to end without business logic.
type LogOnly struct {
	Log         logx.Logger
	MaxFailures int
}

func (l LogOnly) MaxFailureCount() int        { return l.MaxFailures }
func (l LogOnly) RequiresThreadID() bool      { return false }
func (l LogOnly) RequiresInteractionID() bool { return false }

func (l LogOnly) Run(_ context.Context, j job.Job) engine.Result {
	l.Log.Info("job ran",
		logx.Int64("job_id", j.ID),
		logx.String("variant", j.Variant.String()),
		logx.String("behaviour", j.Behaviour.String()),
		logx.String("payload", payloadPreview(j.Payload)),
	)
	return engine.Success(j)
}

func payloadPreview(p []byte) string {
	if !utf8.Valid(p) {
		return "<binary>"
	}
	if len(p) <= maxLoggedPayload {
		return string(p)
	}
	p = p[:maxLoggedPayload]
	for len(p) > 0 && !utf8.Valid(p) {
		p = p[:len(p)-1]
	}
	return string(p) + "..."
}
