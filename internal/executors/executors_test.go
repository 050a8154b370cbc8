package executors

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"jobrunner/internal/job"
	"jobrunner/internal/storage"
	"jobrunner/internal/task/engine"
	logx "jobrunner/pkg/logx"
)

func seed(t *testing.T, st storage.Store, fn func(tx storage.Tx) error) {
	t.Helper()
	if err := st.Write(context.Background(), fn); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func exists(t *testing.T, st storage.Store, id int64) bool {
	t.Helper()
	var ok bool
	err := st.Read(context.Background(), func(tx storage.Tx) error {
		var err error
		ok, err = tx.JobExists(id)
		return err
	})
	if err != nil {
		t.Fatalf("JobExists: %v", err)
	}
	return ok
}

func TestGarbageCollectionRemovesOrphans(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()

	var orphan, healthy, gone, dep job.Job
	seed(t, st, func(tx storage.Tx) error {
		var err error
		if gone, err = tx.InsertJob(job.Job{Variant: job.AttachmentUpload}); err != nil {
			return err
		}
		if dep, err = tx.InsertJob(job.Job{Variant: job.AttachmentUpload}); err != nil {
			return err
		}
		if orphan, err = tx.InsertJob(job.Job{Variant: job.MessageSend}); err != nil {
			return err
		}
		if healthy, err = tx.InsertJob(job.Job{Variant: job.MessageSend}); err != nil {
			return err
		}
		if err := tx.InsertDependency(job.Dependency{DependantID: orphan.ID, JobID: gone.ID}); err != nil {
			return err
		}
		if err := tx.InsertDependency(job.Dependency{DependantID: healthy.ID, JobID: dep.ID}); err != nil {
			return err
		}
		return tx.DeleteJob(gone.ID)
	})

	var forgotten []int64
	gc := &GarbageCollection{Store: st, Forget: func(j job.Job) { forgotten = append(forgotten, j.ID) }, Log: logx.Nop()}
	res := gc.Run(context.Background(), job.Job{ID: 99, Variant: job.GarbageCollection, Behaviour: job.Recurring})
	if _, ok := res.(engine.Succeeded); !ok {
		t.Fatalf("Run = %#v, want success", res)
	}

	if exists(t, st, orphan.ID) {
		t.Fatalf("orphan %d still persisted", orphan.ID)
	}
	if !exists(t, st, healthy.ID) || !exists(t, st, dep.ID) {
		t.Fatal("healthy jobs were collected")
	}
	if len(forgotten) != 1 || forgotten[0] != orphan.ID {
		t.Fatalf("forgotten = %v, want [%d]", forgotten, orphan.ID)
	}
}

func TestGarbageCollectionExhaustedLaunchJobs(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	reg := engine.NewRegistry()
	reg.Register(job.SyncPushTokens, engine.ExecutorFunc{MaxFailures: 2})
	reg.Register(job.UpdateProfilePicture, engine.ExecutorFunc{MaxFailures: -1})

	var stale, unlimited, fresh job.Job
	seed(t, st, func(tx storage.Tx) error {
		var err error
		if stale, err = tx.InsertJob(job.Job{Variant: job.SyncPushTokens, Behaviour: job.RecurringOnLaunch, FailureCount: 2}); err != nil {
			return err
		}
		if unlimited, err = tx.InsertJob(job.Job{Variant: job.UpdateProfilePicture, Behaviour: job.RecurringOnActive, FailureCount: 40}); err != nil {
			return err
		}
		fresh, err = tx.InsertJob(job.Job{Variant: job.SyncPushTokens, Behaviour: job.RecurringOnActive, FailureCount: 1})
		return err
	})

	gc := &GarbageCollection{Store: st, Registry: reg, Log: logx.Nop()}
	payload := []byte(`{"types":["exhausted_launch_jobs"]}`)
	if _, ok := gc.Run(context.Background(), job.Job{ID: 99, Variant: job.GarbageCollection, Payload: payload}).(engine.Succeeded); !ok {
		t.Fatal("Run did not succeed")
	}
	if exists(t, st, stale.ID) {
		t.Fatalf("exhausted job %d still persisted", stale.ID)
	}
	if !exists(t, st, unlimited.ID) || !exists(t, st, fresh.ID) {
		t.Fatal("collected a job that may still retry")
	}
}

func TestGarbageCollectionThrottlesBecameActive(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	gc := &GarbageCollection{Store: st, Log: logx.Nop(), Now: func() time.Time { return now }}

	active := job.Job{ID: 1, Variant: job.GarbageCollection, Behaviour: job.RecurringOnActive}
	gc.Run(context.Background(), active)
	first := gc.lastRun

	now = now.Add(time.Hour)
	gc.Run(context.Background(), active)
	if !gc.lastRun.Equal(first) {
		t.Fatalf("lastRun = %v, want unchanged %v", gc.lastRun, first)
	}

	now = now.Add(DefaultActiveInterval)
	gc.Run(context.Background(), active)
	if !gc.lastRun.Equal(now) {
		t.Fatalf("lastRun = %v, want %v", gc.lastRun, now)
	}
}

func TestGarbageCollectionRejectsUnknownType(t *testing.T) {
	t.Parallel()
	gc := &GarbageCollection{Store: storage.NewMemory(), Log: logx.Nop()}
	res := gc.Run(context.Background(), job.Job{ID: 1, Payload: []byte(`{"types":["everything"]}`)})
	f, ok := res.(engine.Failed)
	if !ok || !f.Permanent {
		t.Fatalf("Run = %#v, want permanent failure", res)
	}
}

func TestLogOnly(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	exec := LogOnly{Log: logx.NewWriter(&buf, "info"), MaxFailures: 3}
	res := exec.Run(context.Background(), job.Job{ID: 5, Variant: job.Generic, Payload: []byte("hello")})
	if _, ok := res.(engine.Succeeded); !ok {
		t.Fatalf("Run = %#v, want success", res)
	}
	if out := buf.String(); !strings.Contains(out, `"payload":"hello"`) || !strings.Contains(out, `"job_id":5`) {
		t.Fatalf("log output = %s", out)
	}
}

func TestPayloadPreview(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{name: "text", in: []byte("abc"), want: "abc"},
		{name: "binary", in: []byte{0xff, 0xfe}, want: "<binary>"},
		{name: "long", in: bytes.Repeat([]byte("x"), maxLoggedPayload+10), want: strings.Repeat("x", maxLoggedPayload) + "..."},
	}
	for _, tt := range tests {
		if got := payloadPreview(tt.in); got != tt.want {
			t.Fatalf("%s: payloadPreview = %q, want %q", tt.name, got, tt.want)
		}
	}
}
