package eventbus

import (
	"testing"
	"time"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	all, unsubAll := b.Subscribe(4)
	defer unsubJobs()
	defer unsubAll()

	b.Publish(Event{Type: "job.started"})
	b.Publish(Event{Type: "queue.drained"})

	if got := len(jobs); got != 1 {
		t.Fatalf("job subscriber got %d events, want 1", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
	e := <-jobs
	if e.Type != "job.started" || e.Time.IsZero() {
		t.Fatalf("event = %+v", e)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "job.failed"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Publish blocked on a full subscriber")
	}
	if got := b.Dropped(); got != 9 {
		t.Fatalf("Dropped() = %d, want 9", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: "job.added"})
}
