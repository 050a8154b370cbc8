package lifecycle

import (
	"context"
	"os"
	"os/signal"
)

// Transition is a host lifecycle change.
type Transition int

const (
	BecameActive Transition = iota + 1
	EnteredBackground
)

func (t Transition) String() string {
	switch t {
	case BecameActive:
		return "became_active"
	case EnteredBackground:
		return "entered_background"
	default:
		return "unknown"
	}
}

// Transitions delivers BecameActive on SIGUSR1 and EnteredBackground on
// SIGUSR2 until ctx ends. On platforms without those signals the channel
// only closes.
func Transitions(ctx context.Context) <-chan Transition {
	out := make(chan Transition, 4)
	sigs := transitionSignals()
	if len(sigs) == 0 {
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out
	}

	ch := make(chan os.Signal, 4)
	signal.Notify(ch, sigs...)
	go func() {
		defer close(out)
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				t, ok := transitionFor(s)
				if !ok {
					continue
				}
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
