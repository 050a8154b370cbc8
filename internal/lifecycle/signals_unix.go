//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

func transitionSignals() []os.Signal { return []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2} }

func transitionFor(s os.Signal) (Transition, bool) {
	switch s {
	case syscall.SIGUSR1:
		return BecameActive, true
	case syscall.SIGUSR2:
		return EnteredBackground, true
	default:
		return 0, false
	}
}
