//go:build windows

package lifecycle

import "os"

func transitionSignals() []os.Signal { return nil }

func transitionFor(os.Signal) (Transition, bool) { return 0, false }
