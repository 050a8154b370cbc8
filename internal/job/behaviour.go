package job

import (
	"fmt"
	"strings"
)

// Behaviour governs when a job is eligible to (re)run and whether it survives success.
type Behaviour int

const (
	// RunOnce is deleted after its first success.
	RunOnce Behaviour = iota
	// RecurringOnActive runs every time the process becomes active.
	RecurringOnActive
	// RecurringOnLaunch runs on every cold launch.
	RecurringOnLaunch
	// RunOnceNextLaunch is held until the next cold launch, then deleted after success.
	RunOnceNextLaunch
	// Recurring runs again at the NextRunTimestamp its executor sets.
	Recurring
)

var behaviourNames = map[Behaviour]string{
	RunOnce:           "run_once",
	RecurringOnActive: "recurring_on_active",
	RecurringOnLaunch: "recurring_on_launch",
	RunOnceNextLaunch: "run_once_next_launch",
	Recurring:         "recurring",
}

func (b Behaviour) Valid() bool {
	_, ok := behaviourNames[b]
	return ok
}

func (b Behaviour) String() string {
	if s, ok := behaviourNames[b]; ok {
		return s
	}
	return fmt.Sprintf("behaviour(%d)", int(b))
}

func ParseBehaviour(s string) (Behaviour, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for b, name := range behaviourNames {
		if name == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown job behaviour %q", s)
}

// DeleteOnSuccess reports whether a successful run ends the job's life.
func (b Behaviour) DeleteOnSuccess(shouldStop bool) bool {
	switch b {
	case RunOnce, RunOnceNextLaunch:
		return true
	case Recurring:
		return shouldStop
	default:
		return false
	}
}

// LaunchOnly reports whether the behaviour is only loaded by the cold launch sequence.
func (b Behaviour) LaunchOnly() bool {
	return b == RecurringOnLaunch || b == RunOnceNextLaunch
}

// Deferred reports whether the behaviour schedules work for a later launch or activation
// rather than for the current session.
func (b Behaviour) Deferred() bool {
	return b == RunOnceNextLaunch || b == RecurringOnLaunch || b == RecurringOnActive
}
