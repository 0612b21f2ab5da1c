package builds

import (
	"fmt"

	"coursebuild/internal/services"
)

// transitions lists every legal status change. Anything else is rejected.
var transitions = map[Status]map[Status]struct{}{
	StatusCreated: {
		StatusRunning:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusRunning:          {},
		StatusAwaitingApproval: {},
		StatusPaused:           {},
		StatusCompleted:        {},
		StatusFailed:           {},
		StatusCancelled:        {},
	},
	StatusAwaitingApproval: {
		StatusRunning:   {},
		StatusPaused:    {},
		StatusCompleted: {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusPaused: {
		StatusRunning:          {},
		StatusAwaitingApproval: {},
		StatusFailed:           {},
		StatusCancelled:        {},
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Transition moves b to status to, or returns a validation error naming the
// illegal change. The build is not modified on error.
func (b *Build) Transition(to Status) error {
	if b.Status.IsTerminal() {
		return services.Wrap(services.ErrValidation, "build", "transition",
			fmt.Sprintf("build %s is %s and can no longer change", b.ID, b.Status), nil)
	}
	if !CanTransition(b.Status, to) {
		return services.Wrap(services.ErrValidation, "build", "transition",
			fmt.Sprintf("illegal transition %s -> %s", b.Status, to), nil)
	}
	b.Status = to
	return nil
}
