package pipeline

import (
	"fmt"

	"kubegems.io/onnxq/pkg/types"
)

// States tracks each model of one run. It is never persisted.
type States map[string]types.ModelState

func NewStates(names []string) States {
	states := make(States, len(names))
	for _, name := range names {
		states[name] = types.ModelStatePending
	}
	return states
}

// Transition moves name from one state to another, rejecting moves the
// per-model lifecycle does not allow.
func (s States) Transition(name string, from, to types.ModelState) error {
	cur, ok := s[name]
	if !ok {
		return fmt.Errorf("unknown model in run: %q", name)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", name, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", name, from, to)
	}
	s[name] = to
	return nil
}

func isAllowedTransition(from, to types.ModelState) bool {
	switch from {
	case types.ModelStatePending:
		return to == types.ModelStateRunning
	case types.ModelStateRunning:
		return to.Terminal()
	default:
		return false
	}
}
