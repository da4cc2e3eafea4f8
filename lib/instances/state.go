package instances

import "fmt"

// ValidTransitions defines allowed single-hop state transitions.
var ValidTransitions = map[State][]State{
	StateUnconfigured: {
		StateConfiguring, // first configuration call accepted
		StateFailed,      // first configuration call rejected
		StateTerminated,  // terminated before configuring
	},
	StateConfiguring: {
		StateRunning,    // InstanceStart accepted
		StateFailed,     // a later stage or start rejected
		StateTerminated, // abandoned mid-configuration
	},
	StateRunning: {
		StateTerminated,
	},
	StateFailed: {
		StateTerminated, // cleanup after rejection
	},
	StateTerminated: {},
}

// CanTransitionTo checks if a transition from current state to target state is valid
func (s State) CanTransitionTo(target State) error {
	allowed, ok := ValidTransitions[s]
	if !ok {
		return fmt.Errorf("%w: unknown state: %s", ErrInvalidState, s)
	}

	for _, valid := range allowed {
		if valid == target {
			return nil
		}
	}

	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, s, target)
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// RequiresVMM returns true if this state requires a running hypervisor process
func (s State) RequiresVMM() bool {
	switch s {
	case StateUnconfigured, StateConfiguring, StateRunning:
		return true
	default:
		return false
	}
}
