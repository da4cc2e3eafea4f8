package instances

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a state transition is not valid, or a
	// stage token is missing or belongs to another instance.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrInvalidConfig is returned when a VM configuration is incomplete.
	ErrInvalidConfig = errors.New("invalid VM configuration")

	// ErrProcessSpawnFailed is returned when the hypervisor process cannot start.
	ErrProcessSpawnFailed = errors.New("process spawn failed")

	// ErrControllerNotReady is returned when the control socket never appears.
	ErrControllerNotReady = errors.New("controller not ready")

	// ErrConfigurationRejected is returned when the hypervisor rejects a
	// configuration or start request.
	ErrConfigurationRejected = errors.New("configuration rejected")

	// ErrTerminationTimeout is returned when the process survives SIGKILL.
	ErrTerminationTimeout = errors.New("termination timeout")
)

// ConfigurationError records which stage the hypervisor rejected.
type ConfigurationError struct {
	Stage Stage
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration rejected at %s: %v", e.Stage, e.Err)
}

func (e *ConfigurationError) Unwrap() []error {
	return []error{ErrConfigurationRejected, e.Err}
}

// RejectedStage returns the stage recorded in err, if any.
func RejectedStage(err error) (Stage, bool) {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return cfgErr.Stage, true
	}
	return "", false
}
