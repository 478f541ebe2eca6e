// Package poolerrors provides structured error types for the relay pool
// supervisor. The categories match the error taxonomy of the supervisor's
// design: each kind is either fatal for a single slot, surfaced to an
// operator-invoked call, or absorbed into instance health state.
package poolerrors

import (
	"errors"
	"fmt"
)

// Category identifies which of the supervisor's named error kinds an error
// belongs to.
type Category string

const (
	// ConfigInvalid indicates inconsistent ports or an invalid country
	// code; fatal for the affected slot.
	ConfigInvalid Category = "config_invalid"
	// SpawnFailed indicates the child process failed to launch.
	SpawnFailed Category = "spawn_failed"
	// BootstrapTimeout indicates the child did not reach PROGRESS=100
	// within the bootstrap timeout.
	BootstrapTimeout Category = "bootstrap_timeout"
	// ControlUnavailable indicates a connect, auth, or timeout failure
	// talking to a control port.
	ControlUnavailable Category = "control_unavailable"
	// ControlRejected indicates a protocol-level error reply from the
	// control port.
	ControlRejected Category = "control_rejected"
	// ControlMalformed indicates an unparseable control-port reply.
	ControlMalformed Category = "control_malformed"
	// NotFound indicates an unknown node_id.
	NotFound Category = "not_found"
	// ScaleInProgress indicates a concurrent scale attempt was rejected.
	ScaleInProgress Category = "scale_in_progress"
	// Cancelled indicates the supervisor is shutting down.
	Cancelled Category = "cancelled"
)

// PoolError is a structured error carrying a category and an optional
// underlying cause.
type PoolError struct {
	Category   Category
	NodeID     string
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	prefix := string(e.Category)
	if e.NodeID != "" {
		prefix = fmt.Sprintf("%s[%s]", e.Category, e.NodeID)
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *PoolError) Unwrap() error {
	return e.Underlying
}

// Is reports category equality, so callers can do
// errors.Is(err, &PoolError{Category: NotFound}).
func (e *PoolError) Is(target error) bool {
	t, ok := target.(*PoolError)
	if !ok {
		return false
	}
	if t.Category != "" && t.Category != e.Category {
		return false
	}
	return true
}

// New creates a PoolError with no underlying cause.
func New(category Category, nodeID, message string) *PoolError {
	return &PoolError{Category: category, NodeID: nodeID, Message: message}
}

// Wrap creates a PoolError wrapping an underlying error.
func Wrap(category Category, nodeID, message string, err error) *PoolError {
	return &PoolError{Category: category, NodeID: nodeID, Message: message, Underlying: err}
}

// GetCategory returns the category of err, or "" if err is not a PoolError.
func GetCategory(err error) Category {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// IsCategory reports whether err is a PoolError of the given category.
func IsCategory(err error, category Category) bool {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Category == category
	}
	return false
}

// IsControlFailure reports whether err is any of the three control-protocol
// failure categories, which spec.md treats identically for health purposes.
func IsControlFailure(err error) bool {
	cat := GetCategory(err)
	return cat == ControlUnavailable || cat == ControlRejected || cat == ControlMalformed
}
