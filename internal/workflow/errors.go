package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a definition, stage or instance does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an entity already has a running instance.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState is returned when an operation does not apply to the instance's status or stage.
	ErrInvalidState = errors.New("invalid state")
	// ErrIllegalTransition is returned when the policy rejects a move.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrConfiguration is returned when a definition cannot be executed as stored.
	ErrConfiguration = errors.New("configuration error")
	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrProcedureNotRegistered is wrapped by ActionError for unknown procedure names.
	ErrProcedureNotRegistered = errors.New("procedure not registered")
)

// Error codes reported to callers. They are stable strings.
const (
	CodeNotFound          = "not_found"
	CodeConflict          = "conflict"
	CodeInvalidState      = "invalid_state"
	CodeIllegalTransition = "illegal_transition"
	CodeConfiguration     = "configuration"
	CodeInvalidInput      = "invalid_input"
	CodeInternal          = "internal"
)

// ErrorCode classifies err by the sentinel it wraps.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrIllegalTransition):
		return CodeIllegalTransition
	case errors.Is(err, ErrConfiguration):
		return CodeConfiguration
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	default:
		return CodeInternal
	}
}

// ActionError describes a stage side effect that failed. It is logged and
// reported in outcomes, never returned from an engine operation.
type ActionError struct {
	Kind  string
	Name  string
	Stage string
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %q at stage %q: %v", e.Kind, e.Name, e.Stage, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
