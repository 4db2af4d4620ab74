package script

import (
	"time"
)

// ErrorType categorizes script failures.
type ErrorType string

const (
	ErrorTypeCompilation ErrorType = "compilation"
	ErrorTypeExecution   ErrorType = "execution"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeAllocLimit  ErrorType = "alloc_limit"
	ErrorTypeNotFound    ErrorType = "not_found"
)

// Limits bounds what a script may do.
type Limits struct {
	// Timeout caps a single run.
	Timeout time.Duration
	// MaxAllocs caps the objects a run may allocate. Zero or less means no cap.
	MaxAllocs int64
	// Modules lists the standard library modules a script may import.
	Modules []string
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:   time.Second,
		MaxAllocs: 10000,
		Modules:   []string{"text", "rand", "math", "fmt"},
	}
}

// ScriptError is a script failure with the script it came from.
type ScriptError struct {
	Type    ErrorType
	Script  string
	Message string
	Cause   error
}

func (e *ScriptError) Error() string {
	msg := e.Script + ": " + e.Message
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ScriptError) Unwrap() error {
	return e.Cause
}

func newScriptError(t ErrorType, name, message string, cause error) *ScriptError {
	return &ScriptError{Type: t, Script: name, Message: message, Cause: cause}
}
