package tools

import (
	"errors"
	"fmt"
)

// ErrInvalidArguments may be wrapped by a handler to report arguments
// that passed schema validation but are still unusable (a forecast of
// 40 days, say). The executor maps it to KindInvalidArguments.
var ErrInvalidArguments = errors.New("invalid arguments")

// SchemaError reports tool metadata that cannot be turned into a
// descriptor. The tool is left out of the set offered to the model.
type SchemaError struct {
	Tool   string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("tool %q: schema: %s", e.Tool, e.Reason)
}

// ErrorKind classifies an ExecutionError.
type ErrorKind int

const (
	// KindUnknownTool means the model named a tool that is not registered.
	KindUnknownTool ErrorKind = iota + 1
	// KindInvalidArguments means required parameters were missing or
	// malformed.
	KindInvalidArguments
	// KindProviderFailure means the upstream data provider failed: a
	// transport error, a timeout, a non-success status or a body that
	// could not be decoded.
	KindProviderFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnknownTool:
		return "unknown_tool"
	case KindInvalidArguments:
		return "invalid_arguments"
	case KindProviderFailure:
		return "provider_failure"
	default:
		return "unknown"
	}
}

// ExecutionError is returned by Executor.Execute.
type ExecutionError struct {
	Kind       ErrorKind
	Tool       string
	StatusCode int // upstream HTTP status for provider failures, if any
	Message    string
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tool %s: %s: HTTP %d: %s", e.Tool, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// StatusError is implemented by provider errors that carry an upstream
// HTTP status, so the executor can surface it without importing every
// provider package.
type StatusError interface {
	error
	HTTPStatus() int
}
