package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed turn.
type ErrorKind int

const (
	// KindEmptyMessage means the utterance was blank after trimming.
	KindEmptyMessage ErrorKind = iota + 1
	// KindProviderFailure means a completion or tool provider failed.
	KindProviderFailure
	// KindStorage means the conversation store failed.
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindEmptyMessage:
		return "empty_message"
	case KindProviderFailure:
		return "provider_failure"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// TurnError is returned by Run when a turn fails. A failed turn leaves
// the conversation exactly as it was.
type TurnError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Err }

// ErrToolArgumentParse marks tool call arguments that are not a JSON
// object. It never fails a turn; the reply becomes an apology.
var ErrToolArgumentParse = errors.New("tool arguments are not a JSON object")

// IsKind reports whether err is a *TurnError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *TurnError
	return errors.As(err, &te) && te.Kind == kind
}
