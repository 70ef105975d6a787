package dispatcher

import (
	"errors"

	"github.com/basket/go-herd/internal/persistence"
)

// Kind classifies dispatcher errors for callers.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindWrongAgent        Kind = "wrong_agent"
	KindPolicyBlocked     Kind = "policy_blocked"
	KindDependencyUnmet   Kind = "dependency_unmet"
	KindTransient         Kind = "transient"
)

// User-facing messages for the common error kinds. These strings are part of
// the API contract and must not change.
const (
	msgNotFound          = "Task not found"
	msgInvalidTransition = "Task is not in the expected state"
	msgWrongAgent        = "This task was reserved for a different agent"
	msgPolicyBlocked     = "Prompt blocked by security policy"
)

// Error is the typed error returned by every dispatcher operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a dispatcher error of the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

func notFoundErr(err error) *Error {
	return &Error{Kind: KindNotFound, Message: msgNotFound, Err: err}
}

func invalidTransitionErr(err error) *Error {
	return &Error{Kind: KindInvalidTransition, Message: msgInvalidTransition, Err: err}
}

func wrongAgentErr(err error) *Error {
	return &Error{Kind: KindWrongAgent, Message: msgWrongAgent, Err: err}
}

func policyBlockedErr() *Error {
	return &Error{Kind: KindPolicyBlocked, Message: msgPolicyBlocked}
}

func dependencyUnmetErr(message string) *Error {
	return &Error{Kind: KindDependencyUnmet, Message: message}
}

func transientErr(err error) *Error {
	return &Error{Kind: KindTransient, Message: "storage failure", Err: err}
}

// wrapStoreErr maps persistence sentinels onto typed dispatcher errors.
func wrapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrNotFound):
		return notFoundErr(err)
	case errors.Is(err, persistence.ErrInvalidTransition):
		return invalidTransitionErr(err)
	case errors.Is(err, persistence.ErrWrongAgent):
		return wrongAgentErr(err)
	default:
		return transientErr(err)
	}
}
