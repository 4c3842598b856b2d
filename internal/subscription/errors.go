package subscription

import (
	"errors"
	"fmt"
)

// Kinds of setup failure. Every error returned by Engine.Execute is an
// *Error whose Kind is one of these.
var (
	ErrNotSupported                 = errors.New("not supported")
	ErrQueryInvalid                 = errors.New("invalid subscription query")
	ErrNoRootSubscriptionObjectType = errors.New("schema has no subscription type")
	ErrEmptyQuery                   = errors.New("subscription has no fields")
	ErrMultipleSubscriptionFields   = errors.New("only a single top-level field is allowed in subscriptions")
	ErrArgumentCoercion             = errors.New("invalid subscription field arguments")
	ErrResolveFieldStream           = errors.New("cannot resolve subscription field stream")
	// ErrEventStream is reported by ResultStream.Err when the store change
	// stream failed after setup.
	ErrEventStream = errors.New("subscription event stream failed")
)

// Error is a subscription setup failure. errors.Is matches both Kind and the
// underlying cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, format string, args ...any) *Error {
	if format == "" {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}
