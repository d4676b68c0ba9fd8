package emily

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a command, guild, setting or listener
	// doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when the caller's rank is below
	// what an operation requires
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidUsage is returned for malformed command arguments
	ErrInvalidUsage = errors.New("invalid usage")

	// ErrTransientIO wraps database and network failures that may
	// succeed on retry
	ErrTransientIO = errors.New("transient I/O failure")

	// ErrInternal is returned for unexpected handler failures
	// (including recovered panics)
	ErrInternal = errors.New("internal error")

	// ErrCommandConflict is returned by Registry.Register when the
	// command's name or one of its aliases is already taken
	ErrCommandConflict = errors.New("command name or alias already registered")

	// ErrRegistryFrozen is returned by Registry.Register after
	// Registry.Freeze has been called
	ErrRegistryFrozen = errors.New("command registry is read-only")
)

// ReplyError is an error whose user-facing reply is a template.
// errors.Is matches both Kind and the wrapped Err.
type ReplyError struct {
	Kind error
	Key  string
	Args []any
	Err  error
}

func (e *ReplyError) Error() string {
	msg := e.Key
	if e.Kind != nil {
		msg = fmt.Sprintf("%s (%s)", e.Kind.Error(), e.Key)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

func (e *ReplyError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func replyError(kind error, key string, args ...any) *ReplyError {
	return &ReplyError{Kind: kind, Key: key, Args: args}
}

// invalidUsage returns a ReplyError rendering the generic
// command_invalid_use template
func invalidUsage() *ReplyError {
	return replyError(ErrInvalidUsage, tmplInvalidUse)
}

// ioError wraps err with ErrTransientIO and attaches the given template
// for the user-facing reply
func ioError(err error, key string, args ...any) *ReplyError {
	return &ReplyError{
		Kind: ErrTransientIO,
		Key:  key,
		Args: args,
		Err:  err,
	}
}
