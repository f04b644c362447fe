package errors

import (
	"errors"
	"fmt"
)

// Kind defines the category of error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInternal
	KindValidation
	KindNotFound
	KindPermission
	KindConflict
	KindUnavailable
	KindTimeout

	// KindConfig: syntactic or semantic problems loading the config file.
	// Fatal during initial load; a reload failure leaves the old
	// configuration active.
	KindConfig
	// KindWire: protocol-version mismatch, unknown verb, parse failure,
	// over-length field on the wire or control-FIFO grammar. Logged and
	// dropped, never fatal.
	KindWire
	// KindAuth: MAC failure on a sync frame, or sender not on the peer
	// allow-list. Logged and dropped.
	KindAuth
	// KindTransientIO: log source or socket I/O that the caller's backoff
	// loop should retry.
	KindTransientIO
	// KindFatalIO: pid file, FIFO, or bind failures that should take the
	// daemon down with a non-zero exit.
	KindFatalIO
	// KindAction: begin/end command execution failure. Logged, the daemon
	// keeps running, and the command is never retried.
	KindAction
	// KindStateCorruption: snapshot file failed to parse on restore. The
	// restore aborts without touching the file and further autosaves are
	// disabled until an operator intervenes.
	KindStateCorruption
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindConfig:
		return "config"
	case KindWire:
		return "wire"
	case KindAuth:
		return "auth"
	case KindTransientIO:
		return "transient_io"
	case KindFatalIO:
		return "fatal_io"
	case KindAction:
		return "action"
	case KindStateCorruption:
		return "state_corruption"
	default:
		return "unknown"
	}
}

// IsFatal reports whether an error of this kind should cause the daemon to
// exit non-zero (§7): true for KindFatalIO only. A KindConfig error is
// fatal only during the initial load, which the kind alone does not
// show, so IsFatal reports false for it.
func (k Kind) IsFatal() bool {
	return k == KindFatalIO
}

// ConfigError returns a KindConfig error with a formatted message.
func ConfigError(format string, args ...any) error {
	return Errorf(KindConfig, format, args...)
}

// WireError returns a KindWire error with a formatted message.
func WireError(format string, args ...any) error {
	return Errorf(KindWire, format, args...)
}

// AuthError returns a KindAuth error with a formatted message.
func AuthError(format string, args ...any) error {
	return Errorf(KindAuth, format, args...)
}

// ActionError returns a KindAction error with a formatted message.
func ActionError(format string, args ...any) error {
	return Errorf(KindAction, format, args...)
}

// StateCorruptionError wraps err as a KindStateCorruption error.
func StateCorruptionError(err error, msg string) error {
	return Wrap(err, KindStateCorruption, msg)
}

// Error represents a structured error in the daemon.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Attributes map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Underlying)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// New creates a new Error of the specified kind.
func New(kind Kind, msg string) error {
	return &Error{
		Kind:    kind,
		Message: msg,
	}
}

// Errorf creates a new Error of the specified kind with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error as a new Error of the specified kind.
func Wrap(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    msg,
		Underlying: err,
	}
}

// Wrapf wraps an existing error as a new Error of the specified kind with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    fmt.Sprintf(format, args...),
		Underlying: err,
	}
}

// Attr attaches an attribute to an error. If the error is not an *Error, it wraps it as KindInternal.
func Attr(err error, key string, val any) error {
	if err == nil {
		return nil
	}

	var e *Error
	if !errors.As(err, &e) {
		e = &Error{
			Kind:       KindInternal,
			Message:    err.Error(),
			Underlying: err,
		}
	}

	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = val
	return e
}

// GetKind returns the Kind of the error, or KindUnknown if it's not a ladc error.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// GetAttributes returns all attributes associated with the error and its chain.
func GetAttributes(err error) map[string]any {
	attrs := make(map[string]any)
	var e *Error

	// We use errors.As in a loop to collect all attributes in the chain
	// although typically we only have one ladc error in the chain.
	tempErr := err
	for tempErr != nil {
		if errors.As(tempErr, &e) {
			for k, v := range e.Attributes {
				if _, ok := attrs[k]; !ok {
					attrs[k] = v
				}
			}
			tempErr = e.Underlying
		} else {
			break
		}
	}

	return attrs
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if err's type contains an Unwrap method returning error.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}
