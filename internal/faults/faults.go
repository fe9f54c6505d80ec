// Package faults defines the error taxonomy shared by the scanner, the remote
// session layer and the inventory pipeline.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig aborts the whole run.
	KindConfig
	// KindConnection is retryable up to the configured limit, then a per-host failure.
	KindConnection
	// KindTransfer covers payload push and result pull.
	KindTransfer
	// KindRemoteExecution is a remote-side exception or non-zero exit.
	KindRemoteExecution
	// KindTimeout means a remote step exceeded its budget and was stopped.
	KindTimeout
	// KindValidation marks malformed artifact content. Downgrades to a warning.
	KindValidation
	// KindCleanup is logged only and never changes an outcome.
	KindCleanup
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindConfig:          "config",
	KindConnection:      "connection",
	KindTransfer:        "transfer",
	KindRemoteExecution: "remote_execution",
	KindTimeout:         "timeout",
	KindValidation:      "validation",
	KindCleanup:         "cleanup",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels usable with errors.Is.
var (
	ErrConfig          = &Error{Kind: KindConfig}
	ErrConnection      = &Error{Kind: KindConnection}
	ErrTransfer        = &Error{Kind: KindTransfer}
	ErrRemoteExecution = &Error{Kind: KindRemoteExecution}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrValidation      = &Error{Kind: KindValidation}
	ErrCleanup         = &Error{Kind: KindCleanup}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Host string
	Op   string
	Err  error
}

// New wraps err with a kind, the host it concerns (may be empty) and the operation name.
func New(kind Kind, host, op string, err error) *Error {
	return &Error{Kind: kind, Host: host, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, host, op, format string, args ...any) *Error {
	return New(kind, host, op, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Host != "" {
		msg += " on " + e.Host
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Host == "" && t.Op == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the innermost cause message, which is what gets surfaced in outcome records.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
