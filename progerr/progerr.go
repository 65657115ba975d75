// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package progerr implements the error taxonomy used throughout the bootstrap
// and relocation core. Each error carries a Kind so callers can distinguish
// "not found, try the next candidate" from "malformed input, abort" without
// needing a monolithic error type, mirroring how pfelf and kallsyms use plain
// sentinel errors for the same purpose.
package progerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// OS indicates a syscall failed; the wrapped error carries errno and context.
	OS Kind = iota
	// ELFFormat indicates a malformed ELF file, note, or descriptor.
	ELFFormat
	// LIBELF indicates the underlying ELF decoder reported an error.
	LIBELF
	// Lookup indicates a named entity (section, symbol, module, mapping) was
	// searched for and not found.
	Lookup
	// MissingDebug indicates an ELF was found but lacks usable debug info.
	MissingDebug
	// InvalidArgument indicates the source is not a core, or has no usable notes.
	InvalidArgument
	// Other covers parser sanity failures (bad kallsyms line, bad proc file).
	Other
	// Overflow indicates a numeric value went out of range during parsing.
	Overflow
	// Stop is a sentinel meaning "operation intentionally short-circuited",
	// e.g. a mapping append that merged into the previous entry.
	Stop
)

func (k Kind) String() string {
	switch k {
	case OS:
		return "OS"
	case ELFFormat:
		return "ELF_FORMAT"
	case LIBELF:
		return "LIBELF"
	case Lookup:
		return "LOOKUP"
	case MissingDebug:
		return "MISSING_DEBUG"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case Other:
		return "OTHER"
	case Overflow:
		return "OVERFLOW"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Error is a Kind-tagged error.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is a *Error with the same Kind, so callers can
// write errors.Is(err, progerr.Lookup) style checks via KindOf instead.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// StopErr is the singleton STOP sentinel: "merged", not a real failure.
var StopErr = &Error{Kind: Stop, msg: "merged"}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=true.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
