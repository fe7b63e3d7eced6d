// Package faults defines the error taxonomy shared by the engine.
// Exchange calls, the order lifecycle and config loading all report
// failures as *Error so callers branch on Kind instead of message text.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the caller must react to it
type Kind int

const (
	// Unknown is never constructed deliberately
	Unknown Kind = iota
	// RateLimited: pace, then re-issue the same logical call
	RateLimited
	// TransientExchange: non-2xx or network failure, bounded retry
	TransientExchange
	// OrderRejected: terminal for the attempt, Code carries the exchange error code
	OrderRejected
	// ConfigurationInvalid: missing or empty required field, fail fast
	ConfigurationInvalid
	// ConsistencyGuard: snapshot no longer matches expectations, skip without retry
	ConsistencyGuard
)

func (k Kind) String() string {
	switch k {
	case RateLimited:
		return "rate_limited"
	case TransientExchange:
		return "transient_exchange"
	case OrderRejected:
		return "order_rejected"
	case ConfigurationInvalid:
		return "configuration_invalid"
	case ConsistencyGuard:
		return "consistency_guard"
	default:
		return "unknown"
	}
}

// Error is a classified failure
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Code   int
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	} else if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether any error in err's chain has the given kind
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Code returns the exchange error code carried by err, or 0
func Code(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return 0
}

// Status returns the HTTP status carried by err, or 0
func Status(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}
