package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind classifies a failure by how the pipeline reacts to it.
type Kind int32

const (
	KindUnknown Kind = iota
	KindTransient
	KindRateLimited
	KindMalformed
	KindIllegalTransition
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	case KindIllegalTransition:
		return "illegal_transition"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified failure. RetryAfter is only meaningful for KindRateLimited.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() Kind { return e.Kind }

// Kinded is implemented by typed errors from other packages so that KindOf can
// classify them without this package importing them.
type Kinded interface {
	ErrorKind() Kind
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func RateLimited(op string, retryAfter time.Duration, err error) error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

func Malformed(op string, err error) error {
	return &Error{Kind: KindMalformed, Op: op, Err: err}
}

func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf classifies err. Timeouts and deadline errors count as transient;
// anything unclassified is reported as KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

// RetryAfterOf returns the provider-indicated wait carried by a rate-limit error.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func IsFatal(err error) bool { return KindOf(err) == KindFatal }

func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }
