package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures that may succeed on retry (timeouts, rate limits, 5xx)
	ErrTransient = errors.New("transient failure")
	// ErrValidation marks a model response that broke the scoring contract
	ErrValidation = errors.New("invalid model response")
	// ErrPermanent marks failures retrying cannot fix (bad credentials, exhausted quota)
	ErrPermanent = errors.New("permanent failure")
	// ErrCircuitOpen is returned when a route's circuit breaker rejects a call
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrPoolTimeout is returned when no database connection became available in time
	ErrPoolTimeout = errors.New("connection pool acquire timeout")
	// ErrDegraded is returned by health checks that still work but at reduced capacity
	ErrDegraded = errors.New("degraded")
)

// ErrorKind is the taxonomy bucket of an error
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTransient
	KindValidation
	KindPermanent
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindPermanent:
		return "permanent"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind should be retried
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindValidation
}

// Classify maps an error onto the taxonomy. Unknown errors count as transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrCircuitOpen):
		return KindUnavailable
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, context.Canceled):
		return KindPermanent
	}
	return KindTransient
}

// kindError attaches a taxonomy sentinel to an underlying error
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}

// Transient wraps err as a transient failure
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrTransient, err: err}
}

// Permanent wraps err as a permanent failure
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrPermanent, err: err}
}

// Validation wraps err as a response validation failure
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: ErrValidation, err: err}
}

// HTTPStatusKind classifies a provider HTTP status code
func HTTPStatusKind(status int) ErrorKind {
	switch {
	case status == 0:
		return KindTransient
	case status == 408 || status == 429:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status == 401 || status == 402 || status == 403:
		return KindPermanent
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// WrapKind wraps err with the sentinel matching kind
func WrapKind(kind ErrorKind, err error) error {
	switch kind {
	case KindPermanent:
		return Permanent(err)
	case KindValidation:
		return Validation(err)
	default:
		return Transient(err)
	}
}

var permanentIndicators = []string{
	"api key not valid",
	"invalid api key",
	"incorrect api key",
	"permission denied",
	"permission_denied",
	"unauthorized",
	"access denied",
	"insufficient_quota",
	"billing",
}

// WrapByMessage tags err from its message when the SDK exposes no status code.
// Anything not recognisably permanent is treated as transient.
func WrapByMessage(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range permanentIndicators {
		if strings.Contains(msg, indicator) {
			return Permanent(err)
		}
	}
	return Transient(err)
}
