package resilience

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/lib/pq"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrConflict marks an operation rejected because it would violate a
	// uniqueness rule. It is never retried.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks a lookup that matched nothing.
	ErrNotFound = errors.New("not found")
	// ErrServiceUnavailable is returned without touching the store while a
	// circuit breaker is open.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrTimeout marks an attempt that exceeded its per-call deadline.
	ErrTimeout = errors.New("operation timed out")
)

// Kind is the error taxonomy used for retry and breaker decisions.
type Kind string

const (
	KindNone        Kind = "none"
	KindConflict    Kind = "conflict"
	KindNotFound    Kind = "not_found"
	KindTransient   Kind = "transient"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindCanceled    Kind = "canceled"
	KindFatal       Kind = "fatal"
)

// Postgres SQLSTATE codes that are safe to retry.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeAdminShutdown        = "57P01"
	codeCannotConnectNow     = "57P03"
	codeTooManyConnections   = "53300"
)

// KindOf classifies err without regard to the operation class.
func KindOf(err error) Kind {
	return Classify(err, ClassQuery)
}

// Classify maps err to a Kind. Deadlocks and serialization failures are only
// transient for transactions, which re-derive their inputs on every attempt.
func Classify(err error, class Class) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, sql.ErrNoRows):
		return KindNotFound
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindUnavailable
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return KindConflict
		case codeSerializationFailure, codeDeadlockDetected:
			if class == ClassTransaction {
				return KindTransient
			}
			return KindFatal
		case codeLockNotAvailable, codeAdminShutdown, codeCannotConnectNow, codeTooManyConnections:
			return KindTransient
		case codeQueryCanceled:
			return KindTimeout
		}
		if pqErr.Code.Class() == "08" {
			// connection_exception
			return KindTransient
		}
		return KindFatal
	}

	switch {
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindTransient
	}
	return KindFatal
}

// countsAsFailure reports whether a kind should trip the circuit breaker.
// Business outcomes and caller cancellation say nothing about store health.
func countsAsFailure(k Kind) bool {
	switch k {
	case KindNone, KindConflict, KindNotFound, KindCanceled:
		return false
	}
	return true
}

// IsConflict reports whether err is a conflict.
func IsConflict(err error) bool {
	return Classify(err, ClassQuery) == KindConflict
}

// IsUnavailable reports whether err came from an open circuit breaker.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}
