package errors

// Transport and embedded-store helpers for mapping sqlite/HTTP errors to
// project ErrorCode, extracting fields, and retry semantics. Mirrors the
// shape of a Postgres-backed sibling: structured code first, text pattern
// fallback second.

import (
	"context"
	stderrs "errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// SQLite result codes we care about (modernc.org/sqlite surfaces these as
// *sqlite.Error with a Code() int matching the upstream SQLITE_* constants)
const (
	sqliteErrBusy       = 5
	sqliteErrLocked     = 6
	sqliteErrConstraint = 19
	sqliteErrCorrupt    = 11
	sqliteErrCantOpen   = 14
	sqliteErrIOErr      = 10
	sqliteErrReadOnly   = 8
	sqliteErrNotADB     = 26
)

// sqliteCoder is satisfied by modernc.org/sqlite's error type without
// importing the driver package directly, keeping this package dependency-free
type sqliteCoder interface {
	error
	Code() int
}

// ExtractSQLiteError returns the sqlite error code and true if the root
// cause exposes one
func ExtractSQLiteError(err error) (int, bool) {
	var sc sqliteCoder
	if stderrs.As(Root(err), &sc) {
		return sc.Code(), true
	}
	return 0, false
}

// IsBusyOrLocked reports whether the error is SQLITE_BUSY or SQLITE_LOCKED,
// the two codes that mean "retry the transaction, nothing is actually wrong"
func IsBusyOrLocked(err error) bool {
	code, ok := ExtractSQLiteError(err)
	return ok && (code == sqliteErrBusy || code == sqliteErrLocked)
}

// IsConstraintViolation reports whether the error is a SQLite constraint
// failure (unique index, not-null, check)
func IsConstraintViolation(err error) bool {
	code, ok := ExtractSQLiteError(err)
	return ok && code == sqliteErrConstraint
}

// DBErrorCode maps a sqlite error to an ErrorCode with an ok flag.
// !ok means err wasn't a recognized driver error; caller falls back to ErrorCodeDB
func DBErrorCode(err error) (ErrorCode, bool) {
	code, ok := ExtractSQLiteError(err)
	if !ok {
		return ErrorCodeUnknown, false
	}
	switch code {
	case sqliteErrConstraint:
		return ErrorCodeDuplicateKey, true
	case sqliteErrBusy, sqliteErrLocked:
		return ErrorCodeDB, true
	case sqliteErrReadOnly, sqliteErrCantOpen, sqliteErrIOErr:
		return ErrorCodeUnavailable, true
	case sqliteErrCorrupt, sqliteErrNotADB:
		return ErrorCodeDB, true
	default:
		return ErrorCodeDB, true
	}
}

// FromSQLite wraps a sqlite error with a mapped ErrorCode and message.
// If err is nil, returns nil
func FromSQLite(err error, msg string) error {
	if err == nil {
		return nil
	}
	if code, ok := DBErrorCode(err); ok {
		return Wrap(err, code, msg)
	}
	return Wrap(err, ErrorCodeDB, msg)
}

// FromSQLitef is the formatted variant of FromSQLite
func FromSQLitef(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	if code, ok := DBErrorCode(err); ok {
		return Wrap(err, code, fmt.Sprintf(format, a...))
	}
	return Wrap(err, ErrorCodeDB, fmt.Sprintf(format, a...))
}

// IsRetryableDB reports whether a local store error is transient contention
// worth retrying (a brief sleep-and-retry, same shape as a serialization
// failure on a client/server database)
func IsRetryableDB(err error) bool {
	if err == nil {
		return false
	}
	if stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsBusyOrLocked(err) {
		return true
	}
	s := strings.ToLower(Root(err).Error())
	switch {
	case strings.Contains(s, "database is locked"),
		strings.Contains(s, "database table is locked"),
		strings.Contains(s, "busy"):
		return true
	default:
		return false
	}
}

// IsRetryableHTTP reports whether an availability/dataselect request error
// is worth retrying: network timeouts, HTTP client (*url.Error) failures,
// and errors whose text names a connection reset/refused, EOF, timeout or
// temporary failure are; context cancellation is not. Response status codes
// are not inspected
func IsRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	if stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if stderrs.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if stderrs.As(err, &urlErr) {
		return true
	}
	s := strings.ToLower(Root(err).Error())
	switch {
	case strings.Contains(s, "connection reset"),
		strings.Contains(s, "connection refused"),
		strings.Contains(s, "eof"),
		strings.Contains(s, "timeout"),
		strings.Contains(s, "temporary failure"):
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the error is retryable. Delegates to
// transport- and store-specific classifiers: a local embedded-store
// contention error or a transient HTTP transport condition
func IsRetryable(err error) bool {
	return IsRetryableDB(err) || IsRetryableHTTP(err)
}
