// Package txerr defines the closed error taxonomy surfaced by transaction
// runners and state transactions. Store driver codes are translated at the
// boundary; no raw pg codes leak above the runner.
package txerr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// NotFoundError reports a read or mutation against an absent entity.
type NotFoundError struct {
	Entity string
	Key    []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: [%s]", e.Entity, strings.Join(e.Key, ", "))
}

// AlreadyExistsError reports a primary-key collision on insert, including
// collisions with soft-deleted rows.
type AlreadyExistsError struct {
	Entity string
	Key    []string
	Detail string
}

func (e *AlreadyExistsError) Error() string {
	msg := fmt.Sprintf("%s already exists: [%s]", e.Entity, strings.Join(e.Key, ", "))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// MissingPrimaryKeyError reports a partial update that omits a key column.
type MissingPrimaryKeyError struct {
	Entity string
	Column string
}

func (e *MissingPrimaryKeyError) Error() string {
	return fmt.Sprintf("%s: partial update is missing primary key column %q", e.Entity, e.Column)
}

// InvalidQueryError reports a statement the store rejected: unknown column,
// unknown table, malformed SQL.
type InvalidQueryError struct {
	Message string
	Cause   error
}

func (e *InvalidQueryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid query: %s: %v", e.Message, e.Cause)
	}
	return "invalid query: " + e.Message
}

func (e *InvalidQueryError) Unwrap() error { return e.Cause }

// InvalidArgumentError reports a caller-supplied value the contract rejects.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string { return "invalid argument: " + e.Message }

// InvalidOperationError reports an operation not permitted in the current
// transaction variant, e.g. staging an event in a read-only transaction.
type InvalidOperationError struct {
	Message string
}

func (e *InvalidOperationError) Error() string { return "invalid operation: " + e.Message }

// TemporaryBackendError wraps a transient store failure. Callers may retry
// the whole transaction; the original cause is preserved.
type TemporaryBackendError struct {
	Cause error
}

func (e *TemporaryBackendError) Error() string {
	return fmt.Sprintf("temporary backend error: %v", e.Cause)
}

func (e *TemporaryBackendError) Unwrap() error { return e.Cause }

// OldTimestampError is the domain signal that the snapshot read by user code
// is stale. The runner catches it, sleeps the suggested delay bounded by its
// ceiling, and restarts the function with a fresh staged-event log.
type OldTimestampError struct {
	ReadTime   time.Time
	RetryAfter time.Duration
}

func (e *OldTimestampError) Error() string {
	return fmt.Sprintf("timestamp %s is too old, retry after %s", e.ReadTime.Format(time.RFC3339Nano), e.RetryAfter)
}

// TransactionFinishedError reports user code committing or rolling back the
// underlying store transaction inside the managed function.
type TransactionFinishedError struct{}

func (e *TransactionFinishedError) Error() string {
	return "transaction already committed or rolled back"
}

// InvalidEntityDefinitionError reports a broken entity registration: no
// primary key, duplicate soft-delete column, unknown key column.
type InvalidEntityDefinitionError struct {
	Entity  string
	Message string
}

func (e *InvalidEntityDefinitionError) Error() string {
	return fmt.Sprintf("invalid entity definition %s: %s", e.Entity, e.Message)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAlreadyExists reports whether err is an AlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var ae *AlreadyExistsError
	return errors.As(err, &ae)
}

// IsRetryable reports whether err is a transient backend failure worth
// retrying at the caller's discretion.
func IsRetryable(err error) bool {
	var tb *TemporaryBackendError
	return errors.As(err, &tb)
}
