package txerr

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres error classes and codes matched at the store boundary.
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeUniqueViolation      = "23505"
	codeNumericOutOfRange    = "22003"
	codeInvalidTextRepr      = "22P02"
	codeInvalidParameter     = "22023"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeTooManyConnections   = "53300"
	codeOutOfMemory          = "53200"
	codeDiskFull             = "53100"
	codeQueryCanceled        = "57014"
	codeAdminShutdown        = "57P01"
	codeCrashShutdown        = "57P02"
	codeCannotConnectNow     = "57P03"
)

// Translate maps driver-level errors to the taxonomy. Errors already in the
// taxonomy and errors with no mapping pass through unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}

	// Already translated further down the stack.
	var (
		nf  *NotFoundError
		ae  *AlreadyExistsError
		mpk *MissingPrimaryKeyError
		iq  *InvalidQueryError
		ia  *InvalidArgumentError
		io  *InvalidOperationError
		tb  *TemporaryBackendError
		ots *OldTimestampError
		tf  *TransactionFinishedError
	)
	if errors.As(err, &nf) || errors.As(err, &ae) || errors.As(err, &mpk) ||
		errors.As(err, &iq) || errors.As(err, &ia) || errors.As(err, &io) ||
		errors.As(err, &tb) || errors.As(err, &ots) || errors.As(err, &tf) {
		return err
	}

	if errors.Is(err, pgx.ErrTxClosed) || errors.Is(err, pgx.ErrTxCommitRollback) {
		return &TransactionFinishedError{}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TemporaryBackendError{Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return &AlreadyExistsError{Entity: pgErr.TableName, Detail: pgErr.Detail}
		case codeNumericOutOfRange, codeInvalidTextRepr, codeInvalidParameter:
			return &InvalidArgumentError{Message: pgErr.Message}
		case codeSerializationFailure, codeDeadlockDetected,
			codeTooManyConnections, codeOutOfMemory, codeDiskFull,
			codeQueryCanceled, codeAdminShutdown, codeCrashShutdown, codeCannotConnectNow:
			return &TemporaryBackendError{Cause: err}
		}
		// Undefined table/column, syntax errors, ambiguous references.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42" {
			return &InvalidQueryError{Message: pgErr.Message, Cause: err}
		}
		// Connection-level failures (class 08) are transient.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return &TemporaryBackendError{Cause: err}
		}
	}

	// Network-level failures from the driver, e.g. a dropped connection.
	if pgconn.SafeToRetry(err) {
		return &TemporaryBackendError{Cause: err}
	}

	return err
}
