package orm

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
)

// sqlStateError is implemented by drivers reporting SQLSTATE codes.
type sqlStateError interface {
	SQLState() string
}

// PostgreSQL SQLSTATE codes.
const (
	sqlStateUniqueViolation      = "23505"
	sqlStateNotNullViolation     = "23502"
	sqlStateForeignKeyViolation  = "23503"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// ClassifySQLError converts a driver error into an ORMError. Errors that
// already are ORMErrors are returned unchanged.
func ClassifySQLError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsORMError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return NewErrorWithCause(ErrorTypeNotFound, "record not found", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewErrorWithCause(ErrorTypeTimeout, "operation timeout", err)
	case errors.Is(err, context.Canceled):
		return NewErrorWithCause(ErrorTypeTimeout, "operation canceled", err)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return NewErrorWithCause(ErrorTypeConnection, "connection error", err)
	case errors.Is(err, sql.ErrTxDone):
		return NewErrorWithCause(ErrorTypeTransaction, "transaction already finished", err)
	}

	var st sqlStateError
	if errors.As(err, &st) {
		code := st.SQLState()
		switch {
		case code == sqlStateUniqueViolation:
			return withCode(NewErrorWithCause(ErrorTypeDuplicate, "duplicate key violation", err), code)
		case code == sqlStateNotNullViolation:
			return withCode(NewErrorWithCause(ErrorTypeNullability, "not-null constraint violation", err), code)
		case strings.HasPrefix(code, "23"):
			return withCode(NewErrorWithCause(ErrorTypeConstraint, "constraint violation", err), code)
		case code == sqlStateSerializationFailure, code == sqlStateDeadlockDetected:
			return withCode(NewErrorWithCause(ErrorTypeTransaction, "transaction conflict", err), code)
		case strings.HasPrefix(code, "08"):
			return withCode(NewErrorWithCause(ErrorTypeConnection, "connection error", err), code)
		}
	}

	msg := err.Error()
	switch {
	case containsAny(msg, "Error 1062", "violates unique constraint", "UNIQUE constraint failed", "duplicate key"):
		return NewErrorWithCause(ErrorTypeDuplicate, "duplicate key violation", err)
	case containsAny(msg, "Error 1048", "violates not-null constraint", "NOT NULL constraint failed", "Cannot insert the value NULL"):
		return NewErrorWithCause(ErrorTypeNullability, "not-null constraint violation", err)
	case containsAny(msg, "Error 1451", "Error 1452", "violates foreign key constraint", "FOREIGN KEY constraint failed",
		"CHECK constraint failed", "violates check constraint", "constraint"):
		return NewErrorWithCause(ErrorTypeConstraint, "constraint violation", err)
	case containsAny(msg, "Error 1213", "deadlock", "database is locked"):
		return NewErrorWithCause(ErrorTypeTransaction, "transaction conflict", err)
	case containsAny(msg, "timeout"):
		return NewErrorWithCause(ErrorTypeTimeout, "operation timeout", err)
	case containsAny(msg, "connection refused", "broken pipe", "bad connection"):
		return NewErrorWithCause(ErrorTypeConnection, "connection error", err)
	}
	return NewErrorWithCause(ErrorTypeDatabase, "database operation failed", err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func withCode(e ORMError, code string) ORMError {
	e.Code = code
	return e
}
