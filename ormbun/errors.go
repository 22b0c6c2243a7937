package ormbun

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lemmego/orm"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/driver/pgdriver"
)

// MySQL error numbers.
const (
	mysqlDuplicateEntry   = 1062
	mysqlNotNull          = 1048
	mysqlForeignKeyParent = 1451
	mysqlForeignKeyChild  = 1452
	mysqlDeadlock         = 1213
)

// convertBunError maps driver errors to orm error types. Anything a driver
// does not identify is classified from its SQLSTATE or message.
func convertBunError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return coded(pgErr.Field('C'), err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return coded(string(pqErr.Code), err)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDuplicateEntry:
			return orm.NewErrorWithCause(orm.ErrorTypeDuplicate, "duplicate key violation", err)
		case mysqlNotNull:
			return orm.NewErrorWithCause(orm.ErrorTypeNullability, "not-null constraint violation", err)
		case mysqlForeignKeyParent, mysqlForeignKeyChild:
			return orm.NewErrorWithCause(orm.ErrorTypeConstraint, "foreign key violation", err)
		case mysqlDeadlock:
			return orm.NewErrorWithCause(orm.ErrorTypeTransaction, "deadlock", err)
		}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		switch liteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return orm.NewErrorWithCause(orm.ErrorTypeDuplicate, "duplicate key violation", err)
		case sqlite3.ErrConstraintNotNull:
			return orm.NewErrorWithCause(orm.ErrorTypeNullability, "not-null constraint violation", err)
		}
		switch liteErr.Code {
		case sqlite3.ErrConstraint:
			return orm.NewErrorWithCause(orm.ErrorTypeConstraint, "constraint violation", err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return orm.NewErrorWithCause(orm.ErrorTypeTransaction, "database is locked", err)
		}
	}

	return orm.ClassifySQLError(err)
}

// coded classifies a PostgreSQL SQLSTATE.
func coded(code string, err error) error {
	var e orm.ORMError
	switch {
	case code == "23505":
		e = orm.NewErrorWithCause(orm.ErrorTypeDuplicate, "duplicate key violation", err)
	case code == "23502":
		e = orm.NewErrorWithCause(orm.ErrorTypeNullability, "not-null constraint violation", err)
	case len(code) == 5 && code[:2] == "23":
		e = orm.NewErrorWithCause(orm.ErrorTypeConstraint, "constraint violation", err)
	case code == "40001" || code == "40P01":
		e = orm.NewErrorWithCause(orm.ErrorTypeTransaction, "transaction conflict", err)
	case code == "57014":
		e = orm.NewErrorWithCause(orm.ErrorTypeTimeout, "statement timeout", err)
	case len(code) == 5 && code[:2] == "08":
		e = orm.NewErrorWithCause(orm.ErrorTypeConnection, "connection error", err)
	default:
		return orm.ClassifySQLError(err)
	}
	e.Code = code
	return e
}
