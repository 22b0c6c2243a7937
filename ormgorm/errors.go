package ormgorm

import (
	"errors"

	"github.com/lemmego/orm"
	"gorm.io/gorm"
)

// convertGormError converts GORM errors to orm errors.
func convertGormError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return orm.NewErrorWithCause(orm.ErrorTypeNotFound, "record not found", err)
	case errors.Is(err, gorm.ErrInvalidTransaction):
		return orm.NewErrorWithCause(orm.ErrorTypeTransaction, "invalid transaction", err)
	case errors.Is(err, gorm.ErrNotImplemented):
		return orm.NewErrorWithCause(orm.ErrorTypeUnsupported, "operation not implemented", err)
	case errors.Is(err, gorm.ErrMissingWhereClause):
		return orm.NewErrorWithCause(orm.ErrorTypeValidation, "missing where clause", err)
	case errors.Is(err, gorm.ErrPrimaryKeyRequired):
		return orm.NewErrorWithCause(orm.ErrorTypeValidation, "primary key required", err)
	case errors.Is(err, gorm.ErrInvalidData):
		return orm.NewErrorWithCause(orm.ErrorTypeValidation, "invalid data", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return orm.NewErrorWithCause(orm.ErrorTypeDuplicate, "duplicate key violation", err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return orm.NewErrorWithCause(orm.ErrorTypeConstraint, "foreign key violation", err)
	}
	return orm.ClassifySQLError(err)
}
