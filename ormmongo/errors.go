package ormmongo

import (
	"context"
	"errors"

	"github.com/lemmego/orm"
	"go.mongodb.org/mongo-driver/mongo"
)

// convertMongoError converts MongoDB errors to orm errors
func convertMongoError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return orm.NewErrorWithCause(orm.ErrorTypeNotFound, "document not found", err)
	case errors.Is(err, mongo.ErrNilDocument), errors.Is(err, mongo.ErrNilValue):
		return orm.NewErrorWithCause(orm.ErrorTypeValidation, "nil document provided", err)
	case errors.Is(err, context.DeadlineExceeded):
		return orm.NewErrorWithCause(orm.ErrorTypeTimeout, "operation timeout", err)
	case mongo.IsDuplicateKeyError(err):
		return orm.NewErrorWithCause(orm.ErrorTypeDuplicate, "duplicate key violation", err)
	case mongo.IsTimeout(err):
		return orm.NewErrorWithCause(orm.ErrorTypeTimeout, "operation timeout", err)
	case mongo.IsNetworkError(err):
		return orm.NewErrorWithCause(orm.ErrorTypeConnection, "connection error", err)
	}

	var writeErr mongo.WriteException
	if errors.As(err, &writeErr) {
		for _, we := range writeErr.WriteErrors {
			if we.Code == 121 {
				return orm.NewErrorWithCause(orm.ErrorTypeValidation, "document validation failed", err)
			}
		}
	}
	return orm.NewErrorWithCause(orm.ErrorTypeDatabase, "database operation failed", err)
}
