package orm

import (
	"errors"
	"fmt"
)

// =====================================
// Error Handling
// =====================================

// ORMError represents an error raised by the persistence engine.
// Entity and ID identify the offending entity when one is known.
type ORMError struct {
	Type    ErrorType
	Message string
	Cause   error
	Code    string
	Entity  string
	ID      any
}

// Error implements the error interface
func (e ORMError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Entity != "" {
		msg = fmt.Sprintf("%s [%s#%v]", msg, e.Entity, e.ID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e ORMError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e ORMError) Is(target error) bool {
	if targetErr, ok := target.(ORMError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// WithEntity returns a copy of the error carrying the given entity identity.
func (e ORMError) WithEntity(entity string, id any) ORMError {
	e.Entity = entity
	e.ID = id
	return e
}

// NewError creates a new ORMError
func NewError(errorType ErrorType, message string) ORMError {
	return ORMError{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithCause creates a new ORMError with a cause
func NewErrorWithCause(errorType ErrorType, message string, cause error) ORMError {
	return ORMError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewErrorWithCode creates a new ORMError with a code
func NewErrorWithCode(errorType ErrorType, message string, code string) ORMError {
	return ORMError{
		Type:    errorType,
		Message: message,
		Code:    code,
	}
}

func entityError(errorType ErrorType, entity string, id any, format string, args ...any) ORMError {
	return ORMError{
		Type:    errorType,
		Message: fmt.Sprintf(format, args...),
		Entity:  entity,
		ID:      id,
	}
}

// AsORMError extracts an ORMError from err's chain.
func AsORMError(err error) (ORMError, bool) {
	var ormErr ORMError
	if errors.As(err, &ormErr) {
		return ormErr, true
	}
	return ORMError{}, false
}

// IsErrorType checks if an error is of a specific type
func IsErrorType(err error, errorType ErrorType) bool {
	if ormErr, ok := AsORMError(err); ok {
		return ormErr.Type == errorType
	}
	return false
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return IsErrorType(err, ErrorTypeNotFound)
}

// IsNonUniqueObject reports an identity collision inside one persistence context.
func IsNonUniqueObject(err error) bool {
	return IsErrorType(err, ErrorTypeNonUniqueObject)
}

// IsTransientObject reports a reference to an unsaved instance reached at flush.
func IsTransientObject(err error) bool {
	return IsErrorType(err, ErrorTypeTransientObject)
}

// IsStaleState reports an optimistic lock failure.
func IsStaleState(err error) bool {
	return IsErrorType(err, ErrorTypeStaleState)
}

// IsConstraintViolation reports a rejected statement or an unresolvable
// foreign key dependency.
func IsConstraintViolation(err error) bool {
	return IsErrorType(err, ErrorTypeConstraint) || IsErrorType(err, ErrorTypeDuplicate)
}

// IsDuplicate checks if an error is a "duplicate" error
func IsDuplicate(err error) bool {
	return IsErrorType(err, ErrorTypeDuplicate)
}

// IsCascadeExhausted reports a cascade that visited more entities than
// the configured limit allows.
func IsCascadeExhausted(err error) bool {
	return IsErrorType(err, ErrorTypeCascadeExhausted)
}

// IsNullability reports a required association or column left null.
func IsNullability(err error) bool {
	return IsErrorType(err, ErrorTypeNullability)
}

// IsTransaction checks if an error is a "transaction" error
func IsTransaction(err error) bool {
	return IsErrorType(err, ErrorTypeTransaction)
}

// IsConnection checks if an error is a "connection" error
func IsConnection(err error) bool {
	return IsErrorType(err, ErrorTypeConnection)
}

// marksRollbackOnly reports whether err leaves the persistence context in a
// state the caller must roll back.
func marksRollbackOnly(err error) bool {
	ormErr, ok := AsORMError(err)
	if !ok {
		return true
	}
	switch ormErr.Type {
	case ErrorTypeInvalidArgument, ErrorTypeUnknownEntity, ErrorTypeDetached, ErrorTypeNotFound:
		return false
	}
	return true
}
