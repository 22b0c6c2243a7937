package orm

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorConstructors(t *testing.T) {
	cause := errors.New("sql: transaction has already been committed or rolled back")

	plain := NewError(ErrorTypeMapping, "Book: no identifier field")
	if plain.Type != ErrorTypeMapping || plain.Cause != nil || plain.Code != "" {
		t.Errorf("Unexpected plain error %#v", plain)
	}

	wrapped := NewErrorWithCause(ErrorTypeTransaction, "rollback failed", cause)
	if wrapped.Unwrap() != cause {
		t.Error("Expected Unwrap to return the driver error")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("Expected errors.Is to reach the driver error")
	}

	located := entityError(ErrorTypeTransientObject, "Book", int64(3), "references unsaved %s", "Author")
	if located.Message != "references unsaved Author" || located.Entity != "Book" || located.ID != int64(3) {
		t.Errorf("Unexpected entity error %#v", located)
	}
}

func TestORMErrorError(t *testing.T) {
	err := ORMError{
		Type:    ErrorTypeNotFound,
		Message: "no row with the given identifier exists",
	}

	expected := "not_found: no row with the given identifier exists"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
}

func TestORMErrorWithEntity(t *testing.T) {
	cause := errors.New("UNIQUE constraint failed: books.id")
	err := NewErrorWithCause(ErrorTypeDuplicate, "duplicate key violation", cause).WithEntity("Book", int64(7))

	expected := "duplicate: duplicate key violation [Book#7] (caused by: UNIQUE constraint failed: books.id)"
	if err.Error() != expected {
		t.Errorf("Expected error message '%s', got '%s'", expected, err.Error())
	}
	if err.Entity != "Book" || err.ID != int64(7) {
		t.Errorf("Expected Book#7, got %s#%v", err.Entity, err.ID)
	}
}

func TestORMErrorIs(t *testing.T) {
	err1 := ORMError{Type: ErrorTypeStaleState, Message: "row was updated"}
	err2 := ORMError{Type: ErrorTypeStaleState, Message: "row was deleted"}
	err3 := ORMError{Type: ErrorTypeNotFound, Message: "not found error"}

	if !errors.Is(err1, err2) {
		t.Error("Expected errors with same type to be equal")
	}

	if errors.Is(err1, err3) {
		t.Error("Expected errors with different types to not be equal")
	}
}

func TestNewErrorWithCode(t *testing.T) {
	err := NewErrorWithCode(ErrorTypeConstraint, "constraint violation", "23503")

	if err.Type != ErrorTypeConstraint {
		t.Errorf("Expected error type constraint, got %s", err.Type)
	}
	if err.Code != "23503" {
		t.Errorf("Expected code '23503', got '%s'", err.Code)
	}
}

func TestAsORMError(t *testing.T) {
	wrapped := fmt.Errorf("flush: %w", NewError(ErrorTypeNullability, "not-null property references a null value"))

	ormErr, ok := AsORMError(wrapped)
	if !ok {
		t.Fatal("Expected AsORMError to find the error in the chain")
	}
	if ormErr.Type != ErrorTypeNullability {
		t.Errorf("Expected error type nullability, got %s", ormErr.Type)
	}

	if _, ok := AsORMError(errors.New("plain")); ok {
		t.Error("Expected AsORMError to fail for a plain error")
	}
}

func TestIsErrorType(t *testing.T) {
	err := NewError(ErrorTypeValidation, "validation error")

	if !IsErrorType(err, ErrorTypeValidation) {
		t.Error("Expected IsErrorType to return true for matching type")
	}

	if IsErrorType(err, ErrorTypeNotFound) {
		t.Error("Expected IsErrorType to return false for non-matching type")
	}

	if IsErrorType(errors.New("regular error"), ErrorTypeValidation) {
		t.Error("Expected IsErrorType to return false for non-ORM error")
	}
}

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name      string
		errorType ErrorType
		predicate func(error) bool
	}{
		{"IsNotFound", ErrorTypeNotFound, IsNotFound},
		{"IsNonUniqueObject", ErrorTypeNonUniqueObject, IsNonUniqueObject},
		{"IsTransientObject", ErrorTypeTransientObject, IsTransientObject},
		{"IsStaleState", ErrorTypeStaleState, IsStaleState},
		{"IsConstraintViolation", ErrorTypeConstraint, IsConstraintViolation},
		{"IsDuplicate", ErrorTypeDuplicate, IsDuplicate},
		{"IsCascadeExhausted", ErrorTypeCascadeExhausted, IsCascadeExhausted},
		{"IsNullability", ErrorTypeNullability, IsNullability},
		{"IsTransaction", ErrorTypeTransaction, IsTransaction},
		{"IsConnection", ErrorTypeConnection, IsConnection},
	}

	regularErr := errors.New("regular error")
	otherErr := NewError(ErrorTypeMapping, "mapping error")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.predicate(NewError(tt.errorType, "boom")) {
				t.Errorf("Expected %s to return true for %s error", tt.name, tt.errorType)
			}
			if tt.predicate(otherErr) {
				t.Errorf("Expected %s to return false for mapping error", tt.name)
			}
			if tt.predicate(regularErr) {
				t.Errorf("Expected %s to return false for regular error", tt.name)
			}
		})
	}
}

func TestMarksRollbackOnly(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{NewError(ErrorTypeStaleState, "stale"), true},
		{NewError(ErrorTypeNonUniqueObject, "duplicate identity"), true},
		{errors.New("driver failure"), true},
		{NewError(ErrorTypeNotFound, "missing"), false},
		{NewError(ErrorTypeDetached, "detached"), false},
		{NewError(ErrorTypeUnknownEntity, "unknown"), false},
		{NewError(ErrorTypeInvalidArgument, "bad argument"), false},
	}

	for _, tt := range tests {
		if got := marksRollbackOnly(tt.err); got != tt.expected {
			t.Errorf("marksRollbackOnly(%v) = %v, expected %v", tt.err, got, tt.expected)
		}
	}
}

func TestErrorTypeString(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		expected  string
	}{
		{ErrorTypeValidation, "validation"},
		{ErrorTypeNotFound, "not_found"},
		{ErrorTypeDuplicate, "duplicate"},
		{ErrorTypeConnection, "connection"},
		{ErrorTypeTransaction, "transaction"},
		{ErrorTypeConstraint, "constraint"},
		{ErrorTypeNonUniqueObject, "non_unique_object"},
		{ErrorTypeTransientObject, "transient_object"},
		{ErrorTypeStaleState, "stale_state"},
		{ErrorTypeCascadeExhausted, "cascade_exhausted"},
		{ErrorTypeDetached, "detached"},
	}

	for _, tt := range tests {
		if string(tt.errorType) != tt.expected {
			t.Errorf("Expected %s to be '%s', got '%s'", tt.errorType, tt.expected, string(tt.errorType))
		}
	}
}

func TestChainedErrors(t *testing.T) {
	rootCause := errors.New("root cause")
	middleError := NewErrorWithCause(ErrorTypeConnection, "connection failed", rootCause)
	topError := NewErrorWithCause(ErrorTypeTransaction, "commit failed", middleError)

	if !errors.Is(topError, middleError) {
		t.Error("Expected errors.Is to find middle error in chain")
	}

	if !errors.Is(topError, rootCause) {
		t.Error("Expected errors.Is to find root cause in chain")
	}

	if !IsTransaction(topError) {
		t.Error("Expected the outermost type to win")
	}
}
