package orm

import (
	"context"
	"strings"
)

// =====================================
// Statement Shapes and Executors
// =====================================

// StatementKind identifies the SQL verb of a Statement.
type StatementKind int

const (
	StatementInsert StatementKind = iota
	StatementUpdate
	StatementDelete
	StatementSelect
)

func (k StatementKind) String() string {
	switch k {
	case StatementInsert:
		return "INSERT"
	case StatementUpdate:
		return "UPDATE"
	case StatementDelete:
		return "DELETE"
	case StatementSelect:
		return "SELECT"
	}
	return "UNKNOWN"
}

// Column is a column/value pair.
type Column struct {
	Name  string
	Value any
}

// Statement is a dialect-neutral description of a single statement. The
// engine never renders SQL itself; executors translate statements for
// their backend.
type Statement struct {
	Kind  StatementKind
	Table TableName

	// Values holds inserted columns or the SET list of an update.
	Values []Column

	// Where holds equality predicates joined with AND. A nil value means
	// IS NULL.
	Where []Column

	// GeneratedColumn names the column whose value the database generates
	// on insert. The executor reports it in Result.GeneratedID.
	GeneratedColumn string

	// Columns, OrderBy and ForUpdate apply to selects. An empty Columns
	// selects every column.
	Columns   []string
	OrderBy   []string
	ForUpdate bool

	// Entity names the entity the statement was generated for.
	Entity string
}

// Shape returns a key identical for statements that render to the same SQL.
func (s Statement) Shape() string {
	var b strings.Builder
	b.WriteString(s.Kind.String())
	b.WriteByte(' ')
	b.WriteString(s.Table.String())
	b.WriteString(" (")
	for i, c := range s.Values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.Name)
	}
	b.WriteString(") WHERE (")
	for i, c := range s.Where {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.Name)
		if c.Value == nil {
			b.WriteString(" NULL")
		}
	}
	b.WriteByte(')')
	if s.GeneratedColumn != "" {
		b.WriteString(" GENERATED ")
		b.WriteString(s.GeneratedColumn)
	}
	return b.String()
}

// Row is a result row keyed by column name.
type Row map[string]any

// Result reports the outcome of an executed statement.
type Result struct {
	RowsAffected int64
	GeneratedID  any
}

// Executor runs statements against a backend.
type Executor interface {
	Exec(ctx context.Context, stmt Statement) (Result, error)
	Query(ctx context.Context, stmt Statement) ([]Row, error)
}

// BatchExecutor runs statements of identical shape in one round trip.
type BatchExecutor interface {
	ExecBatch(ctx context.Context, stmts []Statement) ([]Result, error)
}

// Transactor starts transactions.
type Transactor interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is an Executor bound to a transaction.
type Tx interface {
	Executor
	Commit() error
	Rollback() error
}

// BatchError reports which statement of a batch failed.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return e.Err.Error()
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
