package orm

import (
	"context"
	"database/sql"
	"strings"
)

// =====================================
// database/sql Executor
// =====================================

// sqlConn is the subset of *sql.DB and *sql.Tx used to run statements.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// SQLExecutor runs statements on a database/sql connection pool.
type SQLExecutor struct {
	db      *sql.DB
	dialect Dialect
	quote   bool
	txOpts  *sql.TxOptions
}

// SQLOption configures an SQLExecutor.
type SQLOption func(*SQLExecutor)

// WithQuotedIdentifiers quotes every table and column name.
func WithQuotedIdentifiers(quote bool) SQLOption {
	return func(e *SQLExecutor) {
		e.quote = quote
	}
}

// WithTxOptions sets the options used to begin transactions.
func WithTxOptions(opts *sql.TxOptions) SQLOption {
	return func(e *SQLExecutor) {
		e.txOpts = opts
	}
}

// NewSQLExecutor creates an executor for db rendering SQL for dialect.
func NewSQLExecutor(db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLExecutor, error) {
	if db == nil {
		return nil, NewError(ErrorTypeInvalidArgument, "db is required")
	}
	if !IsDialectSupported(dialect) {
		return nil, NewError(ErrorTypeUnsupported, "unsupported dialect: "+string(dialect))
	}
	e := &SQLExecutor{db: db, dialect: dialect}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// DB returns the underlying pool.
func (e *SQLExecutor) DB() *sql.DB {
	return e.db
}

// Dialect returns the SQL dialect.
func (e *SQLExecutor) Dialect() Dialect {
	return e.dialect
}

// Exec runs a write statement outside any transaction.
func (e *SQLExecutor) Exec(ctx context.Context, stmt Statement) (Result, error) {
	return execSQL(ctx, e.db, e.renderer(), stmt)
}

// Query runs a select outside any transaction.
func (e *SQLExecutor) Query(ctx context.Context, stmt Statement) ([]Row, error) {
	return querySQL(ctx, e.db, e.renderer(), stmt)
}

// ExecBatch runs statements of identical shape through one prepared
// statement.
func (e *SQLExecutor) ExecBatch(ctx context.Context, stmts []Statement) ([]Result, error) {
	return execBatchSQL(ctx, e.db, e.renderer(), stmts)
}

// BeginTx starts a transaction.
func (e *SQLExecutor) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := e.db.BeginTx(ctx, e.txOpts)
	if err != nil {
		return nil, ClassifySQLError(err)
	}
	return &sqlTx{tx: tx, r: e.renderer()}, nil
}

// Close closes the pool.
func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

func (e *SQLExecutor) renderer() sqlRenderer {
	return sqlRenderer{dialect: e.dialect, quote: e.quote}
}

// sqlTx is an SQLExecutor bound to a transaction.
type sqlTx struct {
	tx *sql.Tx
	r  sqlRenderer
}

func (t *sqlTx) Exec(ctx context.Context, stmt Statement) (Result, error) {
	return execSQL(ctx, t.tx, t.r, stmt)
}

func (t *sqlTx) Query(ctx context.Context, stmt Statement) ([]Row, error) {
	return querySQL(ctx, t.tx, t.r, stmt)
}

func (t *sqlTx) ExecBatch(ctx context.Context, stmts []Statement) ([]Result, error) {
	return execBatchSQL(ctx, t.tx, t.r, stmts)
}

func (t *sqlTx) Commit() error {
	return ClassifySQLError(t.tx.Commit())
}

func (t *sqlTx) Rollback() error {
	return ClassifySQLError(t.tx.Rollback())
}

func execSQL(ctx context.Context, conn sqlConn, r sqlRenderer, stmt Statement) (Result, error) {
	query, args := r.Render(stmt)

	if stmt.Kind == StatementInsert && stmt.GeneratedColumn != "" && r.dialect != DialectMySQL {
		var id any
		if err := conn.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return Result{}, ClassifySQLError(err)
		}
		return Result{RowsAffected: 1, GeneratedID: scannedValue(id)}, nil
	}

	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return Result{}, ClassifySQLError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Result{}, ClassifySQLError(err)
	}
	out := Result{RowsAffected: n}
	if stmt.Kind == StatementInsert && stmt.GeneratedColumn != "" {
		id, err := res.LastInsertId()
		if err != nil {
			return Result{}, ClassifySQLError(err)
		}
		out.GeneratedID = id
	}
	return out, nil
}

func execBatchSQL(ctx context.Context, conn sqlConn, r sqlRenderer, stmts []Statement) ([]Result, error) {
	if len(stmts) == 0 {
		return nil, nil
	}
	query, _ := r.Render(stmts[0])
	prepared, err := conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, ClassifySQLError(err)
	}
	defer prepared.Close()

	results := make([]Result, 0, len(stmts))
	for i, stmt := range stmts {
		_, args := r.Render(stmt)
		res, err := prepared.ExecContext(ctx, args...)
		if err != nil {
			return results, &BatchError{Index: i, Err: ClassifySQLError(err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return results, &BatchError{Index: i, Err: ClassifySQLError(err)}
		}
		results = append(results, Result{RowsAffected: n})
	}
	return results, nil
}

func querySQL(ctx context.Context, conn sqlConn, r sqlRenderer, stmt Statement) ([]Row, error) {
	query, args := r.Render(stmt)
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ClassifySQLError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, ClassifySQLError(err)
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, ClassifySQLError(err)
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = scannedValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, ClassifySQLError(err)
	}
	return out, nil
}

// scannedValue copies driver-owned byte slices.
func scannedValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// =====================================
// SQL Rendering
// =====================================

type sqlRenderer struct {
	dialect Dialect
	quote   bool
}

// RenderSQL renders stmt for dialect and returns the query and its
// arguments. IS NULL predicates take no argument.
func RenderSQL(dialect Dialect, stmt Statement, quote bool) (string, []any) {
	return sqlRenderer{dialect: dialect, quote: quote}.Render(stmt)
}

func (r sqlRenderer) ident(name string) string {
	if r.quote {
		return r.dialect.Quote(name)
	}
	return name
}

func (r sqlRenderer) table(t TableName) string {
	if r.quote {
		return r.dialect.Quote(t.String())
	}
	return t.String()
}

func (r sqlRenderer) Render(stmt Statement) (string, []any) {
	var b strings.Builder
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return r.dialect.Placeholder(len(args))
	}

	switch stmt.Kind {
	case StatementInsert:
		b.WriteString("INSERT INTO ")
		b.WriteString(r.table(stmt.Table))
		if len(stmt.Values) == 0 {
			r.writeOutput(&b, stmt)
			if r.dialect == DialectMySQL {
				b.WriteString(" () VALUES ()")
			} else {
				b.WriteString(" DEFAULT VALUES")
			}
			r.writeReturning(&b, stmt)
			break
		}
		b.WriteString(" (")
		for i, c := range stmt.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(r.ident(c.Name))
		}
		b.WriteString(")")
		r.writeOutput(&b, stmt)
		b.WriteString(" VALUES (")
		for i, c := range stmt.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(bind(c.Value))
		}
		b.WriteString(")")
		r.writeReturning(&b, stmt)

	case StatementUpdate:
		b.WriteString("UPDATE ")
		b.WriteString(r.table(stmt.Table))
		b.WriteString(" SET ")
		for i, c := range stmt.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(r.ident(c.Name))
			b.WriteString(" = ")
			b.WriteString(bind(c.Value))
		}
		r.writeWhere(&b, stmt.Where, bind)

	case StatementDelete:
		b.WriteString("DELETE FROM ")
		b.WriteString(r.table(stmt.Table))
		r.writeWhere(&b, stmt.Where, bind)

	case StatementSelect:
		b.WriteString("SELECT ")
		if len(stmt.Columns) == 0 {
			b.WriteString("*")
		}
		for i, c := range stmt.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(r.ident(c))
		}
		b.WriteString(" FROM ")
		b.WriteString(r.table(stmt.Table))
		r.writeWhere(&b, stmt.Where, bind)
		if len(stmt.OrderBy) > 0 {
			b.WriteString(" ORDER BY ")
			for i, c := range stmt.OrderBy {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(r.ident(c))
			}
		}
		if stmt.ForUpdate && r.dialect.SupportsForUpdate() {
			b.WriteString(" FOR UPDATE")
		}
	}
	return b.String(), args
}

func (r sqlRenderer) writeWhere(b *strings.Builder, where []Column, bind func(any) string) {
	for i, c := range where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(r.ident(c.Name))
		if c.Value == nil {
			b.WriteString(" IS NULL")
			continue
		}
		b.WriteString(" = ")
		b.WriteString(bind(c.Value))
	}
}

func (r sqlRenderer) writeOutput(b *strings.Builder, stmt Statement) {
	if stmt.GeneratedColumn != "" && r.dialect == DialectMsSQL {
		b.WriteString(" OUTPUT INSERTED.")
		b.WriteString(r.ident(stmt.GeneratedColumn))
	}
}

func (r sqlRenderer) writeReturning(b *strings.Builder, stmt Statement) {
	if stmt.GeneratedColumn != "" && r.dialect.SupportsReturning() {
		b.WriteString(" RETURNING ")
		b.WriteString(r.ident(stmt.GeneratedColumn))
	}
}
