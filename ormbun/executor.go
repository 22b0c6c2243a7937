// Package ormbun runs unit-of-work statements through Bun.
package ormbun

import (
	"context"
	"database/sql"

	"github.com/lemmego/orm"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// =====================================
// Executor Implementation
// =====================================

// Executor implements orm.Executor and orm.Transactor on a *bun.DB.
// Rows are written through map models so no Bun struct tags are needed.
type Executor struct {
	db *bun.DB
	runner
}

// NewExecutor wraps an open Bun database.
func NewExecutor(db *bun.DB) *Executor {
	return &Executor{db: db, runner: runner{idb: db, dialect: db.Dialect().Name()}}
}

// DB returns the underlying Bun database.
func (e *Executor) DB() *bun.DB {
	return e.db
}

// BeginTx starts a Bun transaction.
func (e *Executor) BeginTx(ctx context.Context) (orm.Tx, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, convertBunError(err)
	}
	return &Tx{tx: tx, runner: runner{idb: tx, dialect: e.runner.dialect}}, nil
}

// Health pings the database.
func (e *Executor) Health() error {
	return convertBunError(e.db.Ping())
}

// Close closes the database.
func (e *Executor) Close() error {
	return e.db.Close()
}

// Tx is an Executor bound to a Bun transaction.
type Tx struct {
	tx bun.Tx
	runner
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return convertBunError(t.tx.Commit())
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return convertBunError(t.tx.Rollback())
}

// runner renders statements with Bun query builders on a *bun.DB or bun.Tx.
type runner struct {
	idb     bun.IDB
	dialect dialect.Name
}

// Exec runs an insert, update or delete.
func (r runner) Exec(ctx context.Context, stmt orm.Statement) (orm.Result, error) {
	table := bun.Ident(stmt.Table.String())
	switch stmt.Kind {
	case orm.StatementInsert:
		return r.insert(ctx, table, stmt)

	case orm.StatementUpdate:
		values := columnMap(stmt.Values)
		q := r.idb.NewUpdate().Model(&values).TableExpr("?", table)
		q = whereUpdate(q, stmt.Where)
		res, err := q.Exec(ctx)
		return result(res, err)

	case orm.StatementDelete:
		q := r.idb.NewDelete().TableExpr("?", table)
		for _, c := range stmt.Where {
			if c.Value == nil {
				q = q.Where("? IS NULL", bun.Ident(c.Name))
			} else {
				q = q.Where("? = ?", bun.Ident(c.Name), c.Value)
			}
		}
		res, err := q.Exec(ctx)
		return result(res, err)
	}
	return orm.Result{}, orm.NewError(orm.ErrorTypeUnsupported, "cannot execute "+stmt.Kind.String())
}

func (r runner) insert(ctx context.Context, table bun.Ident, stmt orm.Statement) (orm.Result, error) {
	values := columnMap(stmt.Values)
	q := r.idb.NewInsert().Model(&values).TableExpr("?", table)
	if stmt.GeneratedColumn == "" {
		res, err := q.Exec(ctx)
		return result(res, err)
	}

	if r.dialect == dialect.MySQL {
		res, err := q.Exec(ctx)
		if err != nil {
			return orm.Result{}, convertBunError(err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return orm.Result{}, convertBunError(err)
		}
		return orm.Result{RowsAffected: 1, GeneratedID: id}, nil
	}

	var id int64
	if err := q.Returning("?", bun.Ident(stmt.GeneratedColumn)).Scan(ctx, &id); err != nil {
		return orm.Result{}, convertBunError(err)
	}
	return orm.Result{RowsAffected: 1, GeneratedID: id}, nil
}

// Query runs a select and returns its rows as maps.
func (r runner) Query(ctx context.Context, stmt orm.Statement) ([]orm.Row, error) {
	q := r.idb.NewSelect().TableExpr("?", bun.Ident(stmt.Table.String()))
	if len(stmt.Columns) == 0 {
		q = q.ColumnExpr("*")
	}
	for _, c := range stmt.Columns {
		q = q.ColumnExpr("?", bun.Ident(c))
	}
	for _, c := range stmt.Where {
		if c.Value == nil {
			q = q.Where("? IS NULL", bun.Ident(c.Name))
		} else {
			q = q.Where("? = ?", bun.Ident(c.Name), c.Value)
		}
	}
	for _, c := range stmt.OrderBy {
		q = q.OrderExpr("? ASC", bun.Ident(c))
	}
	if stmt.ForUpdate && r.dialect != dialect.SQLite {
		q = q.For("UPDATE")
	}

	var rows []map[string]interface{}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, convertBunError(err)
	}
	out := make([]orm.Row, len(rows))
	for i, row := range rows {
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out[i] = orm.Row(row)
	}
	return out, nil
}

func whereUpdate(q *bun.UpdateQuery, where []orm.Column) *bun.UpdateQuery {
	for _, c := range where {
		if c.Value == nil {
			q = q.Where("? IS NULL", bun.Ident(c.Name))
		} else {
			q = q.Where("? = ?", bun.Ident(c.Name), c.Value)
		}
	}
	return q
}

func columnMap(cols []orm.Column) map[string]interface{} {
	m := make(map[string]interface{}, len(cols))
	for _, c := range cols {
		m[c.Name] = c.Value
	}
	return m
}

func result(res sql.Result, err error) (orm.Result, error) {
	if err != nil {
		return orm.Result{}, convertBunError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return orm.Result{}, convertBunError(err)
	}
	return orm.Result{RowsAffected: n}, nil
}
