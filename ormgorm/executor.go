// Package ormgorm runs unit-of-work statements through GORM's clause
// builders and connection pool.
package ormgorm

import (
	"context"

	"github.com/lemmego/orm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =====================================
// Executor Implementation
// =====================================

// Executor implements orm.Executor, orm.BatchExecutor and orm.Transactor
// on a *gorm.DB. SQL is rendered with GORM clauses for the configured
// dialector and sent straight to its connection pool.
type Executor struct {
	db *gorm.DB
}

// NewExecutor wraps an open GORM database.
func NewExecutor(db *gorm.DB) *Executor {
	return &Executor{db: db}
}

// DB returns the underlying GORM database.
func (e *Executor) DB() *gorm.DB {
	return e.db
}

// Exec runs an insert, update or delete.
func (e *Executor) Exec(ctx context.Context, stmt orm.Statement) (orm.Result, error) {
	return execStatement(ctx, e.db, stmt)
}

// Query runs a select.
func (e *Executor) Query(ctx context.Context, stmt orm.Statement) ([]orm.Row, error) {
	return queryStatement(ctx, e.db, stmt)
}

// ExecBatch runs same-shape statements through one prepared statement.
func (e *Executor) ExecBatch(ctx context.Context, stmts []orm.Statement) ([]orm.Result, error) {
	return execBatch(ctx, e.db, stmts)
}

// BeginTx starts a GORM transaction.
func (e *Executor) BeginTx(ctx context.Context) (orm.Tx, error) {
	tx := e.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, convertGormError(tx.Error)
	}
	return &Tx{tx: tx}, nil
}

// Health pings the database.
func (e *Executor) Health() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return convertGormError(err)
	}
	return convertGormError(sqlDB.Ping())
}

// Close closes the underlying pool.
func (e *Executor) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return convertGormError(err)
	}
	return sqlDB.Close()
}

// Tx is an Executor bound to a GORM transaction.
type Tx struct {
	tx *gorm.DB
}

func (t *Tx) Exec(ctx context.Context, stmt orm.Statement) (orm.Result, error) {
	return execStatement(ctx, t.tx, stmt)
}

func (t *Tx) Query(ctx context.Context, stmt orm.Statement) ([]orm.Row, error) {
	return queryStatement(ctx, t.tx, stmt)
}

func (t *Tx) ExecBatch(ctx context.Context, stmts []orm.Statement) ([]orm.Result, error) {
	return execBatch(ctx, t.tx, stmts)
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return convertGormError(t.tx.Commit().Error)
}

// Rollback aborts the transaction.
func (t *Tx) Rollback() error {
	return convertGormError(t.tx.Rollback().Error)
}

func execStatement(ctx context.Context, db *gorm.DB, stmt orm.Statement) (orm.Result, error) {
	query, vars := render(db, stmt)
	pool := db.Statement.ConnPool

	if stmt.Kind == orm.StatementInsert && stmt.GeneratedColumn != "" {
		switch db.Dialector.Name() {
		case "mysql":
			res, err := pool.ExecContext(ctx, query, vars...)
			if err != nil {
				return orm.Result{}, convertGormError(err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return orm.Result{}, convertGormError(err)
			}
			return orm.Result{RowsAffected: 1, GeneratedID: id}, nil
		case "sqlserver":
			query += "; SELECT CONVERT(bigint, SCOPE_IDENTITY())"
		}
		var id int64
		if err := pool.QueryRowContext(ctx, query, vars...).Scan(&id); err != nil {
			return orm.Result{}, convertGormError(err)
		}
		return orm.Result{RowsAffected: 1, GeneratedID: id}, nil
	}

	res, err := pool.ExecContext(ctx, query, vars...)
	if err != nil {
		return orm.Result{}, convertGormError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return orm.Result{}, convertGormError(err)
	}
	return orm.Result{RowsAffected: n}, nil
}

func execBatch(ctx context.Context, db *gorm.DB, stmts []orm.Statement) ([]orm.Result, error) {
	if len(stmts) == 0 {
		return nil, nil
	}
	query, _ := render(db, stmts[0])
	prepared, err := db.Statement.ConnPool.PrepareContext(ctx, query)
	if err != nil {
		return nil, convertGormError(err)
	}
	defer prepared.Close()

	results := make([]orm.Result, 0, len(stmts))
	for i, stmt := range stmts {
		_, vars := render(db, stmt)
		res, err := prepared.ExecContext(ctx, vars...)
		if err != nil {
			return results, &orm.BatchError{Index: i, Err: convertGormError(err)}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return results, &orm.BatchError{Index: i, Err: convertGormError(err)}
		}
		results = append(results, orm.Result{RowsAffected: n})
	}
	return results, nil
}

func queryStatement(ctx context.Context, db *gorm.DB, stmt orm.Statement) ([]orm.Row, error) {
	query, vars := render(db, stmt)
	rows, err := db.Statement.ConnPool.QueryContext(ctx, query, vars...)
	if err != nil {
		return nil, convertGormError(err)
	}
	defer rows.Close()

	var out []orm.Row
	for rows.Next() {
		row := map[string]interface{}{}
		if err := db.ScanRows(rows, &row); err != nil {
			return nil, convertGormError(err)
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, orm.Row(row))
	}
	if err := rows.Err(); err != nil {
		return nil, convertGormError(err)
	}
	return out, nil
}

// render builds stmt with GORM clauses using the dialector's quoting and
// bind variables.
func render(db *gorm.DB, stmt orm.Statement) (string, []interface{}) {
	st := &gorm.Statement{
		DB:      db,
		Clauses: map[string]clause.Clause{},
	}
	table := clause.Table{Name: stmt.Table.String()}

	switch stmt.Kind {
	case orm.StatementInsert:
		values := clause.Values{Values: [][]interface{}{{}}}
		for _, c := range stmt.Values {
			values.Columns = append(values.Columns, clause.Column{Name: c.Name})
			values.Values[0] = append(values.Values[0], c.Value)
		}
		st.AddClause(clause.Insert{Table: table})
		st.AddClause(values)
		if stmt.GeneratedColumn != "" && returns(db) {
			st.AddClause(clause.Returning{Columns: []clause.Column{{Name: stmt.GeneratedColumn}}})
		}
		st.Build("INSERT", "VALUES", "RETURNING")

	case orm.StatementUpdate:
		set := make(clause.Set, 0, len(stmt.Values))
		for _, c := range stmt.Values {
			set = append(set, clause.Assignment{Column: clause.Column{Name: c.Name}, Value: c.Value})
		}
		st.AddClause(clause.Update{Table: table})
		st.AddClause(set)
		st.AddClause(where(stmt.Where))
		st.Build("UPDATE", "SET", "WHERE")

	case orm.StatementDelete:
		st.AddClause(clause.Delete{})
		st.AddClause(clause.From{Tables: []clause.Table{table}})
		st.AddClause(where(stmt.Where))
		st.Build("DELETE", "FROM", "WHERE")

	case orm.StatementSelect:
		sel := clause.Select{}
		for _, c := range stmt.Columns {
			sel.Columns = append(sel.Columns, clause.Column{Name: c})
		}
		st.AddClause(sel)
		st.AddClause(clause.From{Tables: []clause.Table{table}})
		if len(stmt.Where) > 0 {
			st.AddClause(where(stmt.Where))
		}
		if len(stmt.OrderBy) > 0 {
			order := clause.OrderBy{}
			for _, c := range stmt.OrderBy {
				order.Columns = append(order.Columns, clause.OrderByColumn{Column: clause.Column{Name: c}})
			}
			st.AddClause(order)
		}
		if stmt.ForUpdate && locks(db) {
			st.AddClause(clause.Locking{Strength: "UPDATE"})
		}
		st.Build("SELECT", "FROM", "WHERE", "ORDER BY", "FOR")
	}
	return st.SQL.String(), st.Vars
}

func where(cols []orm.Column) clause.Where {
	w := clause.Where{}
	for _, c := range cols {
		w.Exprs = append(w.Exprs, clause.Eq{Column: clause.Column{Name: c.Name}, Value: c.Value})
	}
	return w
}

func returns(db *gorm.DB) bool {
	switch db.Dialector.Name() {
	case "postgres", "sqlite":
		return true
	}
	return false
}

func locks(db *gorm.DB) bool {
	switch db.Dialector.Name() {
	case "postgres", "mysql":
		return true
	}
	return false
}
