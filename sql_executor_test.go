package orm

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockExecutor(t *testing.T, dialect Dialect, opts ...SQLOption) (*SQLExecutor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	exec, err := NewSQLExecutor(db, dialect, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return exec, mock
}

func TestNewSQLExecutorValidates(t *testing.T) {
	_, err := NewSQLExecutor(nil, DialectSQLite)
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = NewSQLExecutor(db, Dialect("oracle"))
	assert.True(t, IsErrorType(err, ErrorTypeUnsupported))
}

func TestRenderSQL(t *testing.T) {
	books := TableName{Name: "books"}
	insert := Statement{
		Kind:   StatementInsert,
		Table:  books,
		Values: []Column{{Name: "title", Value: "Dune"}, {Name: "version", Value: 1}},
	}
	update := Statement{
		Kind:   StatementUpdate,
		Table:  books,
		Values: []Column{{Name: "title", Value: "Dune Messiah"}},
		Where:  []Column{{Name: "id", Value: int64(4)}, {Name: "version", Value: 1}},
	}
	remove := Statement{
		Kind:  StatementDelete,
		Table: books,
		Where: []Column{{Name: "id", Value: int64(4)}, {Name: "author_id", Value: nil}},
	}
	selectForUpdate := Statement{
		Kind:      StatementSelect,
		Table:     books,
		Columns:   []string{"id", "version"},
		Where:     []Column{{Name: "id", Value: int64(4)}},
		OrderBy:   []string{"id"},
		ForUpdate: true,
	}

	tests := []struct {
		name    string
		dialect Dialect
		stmt    Statement
		quote   bool
		query   string
		args    []any
	}{
		{"sqlite insert", DialectSQLite, insert, false,
			"INSERT INTO books (title, version) VALUES (?, ?)", []any{"Dune", 1}},
		{"pgsql insert quoted", DialectPgSQL, insert, true,
			`INSERT INTO "books" ("title", "version") VALUES ($1, $2)`, []any{"Dune", 1}},
		{"mssql update", DialectMsSQL, update, false,
			"UPDATE books SET title = @p1 WHERE id = @p2 AND version = @p3", []any{"Dune Messiah", int64(4), 1}},
		{"mysql update quoted", DialectMySQL, update, true,
			"UPDATE `books` SET `title` = ? WHERE `id` = ? AND `version` = ?", []any{"Dune Messiah", int64(4), 1}},
		{"delete with null predicate", DialectPgSQL, remove, false,
			"DELETE FROM books WHERE id = $1 AND author_id IS NULL", []any{int64(4)}},
		{"pgsql select for update", DialectPgSQL, selectForUpdate, false,
			"SELECT id, version FROM books WHERE id = $1 ORDER BY id FOR UPDATE", []any{int64(4)}},
		{"sqlite select ignores for update", DialectSQLite, selectForUpdate, false,
			"SELECT id, version FROM books WHERE id = ? ORDER BY id", []any{int64(4)}},
		{"mssql select quoted", DialectMsSQL, selectForUpdate, true,
			"SELECT [id], [version] FROM [books] WHERE [id] = @p1 ORDER BY [id]", []any{int64(4)}},
		{"select star", DialectMySQL, Statement{Kind: StatementSelect, Table: books}, false,
			"SELECT * FROM books", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := RenderSQL(tt.dialect, tt.stmt, tt.quote)
			assert.Equal(t, tt.query, query)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestRenderGeneratedInsert(t *testing.T) {
	stmt := Statement{
		Kind:            StatementInsert,
		Table:           TableName{Schema: "lib", Name: "authors"},
		Values:          []Column{{Name: "full_name", Value: "Le Guin"}},
		GeneratedColumn: "id",
	}
	empty := Statement{Kind: StatementInsert, Table: TableName{Name: "authors"}, GeneratedColumn: "id"}

	tests := []struct {
		dialect Dialect
		stmt    Statement
		query   string
	}{
		{DialectPgSQL, stmt, `INSERT INTO "lib"."authors" ("full_name") VALUES ($1) RETURNING "id"`},
		{DialectSQLite, stmt, `INSERT INTO "lib"."authors" ("full_name") VALUES (?) RETURNING "id"`},
		{DialectMySQL, stmt, "INSERT INTO `lib`.`authors` (`full_name`) VALUES (?)"},
		{DialectMsSQL, stmt, "INSERT INTO [lib].[authors] ([full_name]) OUTPUT INSERTED.[id] VALUES (@p1)"},
		{DialectPgSQL, empty, `INSERT INTO "authors" DEFAULT VALUES RETURNING "id"`},
		{DialectMySQL, empty, "INSERT INTO `authors` () VALUES ()"},
		{DialectMsSQL, empty, "INSERT INTO [authors] OUTPUT INSERTED.[id] DEFAULT VALUES"},
	}
	for _, tt := range tests {
		query, _ := RenderSQL(tt.dialect, tt.stmt, true)
		assert.Equal(t, tt.query, query, tt.dialect)
	}
}

func TestSQLExecutorReturningInsert(t *testing.T) {
	exec, mock := newMockExecutor(t, DialectPgSQL)

	mock.ExpectQuery("INSERT INTO authors (full_name) VALUES ($1) RETURNING id").
		WithArgs("Le Guin").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	res, err := exec.Exec(context.Background(), Statement{
		Kind:            StatementInsert,
		Table:           TableName{Name: "authors"},
		Values:          []Column{{Name: "full_name", Value: "Le Guin"}},
		GeneratedColumn: "id",
	})
	require.NoError(t, err)
	assert.Equal(t, Result{RowsAffected: 1, GeneratedID: int64(42)}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutorLastInsertID(t *testing.T) {
	exec, mock := newMockExecutor(t, DialectMySQL)

	mock.ExpectExec("INSERT INTO authors (full_name) VALUES (?)").
		WithArgs("Butler").
		WillReturnResult(sqlmock.NewResult(17, 1))

	res, err := exec.Exec(context.Background(), Statement{
		Kind:            StatementInsert,
		Table:           TableName{Name: "authors"},
		Values:          []Column{{Name: "full_name", Value: "Butler"}},
		GeneratedColumn: "id",
	})
	require.NoError(t, err)
	assert.Equal(t, Result{RowsAffected: 1, GeneratedID: int64(17)}, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutorUpdateReportsRowsAffected(t *testing.T) {
	exec, mock := newMockExecutor(t, DialectSQLite)

	mock.ExpectExec("UPDATE books SET title = ? WHERE id = ? AND version = ?").
		WithArgs("Kindred", int64(3), 2).
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := exec.Exec(context.Background(), Statement{
		Kind:   StatementUpdate,
		Table:  TableName{Name: "books"},
		Values: []Column{{Name: "title", Value: "Kindred"}},
		Where:  []Column{{Name: "id", Value: int64(3)}, {Name: "version", Value: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RowsAffected)
	assert.Nil(t, res.GeneratedID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutorQuery(t *testing.T) {
	exec, mock := newMockExecutor(t, DialectPgSQL, WithQuotedIdentifiers(true))

	mock.ExpectQuery(`SELECT "id", "name" FROM "countries" WHERE "id" = $1 FOR UPDATE`).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(3), []byte("Iceland")))

	rows, err := exec.Query(context.Background(), Statement{
		Kind:      StatementSelect,
		Table:     TableName{Name: "countries"},
		Columns:   []string{"id", "name"},
		Where:     []Column{{Name: "id", Value: int64(3)}},
		ForUpdate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []Row{{"id": int64(3), "name": "Iceland"}}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLExecutorQueryFailure(t *testing.T) {
	exec, mock := newMockExecutor(t, DialectSQLite)

	mock.ExpectQuery("SELECT * FROM countries").WillReturnError(errors.New("dial tcp 127.0.0.1:5432: connection refused"))

	_, err := exec.Query(context.Background(), Statement{Kind: StatementSelect, Table: TableName{Name: "countries"}})
	require.Error(t, err)
	assert.True(t, IsConnection(err))
}

func TestSQLExecutorBatch(t *testing.T) {
	exec, mock := newMockExecutor(t, DialectSQLite)

	prep := mock.ExpectPrepare("INSERT INTO countries (id, name) VALUES (?, ?)")
	prep.ExpectExec().WithArgs(int64(1), "Norway").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(int64(2), "Sweden").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(int64(3), "Norway").WillReturnError(errors.New("UNIQUE constraint failed: countries.name"))

	var stmts []Statement
	for i, name := range []string{"Norway", "Sweden", "Norway"} {
		stmts = append(stmts, Statement{
			Kind:   StatementInsert,
			Table:  TableName{Name: "countries"},
			Values: []Column{{Name: "id", Value: int64(i + 1)}, {Name: "name", Value: name}},
		})
	}

	results, err := exec.ExecBatch(context.Background(), stmts)
	require.Error(t, err)
	assert.Len(t, results, 2)

	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 2, batchErr.Index)
	assert.True(t, IsDuplicate(err))
	require.NoError(t, mock.ExpectationsWereMet())

	results, err = exec.ExecBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestSQLExecutorTransaction(t *testing.T) {
	exec, mock := newMockExecutor(t, DialectPgSQL)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM countries WHERE id = $1").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := exec.BeginTx(ctx)
	require.NoError(t, err)
	res, err := tx.Exec(ctx, Statement{
		Kind:  StatementDelete,
		Table: TableName{Name: "countries"},
		Where: []Column{{Name: "id", Value: int64(9)}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
	require.NoError(t, tx.Commit())

	mock.ExpectBegin()
	mock.ExpectRollback()
	tx, err = exec.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.True(t, IsTransaction(tx.Rollback()), "second rollback reports a finished transaction")
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))
	_, err = exec.BeginTx(ctx)
	assert.True(t, IsConnection(err))
}

// The session drives an SQLExecutor end to end inside one transaction: a
// RETURNING insert for an identity entity, then a batched insert of
// assigned identifiers.
func TestSessionOverSQLExecutor(t *testing.T) {
	exec, mock := newMockExecutor(t, DialectPgSQL)
	f := newTestFactory(t, exec, WithSettings(Settings{BatchSize: 10}))
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO people (name, partner_id) VALUES ($1, $2) RETURNING id").
		WithArgs("Ada", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	prep := mock.ExpectPrepare("INSERT INTO countries (id, name) VALUES ($1, $2)")
	prep.ExpectExec().WithArgs(int64(1), "Norway").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(int64(2), "Sweden").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := openSession(t, f)
	require.NoError(t, s.Begin(ctx))
	ada := &Person{Name: "Ada"}
	require.NoError(t, s.Persist(ctx, ada))
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, int64(5), ada.ID)

	require.NoError(t, s.Persist(ctx, &Country{ID: 1, Name: "Norway"}))
	require.NoError(t, s.Persist(ctx, &Country{ID: 2, Name: "Sweden"}))
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, uint64(1), f.Statistics().Snapshot().Batches)
}
