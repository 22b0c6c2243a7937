package orm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// memoryExecutor keeps rows in maps and records every statement it runs.
// It stands in for a database in session tests.
type memoryExecutor struct {
	mu       sync.Mutex
	tables   map[string][]Row
	identity map[string]int64
	log      []Statement
	batches  [][]Statement

	// failOn makes the first statement matching the predicate fail with err.
	failOn  func(Statement) bool
	failErr error

	// stale makes updates and deletes on the table affect no rows.
	stale map[string]bool

	txs      int
	commits  int
	rollback int
}

func newMemoryExecutor() *memoryExecutor {
	return &memoryExecutor{
		tables:   make(map[string][]Row),
		identity: make(map[string]int64),
		stale:    make(map[string]bool),
	}
}

func (m *memoryExecutor) Exec(_ context.Context, stmt Statement) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exec(stmt)
}

func (m *memoryExecutor) exec(stmt Statement) (Result, error) {
	m.log = append(m.log, stmt)
	if m.failOn != nil && m.failOn(stmt) {
		m.failOn = nil
		return Result{}, m.failErr
	}
	table := stmt.Table.String()

	switch stmt.Kind {
	case StatementInsert:
		row := Row{}
		for _, c := range stmt.Values {
			row[c.Name] = c.Value
		}
		var generated any
		if stmt.GeneratedColumn != "" {
			m.identity[table]++
			generated = m.identity[table]
			row[stmt.GeneratedColumn] = generated
		}
		m.tables[table] = append(m.tables[table], row)
		return Result{RowsAffected: 1, GeneratedID: generated}, nil

	case StatementUpdate:
		if m.stale[table] {
			return Result{}, nil
		}
		var n int64
		for _, row := range m.tables[table] {
			if matches(row, stmt.Where) {
				for _, c := range stmt.Values {
					row[c.Name] = c.Value
				}
				n++
			}
		}
		return Result{RowsAffected: n}, nil

	case StatementDelete:
		if m.stale[table] {
			return Result{}, nil
		}
		kept := m.tables[table][:0]
		var n int64
		for _, row := range m.tables[table] {
			if matches(row, stmt.Where) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		m.tables[table] = kept
		return Result{RowsAffected: n}, nil
	}
	return Result{}, fmt.Errorf("cannot exec %s", stmt.Kind)
}

func (m *memoryExecutor) Query(_ context.Context, stmt Statement) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, stmt)
	if m.failOn != nil && m.failOn(stmt) {
		m.failOn = nil
		return nil, m.failErr
	}
	var out []Row
	for _, row := range m.tables[stmt.Table.String()] {
		if !matches(row, stmt.Where) {
			continue
		}
		cp := Row{}
		for k, v := range row {
			cp[k] = v
		}
		out = append(out, cp)
	}
	if len(stmt.OrderBy) > 0 {
		col := stmt.OrderBy[0]
		sort.SliceStable(out, func(i, j int) bool {
			return fmt.Sprint(out[i][col]) < fmt.Sprint(out[j][col])
		})
	}
	return out, nil
}

func matches(row Row, where []Column) bool {
	for _, c := range where {
		v, ok := row[c.Name]
		if c.Value == nil {
			if ok && v != nil {
				return false
			}
			continue
		}
		if !valuesEqual(normalizeID(v), normalizeID(c.Value)) {
			return false
		}
	}
	return true
}

// batchingExecutor adds ExecBatch to memoryExecutor.
type batchingExecutor struct {
	*memoryExecutor
}

func (b batchingExecutor) ExecBatch(_ context.Context, stmts []Statement) ([]Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, stmts)
	results := make([]Result, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := b.exec(stmt)
		if err != nil {
			return results, &BatchError{Index: i, Err: err}
		}
		results = append(results, res)
	}
	return results, nil
}

// transactionalExecutor adds transactions that record their outcome.
// Writes are applied immediately; rollback only counts.
type transactionalExecutor struct {
	*memoryExecutor
}

func (t transactionalExecutor) BeginTx(context.Context) (Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txs++
	return &memoryTx{m: t.memoryExecutor}, nil
}

type memoryTx struct {
	m    *memoryExecutor
	done bool
}

func (tx *memoryTx) Exec(ctx context.Context, stmt Statement) (Result, error) {
	return tx.m.Exec(ctx, stmt)
}

func (tx *memoryTx) Query(ctx context.Context, stmt Statement) ([]Row, error) {
	return tx.m.Query(ctx, stmt)
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	tx.m.commits++
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	tx.m.rollback++
	return nil
}

// statements returns the logged statements of kind, optionally limited to
// one table.
func (m *memoryExecutor) statements(kind StatementKind, table ...string) []Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Statement
	for _, s := range m.log {
		if s.Kind != kind {
			continue
		}
		if len(table) > 0 && s.Table.String() != table[0] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// entityOrder lists the Entity of every statement of kind in execution order.
func (m *memoryExecutor) entityOrder(kind StatementKind) []string {
	var names []string
	for _, s := range m.statements(kind) {
		names = append(names, s.Entity)
	}
	return names
}

func (m *memoryExecutor) rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[table]
}

func (m *memoryExecutor) seed(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], rows...)
}

func (m *memoryExecutor) resetLog() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = nil
	m.batches = nil
}

func (s Statement) value(column string) (any, bool) {
	for _, c := range s.Values {
		if c.Name == column {
			return c.Value, true
		}
	}
	return nil, false
}
