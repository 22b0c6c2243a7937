package orm

import (
	"context"
	"errors"
)

// =====================================
// Action Queue
// =====================================

// action is one planned database operation. Statements are built right
// before execution so identifiers generated by earlier inserts are visible.
type action interface {
	entityEntry() *EntityEntry
	build(s *Session) (Statement, error)
	complete(ctx context.Context, s *Session, res Result) error
}

// queryAction is an action that reads instead of writing.
type queryAction interface {
	action
	verify(s *Session, rows []Row) error
}

// ActionQueue holds the actions of one flush, grouped by phase.
type ActionQueue struct {
	inserts            []*EntityInsertAction
	fkUpdates          []*foreignKeyUpdateAction
	updates            []*EntityUpdateAction
	collectionRemovals []*CollectionAction
	collectionInserts  []*CollectionAction
	nullifications     []*foreignKeyUpdateAction
	deletes            []*EntityDeleteAction
	checks             []*versionCheckAction
}

// Len returns the number of queued actions.
func (q *ActionQueue) Len() int {
	return len(q.inserts) + len(q.fkUpdates) + len(q.updates) + len(q.collectionRemovals) +
		len(q.collectionInserts) + len(q.nullifications) + len(q.deletes) + len(q.checks)
}

// Inserts returns the planned inserts in execution order.
func (q *ActionQueue) Inserts() []*EntityInsertAction { return q.inserts }

// Updates returns the planned updates in execution order.
func (q *ActionQueue) Updates() []*EntityUpdateAction { return q.updates }

// Deletes returns the planned deletes in execution order.
func (q *ActionQueue) Deletes() []*EntityDeleteAction { return q.deletes }

// CollectionActions returns join-table removals followed by insertions.
func (q *ActionQueue) CollectionActions() []*CollectionAction {
	out := make([]*CollectionAction, 0, len(q.collectionRemovals)+len(q.collectionInserts))
	out = append(out, q.collectionRemovals...)
	return append(out, q.collectionInserts...)
}

// ordered lists every action in execution order: inserts, deferred
// foreign keys, updates, collection removals and insertions, foreign key
// nullification, deletes and finally version checks.
func (q *ActionQueue) ordered() []action {
	out := make([]action, 0, q.Len())
	for _, a := range q.inserts {
		out = append(out, a)
	}
	for _, a := range q.fkUpdates {
		out = append(out, a)
	}
	for _, a := range q.updates {
		out = append(out, a)
	}
	for _, a := range q.collectionRemovals {
		out = append(out, a)
	}
	for _, a := range q.collectionInserts {
		out = append(out, a)
	}
	for _, a := range q.nullifications {
		out = append(out, a)
	}
	for _, a := range q.deletes {
		out = append(out, a)
	}
	for _, a := range q.checks {
		out = append(out, a)
	}
	return out
}

// Execute runs the queue in order. Consecutive statements of identical
// shape are batched when the executor supports it. The first failure
// aborts the remaining actions; no statement is retried.
func (q *ActionQueue) Execute(ctx context.Context, s *Session) error {
	exec, err := s.executor(ctx)
	if err != nil {
		return err
	}
	batcher, canBatch := exec.(BatchExecutor)
	batchSize := s.factory.settings.BatchSize

	actions := q.ordered()
	for i := 0; i < len(actions); {
		a := actions[i]
		stmt, err := a.build(s)
		if err != nil {
			return wrapActionError(a, err)
		}

		if qa, ok := a.(queryAction); ok {
			rows, err := s.query(ctx, stmt)
			if err != nil {
				return wrapActionError(a, err)
			}
			if err := qa.verify(s, rows); err != nil {
				return wrapActionError(a, err)
			}
			i++
			continue
		}

		if canBatch && batchSize > 1 && stmt.GeneratedColumn == "" {
			group, stmts := q.collectBatch(s, actions, i, stmt, batchSize)
			if len(group) > 1 {
				s.trace(stmts[0], len(stmts))
				results, err := batcher.ExecBatch(ctx, stmts)
				if err != nil {
					failed := a
					var batchErr *BatchError
					if errors.As(err, &batchErr) && batchErr.Index < len(group) {
						failed = group[batchErr.Index]
					}
					return wrapActionError(failed, err)
				}
				s.factory.stats.recordStatements(len(stmts))
				for k, member := range group {
					var res Result
					if k < len(results) {
						res = results[k]
					}
					if err := member.complete(ctx, s, res); err != nil {
						return wrapActionError(member, err)
					}
				}
				i += len(group)
				continue
			}
		}

		s.trace(stmt, 1)
		res, err := exec.Exec(ctx, stmt)
		if err != nil {
			return wrapActionError(a, err)
		}
		s.factory.stats.recordStatements(1)
		if err := a.complete(ctx, s, res); err != nil {
			return wrapActionError(a, err)
		}
		i++
	}
	return nil
}

// collectBatch gathers the actions following start whose statements have
// the same shape as first.
func (q *ActionQueue) collectBatch(s *Session, actions []action, start int, first Statement, size int) ([]action, []Statement) {
	group := []action{actions[start]}
	stmts := []Statement{first}
	shape := first.Shape()
	for j := start + 1; j < len(actions) && len(group) < size; j++ {
		next := actions[j]
		if _, ok := next.(queryAction); ok {
			break
		}
		stmt, err := next.build(s)
		if err != nil || stmt.Shape() != shape {
			break
		}
		group = append(group, next)
		stmts = append(stmts, stmt)
	}
	return group, stmts
}

func (s *Session) trace(stmt Statement, n int) {
	if !s.factory.settings.ShowSQL {
		return
	}
	s.logger.Debug("statement", "kind", stmt.Kind.String(), "table", stmt.Table.String(), "entity", stmt.Entity, "batch", n)
}

// wrapActionError attaches the identity of the offending entity.
func wrapActionError(a action, err error) error {
	ormErr, ok := AsORMError(err)
	if !ok {
		ormErr = NewErrorWithCause(ErrorTypeDatabase, "statement failed", err)
	}
	if entry := a.entityEntry(); entry != nil && ormErr.Entity == "" {
		ormErr = ormErr.WithEntity(entry.Metadata.Name, entry.Key.ID)
	}
	return ormErr
}

// foreignKeyValue returns the identifier to store for a reference.
func (s *Session) foreignKeyValue(ref any) (any, error) {
	if ref == nil {
		return nil, nil
	}
	if entry := s.pc.GetEntry(ref); entry != nil {
		if entry.pendingID {
			return nil, entityError(ErrorTypeInternal, entry.Metadata.Name, nil, "identifier has not been generated yet")
		}
		return entry.Metadata.ID(ref), nil
	}
	meta, err := s.metamodel().EntityOf(ref)
	if err != nil {
		return nil, err
	}
	return meta.ID(ref), nil
}

func staleState(s *Session, entry *EntityEntry) error {
	s.factory.stats.recordOptimisticFailure()
	return entityError(ErrorTypeStaleState, entry.Metadata.Name, entry.Key.ID, "row was updated or deleted by another transaction")
}

// EntityInsertAction inserts the row of a newly persisted entity.
type EntityInsertAction struct {
	Entry *EntityEntry

	// deferred foreign keys are inserted as NULL and set by a later update.
	deferred map[*AssociationMetadata]bool
}

func (a *EntityInsertAction) entityEntry() *EntityEntry { return a.Entry }

func (a *EntityInsertAction) build(s *Session) (Statement, error) {
	entry := a.Entry
	meta := entry.Metadata
	inst := entry.Instance
	stmt := Statement{Kind: StatementInsert, Table: meta.Table, Entity: meta.Name}

	if entry.pendingID {
		stmt.GeneratedColumn = meta.Identifier.Column
	} else {
		stmt.Values = append(stmt.Values, Column{Name: meta.Identifier.Column, Value: meta.ID(inst)})
	}
	if meta.HasDiscriminator() {
		stmt.Values = append(stmt.Values, Column{Name: DiscriminatorColumn, Value: meta.Name})
	}
	for _, attr := range meta.Attributes {
		stmt.Values = append(stmt.Values, Column{Name: attr.Column, Value: attr.Get(inst)})
	}
	if meta.Version != nil {
		stmt.Values = append(stmt.Values, Column{Name: meta.Version.Column, Value: meta.Version.Get(inst)})
	}
	for _, assoc := range meta.Associations {
		if !assoc.WritesForeignKey() {
			continue
		}
		var value any
		if !a.deferred[assoc] {
			v, err := s.foreignKeyValue(assoc.Reference(inst))
			if err != nil {
				return Statement{}, err
			}
			value = v
		}
		stmt.Values = append(stmt.Values, Column{Name: assoc.Column, Value: value})
	}
	return stmt, nil
}

func (a *EntityInsertAction) complete(ctx context.Context, s *Session, res Result) error {
	entry := a.Entry
	meta := entry.Metadata
	if entry.pendingID {
		if res.GeneratedID == nil {
			return entityError(ErrorTypeDatabase, meta.Name, nil, "insert did not return a generated identifier")
		}
		if err := meta.SetID(entry.Instance, res.GeneratedID); err != nil {
			return err
		}
		if err := s.pc.ReassignIdentity(entry.Instance, meta.ID(entry.Instance)); err != nil {
			return err
		}
	}
	entry.ExistsInDatabase = true
	s.factory.stats.recordInsert()
	return fireHook(ctx, eventPostPersist, entry.Instance)
}

// EntityUpdateAction writes the changed columns of a managed entity.
type EntityUpdateAction struct {
	Entry      *EntityEntry
	Attributes []*Attribute
	References []*AssociationMetadata

	oldVersion any
	newVersion any
}

func (a *EntityUpdateAction) entityEntry() *EntityEntry { return a.Entry }

func (a *EntityUpdateAction) build(s *Session) (Statement, error) {
	entry := a.Entry
	meta := entry.Metadata
	inst := entry.Instance
	stmt := Statement{Kind: StatementUpdate, Table: meta.Table, Entity: meta.Name}
	for _, attr := range a.Attributes {
		stmt.Values = append(stmt.Values, Column{Name: attr.Column, Value: attr.Get(inst)})
	}
	for _, assoc := range a.References {
		v, err := s.foreignKeyValue(assoc.Reference(inst))
		if err != nil {
			return Statement{}, err
		}
		stmt.Values = append(stmt.Values, Column{Name: assoc.Column, Value: v})
	}
	if meta.Version != nil {
		stmt.Values = append(stmt.Values, Column{Name: meta.Version.Column, Value: a.newVersion})
	}
	stmt.Where = []Column{{Name: meta.Identifier.Column, Value: meta.ID(inst)}}
	if meta.Version != nil {
		stmt.Where = append(stmt.Where, Column{Name: meta.Version.Column, Value: a.oldVersion})
	}
	return stmt, nil
}

func (a *EntityUpdateAction) complete(ctx context.Context, s *Session, res Result) error {
	entry := a.Entry
	if res.RowsAffected == 0 {
		return staleState(s, entry)
	}
	if meta := entry.Metadata; meta.Version != nil {
		if err := meta.Version.Set(entry.Instance, a.newVersion); err != nil {
			return err
		}
		entry.Version = meta.Version.Get(entry.Instance)
	}
	s.factory.stats.recordUpdate()
	return fireHook(ctx, eventPostUpdate, entry.Instance)
}

// EntityDeleteAction deletes the row of a removed entity.
type EntityDeleteAction struct {
	Entry *EntityEntry
}

func (a *EntityDeleteAction) entityEntry() *EntityEntry { return a.Entry }

func (a *EntityDeleteAction) build(*Session) (Statement, error) {
	meta := a.Entry.Metadata
	stmt := Statement{
		Kind:   StatementDelete,
		Table:  meta.Table,
		Where:  []Column{{Name: meta.Identifier.Column, Value: meta.ID(a.Entry.Instance)}},
		Entity: meta.Name,
	}
	if meta.Version != nil {
		stmt.Where = append(stmt.Where, Column{Name: meta.Version.Column, Value: a.Entry.Version})
	}
	return stmt, nil
}

func (a *EntityDeleteAction) complete(ctx context.Context, s *Session, res Result) error {
	entry := a.Entry
	if res.RowsAffected == 0 {
		return staleState(s, entry)
	}
	s.pc.RemoveEntry(entry.Instance)
	entry.Status = StatusTransient
	entry.ExistsInDatabase = false
	s.factory.stats.recordDelete()
	return fireHook(ctx, eventPostRemove, entry.Instance)
}

type collectionOp int

const (
	collectionInsertRow collectionOp = iota
	collectionDeleteRow
	collectionDeleteOwner
	collectionDeleteTarget
)

// CollectionAction adds or removes join table rows of an owning to-many
// association.
type CollectionAction struct {
	Owner       *EntityEntry
	Association *AssociationMetadata
	Element     any

	op collectionOp
}

// IsInsert reports whether the action adds a row.
func (a *CollectionAction) IsInsert() bool { return a.op == collectionInsertRow }

func (a *CollectionAction) entityEntry() *EntityEntry { return a.Owner }

func (a *CollectionAction) build(s *Session) (Statement, error) {
	assoc := a.Association
	ownerID := a.Owner.Metadata.ID(a.Owner.Instance)
	stmt := Statement{Table: assoc.JoinTable, Entity: a.Owner.Metadata.Name}
	switch a.op {
	case collectionDeleteOwner:
		stmt.Kind = StatementDelete
		stmt.Where = []Column{{Name: assoc.JoinColumn, Value: ownerID}}
		return stmt, nil
	case collectionDeleteTarget:
		stmt.Kind = StatementDelete
		stmt.Where = []Column{{Name: assoc.InverseJoinColumn, Value: ownerID}}
		return stmt, nil
	}

	elementID, err := s.foreignKeyValue(a.Element)
	if err != nil {
		return Statement{}, err
	}
	pair := []Column{
		{Name: assoc.JoinColumn, Value: ownerID},
		{Name: assoc.InverseJoinColumn, Value: elementID},
	}
	if a.op == collectionInsertRow {
		stmt.Kind = StatementInsert
		stmt.Values = pair
	} else {
		stmt.Kind = StatementDelete
		stmt.Where = pair
	}
	return stmt, nil
}

func (a *CollectionAction) complete(context.Context, *Session, Result) error {
	return nil
}

// foreignKeyUpdateAction sets or clears one foreign key column. It
// completes inserts whose key was deferred to break a cycle and clears
// references to rows about to be deleted.
type foreignKeyUpdateAction struct {
	Entry       *EntityEntry
	Association *AssociationMetadata
	Target      any
}

func (a *foreignKeyUpdateAction) entityEntry() *EntityEntry { return a.Entry }

func (a *foreignKeyUpdateAction) build(s *Session) (Statement, error) {
	meta := a.Entry.Metadata
	value, err := s.foreignKeyValue(a.Target)
	if err != nil {
		return Statement{}, err
	}
	return Statement{
		Kind:   StatementUpdate,
		Table:  meta.Table,
		Values: []Column{{Name: a.Association.Column, Value: value}},
		Where:  []Column{{Name: meta.Identifier.Column, Value: meta.ID(a.Entry.Instance)}},
		Entity: meta.Name,
	}, nil
}

func (a *foreignKeyUpdateAction) complete(_ context.Context, s *Session, res Result) error {
	if res.RowsAffected == 0 {
		return staleState(s, a.Entry)
	}
	return nil
}

// versionCheckAction verifies at flush that the version of an entity
// locked with LockOptimistic is still current.
type versionCheckAction struct {
	Entry *EntityEntry
}

func (a *versionCheckAction) entityEntry() *EntityEntry { return a.Entry }

func (a *versionCheckAction) build(*Session) (Statement, error) {
	meta := a.Entry.Metadata
	return Statement{
		Kind:    StatementSelect,
		Table:   meta.Table,
		Columns: []string{meta.Version.Column},
		Where:   []Column{{Name: meta.Identifier.Column, Value: meta.ID(a.Entry.Instance)}},
		Entity:  meta.Name,
	}, nil
}

func (a *versionCheckAction) verify(s *Session, rows []Row) error {
	meta := a.Entry.Metadata
	if len(rows) == 0 {
		return staleState(s, a.Entry)
	}
	current, err := readVersion(meta, rows[0])
	if err != nil {
		return err
	}
	if !versionsEqual(current, a.Entry.Version) {
		return staleState(s, a.Entry)
	}
	return nil
}

func (a *versionCheckAction) complete(context.Context, *Session, Result) error {
	return nil
}
