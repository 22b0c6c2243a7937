package orm

import (
	"context"
	"fmt"
	"reflect"
)

// =====================================
// Loading
// =====================================

// Find returns the managed instance of the entity type of proto with the
// given identifier, loading it if needed. proto may be a typed nil pointer
// such as (*Book)(nil).
func (s *Session) Find(ctx context.Context, proto any, id any) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	meta, err := s.metamodel().EntityOf(proto)
	if err != nil {
		return nil, err
	}
	entity, err := s.load(ctx, meta, id)
	if err != nil && !IsNotFound(err) {
		return nil, s.fail(err)
	}
	return entity, err
}

// Find is the typed form of Session.Find.
func Find[T any](ctx context.Context, s *Session, id any) (T, error) {
	var zero T
	entity, err := s.Find(ctx, zero, id)
	if err != nil {
		return zero, err
	}
	typed, ok := entity.(T)
	if !ok {
		return zero, NewError(ErrorTypeNotFound, fmt.Sprintf("%T#%v is a %T", zero, id, entity))
	}
	return typed, nil
}

// Reference returns the managed instance for id without reading its row.
// When the instance is not in the session a hollow instance carrying only
// the identifier is registered; it is filled by Initialize, Find or
// Refresh and is never updated by flush while hollow.
func (s *Session) Reference(proto any, id any) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	meta, err := s.metamodel().EntityOf(proto)
	if err != nil {
		return nil, err
	}
	return s.reference(meta, id)
}

func (s *Session) reference(meta *EntityMetadata, id any) (any, error) {
	norm, err := meta.CoerceID(id)
	if err != nil {
		return nil, err
	}
	if entry := s.pc.GetEntity(EntityKey{Entity: meta.Root.Name, ID: norm}); entry != nil {
		return entry.Instance, nil
	}
	if meta.HasDiscriminator() && len(meta.Subtypes) > 0 {
		return nil, NewError(ErrorTypeUnsupported, meta.Name+" has subtypes; its concrete type is only known after loading")
	}
	instance := meta.New()
	if err := meta.SetID(instance, id); err != nil {
		return nil, err
	}
	entry, err := s.pc.AddEntry(instance, meta, meta.ID(instance), StatusManaged, true)
	if err != nil {
		return nil, err
	}
	entry.hollow = true
	return instance, nil
}

// Initialize loads the state of a hollow reference and every lazy
// collection held by entity.
func (s *Session) Initialize(ctx context.Context, entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	entry := s.pc.GetEntry(entity)
	if entry == nil {
		return NewError(ErrorTypeDetached, fmt.Sprintf("%T is not managed", entity))
	}
	if entry.hollow {
		if err := s.fill(ctx, entry); err != nil {
			return err
		}
	}
	for _, a := range entry.Metadata.Associations {
		if a.container != containerLazy {
			continue
		}
		if _, err := collectionElements(ctx, entity, a, true); err != nil {
			return err
		}
	}
	return nil
}

// load returns the managed instance for id, reading it when necessary.
func (s *Session) load(ctx context.Context, meta *EntityMetadata, id any) (any, error) {
	norm, err := meta.CoerceID(id)
	if err != nil {
		return nil, err
	}
	key := EntityKey{Entity: meta.Root.Name, ID: norm}
	if entry := s.pc.GetEntity(key); entry != nil {
		if entry.Status == StatusDeleted {
			return nil, entityError(ErrorTypeNotFound, meta.Name, norm, "entity is scheduled for removal")
		}
		if !entry.Metadata.IsSubtypeOf(meta) {
			return nil, entityError(ErrorTypeNotFound, meta.Name, norm, "identifier belongs to a %s", entry.Metadata.Name)
		}
		if entry.hollow {
			if err := s.fill(ctx, entry); err != nil {
				return nil, err
			}
		}
		return entry.Instance, nil
	}

	row, found, err := s.selectRow(ctx, meta, norm, false)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, entityError(ErrorTypeNotFound, meta.Name, norm, "no row with the given identifier exists")
	}
	instance, err := s.materialize(ctx, meta, row)
	if err != nil {
		return nil, err
	}
	if entry := s.pc.GetEntry(instance); !entry.Metadata.IsSubtypeOf(meta) {
		return nil, entityError(ErrorTypeNotFound, meta.Name, norm, "identifier belongs to a %s", entry.Metadata.Name)
	}
	return instance, nil
}

// fill reads the row of a hollow reference into it.
func (s *Session) fill(ctx context.Context, entry *EntityEntry) error {
	meta := entry.Metadata
	row, found, err := s.selectRow(ctx, meta, entry.Key.ID, false)
	if err != nil {
		return err
	}
	if !found {
		return entityError(ErrorTypeNotFound, meta.Name, entry.Key.ID, "no row with the given identifier exists")
	}
	entry.hollow = false
	if err := s.hydrate(ctx, entry, row); err != nil {
		return err
	}
	return s.afterLoad(ctx, entry)
}

// selectRow reads the row of one entity.
func (s *Session) selectRow(ctx context.Context, meta *EntityMetadata, id any, forUpdate bool) (Row, bool, error) {
	rows, err := s.query(ctx, Statement{
		Kind:      StatementSelect,
		Table:     meta.Table,
		Columns:   meta.Columns(),
		Where:     []Column{{Name: meta.Identifier.Column, Value: id}},
		ForUpdate: forUpdate,
		Entity:    meta.Name,
	})
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

func (s *Session) query(ctx context.Context, stmt Statement) ([]Row, error) {
	exec, err := s.executor(ctx)
	if err != nil {
		return nil, err
	}
	if s.factory.settings.ShowSQL {
		s.logger.Debug("query", "table", stmt.Table.String(), "entity", stmt.Entity, "where", stmt.Where)
	}
	s.factory.stats.recordStatements(1)
	rows, err := exec.Query(ctx, stmt)
	if err != nil {
		if ormErr, ok := AsORMError(err); ok {
			return nil, ormErr
		}
		return nil, NewErrorWithCause(ErrorTypeDatabase, "query on "+stmt.Table.String()+" failed", err)
	}
	return rows, nil
}

// materialize returns the managed instance for a row, creating and
// registering it when the identity is not yet in the context. The entry
// is registered before its associations are resolved so cycles meet the
// identity map.
func (s *Session) materialize(ctx context.Context, meta *EntityMetadata, row Row) (any, error) {
	rawID := row[meta.Identifier.Column]
	norm, err := meta.CoerceID(rawID)
	if err != nil {
		return nil, err
	}
	if entry := s.pc.GetEntity(EntityKey{Entity: meta.Root.Name, ID: norm}); entry != nil {
		if entry.hollow {
			entry.hollow = false
			if err := s.hydrate(ctx, entry, row); err != nil {
				return nil, err
			}
			if err := s.afterLoad(ctx, entry); err != nil {
				return nil, err
			}
		}
		return entry.Instance, nil
	}

	concrete, err := s.concreteType(meta, row)
	if err != nil {
		return nil, err
	}
	instance := concrete.New()
	if err := concrete.SetID(instance, rawID); err != nil {
		return nil, err
	}
	entry, err := s.pc.AddEntry(instance, concrete, concrete.ID(instance), StatusManaged, true)
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, entry, row); err != nil {
		s.pc.RemoveEntry(instance)
		return nil, err
	}
	if err := s.afterLoad(ctx, entry); err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *Session) afterLoad(ctx context.Context, entry *EntityEntry) error {
	takeSnapshot(entry)
	s.factory.stats.recordLoad()
	return fireHook(ctx, eventPostLoad, entry.Instance)
}

// concreteType picks the entity of a shared-table hierarchy named by the
// row's discriminator.
func (s *Session) concreteType(meta *EntityMetadata, row Row) (*EntityMetadata, error) {
	if !meta.HasDiscriminator() {
		return meta, nil
	}
	raw, ok := row[DiscriminatorColumn]
	if !ok || raw == nil {
		return meta, nil
	}
	var name string
	if err := assignValue(reflect.ValueOf(&name).Elem(), raw); err != nil {
		return nil, NewErrorWithCause(ErrorTypeSerialization, "invalid discriminator", err)
	}
	concrete, err := s.metamodel().Entity(name)
	if err != nil {
		return nil, err
	}
	if !concrete.IsSubtypeOf(meta.Root) {
		return nil, NewError(ErrorTypeMapping, fmt.Sprintf("discriminator %s is not part of the %s hierarchy", name, meta.Root.Name))
	}
	return concrete, nil
}

// hydrate copies a row into the entry's instance and wires associations.
func (s *Session) hydrate(ctx context.Context, entry *EntityEntry, row Row) error {
	meta := entry.Metadata
	instance := entry.Instance
	for _, a := range meta.Attributes {
		if err := a.Set(instance, row[a.Column]); err != nil {
			return err
		}
	}
	if meta.Version != nil {
		if err := meta.Version.Set(instance, row[meta.Version.Column]); err != nil {
			return err
		}
		entry.Version = meta.Version.Get(instance)
	}
	for _, a := range meta.Associations {
		var err error
		switch {
		case a.WritesForeignKey():
			err = s.hydrateReference(ctx, instance, a, row[a.Column])
		case !a.IsCollection():
			err = s.hydrateInverseReference(ctx, entry, a)
		default:
			err = s.wireCollection(ctx, entry, a)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) hydrateReference(ctx context.Context, instance any, a *AssociationMetadata, fk any) error {
	if fk == nil {
		a.SetReference(instance, nil)
		return nil
	}
	var (
		target any
		err    error
	)
	if a.Fetch == FetchLazy && !a.Target.HasDiscriminator() {
		target, err = s.reference(a.Target, fk)
	} else {
		target, err = s.load(ctx, a.Target, fk)
	}
	if err != nil {
		return err
	}
	a.SetReference(instance, target)
	return nil
}

func (s *Session) hydrateInverseReference(ctx context.Context, entry *EntityEntry, a *AssociationMetadata) error {
	back := a.Inverse
	rows, err := s.query(ctx, Statement{
		Kind:    StatementSelect,
		Table:   a.Target.Table,
		Columns: a.Target.Columns(),
		Where:   []Column{{Name: back.Column, Value: entry.Metadata.ID(entry.Instance)}},
		Entity:  a.Target.Name,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.SetReference(entry.Instance, nil)
		return nil
	}
	target, err := s.materialize(ctx, a.Target, rows[0])
	if err != nil {
		return err
	}
	a.SetReference(entry.Instance, target)
	return nil
}

// wireCollection installs a loader on lazy collections and loads eager ones.
func (s *Session) wireCollection(ctx context.Context, entry *EntityEntry, a *AssociationMetadata) error {
	loader := func(ctx context.Context) ([]any, error) {
		if s.closed {
			return nil, entityError(ErrorTypeDetached, entry.Metadata.Name, entry.Key.ID,
				"failed to lazily initialize %s: session is closed", a.Name)
		}
		items, err := s.loadCollection(ctx, entry, a)
		if err != nil {
			return nil, err
		}
		recordCollection(entry, a, items)
		return items, nil
	}

	if a.container == containerLazy {
		coll := lazyCollectionOf(entry.Instance, a)
		coll.setLoader(loader)
		if a.Fetch == FetchEager {
			return coll.initialize(ctx)
		}
		return nil
	}
	items, err := loader(ctx)
	if err != nil {
		return err
	}
	setCollection(entry.Instance, a, items)
	return nil
}

// loadCollection reads the elements of a to-many association.
func (s *Session) loadCollection(ctx context.Context, entry *EntityEntry, a *AssociationMetadata) ([]any, error) {
	ownerID := entry.Metadata.ID(entry.Instance)
	s.factory.stats.recordCollectionLoad()

	switch {
	case a.UsesJoinTable():
		return s.loadThroughJoinTable(ctx, a.Target, a.JoinTable, a.InverseJoinColumn, a.JoinColumn, ownerID)
	case a.Kind == ManyToMany:
		back := a.Inverse
		return s.loadThroughJoinTable(ctx, a.Target, back.JoinTable, back.JoinColumn, back.InverseJoinColumn, ownerID)
	default:
		back := a.Inverse
		rows, err := s.query(ctx, Statement{
			Kind:    StatementSelect,
			Table:   a.Target.Table,
			Columns: a.Target.Columns(),
			Where:   []Column{{Name: back.Column, Value: ownerID}},
			OrderBy: []string{a.Target.Identifier.Column},
			Entity:  a.Target.Name,
		})
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(rows))
		for _, row := range rows {
			item, err := s.materialize(ctx, a.Target, row)
			if err != nil {
				return nil, err
			}
			if e := s.pc.GetEntry(item); e != nil && e.Status == StatusDeleted {
				continue
			}
			items = append(items, item)
		}
		return items, nil
	}
}

func (s *Session) loadThroughJoinTable(ctx context.Context, target *EntityMetadata, table TableName, selectColumn, ownerColumn string, ownerID any) ([]any, error) {
	rows, err := s.query(ctx, Statement{
		Kind:    StatementSelect,
		Table:   table,
		Columns: []string{selectColumn},
		Where:   []Column{{Name: ownerColumn, Value: ownerID}},
		OrderBy: []string{selectColumn},
	})
	if err != nil {
		return nil, err
	}
	items := make([]any, 0, len(rows))
	for _, row := range rows {
		item, err := s.load(ctx, target, row[selectColumn])
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
