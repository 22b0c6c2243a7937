package orm

import "context"

// Persist makes a transient entity managed and cascades PERSIST through
// its associations. Its row is inserted at the next flush. Persisting a
// managed entity only cascades; persisting a removed entity cancels the
// removal.
func (s *Session) Persist(ctx context.Context, entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.fail(s.persist(ctx, s.newCascade(OpPersist), entity))
}

func (s *Session) persist(ctx context.Context, cs *cascadeState, entity any) error {
	return cs.walk(ctx, entity, func(ctx context.Context, entity any) ([]any, func() error, error) {
		return s.persistStep(ctx, cs, entity)
	})
}

func (s *Session) persistStep(ctx context.Context, cs *cascadeState, entity any) ([]any, func() error, error) {
	meta, err := s.metamodel().EntityOf(entity)
	if err != nil {
		return nil, nil, err
	}
	if ok, err := cs.visit(meta, entity); !ok || err != nil {
		return nil, nil, err
	}

	entry := s.pc.GetEntry(entity)
	switch {
	case entry == nil:
		if s.isDetachedInstance(meta, entity) {
			return nil, nil, entityError(ErrorTypeDetached, meta.Name, meta.ID(entity), "detached entity passed to persist")
		}
		if err := s.register(ctx, meta, entity); err != nil {
			return nil, nil, err
		}
	case entry.Status == StatusDeleted:
		entry.Status = entry.prevStatus
		entry.deletedOrder = 0
	}

	next, err := cascadeTargets(ctx, cs, meta, entity)
	return next, nil, err
}

// register assigns an identifier to a transient entity and adds it to the
// persistence context.
func (s *Session) register(ctx context.Context, meta *EntityMetadata, entity any) error {
	if err := fireHook(ctx, eventPrePersist, entity); err != nil {
		return err
	}
	gen, err := s.factory.generator(meta)
	if err != nil {
		return err
	}
	id, postInsert, err := gen.Generate(ctx, meta, entity)
	if err != nil {
		return err
	}
	if !postInsert {
		if err := meta.SetID(entity, id); err != nil {
			return err
		}
		id = meta.ID(entity)
	} else {
		id = nil
	}
	if meta.Version != nil {
		if err := meta.Version.Set(entity, initialVersion(meta.Version.Type, meta.Version.Get(entity))); err != nil {
			return err
		}
	}
	entry, err := s.pc.AddEntry(entity, meta, id, StatusManaged, false)
	if err != nil {
		return err
	}
	s.logger.Debug("entity registered", "entity", meta.Name, "id", entry.Key.ID, "post_insert_id", entry.pendingID)
	return nil
}
