package orm

import "context"

// Remove schedules a managed entity for deletion and cascades REMOVE. An
// entity that was persisted but never flushed is simply forgotten.
// Removing a transient entity is ignored apart from the cascade; removing
// a detached entity fails.
func (s *Session) Remove(ctx context.Context, entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.fail(s.remove(ctx, s.newCascade(OpRemove), entity))
}

func (s *Session) remove(ctx context.Context, cs *cascadeState, entity any) error {
	return cs.walk(ctx, entity, func(ctx context.Context, entity any) ([]any, func() error, error) {
		return s.removeStep(ctx, cs, entity)
	})
}

// removeStep fires the pre-remove hook and cascades before marking the
// entity, so dependents are scheduled ahead of the entities they point at.
func (s *Session) removeStep(ctx context.Context, cs *cascadeState, entity any) ([]any, func() error, error) {
	meta, err := s.metamodel().EntityOf(entity)
	if err != nil {
		return nil, nil, err
	}
	if ok, err := cs.visit(meta, entity); !ok || err != nil {
		return nil, nil, err
	}

	entry := s.pc.GetEntry(entity)
	if entry == nil {
		if s.isDetachedInstance(meta, entity) {
			return nil, nil, entityError(ErrorTypeDetached, meta.Name, meta.ID(entity), "removing a detached instance")
		}
		next, err := cascadeTargets(ctx, cs, meta, entity)
		return next, nil, err
	}
	if entry.Status == StatusDeleted {
		return nil, nil, nil
	}

	if err := fireHook(ctx, eventPreRemove, entity); err != nil {
		return nil, nil, err
	}
	next, err := cascadeTargets(ctx, cs, meta, entity)
	if err != nil {
		return nil, nil, err
	}
	return next, func() error {
		if !entry.ExistsInDatabase {
			s.pc.Forget(entity)
			s.logger.Debug("unflushed entity forgotten", "entity", meta.Name, "id", entry.Key.ID)
			return nil
		}
		entry.prevStatus = entry.Status
		entry.Status = StatusDeleted
		entry.deletedOrder = s.nextDeleteOrder()
		s.logger.Debug("entity scheduled for removal", "entity", meta.Name, "id", entry.Key.ID)
		return nil
	}, nil
}
