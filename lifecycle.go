package orm

import (
	"context"
	"fmt"
)

// Refresh re-reads the state of a managed entity from the database,
// discarding unflushed changes, and cascades REFRESH.
func (s *Session) Refresh(ctx context.Context, entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.fail(s.refresh(ctx, s.newCascade(OpRefresh), entity))
}

func (s *Session) refresh(ctx context.Context, cs *cascadeState, entity any) error {
	return cs.walk(ctx, entity, func(ctx context.Context, entity any) ([]any, func() error, error) {
		return s.refreshStep(ctx, cs, entity)
	})
}

// refreshStep re-reads an entity after its cascaded targets, so the
// targets are current when its associations are hydrated.
func (s *Session) refreshStep(ctx context.Context, cs *cascadeState, entity any) ([]any, func() error, error) {
	meta, err := s.metamodel().EntityOf(entity)
	if err != nil {
		return nil, nil, err
	}
	if ok, err := cs.visit(meta, entity); !ok || err != nil {
		return nil, nil, err
	}

	entry := s.pc.GetEntry(entity)
	if entry == nil || !entry.ExistsInDatabase {
		return nil, nil, entityError(ErrorTypeDetached, meta.Name, meta.ID(entity), "entity is not managed or has not been flushed")
	}
	next, err := cascadeTargets(ctx, cs, meta, entity)
	if err != nil {
		return nil, nil, err
	}
	return next, func() error {
		return s.reload(ctx, entry)
	}, nil
}

func (s *Session) reload(ctx context.Context, entry *EntityEntry) error {
	meta := entry.Metadata
	row, found, err := s.selectRow(ctx, meta, entry.Key.ID, false)
	if err != nil && IsConnection(err) {
		s.logger.Warn("refresh read failed, retrying", "entity", meta.Name, "id", entry.Key.ID, "error", err)
		row, found, err = s.selectRow(ctx, meta, entry.Key.ID, false)
	}
	if err != nil {
		return err
	}
	if !found {
		return entityError(ErrorTypeNotFound, meta.Name, entry.Key.ID, "row no longer exists")
	}
	entry.hollow = false
	if err := s.hydrate(ctx, entry, row); err != nil {
		return err
	}
	return s.afterLoad(ctx, entry)
}

// Detach removes an entity from the session and cascades DETACH. Pending
// changes of detached entities are not flushed.
func (s *Session) Detach(ctx context.Context, entity any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.detach(ctx, s.newCascade(OpDetach), entity)
}

func (s *Session) detach(ctx context.Context, cs *cascadeState, entity any) error {
	return cs.walk(ctx, entity, func(ctx context.Context, entity any) ([]any, func() error, error) {
		meta, err := s.metamodel().EntityOf(entity)
		if err != nil {
			return nil, nil, err
		}
		if ok, err := cs.visit(meta, entity); !ok || err != nil {
			return nil, nil, err
		}
		s.pc.Evict(entity)
		next, err := cascadeTargets(ctx, cs, meta, entity)
		return next, nil, err
	})
}

// Lock acquires mode on a managed entity and cascades LOCK.
//
// LockOptimistic verifies the version at flush, LockOptimisticForceIncrement
// bumps it at flush and LockPessimisticWrite re-reads the row with
// SELECT ... FOR UPDATE immediately.
func (s *Session) Lock(ctx context.Context, entity any, mode LockMode) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	cs := s.newCascade(OpLock)
	cs.lockMode = mode
	return s.fail(s.lock(ctx, cs, entity))
}

func (s *Session) lock(ctx context.Context, cs *cascadeState, entity any) error {
	return cs.walk(ctx, entity, func(ctx context.Context, entity any) ([]any, func() error, error) {
		return s.lockStep(ctx, cs, entity)
	})
}

func (s *Session) lockStep(ctx context.Context, cs *cascadeState, entity any) ([]any, func() error, error) {
	meta, err := s.metamodel().EntityOf(entity)
	if err != nil {
		return nil, nil, err
	}
	if ok, err := cs.visit(meta, entity); !ok || err != nil {
		return nil, nil, err
	}

	entry := s.pc.GetEntry(entity)
	if entry == nil || !entry.live() {
		return nil, nil, entityError(ErrorTypeDetached, meta.Name, meta.ID(entity), "entity is not managed")
	}

	switch cs.lockMode {
	case LockNone:
	case LockOptimistic, LockOptimisticForceIncrement:
		if meta.Version == nil {
			return nil, nil, entityError(ErrorTypeUnsupported, meta.Name, entry.Key.ID, "%s requires a version attribute", cs.lockMode)
		}
	case LockPessimisticWrite:
		if entry.ExistsInDatabase {
			if err := s.lockRow(ctx, entry); err != nil {
				return nil, nil, err
			}
		}
	default:
		return nil, nil, NewError(ErrorTypeInvalidArgument, fmt.Sprintf("unknown lock mode %s", cs.lockMode))
	}
	if lockStrength(cs.lockMode) > lockStrength(entry.LockMode) {
		entry.LockMode = cs.lockMode
	}

	next, err := cascadeTargets(ctx, cs, meta, entity)
	return next, nil, err
}

func (s *Session) lockRow(ctx context.Context, entry *EntityEntry) error {
	meta := entry.Metadata
	row, found, err := s.selectRow(ctx, meta, entry.Key.ID, true)
	if err != nil {
		return err
	}
	if !found {
		return entityError(ErrorTypeNotFound, meta.Name, entry.Key.ID, "row no longer exists")
	}
	if meta.Version != nil {
		current, err := readVersion(meta, row)
		if err != nil {
			return err
		}
		if !versionsEqual(current, entry.Version) {
			s.factory.stats.recordOptimisticFailure()
			return entityError(ErrorTypeStaleState, meta.Name, entry.Key.ID, "row was updated or deleted by another transaction")
		}
	}
	return nil
}

func lockStrength(mode LockMode) int {
	switch mode {
	case LockOptimistic:
		return 1
	case LockOptimisticForceIncrement:
		return 2
	case LockPessimisticWrite:
		return 3
	}
	return 0
}

// readVersion converts the version column of row to the attribute's type.
func readVersion(meta *EntityMetadata, row Row) (any, error) {
	probe := meta.New()
	if err := meta.Version.Set(probe, row[meta.Version.Column]); err != nil {
		return nil, err
	}
	return meta.Version.Get(probe), nil
}

func versionsEqual(a, b any) bool {
	return valuesEqual(normalizeID(a), normalizeID(b))
}
