package orm

import (
	"context"
	"time"
)

// =====================================
// Flush
// =====================================

// Flush synchronizes managed state with the database. A failed flush
// marks the session rollback-only.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.rollbackOnly {
		return NewError(ErrorTypeTransaction, "session is marked rollback-only; roll back before flushing again")
	}
	start := time.Now()
	err := s.flush(ctx)
	if err != nil {
		s.rollbackOnly = true
		s.logger.Error("flush failed", "error", err)
		return err
	}
	s.factory.stats.recordFlush(time.Since(start))
	return nil
}

func (s *Session) flush(ctx context.Context) error {
	if err := s.persistOnFlush(ctx); err != nil {
		return err
	}
	if err := s.removeOrphans(ctx); err != nil {
		return err
	}
	if err := s.validateGraph(ctx); err != nil {
		return err
	}

	queue, err := s.plan(ctx)
	if err != nil {
		return err
	}
	if queue.Len() == 0 {
		return nil
	}
	s.logger.Debug("flushing", "inserts", len(queue.inserts), "updates", len(queue.updates), "deletes", len(queue.deletes))
	if err := queue.Execute(ctx, s); err != nil {
		return err
	}
	s.postFlush()
	return nil
}

// persistOnFlush re-cascades PERSIST from every managed entity so that
// entities attached to cascaded associations after persist are inserted.
func (s *Session) persistOnFlush(ctx context.Context) error {
	cs := s.newCascade(OpPersist)
	for _, entry := range s.pc.Entries() {
		if entry.Status != StatusManaged || entry.hollow {
			continue
		}
		if err := s.persist(ctx, cs, entry.Instance); err != nil {
			return err
		}
	}
	return nil
}

// removeOrphans schedules for removal the elements dropped from
// orphan_removal associations since they were loaded.
func (s *Session) removeOrphans(ctx context.Context) error {
	cs := s.newCascade(OpRemove)
	for _, entry := range s.pc.Entries() {
		if entry.Status != StatusManaged || entry.hollow {
			continue
		}
		for _, a := range entry.Metadata.Associations {
			if !a.OrphanRemoval {
				continue
			}
			for _, orphan := range orphansOf(entry, a) {
				orphanEntry := s.pc.GetEntry(orphan)
				if orphanEntry == nil || !orphanEntry.live() {
					continue
				}
				s.logger.Debug("removing orphan", "owner", entry.Metadata.Name, "association", a.Name, "entity", orphanEntry.Metadata.Name, "id", orphanEntry.Key.ID)
				if err := s.remove(ctx, cs, orphan); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func orphansOf(entry *EntityEntry, a *AssociationMetadata) []any {
	if !a.IsCollection() {
		if entry.loadedRefs == nil {
			return nil
		}
		old := entry.loadedRefs[a]
		if old != nil && !sameInstance(old, a.Reference(entry.Instance)) {
			return []any{old}
		}
		return nil
	}
	current, ok := knownElements(entry.Instance, a)
	if !ok {
		_, removed := lazyCollectionOf(entry.Instance, a).pendingChanges()
		return removed
	}
	loaded, ok := entry.loadedCollections[a]
	if !ok {
		return nil
	}
	return difference(loaded, current)
}

// difference returns the elements of a that are not in b, by identity.
func difference(a, b []any) []any {
	in := make(map[any]bool, len(b))
	for _, x := range b {
		in[x] = true
	}
	var out []any
	for _, x := range a {
		if !in[x] {
			out = append(out, x)
		}
	}
	return out
}

// validateGraph checks the final object graph after all cascades ran, so
// references fixed up late in a cascade are seen in their final state.
func (s *Session) validateGraph(ctx context.Context) error {
	for _, entry := range s.pc.Entries() {
		if !entry.live() || entry.hollow {
			continue
		}
		meta := entry.Metadata
		for _, a := range meta.Associations {
			var err error
			switch {
			case a.WritesForeignKey():
				err = s.validateReference(entry, a)
			case !a.IsCollection():
				err = s.validateInverseReference(entry, a)
			case a.UsesJoinTable():
				err = s.validateJoinTableElements(entry, a)
			default:
				err = s.validateInverseCollection(ctx, entry, a)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) validateReference(entry *EntityEntry, a *AssociationMetadata) error {
	meta := entry.Metadata
	ref := a.Reference(entry.Instance)
	if ref == nil {
		if !a.Optional {
			return entityError(ErrorTypeNullability, meta.Name, entry.Key.ID,
				"not-null property references a null value: %s.%s", meta.Name, a.Name)
		}
		return nil
	}
	refEntry := s.pc.GetEntry(ref)
	if refEntry == nil {
		if s.isUnsavedReference(ref) {
			return entityError(ErrorTypeTransientObject, meta.Name, entry.Key.ID,
				"object references an unsaved transient instance; persist it before flushing: %s.%s", meta.Name, a.Name)
		}
		return nil
	}
	if refEntry.Status == StatusDeleted {
		if a.Optional {
			s.logger.Debug("nullifying reference to removed entity", "entity", meta.Name, "association", a.Name)
			a.SetReference(entry.Instance, nil)
			return nil
		}
		return entityError(ErrorTypeConstraint, meta.Name, entry.Key.ID,
			"%s.%s references %s#%v which is scheduled for removal", meta.Name, a.Name, refEntry.Metadata.Name, refEntry.Key.ID)
	}
	return nil
}

func (s *Session) validateInverseReference(entry *EntityEntry, a *AssociationMetadata) error {
	target := a.Reference(entry.Instance)
	if target == nil {
		return nil
	}
	targetEntry := s.pc.GetEntry(target)
	if targetEntry == nil || !targetEntry.live() {
		return nil
	}
	back := targetEntry.Metadata.Association(a.MappedBy)
	if back == nil {
		return nil
	}
	switch ref := back.Reference(target); {
	case ref == nil && !back.Optional:
		return entityError(ErrorTypeNullability, targetEntry.Metadata.Name, targetEntry.Key.ID,
			"not-null property references a null value: %s.%s", targetEntry.Metadata.Name, back.Name)
	case ref != nil && !sameInstance(ref, entry.Instance):
		s.logger.Warn("inconsistent bidirectional association; the owning side wins",
			"entity", entry.Metadata.Name, "association", a.Name)
	}
	return nil
}

func (s *Session) validateJoinTableElements(entry *EntityEntry, a *AssociationMetadata) error {
	items, ok := knownElements(entry.Instance, a)
	if !ok {
		items, _ = lazyCollectionOf(entry.Instance, a).pendingChanges()
	}
	for _, item := range items {
		if s.pc.GetEntry(item) == nil && s.isUnsavedReference(item) {
			return entityError(ErrorTypeTransientObject, entry.Metadata.Name, entry.Key.ID,
				"collection %s.%s holds an unsaved transient instance", entry.Metadata.Name, a.Name)
		}
	}
	return nil
}

// validateInverseCollection checks that every element of an inverse
// collection points back at its owner through the owning side.
func (s *Session) validateInverseCollection(_ context.Context, entry *EntityEntry, a *AssociationMetadata) error {
	items, ok := knownElements(entry.Instance, a)
	if !ok {
		items, _ = lazyCollectionOf(entry.Instance, a).pendingChanges()
	}
	for _, item := range items {
		itemEntry := s.pc.GetEntry(item)
		if itemEntry == nil || !itemEntry.live() {
			continue
		}
		back := itemEntry.Metadata.Association(a.MappedBy)
		if back == nil || back.IsCollection() {
			continue
		}
		ref := back.Reference(item)
		switch {
		case ref == nil && !back.Optional:
			return entityError(ErrorTypeNullability, itemEntry.Metadata.Name, itemEntry.Key.ID,
				"not-null property references a null value: %s.%s (element of %s.%s)",
				itemEntry.Metadata.Name, back.Name, entry.Metadata.Name, a.Name)
		case ref == nil:
			s.logger.Warn("collection element does not reference its owner; the owning side wins",
				"entity", entry.Metadata.Name, "association", a.Name, "element", itemEntry.Key.String())
		case !sameInstance(ref, entry.Instance):
			s.logger.Warn("collection element references a different owner; the owning side wins",
				"entity", entry.Metadata.Name, "association", a.Name, "element", itemEntry.Key.String())
		}
	}
	return nil
}

// isUnsavedReference reports whether an unmanaged instance has no row.
// Instances with an assigned identifier cannot be told apart from
// detached ones and count as unsaved.
func (s *Session) isUnsavedReference(ref any) bool {
	meta, err := s.metamodel().EntityOf(ref)
	if err != nil {
		return true
	}
	return !s.isDetachedInstance(meta, ref)
}

// postFlush records the flushed state as the new snapshot.
func (s *Session) postFlush() {
	for _, entry := range s.pc.Entries() {
		if !entry.live() || entry.hollow {
			continue
		}
		for _, a := range entry.Metadata.Associations {
			if a.container == containerLazy {
				if coll := fieldByIndex(entry.Instance, a.index); !coll.IsNil() {
					lc := coll.Interface().(lazyCollection)
					if !lc.isInitialized() {
						lc.clearPending()
					}
				}
			}
		}
		takeSnapshot(entry)
	}
}
