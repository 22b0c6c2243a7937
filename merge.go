package orm

import (
	"context"
	"reflect"
)

// Merge copies the state of entity onto its managed counterpart and
// returns that counterpart. A transient entity yields a new managed copy;
// a detached one is matched by identifier, loading it when needed. entity
// itself never becomes managed unless it already was.
func (s *Session) Merge(ctx context.Context, entity any) (any, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cs := s.newCascade(OpMerge)
	if err := s.merge(ctx, cs, entity); err != nil {
		return nil, s.fail(err)
	}
	return cs.copies[entity], nil
}

func (s *Session) merge(ctx context.Context, cs *cascadeState, entity any) error {
	return cs.walk(ctx, entity, func(ctx context.Context, entity any) ([]any, func() error, error) {
		return s.mergeStep(ctx, cs, entity)
	})
}

// mergeStep resolves the managed copy of entity and copies its state. The
// associations of the copy are re-targeted once every cascaded target has
// its own copy.
func (s *Session) mergeStep(ctx context.Context, cs *cascadeState, entity any) ([]any, func() error, error) {
	if _, ok := cs.copies[entity]; ok {
		return nil, nil, nil
	}
	meta, err := s.metamodel().EntityOf(entity)
	if err != nil {
		return nil, nil, err
	}
	if err := cs.checkGrowth(meta, entity, len(cs.copies)); err != nil {
		return nil, nil, err
	}

	target := entity
	if entry := s.pc.GetEntry(entity); entry != nil {
		if entry.Status == StatusDeleted {
			return nil, nil, entityError(ErrorTypeInvalidArgument, meta.Name, entry.Key.ID, "removed entity passed to merge")
		}
		cs.copies[entity] = entity
	} else {
		if target, err = s.mergeTarget(ctx, meta, entity); err != nil {
			return nil, nil, err
		}
		cs.copies[entity] = target
		targetEntry := s.pc.GetEntry(target)
		copyState(meta, entity, target)
		if targetEntry == nil {
			if err := s.register(ctx, meta, target); err != nil {
				return nil, nil, err
			}
		}
	}

	next, err := mergeCascadeTargets(ctx, meta, entity, target)
	if err != nil {
		return nil, nil, err
	}
	return next, func() error {
		return s.mergeAssociations(ctx, cs, meta, entity, target)
	}, nil
}

// mergeCascadeTargets lists the targets of associations that cascade
// MERGE. An uninitialized collection of an unmanaged entity carries no
// state and is skipped.
func mergeCascadeTargets(ctx context.Context, meta *EntityMetadata, src, dst any) ([]any, error) {
	var out []any
	for _, a := range meta.Associations {
		if !a.Cascade.Includes(OpMerge) {
			continue
		}
		if !a.IsCollection() {
			if ref := a.Reference(src); ref != nil {
				out = append(out, ref)
			}
			continue
		}
		var items []any
		if src == dst {
			var err error
			if items, err = collectionElements(ctx, src, a, true); err != nil {
				return nil, err
			}
		} else {
			var ok bool
			if items, ok = knownElements(src, a); !ok {
				continue
			}
		}
		for _, item := range items {
			if item != nil {
				out = append(out, item)
			}
		}
	}
	return out, nil
}

// mergeTarget finds or creates the managed instance that receives the
// state of an unmanaged entity.
func (s *Session) mergeTarget(ctx context.Context, meta *EntityMetadata, entity any) (any, error) {
	id := meta.ID(entity)
	if isZeroID(id) {
		return meta.New(), nil
	}

	managed, err := s.load(ctx, meta, id)
	switch {
	case IsNotFound(err):
		if meta.Strategy != StrategyAssigned && meta.Version != nil {
			s.factory.stats.recordOptimisticFailure()
			return nil, entityError(ErrorTypeStaleState, meta.Name, normalizeID(id), "row was updated or deleted by another transaction")
		}
		fresh := meta.New()
		if meta.Strategy == StrategyAssigned {
			if err := meta.SetID(fresh, id); err != nil {
				return nil, err
			}
		}
		return fresh, nil
	case err != nil:
		return nil, err
	}

	entry := s.pc.GetEntry(managed)
	if entry.Metadata != meta {
		return nil, entityError(ErrorTypeInvalidArgument, meta.Name, entry.Key.ID, "identifier belongs to a %s", entry.Metadata.Name)
	}
	if meta.Version != nil && !versionsEqual(meta.Version.Get(entity), entry.Version) {
		s.factory.stats.recordOptimisticFailure()
		return nil, entityError(ErrorTypeStaleState, meta.Name, entry.Key.ID, "merged entity carries a stale version")
	}
	return managed, nil
}

// copyState copies scalar attributes from src to dst. The identifier of an
// existing dst and its version are left alone. Slices, maps and pointers
// are copied so dst shares no mutable storage with src.
func copyState(meta *EntityMetadata, src, dst any) {
	for _, a := range meta.Attributes {
		v := fieldByIndex(src, a.index)
		fieldByIndex(dst, a.index).Set(detachedCopy(v))
	}
	if meta.Strategy == StrategyAssigned && isZeroID(meta.ID(dst)) {
		fieldByIndex(dst, meta.Identifier.index).Set(fieldByIndex(src, meta.Identifier.index))
	}
}

func detachedCopy(v reflect.Value) reflect.Value {
	if v.Kind() == reflect.Pointer && !v.IsNil() {
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(detachedCopy(v.Elem()))
		return out
	}
	c := reflect.ValueOf(deepCopy(v.Interface()))
	if !c.IsValid() {
		return reflect.Zero(v.Type())
	}
	return c
}

// mergeAssociations re-targets the associations of dst at managed
// instances. Cascaded targets already have their copies; others are resolved through the
// identity map and otherwise kept as given.
func (s *Session) mergeAssociations(ctx context.Context, cs *cascadeState, meta *EntityMetadata, src, dst any) error {
	resolve := func(target any) any {
		if managed, ok := cs.copies[target]; ok {
			return managed
		}
		return s.resolveManaged(target)
	}

	for _, a := range meta.Associations {
		if !a.IsCollection() {
			ref := a.Reference(src)
			if ref == nil {
				a.SetReference(dst, nil)
				continue
			}
			a.SetReference(dst, resolve(ref))
			continue
		}

		items, ok := knownElements(src, a)
		if !ok && src != dst {
			// An uninitialized detached collection carries no state to merge.
			continue
		}
		if src == dst {
			var err error
			if items, err = collectionElements(ctx, src, a, a.Cascade.Includes(OpMerge)); err != nil {
				return err
			}
		}
		merged := make([]any, 0, len(items))
		for _, item := range items {
			merged = append(merged, resolve(item))
		}
		if src != dst && a.container == containerLazy {
			if _, err := collectionElements(ctx, dst, a, true); err != nil {
				return err
			}
		}
		if src == dst && a.container == containerLazy && !lazyCollectionOf(dst, a).isInitialized() {
			continue
		}
		setCollection(dst, a, merged)
	}
	return nil
}

// resolveManaged returns the managed instance with the identity of target,
// or target itself.
func (s *Session) resolveManaged(target any) any {
	if s.pc.GetEntry(target) != nil {
		return target
	}
	meta, err := s.metamodel().EntityOf(target)
	if err != nil {
		return target
	}
	id := meta.ID(target)
	if isZeroID(id) {
		return target
	}
	if entry := s.pc.GetEntity(meta.Key(target)); entry != nil {
		return entry.Instance
	}
	return target
}
