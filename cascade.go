package orm

import (
	"context"
	"fmt"
	"reflect"
)

// =====================================
// Cascade Engine
// =====================================

type visitKey struct {
	instance any
	op       Operation
}

// cascadeState is the bookkeeping of one cascade walk. The visited set is
// keyed by (instance, operation) so cyclic graphs terminate.
type cascadeState struct {
	op          Operation
	visited     map[visitKey]struct{}
	maxEntities int

	// copies maps merge inputs to their managed copies.
	copies map[any]any
	// lockMode is the mode propagated by a LOCK cascade.
	lockMode LockMode
}

func newCascadeState(op Operation, maxEntities int) *cascadeState {
	cs := &cascadeState{
		op:          op,
		visited:     make(map[visitKey]struct{}),
		maxEntities: maxEntities,
	}
	if op == OpMerge {
		cs.copies = make(map[any]any)
	}
	return cs
}

// visit marks instance as visited and reports whether it was new. A walk
// that keeps discovering entities past the configured limit fails with
// ErrorTypeCascadeExhausted.
func (cs *cascadeState) visit(meta *EntityMetadata, instance any) (bool, error) {
	k := visitKey{instance: instance, op: cs.op}
	if _, ok := cs.visited[k]; ok {
		return false, nil
	}
	if err := cs.checkGrowth(meta, instance, len(cs.visited)); err != nil {
		return false, err
	}
	cs.visited[k] = struct{}{}
	return true, nil
}

func (cs *cascadeState) checkGrowth(meta *EntityMetadata, instance any, seen int) error {
	if cs.maxEntities > 0 && seen >= cs.maxEntities {
		return entityError(ErrorTypeCascadeExhausted, meta.Name, meta.ID(instance),
			"%s cascade reached more than %d entities", cs.op, cs.maxEntities)
	}
	return nil
}

// initializesCollections reports whether the operation must see the full
// contents of lazy collections.
func (cs *cascadeState) initializesCollections() bool {
	switch cs.op {
	case OpRemove, OpMerge, OpRefresh:
		return true
	}
	return false
}

// cascadeStep handles one entity of a walk. It returns the entities to
// enter next and an optional func run once all of them are done.
type cascadeStep func(ctx context.Context, entity any) (next []any, after func() error, err error)

// walk runs step over the graph reachable from root, depth first, with an
// explicit stack. Targets are entered in the order step returns them and
// after runs once the target's whole subgraph is done, so the visiting
// order is the one of a recursive traversal.
func (cs *cascadeState) walk(ctx context.Context, root any, step cascadeStep) error {
	type frame struct {
		next  []any
		after func() error
	}
	var stack []frame
	enter := func(entity any) error {
		next, after, err := step(ctx, entity)
		if err != nil {
			return err
		}
		stack = append(stack, frame{next: next, after: after})
		return nil
	}

	if err := enter(root); err != nil {
		return err
	}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if len(top.next) > 0 {
			target := top.next[0]
			top.next = top.next[1:]
			if err := enter(target); err != nil {
				return err
			}
			continue
		}
		after := top.after
		stack = stack[:len(stack)-1]
		if after != nil {
			if err := after(); err != nil {
				return err
			}
		}
	}
	return nil
}

// cascadeTargets returns the entities reachable from entity through an
// association whose cascade set includes the current operation, in
// declaration order.
func cascadeTargets(ctx context.Context, cs *cascadeState, meta *EntityMetadata, entity any) ([]any, error) {
	var out []any
	for _, a := range meta.Associations {
		if !a.Cascade.Includes(cs.op) {
			continue
		}
		if !a.IsCollection() {
			if ref := a.Reference(entity); ref != nil {
				out = append(out, ref)
			}
			continue
		}
		items, err := collectionElements(ctx, entity, a, cs.initializesCollections())
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item != nil {
				out = append(out, item)
			}
		}
	}
	return out, nil
}

// collectionElements returns the elements of a to-many association. Lazy
// collections are initialized when initialize is set; otherwise only the
// elements already in memory are returned.
func collectionElements(ctx context.Context, entity any, a *AssociationMetadata, initialize bool) ([]any, error) {
	v := fieldByIndex(entity, a.index)
	switch a.container {
	case containerSlice:
		out := make([]any, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			el := v.Index(i)
			if el.IsNil() {
				continue
			}
			out = append(out, el.Interface())
		}
		return out, nil
	case containerLazy:
		if v.IsNil() {
			return nil, nil
		}
		coll := v.Interface().(lazyCollection)
		if initialize && !coll.isInitialized() {
			if err := coll.initialize(ctx); err != nil {
				return nil, err
			}
		}
		return coll.elements(), nil
	}
	return nil, NewError(ErrorTypeInternal, fmt.Sprintf("%s is not a collection", a.Name))
}

// knownElements returns the elements of an in-memory collection. It
// reports false for an uninitialized lazy collection.
func knownElements(entity any, a *AssociationMetadata) ([]any, bool) {
	v := fieldByIndex(entity, a.index)
	if a.container == containerLazy && !v.IsNil() && !v.Interface().(lazyCollection).isInitialized() {
		return nil, false
	}
	items, _ := collectionElements(context.Background(), entity, a, false)
	return items, true
}

// lazyCollectionOf returns the lazy collection held by entity, allocating
// one if the field is nil.
func lazyCollectionOf(entity any, a *AssociationMetadata) lazyCollection {
	v := fieldByIndex(entity, a.index)
	if v.IsNil() {
		v.Set(reflect.New(v.Type().Elem()))
	}
	return v.Interface().(lazyCollection)
}

// setCollection replaces the contents of a to-many association.
func setCollection(entity any, a *AssociationMetadata, items []any) {
	v := fieldByIndex(entity, a.index)
	switch a.container {
	case containerSlice:
		out := reflect.MakeSlice(v.Type(), 0, len(items))
		for _, it := range items {
			out = reflect.Append(out, reflect.ValueOf(it))
		}
		v.Set(out)
	case containerLazy:
		lazyCollectionOf(entity, a).replace(items)
	}
}
