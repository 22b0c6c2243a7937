package orm

import (
	"container/heap"
	"context"
	"fmt"
	"strings"
)

// =====================================
// Flush Planner
// =====================================

// planNode is an entity awaiting insertion or deletion.
type planNode struct {
	entry    *EntityEntry
	priority int
	deps     []*planDep
	waiters  []*planDep
	pending  int
	emitted  bool
}

// planDep records that node from cannot be emitted before node to. The
// association is the foreign key that creates the dependency; it belongs
// to the inserted entity for inserts and to the referencing entity for
// deletes.
type planDep struct {
	from  *planNode
	to    *planNode
	owner *EntityEntry
	assoc *AssociationMetadata
	done  bool
}

type nodeHeap []*planNode

func (h nodeHeap) Len() int           { return len(h) }
func (h nodeHeap) Less(i, j int) bool { return h[i].priority < h[j].priority }
func (h nodeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *nodeHeap) Push(x any)        { *h = append(*h, x.(*planNode)) }
func (h *nodeHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

func link(from, to *planNode, owner *EntityEntry, assoc *AssociationMetadata) {
	d := &planDep{from: from, to: to, owner: owner, assoc: assoc}
	from.deps = append(from.deps, d)
	from.pending++
	to.waiters = append(to.waiters, d)
}

// sortNodes orders nodes so that every node follows the nodes it depends
// on, preferring lower priority among ready nodes. When only cycles are
// left, the lowest-priority node whose outstanding dependencies all go
// through optional foreign keys is released and onBreak is called for each
// released dependency. A cycle that cannot be released this way fails.
func sortNodes(nodes []*planNode, onBreak func(d *planDep)) ([]*planNode, error) {
	ready := &nodeHeap{}
	for _, n := range nodes {
		if n.pending == 0 {
			heap.Push(ready, n)
		}
	}
	out := make([]*planNode, 0, len(nodes))

	for len(out) < len(nodes) {
		if ready.Len() == 0 {
			n := breakable(nodes)
			if n == nil {
				return nil, cycleError(nodes)
			}
			for _, d := range n.deps {
				if !d.done {
					d.done = true
					n.pending--
					onBreak(d)
				}
			}
			heap.Push(ready, n)
		}

		n := heap.Pop(ready).(*planNode)
		n.emitted = true
		out = append(out, n)
		for _, d := range n.waiters {
			if d.done {
				continue
			}
			d.done = true
			d.from.pending--
			if d.from.pending == 0 && !d.from.emitted {
				heap.Push(ready, d.from)
			}
		}
	}
	return out, nil
}

func breakable(nodes []*planNode) *planNode {
	var best *planNode
	for _, n := range nodes {
		if n.emitted || n.pending == 0 {
			continue
		}
		ok := true
		for _, d := range n.deps {
			if !d.done && !d.assoc.Optional {
				ok = false
				break
			}
		}
		if ok && (best == nil || n.priority < best.priority) {
			best = n
		}
	}
	return best
}

func cycleError(nodes []*planNode) error {
	var members []string
	for _, n := range nodes {
		if !n.emitted {
			members = append(members, n.entry.Key.String())
		}
	}
	return NewError(ErrorTypeConstraint, fmt.Sprintf("unresolvable cycle of required foreign keys among %s", strings.Join(members, ", ")))
}

// plan builds the action queue for the current state of the context.
func (s *Session) plan(ctx context.Context) (*ActionQueue, error) {
	q := &ActionQueue{}
	entries := s.pc.Entries()

	var inserting, deleting []*EntityEntry
	for _, e := range entries {
		switch {
		case e.live() && !e.ExistsInDatabase:
			inserting = append(inserting, e)
		case e.Status == StatusDeleted && e.ExistsInDatabase:
			deleting = append(deleting, e)
		}
	}

	if err := s.planInserts(q, inserting); err != nil {
		return nil, err
	}
	if err := s.planUpdates(ctx, q, entries); err != nil {
		return nil, err
	}
	s.planCollections(q, entries)
	if err := s.planDeletes(q, deleting); err != nil {
		return nil, err
	}
	return q, nil
}

// planInserts orders inserts so referenced rows exist first. A reference
// to the entity itself only matters when its identifier is generated by
// the insert.
func (s *Session) planInserts(q *ActionQueue, inserting []*EntityEntry) error {
	nodes := make([]*planNode, len(inserting))
	byInstance := make(map[any]*planNode, len(inserting))
	for i, e := range inserting {
		nodes[i] = &planNode{entry: e, priority: e.order}
		byInstance[e.Instance] = nodes[i]
	}
	for _, n := range nodes {
		for _, a := range n.entry.Metadata.Associations {
			if !a.WritesForeignKey() {
				continue
			}
			target, ok := byInstance[a.Reference(n.entry.Instance)]
			if !ok {
				continue
			}
			if target == n && !n.entry.pendingID {
				continue
			}
			link(n, target, n.entry, a)
		}
	}

	actions := make(map[*planNode]*EntityInsertAction, len(nodes))
	for _, n := range nodes {
		actions[n] = &EntityInsertAction{Entry: n.entry}
	}
	ordered, err := sortNodes(nodes, func(d *planDep) {
		act := actions[d.from]
		if act.deferred == nil {
			act.deferred = make(map[*AssociationMetadata]bool)
		}
		act.deferred[d.assoc] = true
		q.fkUpdates = append(q.fkUpdates, &foreignKeyUpdateAction{
			Entry:       d.from.entry,
			Association: d.assoc,
			Target:      d.assoc.Reference(d.from.entry.Instance),
		})
		s.logger.Debug("deferring foreign key to break insert cycle",
			"entity", d.from.entry.Metadata.Name, "association", d.assoc.Name)
	})
	if err != nil {
		return err
	}
	for _, n := range ordered {
		q.inserts = append(q.inserts, actions[n])
	}
	return nil
}

// planUpdates emits an update per dirty entity with only the changed
// columns, and version bumps or checks requested by optimistic locks.
func (s *Session) planUpdates(ctx context.Context, q *ActionQueue, entries []*EntityEntry) error {
	for _, e := range entries {
		if e.Status != StatusManaged || !e.ExistsInDatabase || e.hollow {
			continue
		}
		attrs, refs := dirtyAttributes(e), dirtyReferences(e)
		if len(attrs)+len(refs) > 0 {
			if err := fireHook(ctx, eventPreUpdate, e.Instance); err != nil {
				return err
			}
			attrs, refs = dirtyAttributes(e), dirtyReferences(e)
		}

		meta := e.Metadata
		force := e.LockMode == LockOptimisticForceIncrement
		if len(attrs)+len(refs) == 0 && !force {
			if e.LockMode == LockOptimistic && meta.Version != nil {
				q.checks = append(q.checks, &versionCheckAction{Entry: e})
			}
			continue
		}

		act := &EntityUpdateAction{Entry: e, Attributes: attrs, References: refs}
		if meta.Version != nil {
			act.oldVersion = e.Version
			act.newVersion = nextVersion(e.Version)
		}
		if force {
			e.LockMode = LockOptimistic
		}
		q.updates = append(q.updates, act)
	}
	return nil
}

// planCollections diffs owning to-many associations against their
// snapshots and emits join table row changes.
func (s *Session) planCollections(q *ActionQueue, entries []*EntityEntry) {
	for _, e := range entries {
		meta := e.Metadata
		for _, a := range meta.Associations {
			switch {
			case e.Status == StatusDeleted && e.ExistsInDatabase:
				if a.UsesJoinTable() {
					q.collectionRemovals = append(q.collectionRemovals, &CollectionAction{Owner: e, Association: a, op: collectionDeleteOwner})
				} else if a.Kind == ManyToMany && !a.IsOwning() {
					q.collectionRemovals = append(q.collectionRemovals, &CollectionAction{Owner: e, Association: a.Inverse, op: collectionDeleteTarget})
				}
				continue
			case !a.UsesJoinTable() || !e.live() || e.hollow:
				continue
			}

			added, removed, recreate := s.collectionChanges(e, a)
			if recreate {
				q.collectionRemovals = append(q.collectionRemovals, &CollectionAction{Owner: e, Association: a, op: collectionDeleteOwner})
			}
			for _, el := range removed {
				q.collectionRemovals = append(q.collectionRemovals, &CollectionAction{Owner: e, Association: a, Element: el, op: collectionDeleteRow})
			}
			for _, el := range added {
				q.collectionInserts = append(q.collectionInserts, &CollectionAction{Owner: e, Association: a, Element: el, op: collectionInsertRow})
			}
			if len(added)+len(removed) > 0 || recreate {
				s.factory.stats.recordCollectionUpdate()
			}
		}
	}
}

func (s *Session) collectionChanges(e *EntityEntry, a *AssociationMetadata) (added, removed []any, recreate bool) {
	current, ok := knownElements(e.Instance, a)
	if !ok {
		added, removed = lazyCollectionOf(e.Instance, a).pendingChanges()
		return added, removed, false
	}
	live := current[:0:0]
	for _, el := range current {
		if ee := s.pc.GetEntry(el); ee != nil && ee.Status == StatusDeleted {
			continue
		}
		live = append(live, el)
	}
	if !e.ExistsInDatabase {
		return live, nil, false
	}
	loaded, had := e.loadedCollections[a]
	if !had {
		return live, nil, true
	}
	return difference(live, loaded), difference(loaded, live), false
}

// planDeletes orders deletes so rows are deleted before the rows they
// reference, following the removal order otherwise. Cycles are broken by
// clearing optional foreign keys first.
func (s *Session) planDeletes(q *ActionQueue, deleting []*EntityEntry) error {
	nodes := make([]*planNode, len(deleting))
	byInstance := make(map[any]*planNode, len(deleting))
	for i, e := range deleting {
		nodes[i] = &planNode{entry: e, priority: e.deletedOrder}
		byInstance[e.Instance] = nodes[i]
	}
	for _, n := range nodes {
		for _, a := range n.entry.Metadata.Associations {
			if !a.WritesForeignKey() {
				continue
			}
			ref := a.Reference(n.entry.Instance)
			if n.entry.loadedRefs != nil {
				ref = n.entry.loadedRefs[a]
			}
			target, ok := byInstance[ref]
			if !ok || target == n {
				continue
			}
			// target's row can only go once n no longer references it.
			link(target, n, n.entry, a)
		}
	}

	ordered, err := sortNodes(nodes, func(d *planDep) {
		q.nullifications = append(q.nullifications, &foreignKeyUpdateAction{
			Entry:       d.owner,
			Association: d.assoc,
		})
		s.logger.Debug("clearing foreign key to break delete cycle",
			"entity", d.owner.Metadata.Name, "association", d.assoc.Name)
	})
	if err != nil {
		return err
	}
	for _, n := range ordered {
		q.deletes = append(q.deletes, &EntityDeleteAction{Entry: n.entry})
	}
	return nil
}
