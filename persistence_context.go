package orm

import (
	"fmt"
	"sort"
)

// =====================================
// Persistence Context
// =====================================

// EntityKey identifies a row: the hierarchy root entity name plus the
// normalized identifier.
type EntityKey struct {
	Entity string
	ID     any
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s#%v", k.Entity, k.ID)
}

// EntityEntry tracks one managed instance.
type EntityEntry struct {
	Instance         any
	Metadata         *EntityMetadata
	Key              EntityKey
	Status           Status
	Version          any
	LockMode         LockMode
	ExistsInDatabase bool

	loadedState       []any
	loadedRefs        map[*AssociationMetadata]any
	loadedCollections map[*AssociationMetadata][]any

	order        int
	deletedOrder int
	pendingID    bool
	hollow       bool
	prevStatus   Status
}

// HasPendingID reports whether the identifier will be assigned by the
// database on insert.
func (e *EntityEntry) HasPendingID() bool {
	return e.pendingID
}

// IsHollow reports whether the entry is a reference whose state has not been
// loaded yet.
func (e *EntityEntry) IsHollow() bool {
	return e.hollow
}

func (e *EntityEntry) live() bool {
	return e.Status == StatusManaged || e.Status == StatusReadOnly
}

// PersistenceContext is the identity map and state tracker of one session.
// It is not safe for concurrent use.
type PersistenceContext struct {
	byInstance map[any]*EntityEntry
	byKey      map[EntityKey]*EntityEntry
	// removed holds instances that were removed before their first flush.
	removed map[any]struct{}
	seq     int
}

// NewPersistenceContext creates an empty context.
func NewPersistenceContext() *PersistenceContext {
	return &PersistenceContext{
		byInstance: make(map[any]*EntityEntry),
		byKey:      make(map[EntityKey]*EntityEntry),
		removed:    make(map[any]struct{}),
	}
}

// AddEntry registers instance. Registering the same instance again is a
// no-op that returns the existing entry; registering a different instance
// under an identity that is already taken fails with a non-unique object
// error. A nil id registers the entry without an identity until
// ReassignIdentity is called.
func (pc *PersistenceContext) AddEntry(instance any, meta *EntityMetadata, id any, status Status, existsInDatabase bool) (*EntityEntry, error) {
	if entry, ok := pc.byInstance[instance]; ok {
		return entry, nil
	}
	delete(pc.removed, instance)
	entry := &EntityEntry{
		Instance:         instance,
		Metadata:         meta,
		Status:           status,
		LockMode:         LockNone,
		ExistsInDatabase: existsInDatabase,
	}
	if id != nil {
		key := EntityKey{Entity: meta.Root.Name, ID: normalizeID(id)}
		if other, ok := pc.byKey[key]; ok && other.Instance != instance {
			return nil, entityError(ErrorTypeNonUniqueObject, meta.Name, key.ID,
				"a different object with the same identifier value was already associated with the session")
		}
		entry.Key = key
		pc.byKey[key] = entry
	} else {
		entry.Key = EntityKey{Entity: meta.Root.Name}
		entry.pendingID = true
	}
	pc.seq++
	entry.order = pc.seq
	if meta.Version != nil {
		entry.Version = meta.Version.Get(instance)
	}
	pc.byInstance[instance] = entry
	return entry, nil
}

// GetEntry returns the entry of instance by reference.
func (pc *PersistenceContext) GetEntry(instance any) *EntityEntry {
	if instance == nil {
		return nil
	}
	return pc.byInstance[instance]
}

// GetEntity returns the entry registered under key.
func (pc *PersistenceContext) GetEntity(key EntityKey) *EntityEntry {
	return pc.byKey[key]
}

// ReassignIdentity records the identifier of instance once it is known.
func (pc *PersistenceContext) ReassignIdentity(instance any, id any) error {
	entry, ok := pc.byInstance[instance]
	if !ok {
		return NewError(ErrorTypeInternal, fmt.Sprintf("%T is not managed", instance))
	}
	key := EntityKey{Entity: entry.Metadata.Root.Name, ID: normalizeID(id)}
	if other, ok := pc.byKey[key]; ok && other != entry {
		return entityError(ErrorTypeNonUniqueObject, entry.Metadata.Name, key.ID,
			"a different object with the same identifier value was already associated with the session")
	}
	if !entry.pendingID {
		delete(pc.byKey, entry.Key)
	}
	entry.Key = key
	entry.pendingID = false
	pc.byKey[key] = entry
	return nil
}

// RemoveEntry forgets instance.
func (pc *PersistenceContext) RemoveEntry(instance any) *EntityEntry {
	entry, ok := pc.byInstance[instance]
	if !ok {
		return nil
	}
	delete(pc.byInstance, instance)
	if !entry.pendingID {
		if cur := pc.byKey[entry.Key]; cur == entry {
			delete(pc.byKey, entry.Key)
		}
	}
	return entry
}

// Forget removes an entry that never reached the database. The instance
// keeps whatever identifier it was given but is remembered as having no
// row until it is registered again or the context is cleared.
func (pc *PersistenceContext) Forget(instance any) *EntityEntry {
	entry := pc.RemoveEntry(instance)
	if entry == nil {
		return nil
	}
	entry.Status = StatusTransient
	pc.removed[instance] = struct{}{}
	return entry
}

// WasForgotten reports whether instance was removed before its first
// flush.
func (pc *PersistenceContext) WasForgotten(instance any) bool {
	_, ok := pc.removed[instance]
	return ok
}

// Evict detaches instance from the context.
func (pc *PersistenceContext) Evict(instance any) bool {
	entry := pc.RemoveEntry(instance)
	if entry == nil {
		return false
	}
	entry.Status = StatusDetached
	return true
}

// Clear detaches every instance.
func (pc *PersistenceContext) Clear() {
	for _, entry := range pc.byInstance {
		entry.Status = StatusDetached
	}
	pc.byInstance = make(map[any]*EntityEntry)
	pc.byKey = make(map[EntityKey]*EntityEntry)
	pc.removed = make(map[any]struct{})
}

// SetReadOnly switches a managed entry in or out of read-only mode.
func (pc *PersistenceContext) SetReadOnly(instance any, readOnly bool) error {
	entry, ok := pc.byInstance[instance]
	if !ok {
		return NewError(ErrorTypeDetached, fmt.Sprintf("%T is not managed", instance))
	}
	switch {
	case readOnly && entry.Status == StatusManaged:
		entry.Status = StatusReadOnly
	case !readOnly && entry.Status == StatusReadOnly:
		entry.Status = StatusManaged
		takeSnapshot(entry)
	case entry.Status == StatusDeleted:
		return entityError(ErrorTypeInvalidArgument, entry.Metadata.Name, entry.Key.ID, "cannot change read-only mode of a removed entity")
	}
	return nil
}

// Entries returns all entries in registration order.
func (pc *PersistenceContext) Entries() []*EntityEntry {
	out := make([]*EntityEntry, 0, len(pc.byInstance))
	for _, e := range pc.byInstance {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}

// Contains reports whether instance is managed and not scheduled for removal.
func (pc *PersistenceContext) Contains(instance any) bool {
	entry := pc.GetEntry(instance)
	return entry != nil && entry.live()
}

// Len returns the number of entries.
func (pc *PersistenceContext) Len() int {
	return len(pc.byInstance)
}

// IsDirty compares the current state of the entry with its snapshot.
// Read-only, removed and hollow entries are never dirty.
func (pc *PersistenceContext) IsDirty(entry *EntityEntry) bool {
	if entry.Status != StatusManaged || entry.hollow {
		return false
	}
	if entry.loadedState == nil {
		return true
	}
	return len(dirtyAttributes(entry)) > 0 || len(dirtyReferences(entry)) > 0
}

// DirtyAttributes names the scalar attributes and references that changed
// since the snapshot.
func (pc *PersistenceContext) DirtyAttributes(entry *EntityEntry) []string {
	var names []string
	for _, a := range dirtyAttributes(entry) {
		names = append(names, a.Name)
	}
	for _, a := range dirtyReferences(entry) {
		names = append(names, a.Name)
	}
	return names
}

func dirtyAttributes(entry *EntityEntry) []*Attribute {
	var dirty []*Attribute
	for i, a := range entry.Metadata.Attributes {
		if entry.loadedState == nil || !valuesEqual(a.Get(entry.Instance), entry.loadedState[i]) {
			dirty = append(dirty, a)
		}
	}
	return dirty
}

func dirtyReferences(entry *EntityEntry) []*AssociationMetadata {
	var dirty []*AssociationMetadata
	for _, a := range entry.Metadata.Associations {
		if !a.WritesForeignKey() {
			continue
		}
		if entry.loadedRefs == nil || !sameInstance(a.Reference(entry.Instance), entry.loadedRefs[a]) {
			dirty = append(dirty, a)
		}
	}
	return dirty
}

// takeSnapshot records the current state as the loaded state.
func takeSnapshot(entry *EntityEntry) {
	meta := entry.Metadata
	state := make([]any, len(meta.Attributes))
	for i, a := range meta.Attributes {
		state[i] = deepCopy(a.Get(entry.Instance))
	}
	entry.loadedState = state
	entry.loadedRefs = make(map[*AssociationMetadata]any)
	for _, a := range meta.Associations {
		switch {
		case !a.IsCollection():
			entry.loadedRefs[a] = a.Reference(entry.Instance)
		default:
			if items, ok := knownElements(entry.Instance, a); ok {
				recordCollection(entry, a, items)
			}
		}
	}
	if meta.Version != nil {
		entry.Version = meta.Version.Get(entry.Instance)
	}
}

func recordCollection(entry *EntityEntry, a *AssociationMetadata, items []any) {
	if entry.loadedCollections == nil {
		entry.loadedCollections = make(map[*AssociationMetadata][]any)
	}
	entry.loadedCollections[a] = append([]any(nil), items...)
}
