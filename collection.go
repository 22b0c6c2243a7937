package orm

import (
	"context"
	"reflect"
)

// Collection is a to-many association that may be loaded on first access.
// A zero Collection, or one created by NewCollection, is initialized and
// behaves like a plain slice. Collections wired by a Session start out
// uninitialized and fetch their elements on Load.
//
// While uninitialized, Add and Remove are recorded and applied once the
// elements are loaded.
type Collection[T any] struct {
	items       []T
	added       []T
	removed     []T
	initialized bool
	loader      func(ctx context.Context) ([]any, error)
}

// NewCollection returns an initialized collection holding items.
func NewCollection[T any](items ...T) *Collection[T] {
	return &Collection[T]{items: items, initialized: true}
}

// IsInitialized reports whether the elements are in memory.
func (c *Collection[T]) IsInitialized() bool {
	return c.initialized || c.loader == nil
}

// Load fetches the elements if they are not in memory yet.
func (c *Collection[T]) Load(ctx context.Context) error {
	return c.initialize(ctx)
}

// Items returns the elements. For an uninitialized collection only the
// elements added since it was wired are returned.
func (c *Collection[T]) Items() []T {
	if c.IsInitialized() {
		return c.items
	}
	return c.added
}

// Len returns the number of known elements.
func (c *Collection[T]) Len() int {
	return len(c.Items())
}

// Add appends an element.
func (c *Collection[T]) Add(item T) {
	if c.IsInitialized() {
		c.items = append(c.items, item)
		return
	}
	c.removed = without(c.removed, item)
	c.added = append(c.added, item)
}

// Remove drops an element. It reports whether the element was known.
func (c *Collection[T]) Remove(item T) bool {
	if c.IsInitialized() {
		n := len(c.items)
		c.items = without(c.items, item)
		return len(c.items) != n
	}
	n := len(c.added)
	c.added = without(c.added, item)
	if len(c.added) == n {
		c.removed = append(c.removed, item)
	}
	return true
}

// Contains reports whether item is a known element.
func (c *Collection[T]) Contains(item T) bool {
	for _, it := range c.Items() {
		if any(it) == any(item) {
			return true
		}
	}
	return false
}

func without[T any](items []T, item T) []T {
	out := items[:0]
	for _, it := range items {
		if any(it) != any(item) {
			out = append(out, it)
		}
	}
	return out
}

// lazyCollection is the untyped view of a Collection used by the engine.
type lazyCollection interface {
	elementType() reflect.Type
	isInitialized() bool
	initialize(ctx context.Context) error
	elements() []any
	pendingChanges() (added, removed []any)
	clearPending()
	setLoader(loader func(ctx context.Context) ([]any, error))
	replace(items []any)
}

func (c *Collection[T]) elementType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (c *Collection[T]) isInitialized() bool {
	return c.IsInitialized()
}

func (c *Collection[T]) initialize(ctx context.Context) error {
	if c.IsInitialized() {
		c.initialized = true
		return nil
	}
	loaded, err := c.loader(ctx)
	if err != nil {
		return err
	}
	seen := make(map[any]bool, len(loaded)+len(c.added))
	items := make([]T, 0, len(loaded)+len(c.added))
	for _, v := range loaded {
		seen[v] = true
		items = append(items, v.(T))
	}
	for _, v := range c.added {
		if !seen[any(v)] {
			seen[any(v)] = true
			items = append(items, v)
		}
	}
	for _, v := range c.removed {
		items = without(items, v)
	}
	c.items = items
	c.added = nil
	c.removed = nil
	c.initialized = true
	return nil
}

func (c *Collection[T]) elements() []any {
	items := c.Items()
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, any(it))
	}
	return out
}

func (c *Collection[T]) pendingChanges() (added, removed []any) {
	for _, it := range c.added {
		added = append(added, any(it))
	}
	for _, it := range c.removed {
		removed = append(removed, any(it))
	}
	return added, removed
}

func (c *Collection[T]) clearPending() {
	c.added = nil
	c.removed = nil
}

func (c *Collection[T]) setLoader(loader func(ctx context.Context) ([]any, error)) {
	c.loader = loader
	c.items = nil
	c.initialized = false
}

func (c *Collection[T]) replace(items []any) {
	c.items = make([]T, 0, len(items))
	for _, v := range items {
		c.items = append(c.items, v.(T))
	}
	c.added = nil
	c.removed = nil
	c.initialized = true
}
