package orm

import (
	"context"
	"fmt"
)

// =====================================
// Typed Repository
// =====================================

// Repository gives compile-time typed access to one entity type within a
// session. It adds no state of its own: every call goes through the
// session's persistence context, so changes are written at flush or
// commit.
type Repository[T any] struct {
	session *Session
	meta    *EntityMetadata
}

// NewRepository returns a repository for *T bound to s. T must be a
// registered entity type.
func NewRepository[T any](s *Session) (*Repository[T], error) {
	meta, err := s.metamodel().EntityOf((*T)(nil))
	if err != nil {
		return nil, err
	}
	return &Repository[T]{session: s, meta: meta}, nil
}

// Session returns the session the repository is bound to.
func (r *Repository[T]) Session() *Session {
	return r.session
}

// Metadata returns the mapping of T.
func (r *Repository[T]) Metadata() *EntityMetadata {
	return r.meta
}

// Create makes entity managed; its row is inserted at flush.
func (r *Repository[T]) Create(ctx context.Context, entity *T) error {
	return r.session.Persist(ctx, entity)
}

// CreateBatch makes every entity managed. Rows with identical shape are
// batched at flush.
func (r *Repository[T]) CreateBatch(ctx context.Context, entities []*T) error {
	for _, entity := range entities {
		if err := r.session.Persist(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

// FindByID returns the managed entity with the given identifier.
// Returns ErrorTypeNotFound if no row exists.
func (r *Repository[T]) FindByID(ctx context.Context, id any) (*T, error) {
	return Find[*T](ctx, r.session, id)
}

// Exists reports whether an entity with the given identifier exists.
func (r *Repository[T]) Exists(ctx context.Context, id any) (bool, error) {
	_, err := r.FindByID(ctx, id)
	switch {
	case IsNotFound(err):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// Reference returns a possibly hollow instance for id without reading it.
func (r *Repository[T]) Reference(id any) (*T, error) {
	entity, err := r.session.Reference((*T)(nil), id)
	if err != nil {
		return nil, err
	}
	return r.typed(entity)
}

// Update merges the state of a detached or transient entity and returns
// the managed instance carrying it.
func (r *Repository[T]) Update(ctx context.Context, entity *T) (*T, error) {
	managed, err := r.session.Merge(ctx, entity)
	if err != nil {
		return nil, err
	}
	return r.typed(managed)
}

// Delete schedules entity for removal.
func (r *Repository[T]) Delete(ctx context.Context, entity *T) error {
	return r.session.Remove(ctx, entity)
}

// DeleteByID loads the entity with the given identifier and schedules it
// for removal. Returns ErrorTypeNotFound if no row exists.
func (r *Repository[T]) DeleteByID(ctx context.Context, id any) error {
	entity, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	return r.session.Remove(ctx, entity)
}

// Refresh re-reads entity from the database.
func (r *Repository[T]) Refresh(ctx context.Context, entity *T) error {
	return r.session.Refresh(ctx, entity)
}

// Detach removes entity from the session.
func (r *Repository[T]) Detach(ctx context.Context, entity *T) error {
	return r.session.Detach(ctx, entity)
}

// Lock acquires mode on entity.
func (r *Repository[T]) Lock(ctx context.Context, entity *T, mode LockMode) error {
	return r.session.Lock(ctx, entity, mode)
}

func (r *Repository[T]) typed(entity any) (*T, error) {
	typed, ok := entity.(*T)
	if !ok {
		return nil, NewError(ErrorTypeInternal, fmt.Sprintf("%s: expected %T, got %T", r.meta.Name, (*T)(nil), entity))
	}
	return typed, nil
}

// InTransaction runs fn with a repository for *T in a new session that
// commits when fn succeeds and rolls back otherwise.
func InTransaction[T any](ctx context.Context, f *SessionFactory, fn func(repo *Repository[T]) error) error {
	return f.InTransaction(ctx, func(s *Session) error {
		repo, err := NewRepository[T](s)
		if err != nil {
			return err
		}
		return fn(repo)
	})
}
