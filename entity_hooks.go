package orm

import "context"

// =====================================
// Entity Lifecycle Callbacks
// =====================================

// PrePersistHook is called before an entity becomes managed by persist
type PrePersistHook interface {
	PrePersist(ctx context.Context) error
}

// PostPersistHook is called after the entity's row was inserted
type PostPersistHook interface {
	PostPersist(ctx context.Context) error
}

// PreUpdateHook is called at flush before a dirty entity is updated.
// Changes made by the hook are included in the update.
type PreUpdateHook interface {
	PreUpdate(ctx context.Context) error
}

// PostUpdateHook is called after the entity's row was updated
type PostUpdateHook interface {
	PostUpdate(ctx context.Context) error
}

// PreRemoveHook is called before an entity is scheduled for removal
type PreRemoveHook interface {
	PreRemove(ctx context.Context) error
}

// PostRemoveHook is called after the entity's row was deleted
type PostRemoveHook interface {
	PostRemove(ctx context.Context) error
}

// PostLoadHook is called after an entity was loaded or refreshed
type PostLoadHook interface {
	PostLoad(ctx context.Context) error
}

type lifecycleEvent int

const (
	eventPrePersist lifecycleEvent = iota
	eventPostPersist
	eventPreUpdate
	eventPostUpdate
	eventPreRemove
	eventPostRemove
	eventPostLoad
)

func (e lifecycleEvent) String() string {
	return [...]string{"PrePersist", "PostPersist", "PreUpdate", "PostUpdate", "PreRemove", "PostRemove", "PostLoad"}[e]
}

// fireHook invokes the callback for event if entity implements it.
func fireHook(ctx context.Context, event lifecycleEvent, entity any) error {
	var err error
	switch event {
	case eventPrePersist:
		if h, ok := entity.(PrePersistHook); ok {
			err = h.PrePersist(ctx)
		}
	case eventPostPersist:
		if h, ok := entity.(PostPersistHook); ok {
			err = h.PostPersist(ctx)
		}
	case eventPreUpdate:
		if h, ok := entity.(PreUpdateHook); ok {
			err = h.PreUpdate(ctx)
		}
	case eventPostUpdate:
		if h, ok := entity.(PostUpdateHook); ok {
			err = h.PostUpdate(ctx)
		}
	case eventPreRemove:
		if h, ok := entity.(PreRemoveHook); ok {
			err = h.PreRemove(ctx)
		}
	case eventPostRemove:
		if h, ok := entity.(PostRemoveHook); ok {
			err = h.PostRemove(ctx)
		}
	case eventPostLoad:
		if h, ok := entity.(PostLoadHook); ok {
			err = h.PostLoad(ctx)
		}
	}
	if err != nil {
		return NewErrorWithCause(ErrorTypeValidation, event.String()+" callback failed", err)
	}
	return nil
}
