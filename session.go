package orm

import (
	"context"
	"log/slog"
)

// =====================================
// Session
// =====================================

// Session is a unit of work: a persistence context bound to at most one
// transaction. A Session must be used by one goroutine at a time.
//
// A failed flush marks the session rollback-only; only Rollback, Clear and
// Close are useful afterwards.
type Session struct {
	factory      *SessionFactory
	pc           *PersistenceContext
	tx           Tx
	rollbackOnly bool
	closed       bool
	deleteSeq    int
	logger       *slog.Logger
}

// Factory returns the factory that opened the session.
func (s *Session) Factory() *SessionFactory {
	return s.factory
}

// PersistenceContext exposes the session's identity map.
func (s *Session) PersistenceContext() *PersistenceContext {
	return s.pc
}

// IsRollbackOnly reports whether the session must be rolled back.
func (s *Session) IsRollbackOnly() bool {
	return s.rollbackOnly
}

// IsOpen reports whether Close has not been called.
func (s *Session) IsOpen() bool {
	return !s.closed
}

// Contains reports whether entity is managed by the session.
func (s *Session) Contains(entity any) bool {
	return s.pc.Contains(entity)
}

// Status returns the lifecycle status of entity in this session.
func (s *Session) Status(entity any) Status {
	if entry := s.pc.GetEntry(entity); entry != nil {
		return entry.Status
	}
	meta, err := s.metamodel().EntityOf(entity)
	if err == nil && s.isDetachedInstance(meta, entity) {
		return StatusDetached
	}
	return StatusTransient
}

// SetReadOnly switches entity in or out of read-only mode. Read-only
// entities are never updated by flush.
func (s *Session) SetReadOnly(entity any, readOnly bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pc.SetReadOnly(entity, readOnly)
}

// Begin starts a transaction if the executor supports them and none is
// active. Sessions otherwise begin one lazily on first database access.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.executor(ctx)
	return err
}

// Commit flushes pending changes and commits the transaction. Managed
// entities stay managed afterwards.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.rollbackOnly {
		s.abort()
		return NewError(ErrorTypeTransaction, "transaction is marked rollback-only")
	}
	if err := s.Flush(ctx); err != nil {
		s.abort()
		return err
	}
	if s.tx != nil {
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(); err != nil {
			s.rollbackOnly = true
			return NewErrorWithCause(ErrorTypeTransaction, "commit failed", err)
		}
	}
	s.factory.stats.recordCommit()
	s.logger.Debug("transaction committed", "entities", s.pc.Len())
	return nil
}

// Rollback abandons the transaction and detaches every entity.
func (s *Session) Rollback(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	err := s.rollbackTx()
	s.pc.Clear()
	s.rollbackOnly = false
	s.factory.stats.recordRollback()
	s.logger.Debug("transaction rolled back")
	return err
}

// abort rolls back after a failed commit. The persistence context is kept
// so callers can inspect the failed state.
func (s *Session) abort() {
	if err := s.rollbackTx(); err != nil {
		s.logger.Warn("rollback failed", "error", err)
	}
	s.factory.stats.recordRollback()
}

func (s *Session) rollbackTx() error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil {
		return NewErrorWithCause(ErrorTypeTransaction, "rollback failed", err)
	}
	return nil
}

// Clear detaches every entity without touching the transaction.
func (s *Session) Clear() {
	s.pc.Clear()
	s.rollbackOnly = false
}

// Close rolls back an active transaction and releases the session.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	err := s.rollbackTx()
	s.pc.Clear()
	s.closed = true
	s.factory.stats.recordSessionClosed()
	return err
}

func (s *Session) checkOpen() error {
	if s.closed {
		return NewError(ErrorTypeInvalidArgument, "session is closed")
	}
	return nil
}

func (s *Session) metamodel() *Metamodel {
	return s.factory.metamodel
}

func (s *Session) newCascade(op Operation) *cascadeState {
	return newCascadeState(op, s.factory.settings.MaxCascadeEntities)
}

// executor returns the transaction executor, beginning a transaction on
// first use when the backend supports them.
func (s *Session) executor(ctx context.Context) (Executor, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	t, ok := s.factory.executor.(Transactor)
	if !ok {
		return s.factory.executor, nil
	}
	tx, err := t.BeginTx(ctx)
	if err != nil {
		return nil, NewErrorWithCause(ErrorTypeTransaction, "failed to begin transaction", err)
	}
	s.tx = tx
	return tx, nil
}

// fail marks the session rollback-only for errors that leave the context
// inconsistent.
func (s *Session) fail(err error) error {
	if err != nil && marksRollbackOnly(err) {
		s.rollbackOnly = true
	}
	return err
}

// isDetachedInstance reports whether an unmanaged instance carries an
// identifier its strategy could only have produced through a prior insert.
// Instances removed before their first flush never had a row.
func (s *Session) isDetachedInstance(meta *EntityMetadata, entity any) bool {
	if meta.Strategy == StrategyAssigned || s.pc.WasForgotten(entity) {
		return false
	}
	return !isZeroID(meta.ID(entity))
}

func (s *Session) nextDeleteOrder() int {
	s.deleteSeq++
	return s.deleteSeq
}
