package orm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// =====================================
// Session Factory
// =====================================

// SessionFactory is the shared, thread-safe entry point of the engine. It
// owns the metamodel, the executor and identifier generators and opens
// single-goroutine Sessions.
type SessionFactory struct {
	metamodel  *Metamodel
	executor   Executor
	generators map[IdentifierStrategy]IdentifierGenerator
	allocator  SequenceAllocator
	blocks     BlockSource
	settings   Settings
	logger     *slog.Logger
	stats      *Statistics
	sessionSeq atomic.Uint64
	closed     atomic.Bool
}

// Option configures a SessionFactory.
type Option func(*SessionFactory)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *SessionFactory) {
		f.logger = logger
	}
}

// WithGenerator overrides the generator used for a strategy.
func WithGenerator(strategy IdentifierStrategy, gen IdentifierGenerator) Option {
	return func(f *SessionFactory) {
		f.generators[strategy] = gen
	}
}

// WithSequenceAllocator sets the allocator backing the sequence strategy.
func WithSequenceAllocator(allocator SequenceAllocator) Option {
	return func(f *SessionFactory) {
		f.allocator = allocator
	}
}

// WithBlockSource backs the sequence strategy with blocks reserved in src,
// sized by Settings.SequenceAllocationSize.
func WithBlockSource(src BlockSource) Option {
	return func(f *SessionFactory) {
		f.blocks = src
	}
}

// WithSettings overrides the metamodel's settings for runtime behaviour.
func WithSettings(settings Settings) Option {
	return func(f *SessionFactory) {
		f.settings = settings
	}
}

// WithStatistics shares a statistics collector between factories.
func WithStatistics(stats *Statistics) Option {
	return func(f *SessionFactory) {
		f.stats = stats
	}
}

// NewSessionFactory creates a factory running statements through exec.
func NewSessionFactory(mm *Metamodel, exec Executor, opts ...Option) (*SessionFactory, error) {
	if mm == nil {
		return nil, NewError(ErrorTypeInvalidArgument, "metamodel is required")
	}
	if exec == nil {
		return nil, NewError(ErrorTypeInvalidArgument, "executor is required")
	}
	f := &SessionFactory{
		metamodel:  mm,
		executor:   exec,
		generators: make(map[IdentifierStrategy]IdentifierGenerator),
		settings:   mm.Settings(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.settings = f.settings.withDefaults()
	if err := f.settings.Validate(); err != nil {
		return nil, err
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.stats == nil {
		f.stats = NewStatistics()
	}
	if f.allocator == nil && f.blocks != nil {
		f.allocator = NewPooledSequenceAllocator(f.blocks, f.settings.SequenceAllocationSize)
	}
	if f.allocator == nil {
		f.allocator = NewMemorySequence()
	}
	for strategy, gen := range defaultGenerators(f.allocator) {
		if _, ok := f.generators[strategy]; !ok {
			f.generators[strategy] = gen
		}
	}
	return f, nil
}

// Metamodel returns the entity metadata registry.
func (f *SessionFactory) Metamodel() *Metamodel {
	return f.metamodel
}

// Statistics returns the factory's statistics.
func (f *SessionFactory) Statistics() *Statistics {
	return f.stats
}

// Executor returns the executor sessions run statements on.
func (f *SessionFactory) Executor() Executor {
	return f.executor
}

// Settings returns the effective settings.
func (f *SessionFactory) Settings() Settings {
	return f.settings
}

// OpenSession starts a new unit of work.
func (f *SessionFactory) OpenSession() (*Session, error) {
	if f.closed.Load() {
		return nil, NewError(ErrorTypeInvalidArgument, "session factory is closed")
	}
	id := f.sessionSeq.Add(1)
	f.stats.recordSessionOpened()
	return &Session{
		factory: f,
		pc:      NewPersistenceContext(),
		logger:  f.logger.With("session", id),
	}, nil
}

// InTransaction runs fn in a new session. The session commits when fn
// returns nil and rolls back when fn fails or panics.
func (f *SessionFactory) InTransaction(ctx context.Context, fn func(s *Session) error) (err error) {
	s, err := f.OpenSession()
	if err != nil {
		return err
	}
	defer s.Close()

	defer func() {
		if r := recover(); r != nil {
			_ = s.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(s); err != nil {
		if rbErr := s.Rollback(ctx); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	return s.Commit(ctx)
}

// Close releases the executor if it holds resources.
func (f *SessionFactory) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := f.executor.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return NewErrorWithCause(ErrorTypeConnection, "failed to close executor", err)
		}
	}
	return nil
}

func (f *SessionFactory) generator(meta *EntityMetadata) (IdentifierGenerator, error) {
	gen, ok := f.generators[meta.Strategy]
	if !ok {
		return nil, NewError(ErrorTypeUnsupported, fmt.Sprintf("%s: no generator for strategy %s", meta.Name, meta.Strategy))
	}
	return gen, nil
}
