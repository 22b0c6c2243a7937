package orm

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// =====================================
// Identifier Generation
// =====================================

// IdentifierGenerator produces identifiers for new entities. A generator
// returns postInsert=true when the value is only known once the row has
// been inserted.
type IdentifierGenerator interface {
	Generate(ctx context.Context, meta *EntityMetadata, entity any) (id any, postInsert bool, err error)
}

// IdentifierGeneratorFunc adapts a function to IdentifierGenerator.
type IdentifierGeneratorFunc func(ctx context.Context, meta *EntityMetadata, entity any) (any, bool, error)

// Generate calls f.
func (f IdentifierGeneratorFunc) Generate(ctx context.Context, meta *EntityMetadata, entity any) (any, bool, error) {
	return f(ctx, meta, entity)
}

// SequenceAllocator hands out sequence values. Implementations must be safe
// for concurrent use; a SessionFactory shares one allocator across sessions.
type SequenceAllocator interface {
	Next(ctx context.Context, sequence string) (int64, error)
}

// BlockSource reserves a block of size consecutive values and returns the
// first one. Backing stores such as Redis or MongoDB implement it.
type BlockSource interface {
	NextBlock(ctx context.Context, sequence string, size int) (int64, error)
}

type assignedGenerator struct{}

func (assignedGenerator) Generate(_ context.Context, meta *EntityMetadata, entity any) (any, bool, error) {
	id := meta.ID(entity)
	if isZeroID(id) {
		return nil, false, entityError(ErrorTypeValidation, meta.Name, nil, "identifier must be assigned before persist")
	}
	return id, false, nil
}

type sequenceGenerator struct {
	allocator SequenceAllocator
}

func (g sequenceGenerator) Generate(ctx context.Context, meta *EntityMetadata, _ any) (any, bool, error) {
	n, err := g.allocator.Next(ctx, meta.Sequence)
	if err != nil {
		return nil, false, NewErrorWithCause(ErrorTypeDatabase, "could not allocate from sequence "+meta.Sequence, err)
	}
	return n, false, nil
}

type identityGenerator struct{}

func (identityGenerator) Generate(context.Context, *EntityMetadata, any) (any, bool, error) {
	return nil, true, nil
}

type uuidGenerator struct{}

func (uuidGenerator) Generate(_ context.Context, meta *EntityMetadata, _ any) (any, bool, error) {
	id := uuid.New()
	t := meta.Identifier.Type
	switch {
	case t.Kind() == reflect.String:
		return id.String(), false, nil
	case reflect.TypeOf(id).ConvertibleTo(t):
		return reflect.ValueOf(id).Convert(t).Interface(), false, nil
	}
	return nil, false, NewError(ErrorTypeMapping, fmt.Sprintf("%s: uuid strategy needs a string or uuid identifier, got %s", meta.Name, t))
}

func defaultGenerators(allocator SequenceAllocator) map[IdentifierStrategy]IdentifierGenerator {
	return map[IdentifierStrategy]IdentifierGenerator{
		StrategyAssigned: assignedGenerator{},
		StrategySequence: sequenceGenerator{allocator: allocator},
		StrategyIdentity: identityGenerator{},
		StrategyUUID:     uuidGenerator{},
	}
}

// MemorySequence is an in-process sequence store. It implements both
// SequenceAllocator and BlockSource.
type MemorySequence struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemorySequence creates an empty in-memory sequence store.
func NewMemorySequence() *MemorySequence {
	return &MemorySequence{values: make(map[string]int64)}
}

// Next returns the next value of sequence, starting at 1.
func (m *MemorySequence) Next(ctx context.Context, sequence string) (int64, error) {
	return m.NextBlock(ctx, sequence, 1)
}

// NextBlock reserves size values and returns the first.
func (m *MemorySequence) NextBlock(_ context.Context, sequence string, size int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := m.values[sequence] + 1
	m.values[sequence] += int64(size)
	return first, nil
}

// PooledSequenceAllocator serves values from blocks reserved in a
// BlockSource, so only one round trip is made per block.
type PooledSequenceAllocator struct {
	source BlockSource
	size   int

	mu    sync.Mutex
	pools map[string]*sequencePool
}

type sequencePool struct {
	next  int64
	limit int64
}

// NewPooledSequenceAllocator creates an allocator that reserves size values
// at a time.
func NewPooledSequenceAllocator(source BlockSource, size int) *PooledSequenceAllocator {
	if size < 1 {
		size = 1
	}
	return &PooledSequenceAllocator{
		source: source,
		size:   size,
		pools:  make(map[string]*sequencePool),
	}
}

// Next returns the next value, reserving a new block when the current one
// is exhausted.
func (p *PooledSequenceAllocator) Next(ctx context.Context, sequence string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, ok := p.pools[sequence]
	if !ok || pool.next >= pool.limit {
		first, err := p.source.NextBlock(ctx, sequence, p.size)
		if err != nil {
			return 0, err
		}
		pool = &sequencePool{next: first, limit: first + int64(p.size)}
		p.pools[sequence] = pool
	}
	v := pool.next
	pool.next++
	return v, nil
}
