package orm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loadDetachedBook returns a book read by a session that has since closed.
func loadDetachedBook(t *testing.T, f *SessionFactory, id int64) *Book {
	t.Helper()
	s := openSession(t, f)
	book, err := Find[*Book](context.Background(), s, id)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	return book
}

func TestFindUsesIdentityMap(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	s := openSession(t, f)
	exec.resetLog()
	first, err := Find[*Book](ctx, s, bookID)
	require.NoError(t, err)
	selects := len(exec.statements(StatementSelect))

	second, err := s.Find(ctx, (*Book)(nil), int32(bookID))
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, exec.statements(StatementSelect), selects, "second lookup is served from the session")
}

func TestFindMissingRow(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, newTestFactory(t, newMemoryExecutor()))

	_, err := Find[*Country](ctx, s, 404)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, s.IsRollbackOnly())
}

func TestFindRemovedEntity(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, newTestFactory(t, newMemoryExecutor()))

	country := &Country{ID: 1, Name: "Norway"}
	require.NoError(t, s.Persist(ctx, country))
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Remove(ctx, country))

	_, err := Find[*Country](ctx, s, 1)
	assert.True(t, IsNotFound(err))
}

func TestReferenceIsHollowUntilInitialized(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	exec.seed(tableOf(t, f, &Country{}), Row{"id": int64(3), "name": "Iceland"})

	s := openSession(t, f)
	ref, err := s.Reference((*Country)(nil), 3)
	require.NoError(t, err)
	country := ref.(*Country)
	assert.Equal(t, int64(3), country.ID)
	assert.Empty(t, country.Name)
	assert.True(t, s.PersistenceContext().GetEntry(country).IsHollow())
	assert.Empty(t, exec.log)

	country.Name = "ignored while hollow"
	require.NoError(t, s.Flush(ctx))
	assert.Empty(t, exec.log)

	require.NoError(t, s.Initialize(ctx, country))
	assert.Equal(t, "Iceland", country.Name)
	assert.False(t, s.PersistenceContext().GetEntry(country).IsHollow())

	again, err := s.Reference((*Country)(nil), int64(3))
	require.NoError(t, err)
	assert.Same(t, country, again)
}

func TestReferenceToPolymorphicRoot(t *testing.T) {
	s := openSession(t, newTestFactory(t, newMemoryExecutor()))
	_, err := s.Reference((*Vehicle)(nil), 1)
	assert.True(t, IsErrorType(err, ErrorTypeUnsupported))
}

func TestMergeDetachedCopy(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	detached := loadDetachedBook(t, f, bookID)
	detached.Title = "The Word for World Is Forest"

	s := openSession(t, f)
	merged, err := s.Merge(ctx, detached)
	require.NoError(t, err)
	managed := merged.(*Book)
	assert.NotSame(t, detached, managed)
	assert.False(t, s.Contains(detached))
	assert.True(t, s.Contains(managed))
	assert.Equal(t, detached.Title, managed.Title)
	assert.True(t, s.Contains(managed.Author), "reference resolved to the managed author")

	exec.resetLog()
	require.NoError(t, s.Flush(ctx))
	updates := exec.statements(StatementUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, []Column{{Name: "title", Value: detached.Title}, {Name: "version", Value: int64(2)}}, updates[0].Values)
}

func TestMergeCopiesMutableState(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	detached := loadDetachedBook(t, f, bookID)
	detached.Tags = []string{"anarchism", "physics"}

	s := openSession(t, f)
	merged, err := s.Merge(ctx, detached)
	require.NoError(t, err)
	managed := merged.(*Book)
	require.Equal(t, []string{"anarchism", "physics"}, managed.Tags)

	detached.Tags[0] = "utopia"
	assert.Equal(t, []string{"anarchism", "physics"}, managed.Tags)

	exec.resetLog()
	require.NoError(t, s.Flush(ctx))
	updates := exec.statements(StatementUpdate)
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].Values, Column{Name: "tags", Value: []string{"anarchism", "physics"}})
}

func TestMergeStaleCopy(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	detached := loadDetachedBook(t, f, bookID)
	exec.rows(tableOf(t, f, detached))[0]["version"] = 5

	s := openSession(t, f)
	_, err := s.Merge(ctx, detached)
	require.Error(t, err)
	assert.True(t, IsStaleState(err))
}

func TestMergeDeletedGeneratedRow(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	detached := loadDetachedBook(t, f, bookID)
	exec.tables[tableOf(t, f, detached)] = nil

	s := openSession(t, f)
	_, err := s.Merge(ctx, detached)
	assert.True(t, IsStaleState(err))
}

func TestMergeTransientAssignedID(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	s := openSession(t, newTestFactory(t, exec))

	input := &Country{ID: 7, Name: "Portugal"}
	merged, err := s.Merge(ctx, input)
	require.NoError(t, err)
	assert.NotSame(t, input, merged)
	assert.False(t, s.Contains(input))
	assert.Equal(t, int64(7), merged.(*Country).ID)

	require.NoError(t, s.Flush(ctx))
	inserts := exec.statements(StatementInsert)
	require.Len(t, inserts, 1)
	assert.Equal(t, []Column{{Name: "id", Value: int64(7)}, {Name: "name", Value: "Portugal"}}, inserts[0].Values)
}

func TestMergeCascadesThroughGraph(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	s := openSession(t, newTestFactory(t, exec))

	x := newCircle()
	merged, err := s.Merge(ctx, x.a)
	require.NoError(t, err)
	a := merged.(*CircleA)
	assert.NotSame(t, x.a, a)
	assert.Equal(t, 8, s.PersistenceContext().Len())
	for _, e := range x.all() {
		assert.False(t, s.Contains(e))
	}
	require.Len(t, a.BCollection, 1)
	assert.Same(t, a, a.BCollection[0].A)

	require.NoError(t, s.Flush(ctx))
	assert.Len(t, exec.statements(StatementInsert), 10)
}

func TestMergeManagedEntityIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, newTestFactory(t, newMemoryExecutor()))

	country := &Country{ID: 1, Name: "Norway"}
	require.NoError(t, s.Persist(ctx, country))
	merged, err := s.Merge(ctx, country)
	require.NoError(t, err)
	assert.Same(t, country, merged)
}

func TestOptimisticLockDetectsConcurrentChange(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	s := openSession(t, f)
	book, err := Find[*Book](ctx, s, bookID)
	require.NoError(t, err)
	require.NoError(t, s.Lock(ctx, book, LockOptimistic))
	assert.Equal(t, LockOptimistic, s.PersistenceContext().GetEntry(book).LockMode)

	exec.rows(tableOf(t, f, book))[0]["version"] = 9
	exec.resetLog()
	err = s.Flush(ctx)
	require.Error(t, err)
	assert.True(t, IsStaleState(err))
	selects := exec.statements(StatementSelect)
	require.Len(t, selects, 1)
	assert.Equal(t, []string{"version"}, selects[0].Columns)
}

func TestOptimisticLockPassesWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	s := openSession(t, f)
	book, err := Find[*Book](ctx, s, bookID)
	require.NoError(t, err)
	require.NoError(t, s.Lock(ctx, book, LockOptimistic))
	require.NoError(t, s.Flush(ctx))
}

func TestForceIncrementBumpsVersion(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	s := openSession(t, f)
	book, err := Find[*Book](ctx, s, bookID)
	require.NoError(t, err)
	require.NoError(t, s.Lock(ctx, book, LockOptimisticForceIncrement))

	exec.resetLog()
	require.NoError(t, s.Flush(ctx))
	updates := exec.statements(StatementUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, []Column{{Name: "version", Value: int64(2)}}, updates[0].Values)
	assert.Equal(t, 2, book.Version)

	exec.resetLog()
	require.NoError(t, s.Flush(ctx))
	assert.Empty(t, exec.statements(StatementUpdate), "the version is bumped once")
	assert.Len(t, exec.statements(StatementSelect), 1, "then checked like an optimistic lock")
}

func TestPessimisticLockSelectsForUpdate(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	s := openSession(t, f)
	book, err := Find[*Book](ctx, s, bookID)
	require.NoError(t, err)

	exec.resetLog()
	require.NoError(t, s.Lock(ctx, book, LockPessimisticWrite))
	selects := exec.statements(StatementSelect)
	require.Len(t, selects, 1)
	assert.True(t, selects[0].ForUpdate)

	// A weaker lock does not downgrade.
	require.NoError(t, s.Lock(ctx, book, LockOptimistic))
	assert.Equal(t, LockPessimisticWrite, s.PersistenceContext().GetEntry(book).LockMode)
}

func TestOptimisticLockNeedsVersion(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, newTestFactory(t, newMemoryExecutor()))

	country := &Country{ID: 1}
	require.NoError(t, s.Persist(ctx, country))
	err := s.Lock(ctx, country, LockOptimistic)
	assert.True(t, IsErrorType(err, ErrorTypeUnsupported))

	err = s.Lock(ctx, &Country{ID: 2}, LockNone)
	assert.True(t, IsErrorType(err, ErrorTypeDetached))
}

func TestRefreshDiscardsLocalChanges(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	_, bookID := seedLibrary(t, f)

	s := openSession(t, f)
	book, err := Find[*Book](ctx, s, bookID)
	require.NoError(t, err)

	book.Title = "local edit"
	exec.rows(tableOf(t, f, book))[0]["title"] = "remote edit"
	require.NoError(t, s.Refresh(ctx, book))
	assert.Equal(t, "remote edit", book.Title)
	assert.False(t, s.PersistenceContext().IsDirty(s.PersistenceContext().GetEntry(book)))

	err = s.Refresh(ctx, &Country{ID: 1})
	assert.True(t, IsErrorType(err, ErrorTypeDetached))

	exec.tables[tableOf(t, f, book)] = nil
	err = s.Refresh(ctx, book)
	assert.True(t, IsNotFound(err))
}

func TestDetachStopsTracking(t *testing.T) {
	ctx := context.Background()
	exec := newMemoryExecutor()
	f := newTestFactory(t, exec)
	authorID, bookID := seedLibrary(t, f)

	s := openSession(t, f)
	author, err := Find[*Author](ctx, s, authorID)
	require.NoError(t, err)
	book := author.Books[0]

	require.NoError(t, s.Detach(ctx, author))
	assert.False(t, s.Contains(author))
	assert.False(t, s.Contains(book), "detach cascades to the books")
	assert.Equal(t, StatusDetached, s.Status(author))

	book.Title = "not flushed"
	exec.resetLog()
	require.NoError(t, s.Flush(ctx))
	assert.Empty(t, exec.log)

	err = s.Persist(ctx, book)
	assert.True(t, IsErrorType(err, ErrorTypeDetached))

	again, err := Find[*Book](ctx, s, bookID)
	require.NoError(t, err)
	assert.NotSame(t, book, again)
}

func TestClearDetachesEverything(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, newTestFactory(t, newMemoryExecutor()))

	country := &Country{ID: 1, Name: "Norway"}
	require.NoError(t, s.Persist(ctx, country))
	s.Clear()
	assert.Equal(t, 0, s.PersistenceContext().Len())
	assert.False(t, s.Contains(country))
}

func TestClosedSessionRejectsWork(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, newTestFactory(t, newMemoryExecutor()))
	require.NoError(t, s.Close())
	assert.False(t, s.IsOpen())
	require.NoError(t, s.Close())

	err := s.Persist(ctx, &Country{ID: 1})
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))
	_, err = s.Find(ctx, (*Country)(nil), 1)
	assert.True(t, IsErrorType(err, ErrorTypeInvalidArgument))
}

func TestUnknownEntityType(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, newTestFactory(t, newMemoryExecutor()))

	type unmapped struct{ ID int64 }
	err := s.Persist(ctx, &unmapped{ID: 1})
	assert.True(t, IsErrorType(err, ErrorTypeUnknownEntity))
	assert.False(t, s.IsRollbackOnly())
}
