package ormredis

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/lemmego/orm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	client, err := NewClient(orm.Config{Driver: "redis", ConnectionURL: url})
	if err != nil {
		t.Skipf("Skipping Redis tests: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSequenceSource(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	src := NewSequenceSource(client).WithKeyPrefix("orm:test:" + t.Name() + ":")
	require.NoError(t, client.Del(ctx, "orm:test:"+t.Name()+":books_seq").Err())

	current, err := src.Current(ctx, "books_seq")
	require.NoError(t, err)
	assert.Zero(t, current)

	first, err := src.NextBlock(ctx, "books_seq", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := src.NextBlock(ctx, "books_seq", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(51), second)

	current, err = src.Current(ctx, "books_seq")
	require.NoError(t, err)
	assert.Equal(t, int64(100), current)
}

func TestSequenceSourceSharedByAllocators(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	prefix := "orm:test:" + t.Name() + ":"
	require.NoError(t, client.Del(ctx, prefix+"s").Err())

	// Two allocators stand in for two processes sharing one counter.
	a := orm.NewPooledSequenceAllocator(NewSequenceSource(client).WithKeyPrefix(prefix), 10)
	b := orm.NewPooledSequenceAllocator(NewSequenceSource(client).WithKeyPrefix(prefix), 10)

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for _, alloc := range []*orm.PooledSequenceAllocator{a, b} {
		wg.Add(1)
		go func(alloc *orm.PooledSequenceAllocator) {
			defer wg.Done()
			for i := 0; i < 35; i++ {
				v, err := alloc.Next(ctx, "s")
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[v], "value %d handed out twice", v)
				seen[v] = true
				mu.Unlock()
			}
		}(alloc)
	}
	wg.Wait()
	assert.Len(t, seen, 70)
}

func TestSequenceSourceCorruptCounter(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	prefix := "orm:test:" + t.Name() + ":"
	require.NoError(t, client.Set(ctx, prefix+"s", "eleven", 0).Err())

	_, err := NewSequenceSource(client).WithKeyPrefix(prefix).Current(ctx, "s")
	assert.True(t, orm.IsErrorType(err, orm.ErrorTypeSerialization))
}

func TestNewClientInvalidURL(t *testing.T) {
	_, err := NewClient(orm.Config{Driver: "redis", ConnectionURL: "http://not-redis"})
	assert.True(t, orm.IsErrorType(err, orm.ErrorTypeInvalidArgument))
}
