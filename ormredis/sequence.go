// Package ormredis reserves identifier blocks in Redis so several
// processes can share sequences without a database round trip per insert.
package ormredis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lemmego/orm"
)

// DefaultKeyPrefix prefixes the counter key of every sequence.
const DefaultKeyPrefix = "orm:seq:"

// SequenceSource implements orm.BlockSource with INCRBY.
type SequenceSource struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewSequenceSource keeps counters in client under DefaultKeyPrefix.
func NewSequenceSource(client redis.Cmdable) *SequenceSource {
	return &SequenceSource{client: client, keyPrefix: DefaultKeyPrefix}
}

// WithKeyPrefix returns a copy using prefix for counter keys.
func (s *SequenceSource) WithKeyPrefix(prefix string) *SequenceSource {
	return &SequenceSource{client: s.client, keyPrefix: prefix}
}

// NextBlock reserves size values of sequence and returns the first.
func (s *SequenceSource) NextBlock(ctx context.Context, sequence string, size int) (int64, error) {
	last, err := s.client.IncrBy(ctx, s.keyPrefix+sequence, int64(size)).Result()
	if err != nil {
		return 0, orm.NewErrorWithCause(orm.ErrorTypeConnection, "failed to reserve sequence block "+sequence, err)
	}
	return last - int64(size) + 1, nil
}

// Current returns the last reserved value of sequence, or zero.
func (s *SequenceSource) Current(ctx context.Context, sequence string) (int64, error) {
	v, err := s.client.Get(ctx, s.keyPrefix+sequence).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, orm.NewErrorWithCause(orm.ErrorTypeConnection, "failed to read sequence "+sequence, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, orm.NewErrorWithCause(orm.ErrorTypeSerialization, "sequence "+sequence+" is not an integer", err)
	}
	return n, nil
}

// NewClient builds a Redis client from config and checks the connection.
//
// Options under the "redis" key of Config.Options: dial_timeout,
// read_timeout and write_timeout as time.Duration.
func NewClient(config orm.Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       0,
	}
	if config.ConnectionURL != "" {
		parsed, err := redis.ParseURL(config.ConnectionURL)
		if err != nil {
			return nil, orm.NewErrorWithCause(orm.ErrorTypeInvalidArgument, "invalid redis url", err)
		}
		opts = parsed
	}
	if config.Database != "" {
		if db, err := strconv.Atoi(config.Database); err == nil {
			opts.DB = db
		}
	}
	if config.MaxOpenConns > 0 {
		opts.PoolSize = config.MaxOpenConns
	}
	if config.MaxIdleConns > 0 {
		opts.MinIdleConns = config.MaxIdleConns
	}
	if raw, ok := config.Options["redis"]; ok {
		if redisOpts, ok := raw.(map[string]interface{}); ok {
			if dialTimeout, ok := redisOpts["dial_timeout"].(time.Duration); ok {
				opts.DialTimeout = dialTimeout
			}
			if readTimeout, ok := redisOpts["read_timeout"].(time.Duration); ok {
				opts.ReadTimeout = readTimeout
			}
			if writeTimeout, ok := redisOpts["write_timeout"].(time.Duration); ok {
				opts.WriteTimeout = writeTimeout
			}
		}
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, orm.NewErrorWithCause(orm.ErrorTypeConnection, "failed to connect to Redis", err)
	}
	return client, nil
}
