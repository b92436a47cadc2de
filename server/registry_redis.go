// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Registry = (*RedisRegistry)(nil)

// NewRedisClient connects to the configured Redis server and verifies the connection.
func NewRedisClient(ctx context.Context, startupLogger *zap.Logger, registryConfig *RegistryConfig) (*redis.Client, error) {
	redisOpts := &redis.Options{
		Addr:         registryConfig.Address,
		Password:     registryConfig.Password,
		DB:           registryConfig.DB,
		PoolSize:     registryConfig.PoolSize,
		DialTimeout:  time.Duration(registryConfig.DialTimeoutMs) * time.Millisecond,
		ReadTimeout:  time.Duration(registryConfig.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(registryConfig.WriteTimeoutMs) * time.Millisecond,
	}

	if registryConfig.TLS {
		redisOpts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	redisClient := redis.NewClient(redisOpts)

	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	startupLogger.Info("Connected to Redis", zap.String("address", registryConfig.Address))
	return redisClient, nil
}

// redisReadable is the part of the client API shared by *redis.Client and *redis.Tx.
type redisReadable interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SCard(ctx context.Context, key string) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Pipeline() redis.Pipeliner
}

type redisReader struct {
	cmd redisReadable
}

func (r *redisReader) Members(ctx context.Context, key string) ([]string, error) {
	return r.cmd.SMembers(ctx, key).Result()
}

func (r *redisReader) Card(ctx context.Context, key string) (int64, error) {
	return r.cmd.SCard(ctx, key).Result()
}

func (r *redisReader) IsMember(ctx context.Context, key, member string) (bool, error) {
	return r.cmd.SIsMember(ctx, key, member).Result()
}

func (r *redisReader) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.cmd.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (r *redisReader) ExistsMany(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return []bool{}, nil
	}

	pipe := r.cmd.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Exists(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check keys: %w", err)
	}

	results := make([]bool, len(keys))
	for i, cmd := range cmds {
		results[i] = cmd.Val() > 0
	}
	return results, nil
}

func (r *redisReader) MembersMany(ctx context.Context, keys []string) ([]SetResult, error) {
	if len(keys) == 0 {
		return []SetResult{}, nil
	}

	pipe := r.cmd.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.SMembers(ctx, key)
	}
	// Per command errors (WRONGTYPE and friends) are read from each command below.
	_, execErr := pipe.Exec(ctx)

	results := make([]SetResult, len(keys))
	failed := 0
	for i, cmd := range cmds {
		members, err := cmd.Result()
		if err != nil {
			failed++
		}
		results[i] = SetResult{Members: members, Err: err}
	}
	if failed == len(keys) && execErr != nil {
		return nil, fmt.Errorf("failed to read sets: %w", execErr)
	}
	return results, nil
}

// RedisRegistry implements Registry on a Redis server. Batches are applied with MULTI/EXEC,
// and watched transactions use WATCH.
type RedisRegistry struct {
	redisReader
	logger      *zap.Logger
	redisClient *redis.Client
	retries     int
}

func NewRedisRegistry(logger *zap.Logger, redisClient *redis.Client, registryConfig *RegistryConfig) *RedisRegistry {
	retries := registryConfig.WatchRetries
	if retries < 1 {
		retries = 1
	}
	return &RedisRegistry{
		redisReader: redisReader{cmd: redisClient},
		logger:      logger,
		redisClient: redisClient,
		retries:     retries,
	}
}

func applyRegistryBatch(ctx context.Context, pipe redis.Pipeliner, batch *RegistryBatch) {
	for _, op := range batch.Ops() {
		switch op.Kind {
		case RegistryOpSAdd:
			pipe.SAdd(ctx, op.Key, stringsToInterfaces(op.Members)...)
		case RegistryOpSRem:
			pipe.SRem(ctx, op.Key, stringsToInterfaces(op.Members)...)
		case RegistryOpSet:
			pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case RegistryOpDel:
			pipe.Del(ctx, op.Key)
		case RegistryOpExpire:
			pipe.Expire(ctx, op.Key, op.TTL)
		}
	}
}

func stringsToInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func (r *RedisRegistry) Exec(ctx context.Context, batch *RegistryBatch) error {
	if batch.Len() == 0 {
		return nil
	}
	_, err := r.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		applyRegistryBatch(ctx, pipe, batch)
		return nil
	})
	return err
}

func (r *RedisRegistry) Watch(ctx context.Context, fn func(view RegistryReader, batch *RegistryBatch) error, keys ...string) error {
	txFn := func(tx *redis.Tx) error {
		batch := NewRegistryBatch()
		if err := fn(&redisReader{cmd: tx}, batch); err != nil {
			return err
		}
		if batch.Len() == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			applyRegistryBatch(ctx, pipe, batch)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < r.retries; attempt++ {
		err := r.redisClient.Watch(ctx, txFn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			if r.logger.Core().Enabled(zap.DebugLevel) {
				r.logger.Debug("Registry transaction conflict, retrying", zap.Strings("keys", keys), zap.Int("attempt", attempt+1))
			}
			continue
		}
		return err
	}
	return ErrRegistryConflict
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.redisClient.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	return r.redisClient.Close()
}
