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
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// blockCacheSentinel is always present in a populated block cache entry, so an
// empty block list can be told apart from a missing entry.
const blockCacheSentinel = "*"

// blockCacheInvalidated replaces an entry whose block list changed. It is not a set,
// so it reads as a miss.
const blockCacheInvalidated = "invalidated"

// BlockFilter decides which recipients a sender may reach. Blocking is symmetric:
// a pair is blocked if either side blocked the other. The registry holds a cache of
// each user's block list; the user store is authoritative. Any lookup that cannot
// be answered excludes the recipient.
type BlockFilter struct {
	logger   *zap.Logger
	metrics  Metrics
	registry Registry
	users    UserStore
	keys     RegistryKeys
	cacheTTL time.Duration
}

func NewBlockFilter(logger *zap.Logger, metrics Metrics, registry Registry, users UserStore, registryConfig *RegistryConfig) *BlockFilter {
	return &BlockFilter{
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		users:    users,
		keys:     NewRegistryKeys(registryConfig.KeyPrefix),
		cacheTTL: registryConfig.GetBlockCacheTTL(),
	}
}

// IsBlocked reports whether a blocked b or b blocked a.
func (f *BlockFilter) IsBlocked(ctx context.Context, a, b string) bool {
	if a == b {
		return false
	}
	_, blocked := f.Filter(ctx, a, []string{b})
	return len(blocked) > 0
}

// blockEntry is one decoded cache entry. Usable is false when the entry is missing,
// unreadable or lacks the sentinel.
type blockEntry struct {
	usable  bool
	blocked map[string]struct{}
}

func (e blockEntry) has(userID string) bool {
	_, found := e.blocked[userID]
	return found
}

func decodeBlockEntry(result SetResult) blockEntry {
	if result.Err != nil || !lo.Contains(result.Members, blockCacheSentinel) {
		return blockEntry{}
	}
	blocked := make(map[string]struct{}, len(result.Members))
	for _, member := range result.Members {
		if member != blockCacheSentinel {
			blocked[member] = struct{}{}
		}
	}
	return blockEntry{usable: true, blocked: blocked}
}

// Filter splits candidates into the recipients the sender may reach and those
// excluded by a block in either direction. Order is preserved.
func (f *BlockFilter) Filter(ctx context.Context, senderID string, candidates []string) ([]string, []string) {
	allowed := make([]string, 0, len(candidates))
	blocked := make([]string, 0)
	if len(candidates) == 0 {
		return allowed, blocked
	}

	userIDs := append([]string{senderID}, candidates...)
	keys := lo.Map(userIDs, func(id string, _ int) string { return f.keys.Blocked(id) })

	entries := make([]blockEntry, len(keys))
	results, err := f.registry.MembersMany(ctx, keys)
	if err != nil {
		f.metrics.CountRegistryErrors("block_cache", 1)
		f.logger.Warn("Block cache unavailable, using user store", zap.Error(err))
	} else {
		misses := make([]string, 0)
		for i, result := range results {
			entries[i] = decodeBlockEntry(result)
			if !entries[i].usable {
				misses = append(misses, userIDs[i])
			}
		}
		if len(misses) > 0 {
			f.repopulate(ctx, lo.Uniq(misses))
		}
	}

	sender := entries[0]
	for i, candidateID := range candidates {
		candidate := entries[i+1]

		var isBlocked bool
		if sender.usable && candidate.usable {
			isBlocked = sender.has(candidateID) || candidate.has(senderID)
		} else {
			isBlocked = f.lookup(ctx, senderID, candidateID)
		}

		if isBlocked {
			blocked = append(blocked, candidateID)
		} else {
			allowed = append(allowed, candidateID)
		}
	}

	if len(blocked) > 0 {
		f.metrics.CountBlockedRecipients(int64(len(blocked)))
		if f.logger.Core().Enabled(zap.DebugLevel) {
			f.logger.Debug("Recipients blocked", zap.String("uid", senderID), zap.Strings("blocked", blocked))
		}
	}
	return allowed, blocked
}

// lookup asks the user store about both directions of a pair. It fails closed.
func (f *BlockFilter) lookup(ctx context.Context, a, b string) bool {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		isBlocked, err := f.users.HasBlocked(ctx, pair[0], pair[1])
		if err != nil {
			f.logger.Warn("Block lookup failed, excluding recipient", zap.String("blocker", pair[0]), zap.String("blocked", pair[1]), zap.Error(err))
			return true
		}
		if isBlocked {
			return true
		}
	}
	return false
}

// repopulate rebuilds missing cache entries from the user store. The entries are watched
// from before the store read, so an invalidation in between discards the rebuild and the
// store is read again. Failures only cost a later cache miss.
func (f *BlockFilter) repopulate(ctx context.Context, userIDs []string) {
	keys := lo.Map(userIDs, func(id string, _ int) string { return f.keys.Blocked(id) })
	err := f.registry.Watch(ctx, func(_ RegistryReader, batch *RegistryBatch) error {
		for i, userID := range userIDs {
			blockedIDs, err := f.users.ListBlocked(ctx, userID)
			if err != nil {
				f.logger.Debug("Could not list blocked users", zap.String("uid", userID), zap.Error(err))
				continue
			}
			batch.Del(keys[i]).
				SAdd(keys[i], append([]string{blockCacheSentinel}, blockedIDs...)...).
				Expire(keys[i], f.cacheTTL)
		}
		return nil
	}, keys...)
	if err != nil {
		f.metrics.CountRegistryErrors("block_cache", 1)
		f.logger.Debug("Could not repopulate block cache", zap.Error(err))
	}
}

// Invalidate marks the cached block lists of the given users stale. Whoever changes a
// user's block list calls it afterwards. Entries are overwritten rather than deleted,
// so a concurrent rebuild watching a missing entry still aborts.
func (f *BlockFilter) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	batch := NewRegistryBatch()
	for _, userID := range lo.Uniq(userIDs) {
		batch.Set(f.keys.Blocked(userID), blockCacheInvalidated, f.cacheTTL)
	}
	if err := f.registry.Exec(ctx, batch); err != nil {
		f.metrics.CountRegistryErrors("block_cache", 1)
		return RegistryError("block_cache_invalidate", err)
	}
	return nil
}
