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

type RegisterResult struct {
	// Count is the number of live connections of the user after the call.
	Count int64
	// WentOnline is set only for the call that moved the user from zero connections to one.
	WentOnline bool
}

type DeregisterResult struct {
	Count       int64
	WentOffline bool
	LastSeen    time.Time
}

type PruneResult struct {
	Removed     []string
	Count       int64
	WentOffline bool
	LastSeen    time.Time
}

// ConnectionRegistry keeps the user to connection mappings in the shared registry.
// Every update that changes the presence set of a user also keeps the global online
// set, the reverse entries and the last seen marker consistent in the same transaction.
type ConnectionRegistry struct {
	logger    *zap.Logger
	metrics   Metrics
	registry  Registry
	keys      RegistryKeys
	socketTTL time.Duration

	nowFn func() time.Time
}

func NewConnectionRegistry(logger *zap.Logger, metrics Metrics, registry Registry, registryConfig *RegistryConfig) *ConnectionRegistry {
	return &ConnectionRegistry{
		logger:    logger,
		metrics:   metrics,
		registry:  registry,
		keys:      NewRegistryKeys(registryConfig.KeyPrefix),
		socketTTL: registryConfig.GetSocketTTL(),

		nowFn: time.Now,
	}
}

// now is truncated to the precision of the stored RFC3339 marker.
func (c *ConnectionRegistry) now() time.Time {
	return c.nowFn().UTC().Truncate(time.Second)
}

func (c *ConnectionRegistry) failed(op string, err error) error {
	c.metrics.CountRegistryErrors(op, 1)
	return RegistryError(op, err)
}

// Register adds the connection to the user's presence set. It is idempotent.
func (c *ConnectionRegistry) Register(ctx context.Context, connectionID, userID string) (*RegisterResult, error) {
	onlineKey := c.keys.Online(userID)
	result := &RegisterResult{}

	err := c.registry.Watch(ctx, func(view RegistryReader, batch *RegistryBatch) error {
		count, err := view.Card(ctx, onlineKey)
		if err != nil {
			return err
		}
		member, err := view.IsMember(ctx, onlineKey, connectionID)
		if err != nil {
			return err
		}

		batch.SAdd(onlineKey, connectionID).
			SAdd(c.keys.OnlineUsers(), userID).
			Set(c.keys.Socket(connectionID), userID, c.socketTTL)
		if count == 0 {
			batch.Del(c.keys.LastSeen(userID))
		}

		result.WentOnline = count == 0
		result.Count = count
		if !member {
			result.Count++
		}
		return nil
	}, onlineKey)
	if err != nil {
		return nil, c.failed("register", err)
	}

	return result, nil
}

// Refresh re-registers a live connection so its reverse entry does not expire.
func (c *ConnectionRegistry) Refresh(ctx context.Context, connectionID, userID string) (*RegisterResult, error) {
	return c.Register(ctx, connectionID, userID)
}

// Deregister removes the connection. When it was the user's last one the user leaves
// the global online set and the last seen marker is written in the same transaction.
func (c *ConnectionRegistry) Deregister(ctx context.Context, connectionID, userID string) (*DeregisterResult, error) {
	onlineKey := c.keys.Online(userID)
	result := &DeregisterResult{}

	err := c.registry.Watch(ctx, func(view RegistryReader, batch *RegistryBatch) error {
		*result = DeregisterResult{}

		count, err := view.Card(ctx, onlineKey)
		if err != nil {
			return err
		}
		member, err := view.IsMember(ctx, onlineKey, connectionID)
		if err != nil {
			return err
		}

		batch.Del(c.keys.Socket(connectionID))
		if !member {
			result.Count = count
			return nil
		}

		batch.SRem(onlineKey, connectionID)
		result.Count = count - 1
		if result.Count == 0 {
			result.WentOffline = true
			result.LastSeen = c.now()
			batch.SRem(c.keys.OnlineUsers(), userID).
				Set(c.keys.LastSeen(userID), result.LastSeen.Format(time.RFC3339), 0)
		}
		return nil
	}, onlineKey)
	if err != nil {
		return nil, c.failed("deregister", err)
	}

	return result, nil
}

// PruneStale drops connections whose reverse entry is gone, which happens when a process
// died without deregistering. It is idempotent.
func (c *ConnectionRegistry) PruneStale(ctx context.Context, userID string) (*PruneResult, error) {
	onlineKey := c.keys.Online(userID)

	members, err := c.registry.Members(ctx, onlineKey)
	if err != nil {
		return nil, c.failed("prune", err)
	}
	if len(members) == 0 {
		return &PruneResult{}, nil
	}

	exists, err := c.registry.ExistsMany(ctx, lo.Map(members, func(id string, _ int) string { return c.keys.Socket(id) }))
	if err != nil {
		return nil, c.failed("prune", err)
	}
	candidates := make([]string, 0, len(members))
	for i, id := range members {
		if !exists[i] {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return &PruneResult{Count: int64(len(members))}, nil
	}

	// A connection refreshed between the scan and the removal rewrites its reverse entry,
	// so the candidate entries are watched too.
	watchKeys := make([]string, 0, len(candidates)+1)
	watchKeys = append(watchKeys, onlineKey)
	for _, id := range candidates {
		watchKeys = append(watchKeys, c.keys.Socket(id))
	}

	result := &PruneResult{}
	err = c.registry.Watch(ctx, func(view RegistryReader, batch *RegistryBatch) error {
		*result = PruneResult{}

		current, err := view.Members(ctx, onlineKey)
		if err != nil {
			return err
		}
		stillExists, err := view.ExistsMany(ctx, watchKeys[1:])
		if err != nil {
			return err
		}

		currentSet := lo.SliceToMap(current, func(id string) (string, struct{}) { return id, struct{}{} })
		removed := make([]string, 0, len(candidates))
		for i, id := range candidates {
			if _, ok := currentSet[id]; ok && !stillExists[i] {
				removed = append(removed, id)
			}
		}
		result.Count = int64(len(current))
		if len(removed) == 0 {
			return nil
		}

		batch.SRem(onlineKey, removed...)
		result.Removed = removed
		result.Count = int64(len(current) - len(removed))
		if result.Count == 0 {
			result.WentOffline = true
			result.LastSeen = c.now()
			batch.SRem(c.keys.OnlineUsers(), userID).
				Set(c.keys.LastSeen(userID), result.LastSeen.Format(time.RFC3339), 0)
		}
		return nil
	}, watchKeys...)
	if err != nil {
		return nil, c.failed("prune", err)
	}

	if len(result.Removed) > 0 {
		c.logger.Info("Pruned stale connections", zap.String("uid", userID), zap.Strings("connections", result.Removed), zap.Bool("went_offline", result.WentOffline))
	}
	return result, nil
}

// ResolveUser returns the user owning the connection, using the reverse entry.
func (c *ConnectionRegistry) ResolveUser(ctx context.Context, connectionID string) (string, bool, error) {
	userID, found, err := c.registry.Get(ctx, c.keys.Socket(connectionID))
	if err != nil {
		return "", false, c.failed("resolve", err)
	}
	return userID, found, nil
}

func (c *ConnectionRegistry) LiveConnectionsFor(ctx context.Context, userID string) ([]string, error) {
	members, err := c.registry.Members(ctx, c.keys.Online(userID))
	if err != nil {
		return nil, c.failed("live_connections", err)
	}
	return members, nil
}

// LiveConnectionsForMany reads the presence sets of many users in one round trip.
// Users whose set could not be read are reported in the error map.
func (c *ConnectionRegistry) LiveConnectionsForMany(ctx context.Context, userIDs []string) (map[string][]string, map[string]error, error) {
	results, err := c.registry.MembersMany(ctx, lo.Map(userIDs, func(id string, _ int) string { return c.keys.Online(id) }))
	if err != nil {
		return nil, nil, c.failed("live_connections", err)
	}

	connections := make(map[string][]string, len(userIDs))
	var failures map[string]error
	for i, userID := range userIDs {
		if results[i].Err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[userID] = c.failed("live_connections", results[i].Err)
			continue
		}
		connections[userID] = results[i].Members
	}
	return connections, failures, nil
}

func (c *ConnectionRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	count, err := c.registry.Card(ctx, c.keys.Online(userID))
	if err != nil {
		return false, c.failed("is_online", err)
	}
	return count > 0, nil
}

func (c *ConnectionRegistry) AllOnlineUsers(ctx context.Context) ([]string, error) {
	userIDs, err := c.registry.Members(ctx, c.keys.OnlineUsers())
	if err != nil {
		return nil, c.failed("online_users", err)
	}
	return userIDs, nil
}

// LastSeen returns the time the user's last connection closed, and false while
// the user is online or was never seen.
func (c *ConnectionRegistry) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	value, found, err := c.registry.Get(ctx, c.keys.LastSeen(userID))
	if err != nil {
		return time.Time{}, false, c.failed("last_seen", err)
	}
	if !found {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		c.logger.Warn("Malformed last seen marker", zap.String("uid", userID), zap.String("value", value))
		return time.Time{}, false, nil
	}
	return t, true, nil
}
