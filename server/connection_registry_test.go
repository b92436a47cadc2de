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
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnectionRegistry(t *testing.T, registry Registry) (*ConnectionRegistry, *testMetrics) {
	metrics := &testMetrics{}
	cfg := NewConfig(loggerForTest(t))
	return NewConnectionRegistry(loggerForTest(t), metrics, registry, cfg.GetRegistry()), metrics
}

func TestConnectionRegistryTwoDevices(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry()
	connections, _ := newTestConnectionRegistry(t, registry)

	r1, err := connections.Register(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.True(t, r1.WentOnline)
	assert.EqualValues(t, 1, r1.Count)

	r2, err := connections.Register(ctx, "c2", "alice")
	require.NoError(t, err)
	assert.False(t, r2.WentOnline, "second device must not announce the user again")
	assert.EqualValues(t, 2, r2.Count)

	live, err := connections.LiveConnectionsFor(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, live)

	d1, err := connections.Deregister(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.False(t, d1.WentOffline)
	assert.EqualValues(t, 1, d1.Count)

	online, err := connections.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
	_, found, err := connections.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found, "no last seen while a connection remains")

	d2, err := connections.Deregister(ctx, "c2", "alice")
	require.NoError(t, err)
	assert.True(t, d2.WentOffline)
	assert.EqualValues(t, 0, d2.Count)

	lastSeen, found, err := connections.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, d2.LastSeen, lastSeen)

	users, err := connections.AllOnlineUsers(ctx)
	require.NoError(t, err)
	assert.NotContains(t, users, "alice")
}

func TestConnectionRegistryRegisterIdempotent(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry()
	connections, _ := newTestConnectionRegistry(t, registry)

	_, err := connections.Register(ctx, "c1", "alice")
	require.NoError(t, err)
	again, err := connections.Register(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.False(t, again.WentOnline)
	assert.EqualValues(t, 1, again.Count)

	userID, found, err := connections.ResolveUser(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "alice", userID)

	ttl, found := registry.ttl(connections.keys.Socket("c1"))
	assert.True(t, found, "reverse entry must carry a ttl")
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestConnectionRegistryRegisterClearsLastSeen(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry()
	connections, _ := newTestConnectionRegistry(t, registry)

	_, err := connections.Register(ctx, "c1", "alice")
	require.NoError(t, err)
	_, err = connections.Deregister(ctx, "c1", "alice")
	require.NoError(t, err)
	_, found, err := connections.LastSeen(ctx, "alice")
	require.NoError(t, err)
	require.True(t, found)

	_, err = connections.Register(ctx, "c2", "alice")
	require.NoError(t, err)
	_, found, err = connections.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestConnectionRegistryDeregisterUnknown(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry()
	connections, _ := newTestConnectionRegistry(t, registry)

	_, err := connections.Register(ctx, "c1", "alice")
	require.NoError(t, err)

	result, err := connections.Deregister(ctx, "c9", "alice")
	require.NoError(t, err)
	assert.False(t, result.WentOffline)
	assert.EqualValues(t, 1, result.Count)

	// A repeated deregister reports no second transition.
	_, err = connections.Deregister(ctx, "c1", "alice")
	require.NoError(t, err)
	result, err = connections.Deregister(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.False(t, result.WentOffline)
}

func TestConnectionRegistryPruneStale(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry()
	connections, _ := newTestConnectionRegistry(t, registry)

	_, err := connections.Register(ctx, "c1", "alice")
	require.NoError(t, err)
	_, err = connections.Register(ctx, "c2", "alice")
	require.NoError(t, err)

	// The process holding c1 died and its reverse entry expired.
	registry.lapse(connections.keys.Socket("c1"))

	result, err := connections.PruneStale(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, result.Removed)
	assert.EqualValues(t, 1, result.Count)
	assert.False(t, result.WentOffline)

	again, err := connections.PruneStale(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, again.Removed, "prune must be idempotent")
	assert.False(t, again.WentOffline)

	registry.lapse(connections.keys.Socket("c2"))
	last, err := connections.PruneStale(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, last.Removed)
	assert.True(t, last.WentOffline)

	users, err := connections.AllOnlineUsers(ctx)
	require.NoError(t, err)
	assert.NotContains(t, users, "alice")
	_, found, err := connections.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestConnectionRegistryOnlineSetMatchesPresence(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry()
	connections, _ := newTestConnectionRegistry(t, registry)

	users := []string{"u1", "u2", "u3", "u4"}
	var wg sync.WaitGroup
	for _, userID := range users {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(userID string, i int) {
				defer wg.Done()
				connectionID := fmt.Sprintf("%s-c%d", userID, i)
				_, err := connections.Register(ctx, connectionID, userID)
				assert.NoError(t, err)
				if i%2 == 0 {
					_, err = connections.Deregister(ctx, connectionID, userID)
					assert.NoError(t, err)
				}
			}(userID, i)
		}
	}
	wg.Wait()

	online, err := connections.AllOnlineUsers(ctx)
	require.NoError(t, err)
	for _, userID := range users {
		live, err := connections.LiveConnectionsFor(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, live, 2)
		assert.Contains(t, online, userID, "a user with live connections is in the online set")
	}
}

func TestConnectionRegistryFailureIsRegistryError(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry()
	connections, metrics := newTestConnectionRegistry(t, registry)
	registry.failing.Store(true)

	_, err := connections.Register(ctx, "c1", "alice")
	require.Error(t, err)
	assert.True(t, RelayErrorIs(err, ErrorCodeRegistryUnavailable))
	assert.ErrorIs(t, err, errTestRegistryDown)
	assert.EqualValues(t, 1, metrics.registryErrors.Load())
}

func TestConnectionRegistryLiveConnectionsForMany(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry()
	connections, _ := newTestConnectionRegistry(t, registry)

	_, err := connections.Register(ctx, "c1", "alice")
	require.NoError(t, err)
	_, err = connections.Register(ctx, "c2", "bob")
	require.NoError(t, err)
	registry.setValue(connections.keys.Online("carol"), "corrupt")

	live, failures, err := connections.LiveConnectionsForMany(ctx, []string{"alice", "bob", "carol", "dave"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, live["alice"])
	assert.Equal(t, []string{"c2"}, live["bob"])
	assert.Empty(t, live["dave"])
	assert.Contains(t, failures, "carol")
}

func TestRedisRegistryConnectionLifecycle(t *testing.T) {
	address := os.Getenv("TEST_REDIS_ADDRESS")
	if address == "" {
		t.Skip("TEST_REDIS_ADDRESS not set")
	}

	ctx := context.Background()
	logger := loggerForTest(t)
	cfg := NewConfig(logger)
	cfg.Registry.Address = address
	cfg.Registry.KeyPrefix = fmt.Sprintf("relaytest%d", time.Now().UnixNano())

	client, err := NewRedisClient(ctx, logger, cfg.GetRegistry())
	require.NoError(t, err)
	registry := NewRedisRegistry(logger, client, cfg.GetRegistry())
	defer registry.Close()

	connections := NewConnectionRegistry(logger, &testMetrics{}, registry, cfg.GetRegistry())

	r1, err := connections.Register(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.True(t, r1.WentOnline)
	r2, err := connections.Register(ctx, "c2", "alice")
	require.NoError(t, err)
	assert.False(t, r2.WentOnline)

	require.NoError(t, registry.Exec(ctx, NewRegistryBatch().Del(connections.keys.Socket("c1"))))
	pruned, err := connections.PruneStale(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, pruned.Removed)

	d, err := connections.Deregister(ctx, "c2", "alice")
	require.NoError(t, err)
	assert.True(t, d.WentOffline)

	_, found, err := connections.LastSeen(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, registry.Exec(ctx, NewRegistryBatch().Del(connections.keys.LastSeen("alice"))))
}
