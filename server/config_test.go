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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgsMergesConfigFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yml")
	override := filepath.Join(dir, "override.yml")
	require.NoError(t, os.WriteFile(base, []byte(`
name: relay-a
registry:
  address: redis-a:6379
  key_prefix: chat
bus:
  driver: nats
nats:
  servers:
    - nats://nats-a:4222
fanout:
  max_participants: 20
`), 0o600))
	require.NoError(t, os.WriteFile(override, []byte(`
registry:
  address: redis-b:6379
`), 0o600))

	cfg := ParseArgs(loggerForTest(t), []string{"relay", "--config", base, "--config", override, "--name", "relay-b"})

	assert.Equal(t, "relay-b", cfg.GetName(), "flags win over config files")
	assert.Equal(t, []string{base, override}, cfg.GetConfig())
	assert.Equal(t, "redis-b:6379", cfg.GetRegistry().Address)
	assert.Equal(t, "chat", cfg.GetRegistry().KeyPrefix)
	assert.Equal(t, BusDriverNats, cfg.GetBus().Driver)
	assert.Equal(t, []string{"nats://nats-a:4222"}, cfg.GetNats().Servers)
	assert.Equal(t, 20, cfg.GetFanout().MaxParticipants)
	assert.Equal(t, 500, cfg.GetFanout().MaxAckBatch, "unset values keep their defaults")
}

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig(loggerForTest(t))

	registry := cfg.GetRegistry()
	assert.Equal(t, 24*time.Hour, registry.GetSocketTTL())
	assert.Equal(t, 10*time.Minute, registry.GetBlockCacheTTL())
	assert.Greater(t, registry.GetSocketTTL(), registry.GetRefreshInterval())
	assert.Equal(t, BusDriverRedis, cfg.GetBus().Driver)
	assert.Equal(t, 100, cfg.GetFanout().MaxParticipants)
}

func TestConfigClone(t *testing.T) {
	cfg := NewConfig(loggerForTest(t))
	cfg.Config = []string{"a.yml"}

	cloned, err := cfg.Clone()
	require.NoError(t, err)
	if diff := cmp.Diff(Config(cfg), cloned); diff != "" {
		t.Fatalf("clone mismatch (-want +got):\n%s", diff)
	}

	cloned.GetRegistry().KeyPrefix = "other"
	cloned.GetNats().Servers[0] = "nats://other:4222"
	cloned.GetFanout().MaxAckBatch = 1
	assert.Equal(t, "relay", cfg.GetRegistry().KeyPrefix)
	assert.Equal(t, "nats://localhost:4222", cfg.GetNats().Servers[0])
	assert.Equal(t, 500, cfg.GetFanout().MaxAckBatch)
}
