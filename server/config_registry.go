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
	"time"

	"go.uber.org/zap"
)

const (
	BusDriverRedis = "redis"
	BusDriverNats  = "nats"
)

// RegistryConfig is configuration relevant to the shared presence registry.
type RegistryConfig struct {
	// Redis connection.
	Address        string `yaml:"address" json:"address" usage:"Redis server address (host:port). Default 'localhost:6379'."`
	Password       string `yaml:"password" json:"password" usage:"Redis server password. Optional."`
	DB             int    `yaml:"db" json:"db" usage:"Redis database number. Default 0."`
	TLS            bool   `yaml:"tls" json:"tls" usage:"Use TLS for Redis connection. Default false."`
	PoolSize       int    `yaml:"pool_size" json:"pool_size" usage:"Maximum number of Redis connections. 0 uses the client default."`
	DialTimeoutMs  int    `yaml:"dial_timeout_ms" json:"dial_timeout_ms" usage:"Time in milliseconds to wait when connecting to Redis. Default 5000."`
	ReadTimeoutMs  int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Time in milliseconds to wait for a Redis reply. Timeouts are treated as registry failures. Default 3000."`
	WriteTimeoutMs int    `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Time in milliseconds to wait when writing a Redis command. Default 3000."`

	// Key layout.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" usage:"Prefix for every registry key. Default 'relay'."`

	// Connection bookkeeping.
	SocketTTLSec       int `yaml:"socket_ttl_sec" json:"socket_ttl_sec" usage:"TTL in seconds of the connection to user reverse entry. Should be greater than the refresh interval. Default 86400 (24 hours)."`
	RefreshIntervalSec int `yaml:"refresh_interval_sec" json:"refresh_interval_sec" usage:"Interval in seconds between re-registrations of a live connection. Also retries failed registrations. Default 300."`
	WatchRetries       int `yaml:"watch_retries" json:"watch_retries" usage:"Number of attempts for an optimistic registry transaction before giving up. Default 8."`
	RetryMaxBackoffMs  int `yaml:"retry_max_backoff_ms" json:"retry_max_backoff_ms" usage:"Upper bound in milliseconds of the backoff between registration retries. Default 5000."`

	// Block cache.
	BlockCacheTTLSec int `yaml:"block_cache_ttl_sec" json:"block_cache_ttl_sec" usage:"TTL in seconds of cached block lists. Default 600."`
}

func (cfg *RegistryConfig) Clone() *RegistryConfig {
	if cfg == nil {
		return nil
	}
	cfgCopy := *cfg
	return &cfgCopy
}

func NewRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		Address:            "localhost:6379",
		Password:           "",
		DB:                 0,
		TLS:                false,
		DialTimeoutMs:      5000,
		ReadTimeoutMs:      3000,
		WriteTimeoutMs:     3000,
		KeyPrefix:          "relay",
		SocketTTLSec:       86400, // 24 hours
		RefreshIntervalSec: 300,
		WatchRetries:       8,
		RetryMaxBackoffMs:  5000,
		BlockCacheTTLSec:   600,
	}
}

// GetSocketTTL returns the reverse entry TTL as a time.Duration
func (cfg *RegistryConfig) GetSocketTTL() time.Duration {
	return time.Duration(cfg.SocketTTLSec) * time.Second
}

// GetRefreshInterval returns the refresh interval as a time.Duration
func (cfg *RegistryConfig) GetRefreshInterval() time.Duration {
	return time.Duration(cfg.RefreshIntervalSec) * time.Second
}

func (cfg *RegistryConfig) GetRetryMaxBackoff() time.Duration {
	return time.Duration(cfg.RetryMaxBackoffMs) * time.Millisecond
}

func (cfg *RegistryConfig) GetBlockCacheTTL() time.Duration {
	return time.Duration(cfg.BlockCacheTTLSec) * time.Second
}

// BusConfig is configuration relevant to cross-process event delivery.
type BusConfig struct {
	Driver        string `yaml:"driver" json:"driver" usage:"Message bus transport, 'redis' or 'nats'. Default 'redis'."`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix" usage:"Prefix for bus channels and subjects. Default 'relay'."`
	QueueSize     int    `yaml:"queue_size" json:"queue_size" usage:"Size of the inbound bus message buffer. Default 1024."`
}

func (cfg *BusConfig) Clone() *BusConfig {
	if cfg == nil {
		return nil
	}
	cfgCopy := *cfg
	return &cfgCopy
}

func NewBusConfig() *BusConfig {
	return &BusConfig{
		Driver:        BusDriverRedis,
		ChannelPrefix: "relay",
		QueueSize:     1024,
	}
}

// NatsConfig is configuration relevant to the NATS message bus.
type NatsConfig struct {
	Servers         []string `yaml:"servers" json:"servers" usage:"NATS server URLs."`
	Username        string   `yaml:"username" json:"username" usage:"NATS username. Optional."`
	Password        string   `yaml:"password" json:"password" usage:"NATS password. Optional."`
	ReconnectWaitMs int      `yaml:"reconnect_wait_ms" json:"reconnect_wait_ms" usage:"Time in milliseconds between reconnect attempts. Default 500."`
	TimeoutMs       int      `yaml:"timeout_ms" json:"timeout_ms" usage:"Connection timeout in milliseconds. Default 3000."`
}

func NewNatsConfig() *NatsConfig {
	return &NatsConfig{
		Servers:         []string{"nats://localhost:4222"},
		ReconnectWaitMs: 500,
		TimeoutMs:       3000,
	}
}

// ValidateRegistryConfig validates the registry and bus configuration
func ValidateRegistryConfig(logger *zap.Logger, config Config) {
	registryConfig := config.GetRegistry()

	if registryConfig.Address == "" {
		logger.Fatal("Registry address not set", zap.String("param", "registry.address"))
	}

	if registryConfig.KeyPrefix == "" {
		logger.Fatal("Registry key prefix must be set", zap.String("param", "registry.key_prefix"))
	}

	if registryConfig.SocketTTLSec < 60 {
		logger.Fatal("Registry socket TTL must be >= 60 seconds", zap.Int("registry.socket_ttl_sec", registryConfig.SocketTTLSec))
	}

	if registryConfig.RefreshIntervalSec < 1 {
		logger.Fatal("Registry refresh interval must be >= 1 second", zap.Int("registry.refresh_interval_sec", registryConfig.RefreshIntervalSec))
	}

	if registryConfig.SocketTTLSec <= registryConfig.RefreshIntervalSec {
		logger.Fatal("Registry socket TTL must be greater than refresh interval",
			zap.Int("registry.socket_ttl_sec", registryConfig.SocketTTLSec),
			zap.Int("registry.refresh_interval_sec", registryConfig.RefreshIntervalSec))
	}

	if registryConfig.WatchRetries < 1 {
		logger.Fatal("Registry watch retries must be >= 1", zap.Int("registry.watch_retries", registryConfig.WatchRetries))
	}

	if registryConfig.BlockCacheTTLSec < 1 {
		logger.Fatal("Registry block cache TTL must be >= 1 second", zap.Int("registry.block_cache_ttl_sec", registryConfig.BlockCacheTTLSec))
	}

	if config.GetBus().QueueSize < 1 {
		logger.Fatal("Bus queue size must be >= 1", zap.Int("bus.queue_size", config.GetBus().QueueSize))
	}

	logger.Info("Registry configured",
		zap.String("address", registryConfig.Address),
		zap.String("key_prefix", registryConfig.KeyPrefix),
		zap.Int("socket_ttl_sec", registryConfig.SocketTTLSec),
		zap.String("bus_driver", config.GetBus().Driver))
}
