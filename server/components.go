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

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RelayComponents holds every component of a relay process.
type RelayComponents struct {
	RedisClient *redis.Client
	NatsConn    *nats.Conn
	MongoClient *mongo.Client

	Registry        Registry
	Bus             MessageBus
	SessionRegistry SessionRegistry
	Connections     *ConnectionRegistry
	Tracker         *PresenceTracker
	Store           *MongoStore
	BlockFilter     *BlockFilter
	Router          *FanoutRouter
	DeliveryTracker *DeliveryTracker
	Pipeline        *Pipeline
	Verifier        TokenVerifier
}

// NewRelayComponents connects to the shared registry, the bus and the store, and
// builds the components on top of them.
func NewRelayComponents(ctx context.Context, logger, startupLogger *zap.Logger, config Config, metrics Metrics) (*RelayComponents, error) {
	c := &RelayComponents{}

	startupLogger.Info("Initializing relay components",
		zap.String("registry_address", config.GetRegistry().Address),
		zap.String("bus_driver", config.GetBus().Driver),
		zap.String("node", config.GetName()))

	redisClient, err := NewRedisClient(ctx, startupLogger, config.GetRegistry())
	if err != nil {
		return nil, err
	}
	c.RedisClient = redisClient
	c.Registry = NewRedisRegistry(logger, redisClient, config.GetRegistry())

	switch config.GetBus().Driver {
	case BusDriverNats:
		nc, err := NewNatsConn(startupLogger, config.GetNats(), config.GetName())
		if err != nil {
			_ = c.Stop(ctx)
			return nil, err
		}
		c.NatsConn = nc
		c.Bus = NewNatsMessageBus(ctx, logger, metrics, nc, config.GetBus(), config.GetName())
	default:
		c.Bus = NewRedisMessageBus(ctx, logger, metrics, redisClient, config.GetBus(), config.GetName())
	}

	mongoClient, err := NewMongoClient(ctx, startupLogger, config.GetMongo())
	if err != nil {
		_ = c.Stop(ctx)
		return nil, err
	}
	c.MongoClient = mongoClient
	c.Store = NewMongoStore(logger, mongoClient, config.GetMongo())
	if err := c.Store.EnsureIndexes(ctx); err != nil {
		_ = c.Stop(ctx)
		return nil, err
	}

	sessionRegistry := NewLocalSessionRegistry(logger, metrics, c.Bus)
	c.SessionRegistry = sessionRegistry
	c.Connections = NewConnectionRegistry(logger, metrics, c.Registry, config.GetRegistry())
	c.Tracker = NewPresenceTracker(logger, metrics, c.Connections, sessionRegistry, c.Bus, config.GetRegistry(), config.GetName())
	if err := c.Bus.Start(c.Tracker.BusHandler(sessionRegistry.Deliver)); err != nil {
		_ = c.Stop(ctx)
		return nil, fmt.Errorf("failed to start message bus: %w", err)
	}
	if err := c.Tracker.Start(ctx); err != nil {
		_ = c.Stop(ctx)
		return nil, fmt.Errorf("failed to subscribe to node topic: %w", err)
	}

	c.BlockFilter = NewBlockFilter(logger, metrics, c.Registry, c.Store, config.GetRegistry())
	c.Router = NewFanoutRouter(logger, metrics, c.Store, c.Store, c.BlockFilter, c.Connections, sessionRegistry, c.Bus, config.GetFanout())
	c.DeliveryTracker = NewDeliveryTracker(logger, metrics, c.Store, c.Store, c.Bus, config.GetFanout())
	c.Pipeline = NewPipeline(logger, metrics, sessionRegistry, c.Store, c.Router, c.DeliveryTracker, c.Bus)
	c.Verifier = NewJWTVerifier(config.GetSession())

	startupLogger.Info("Relay components initialized successfully")
	return c, nil
}

// Stop shuts the components down in reverse order of initialization.
func (c *RelayComponents) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}

	// Closing the sessions deregisters them, so the registry and bus must still be up.
	if c.SessionRegistry != nil {
		c.SessionRegistry.Stop()
	}
	if c.Bus != nil {
		c.Bus.Stop()
	}

	var err error
	if c.MongoClient != nil {
		err = multierr.Append(err, c.MongoClient.Disconnect(ctx))
	}
	if c.NatsConn != nil {
		c.NatsConn.Close()
	}
	if c.Registry != nil {
		err = multierr.Append(err, c.Registry.Close())
	} else if c.RedisClient != nil {
		err = multierr.Append(err, c.RedisClient.Close())
	}
	return err
}
