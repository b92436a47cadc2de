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

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var _ MessageBus = (*RedisMessageBus)(nil)

// RedisMessageBus implements MessageBus over Redis pub/sub. One subscription connection
// per process carries every topic with local subscribers.
type RedisMessageBus struct {
	logger      *zap.Logger
	metrics     Metrics
	redisClient *redis.Client
	prefix      string
	nodeName    string
	queueSize   int

	pubsub  *redis.PubSub
	stopped *atomic.Bool

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewRedisMessageBus(ctx context.Context, logger *zap.Logger, metrics Metrics, redisClient *redis.Client, busConfig *BusConfig, nodeName string) *RedisMessageBus {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	b := &RedisMessageBus{
		logger:      logger,
		metrics:     metrics,
		redisClient: redisClient,
		prefix:      busConfig.ChannelPrefix,
		nodeName:    nodeName,
		queueSize:   busConfig.QueueSize,

		stopped: atomic.NewBool(false),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	// The node topic keeps the connection subscribed before any topic is joined.
	b.pubsub = redisClient.Subscribe(ctx, b.channel(NodeTopic(NodeToHash(nodeName))))

	logger.Info("Redis message bus initialized", zap.String("node", nodeName), zap.String("prefix", b.prefix))

	return b
}

func (b *RedisMessageBus) channel(topic string) string {
	return busChannel(b.prefix, ":", topic)
}

func (b *RedisMessageBus) Start(handler BusHandler) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	go b.receive(handler)
	return nil
}

func (b *RedisMessageBus) receive(handler BusHandler) {
	ch := b.pubsub.Channel(redis.WithChannelSize(b.queueSize))
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			busMessage, err := UnmarshalBusMessage([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("Failed to unmarshal bus message", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}

			handler(busMessage)
		}
	}
}

func (b *RedisMessageBus) Publish(ctx context.Context, msg *BusMessage) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	if msg.FromNode == "" {
		msg.FromNode = b.nodeName
	}

	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	if err := b.redisClient.Publish(ctx, b.channel(msg.Topic), data).Err(); err != nil {
		b.metrics.CountBusPublishErrors(1)
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *RedisMessageBus) Subscribe(ctx context.Context, topic string) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	if err := b.pubsub.Subscribe(ctx, b.channel(topic)); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisMessageBus) Unsubscribe(ctx context.Context, topic string) error {
	if b.stopped.Load() {
		return nil
	}
	if err := b.pubsub.Unsubscribe(ctx, b.channel(topic)); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	return nil
}

func (b *RedisMessageBus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.ctxCancelFn()
	if err := b.pubsub.Close(); err != nil {
		b.logger.Debug("Could not close bus subscription", zap.Error(err))
	}
	b.logger.Info("Redis message bus stopped")
}
