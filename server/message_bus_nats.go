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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var _ MessageBus = (*NatsMessageBus)(nil)

// NewNatsConn connects to the configured NATS servers. Reconnects are unbounded.
func NewNatsConn(startupLogger *zap.Logger, natsConfig *NatsConfig, nodeName string) (*nats.Conn, error) {
	if len(natsConfig.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}

	opts := []nats.Option{
		nats.Name(nodeName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Duration(natsConfig.ReconnectWaitMs) * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(time.Duration(natsConfig.TimeoutMs) * time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				startupLogger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			startupLogger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if natsConfig.Username != "" {
		opts = append(opts, nats.UserInfo(natsConfig.Username, natsConfig.Password))
	}

	nc, err := nats.Connect(strings.Join(natsConfig.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	startupLogger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// NatsMessageBus implements MessageBus over NATS core subjects.
type NatsMessageBus struct {
	sync.Mutex
	logger   *zap.Logger
	metrics  Metrics
	nc       *nats.Conn
	prefix   string
	nodeName string

	msgCh   chan *nats.Msg
	subs    map[string]*nats.Subscription
	stopped *atomic.Bool

	ctx         context.Context
	ctxCancelFn context.CancelFunc
}

func NewNatsMessageBus(ctx context.Context, logger *zap.Logger, metrics Metrics, nc *nats.Conn, busConfig *BusConfig, nodeName string) *NatsMessageBus {
	ctx, ctxCancelFn := context.WithCancel(ctx)

	b := &NatsMessageBus{
		logger:   logger,
		metrics:  metrics,
		nc:       nc,
		prefix:   busConfig.ChannelPrefix,
		nodeName: nodeName,

		msgCh:   make(chan *nats.Msg, busConfig.QueueSize),
		subs:    make(map[string]*nats.Subscription),
		stopped: atomic.NewBool(false),

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,
	}

	logger.Info("NATS message bus initialized", zap.String("node", nodeName), zap.String("prefix", b.prefix))

	return b
}

func (b *NatsMessageBus) subject(topic string) string {
	return busChannel(b.prefix, ".", topic)
}

func (b *NatsMessageBus) Start(handler BusHandler) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}
	go b.receive(handler)
	return nil
}

func (b *NatsMessageBus) receive(handler BusHandler) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.msgCh:
			busMessage, err := UnmarshalBusMessage(msg.Data)
			if err != nil {
				b.logger.Warn("Failed to unmarshal bus message", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}

			handler(busMessage)
		}
	}
}

func (b *NatsMessageBus) Publish(ctx context.Context, msg *BusMessage) error {
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

	if err := b.nc.Publish(b.subject(msg.Topic), data); err != nil {
		b.metrics.CountBusPublishErrors(1)
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *NatsMessageBus) Subscribe(ctx context.Context, topic string) error {
	if b.stopped.Load() {
		return ErrBusStopped
	}

	b.Lock()
	defer b.Unlock()
	if _, found := b.subs[topic]; found {
		return nil
	}
	sub, err := b.nc.ChanSubscribe(b.subject(topic), b.msgCh)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	b.subs[topic] = sub
	return nil
}

func (b *NatsMessageBus) Unsubscribe(ctx context.Context, topic string) error {
	b.Lock()
	sub, found := b.subs[topic]
	delete(b.subs, topic)
	b.Unlock()
	if !found {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	return nil
}

func (b *NatsMessageBus) Stop() {
	if !b.stopped.CompareAndSwap(false, true) {
		return
	}
	b.ctxCancelFn()

	b.Lock()
	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("Could not unsubscribe", zap.String("topic", topic), zap.Error(err))
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	b.Unlock()

	if err := b.nc.Drain(); err != nil {
		b.logger.Debug("Could not drain NATS connection", zap.Error(err))
	}
	b.logger.Info("NATS message bus stopped")
}
