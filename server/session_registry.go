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
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/twmb/murmur3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Session is a single live realtime connection held by this process.
type Session interface {
	Logger() *zap.Logger
	ID() uuid.UUID
	UserID() string
	Username() string
	ConnectedAt() time.Time

	Context() context.Context

	Consume()

	Send(envelope *Envelope) error
	SendBytes(payload []byte) error

	Close(msg string, envelopes ...*Envelope)
}

// SessionRegistry maintains the sessions held by this process and their topic subscriptions.
// The first local subscriber of a topic subscribes the process on the message bus, the last one
// to leave unsubscribes it.
type SessionRegistry interface {
	Stop()
	Count() int
	Get(sessionID uuid.UUID) Session
	Add(session Session)
	Remove(sessionID uuid.UUID)
	ForUser(userID string) []Session

	Join(ctx context.Context, session Session, topic string) error
	Leave(ctx context.Context, session Session, topic string) error
	Subscribed(session Session, topic string) bool

	// Deliver hands a bus message to the matching local subscribers.
	Deliver(msg *BusMessage)
}

var _ SessionRegistry = (*LocalSessionRegistry)(nil)

const topicLockStripes = 64

type LocalSessionRegistry struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics Metrics
	bus     MessageBus

	sessions     *MapOf[uuid.UUID, Session]
	sessionCount *atomic.Int32

	topics        map[string]map[uuid.UUID]Session
	sessionTopics map[uuid.UUID]map[string]struct{}
	// busTopics are the topics this process is subscribed to on the bus.
	busTopics map[string]struct{}

	// Bus subscription changes for a topic happen under its stripe lock, never under the registry lock.
	topicLocks [topicLockStripes]sync.Mutex
}

func NewLocalSessionRegistry(logger *zap.Logger, metrics Metrics, bus MessageBus) *LocalSessionRegistry {
	return &LocalSessionRegistry{
		logger:  logger,
		metrics: metrics,
		bus:     bus,

		sessions:     &MapOf[uuid.UUID, Session]{},
		sessionCount: atomic.NewInt32(0),

		topics:        make(map[string]map[uuid.UUID]Session),
		sessionTopics: make(map[uuid.UUID]map[string]struct{}),
		busTopics:     make(map[string]struct{}),
	}
}

func (r *LocalSessionRegistry) topicLock(topic string) *sync.Mutex {
	return &r.topicLocks[murmur3.Sum32([]byte(topic))%topicLockStripes]
}

// Stop closes every local session, which deregisters each of them.
func (r *LocalSessionRegistry) Stop() {
	sessions := make([]Session, 0, r.Count())
	r.sessions.Range(func(_ uuid.UUID, session Session) bool {
		sessions = append(sessions, session)
		return true
	})

	var wg sync.WaitGroup
	for _, session := range sessions {
		wg.Add(1)
		go func(session Session) {
			defer wg.Done()
			session.Close("server shutdown")
		}(session)
	}
	wg.Wait()

	r.logger.Info("Session registry stopped", zap.Int("closed", len(sessions)))
}

func (r *LocalSessionRegistry) Count() int {
	return int(r.sessionCount.Load())
}

func (r *LocalSessionRegistry) Get(sessionID uuid.UUID) Session {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	return session
}

func (r *LocalSessionRegistry) Add(session Session) {
	r.sessions.Store(session.ID(), session)
	count := r.sessionCount.Inc()
	r.metrics.GaugeSessions(float64(count))
}

func (r *LocalSessionRegistry) Remove(sessionID uuid.UUID) {
	session, loaded := r.sessions.LoadAndDelete(sessionID)
	if !loaded {
		return
	}
	count := r.sessionCount.Dec()
	r.metrics.GaugeSessions(float64(count))

	r.Lock()
	topics := r.sessionTopics[sessionID]
	delete(r.sessionTopics, sessionID)
	emptied := make([]string, 0, len(topics))
	for topic := range topics {
		subscribers := r.topics[topic]
		delete(subscribers, sessionID)
		if len(subscribers) == 0 {
			delete(r.topics, topic)
			emptied = append(emptied, topic)
		}
	}
	r.Unlock()

	// The session context is already cancelled at this point.
	for _, topic := range emptied {
		lock := r.topicLock(topic)
		lock.Lock()
		err := r.releaseTopic(context.Background(), topic)
		lock.Unlock()
		if err != nil {
			session.Logger().Warn("Failed to unsubscribe from topic", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (r *LocalSessionRegistry) ForUser(userID string) []Session {
	sessions := make([]Session, 0, 1)
	r.sessions.Range(func(_ uuid.UUID, session Session) bool {
		if session.UserID() == userID {
			sessions = append(sessions, session)
		}
		return true
	})
	return sessions
}

func (r *LocalSessionRegistry) Join(ctx context.Context, session Session, topic string) error {
	lock := r.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	if _, found := r.sessions.Load(session.ID()); !found {
		// Session closed while the join was in flight.
		return nil
	}

	r.RLock()
	_, subscribed := r.busTopics[topic]
	r.RUnlock()
	if !subscribed {
		if err := r.bus.Subscribe(ctx, topic); err != nil {
			return err
		}
		r.Lock()
		r.busTopics[topic] = struct{}{}
		r.Unlock()
	}

	r.Lock()
	_, added := r.sessions.Load(session.ID())
	if added {
		subscribers, found := r.topics[topic]
		if !found {
			subscribers = make(map[uuid.UUID]Session, 1)
			r.topics[topic] = subscribers
		}
		subscribers[session.ID()] = session

		topics, found := r.sessionTopics[session.ID()]
		if !found {
			topics = make(map[string]struct{}, 2)
			r.sessionTopics[session.ID()] = topics
		}
		topics[topic] = struct{}{}
	}
	r.Unlock()

	if !added {
		// Removed during the subscribe.
		return r.releaseTopic(ctx, topic)
	}
	return nil
}

func (r *LocalSessionRegistry) Leave(ctx context.Context, session Session, topic string) error {
	lock := r.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	r.Lock()
	if topics, found := r.sessionTopics[session.ID()]; found {
		delete(topics, topic)
	}
	if subscribers, found := r.topics[topic]; found {
		delete(subscribers, session.ID())
		if len(subscribers) == 0 {
			delete(r.topics, topic)
		}
	}
	r.Unlock()

	return r.releaseTopic(ctx, topic)
}

// releaseTopic drops the bus subscription of a topic left without local subscribers.
// The caller holds the topic lock.
func (r *LocalSessionRegistry) releaseTopic(ctx context.Context, topic string) error {
	r.Lock()
	_, subscribed := r.busTopics[topic]
	idle := subscribed && len(r.topics[topic]) == 0
	if idle {
		delete(r.busTopics, topic)
	}
	r.Unlock()

	if !idle {
		return nil
	}
	return r.bus.Unsubscribe(ctx, topic)
}

func (r *LocalSessionRegistry) Subscribed(session Session, topic string) bool {
	r.RLock()
	defer r.RUnlock()
	_, found := r.topics[topic][session.ID()]
	return found
}

func (r *LocalSessionRegistry) Deliver(msg *BusMessage) {
	r.RLock()
	subscribers := r.topics[msg.Topic]
	targets := make([]Session, 0, len(subscribers))
	for _, session := range subscribers {
		if msg.Accepts(session.ID().String(), session.UserID()) {
			targets = append(targets, session)
		}
	}
	r.RUnlock()

	if len(targets) == 0 {
		if r.logger.Core().Enabled(zap.DebugLevel) {
			r.logger.Debug("No local session to deliver to", zap.String("topic", msg.Topic), zap.String("event", msg.Envelope.Event))
		}
		return
	}

	payload, err := envelopeBytes(msg.Envelope)
	if err != nil {
		r.logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	for _, session := range targets {
		if err := session.SendBytes(payload); err != nil {
			r.logger.Warn("Failed to deliver bus message", zap.String("sid", session.ID().String()), zap.String("topic", msg.Topic), zap.Error(err))
			continue
		}
	}
	r.metrics.CountDeliveries(false, int64(len(targets)))
}
