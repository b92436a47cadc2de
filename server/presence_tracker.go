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
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

const registerRetryInitialBackoff = 100 * time.Millisecond

// EventDisconnectRequest only travels on node topics, it is never sent to clients.
const EventDisconnectRequest = "disconnect_request"

type DisconnectRequest struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason,omitempty"`
}

// PresenceTracker turns connection registry transitions into user_connected and
// user_disconnected broadcasts. Transitions come from the registry's transactional
// counts only, so concurrent connects and disconnects across processes produce one
// event per real transition.
type PresenceTracker struct {
	logger          *zap.Logger
	metrics         Metrics
	connections     *ConnectionRegistry
	sessionRegistry SessionRegistry
	bus             MessageBus
	nodeTopic       string

	refreshInterval time.Duration
	maxBackoff      time.Duration
}

func NewPresenceTracker(logger *zap.Logger, metrics Metrics, connections *ConnectionRegistry, sessionRegistry SessionRegistry, bus MessageBus, registryConfig *RegistryConfig, node string) *PresenceTracker {
	return &PresenceTracker{
		logger:          logger,
		metrics:         metrics,
		connections:     connections,
		sessionRegistry: sessionRegistry,
		bus:             bus,
		nodeTopic:       NodeTopic(NodeToHash(node)),

		refreshInterval: registryConfig.GetRefreshInterval(),
		maxBackoff:      registryConfig.GetRetryMaxBackoff(),
	}
}

// Connect registers a newly accepted session. Registry failures never close the
// session: the registration is retried in the background until it succeeds or the
// session ends.
func (t *PresenceTracker) Connect(ctx context.Context, session Session) {
	logger := session.Logger()
	connectionID := session.ID().String()
	userID := session.UserID()

	for _, topic := range []string{TopicPresence, UserTopic(userID)} {
		if err := t.sessionRegistry.Join(ctx, session, topic); err != nil {
			logger.Warn("Failed to subscribe session to topic", zap.String("topic", topic), zap.Error(err))
		}
	}

	// Entries left behind by a crashed process must not hide this connection's transition.
	if result, err := t.connections.PruneStale(ctx, userID); err != nil {
		logger.Warn("Failed to prune stale connections", zap.Error(err))
	} else if result.WentOffline {
		t.announceOffline(ctx, userID, result.LastSeen)
	}

	registered := false
	if result, err := t.connections.Register(ctx, connectionID, userID); err != nil {
		logger.Warn("Failed to register connection, retrying in background", zap.Error(err))
	} else {
		registered = true
		if result.WentOnline {
			t.announceOnline(ctx, userID, connectionID)
		}
	}

	t.sendOnlineList(ctx, session)

	go t.maintain(session, registered)
}

// maintain retries a failed registration and then keeps the reverse entry alive.
func (t *PresenceTracker) maintain(session Session, registered bool) {
	ctx := session.Context()
	logger := session.Logger()
	connectionID := session.ID().String()
	userID := session.UserID()

	backoff := registerRetryInitialBackoff
	for !registered {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		result, err := t.connections.Register(ctx, connectionID, userID)
		if err != nil {
			backoff *= 2
			if backoff > t.maxBackoff {
				backoff = t.maxBackoff
			}
			logger.Debug("Connection registration retry failed", zap.Duration("backoff", backoff), zap.Error(err))
			continue
		}
		registered = true
		logger.Info("Connection registered after retry")

		if ctx.Err() != nil {
			// The session closed while registering, undo what its close could not see.
			t.Disconnect(context.Background(), connectionID, userID)
			return
		}
		if result.WentOnline {
			t.announceOnline(ctx, userID, connectionID)
		}
	}

	ticker := time.NewTicker(t.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := t.connections.Refresh(ctx, connectionID, userID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Failed to refresh connection", zap.Error(err))
				}
				continue
			}
			if result.WentOnline {
				// Another process pruned this connection while the registry was unreachable.
				t.announceOnline(ctx, userID, connectionID)
			}
		}
	}
}

// Disconnect deregisters the connection, prunes stale entries, and announces the user
// offline if either step emptied the presence set.
func (t *PresenceTracker) Disconnect(ctx context.Context, connectionID, userID string) {
	logger := t.logger.With(zap.String("sid", connectionID), zap.String("uid", userID))

	var wentOffline bool
	var lastSeen time.Time

	if result, err := t.connections.Deregister(ctx, connectionID, userID); err != nil {
		// The reverse entry expires on its own and the next prune drops the connection.
		logger.Warn("Failed to deregister connection", zap.Error(err))
	} else if result.WentOffline {
		wentOffline = true
		lastSeen = result.LastSeen
	}

	if result, err := t.connections.PruneStale(ctx, userID); err != nil {
		logger.Warn("Failed to prune stale connections", zap.Error(err))
	} else if result.WentOffline {
		wentOffline = true
		lastSeen = result.LastSeen
	}

	if wentOffline {
		t.announceOffline(ctx, userID, lastSeen)
	}
}

// DisconnectByID disconnects a connection known only by its id, resolving the
// owning user through the reverse entry.
func (t *PresenceTracker) DisconnectByID(ctx context.Context, connectionID string) error {
	userID, found, err := t.connections.ResolveUser(ctx, connectionID)
	if err != nil {
		return err
	}
	if !found {
		t.logger.Debug("No reverse entry for connection", zap.String("sid", connectionID))
		return nil
	}
	t.Disconnect(ctx, connectionID, userID)
	return nil
}

// Start subscribes the process to the topic that carries disconnect requests for the
// connections it issued.
func (t *PresenceTracker) Start(ctx context.Context) error {
	return t.bus.Subscribe(ctx, t.nodeTopic)
}

// BusHandler consumes the disconnect requests addressed to this process and hands every
// other message to next.
func (t *PresenceTracker) BusHandler(next BusHandler) BusHandler {
	return func(msg *BusMessage) {
		if msg.Topic != t.nodeTopic {
			next(msg)
			return
		}
		if msg.Envelope.Event != EventDisconnectRequest {
			t.logger.Warn("Unexpected event on node topic", zap.String("event", msg.Envelope.Event), zap.String("from_node", msg.FromNode))
			return
		}
		req := &DisconnectRequest{}
		if err := json.Unmarshal(msg.Envelope.Data, req); err != nil {
			t.logger.Warn("Malformed disconnect request", zap.String("from_node", msg.FromNode), zap.Error(err))
			return
		}
		t.logger.Info("Disconnect requested", zap.String("sid", req.ConnectionID), zap.String("from_node", msg.FromNode))

		// Off the bus receive loop, closing and deregistering are registry round trips.
		go t.disconnectLocal(req)
	}
}

// RequestDisconnect closes a connection held by any process. The request goes to the
// process that issued the connection id, which closes the socket or, when it no longer
// holds one, clears the connection from the registry by id.
func (t *PresenceTracker) RequestDisconnect(ctx context.Context, connectionID, reason string) error {
	node, err := ConnectionNode(connectionID)
	if err != nil {
		return ValidationError("invalid connection id %q", connectionID)
	}
	envelope, err := NewEnvelope(EventDisconnectRequest, &DisconnectRequest{ConnectionID: connectionID, Reason: reason})
	if err != nil {
		return err
	}
	return t.bus.Publish(ctx, &BusMessage{Topic: NodeTopic(node), Envelope: envelope})
}

func (t *PresenceTracker) disconnectLocal(req *DisconnectRequest) {
	if id, err := uuid.FromString(req.ConnectionID); err == nil {
		if session := t.sessionRegistry.Get(id); session != nil {
			// Closing the session deregisters it.
			session.Close(req.Reason)
			return
		}
	}
	if err := t.DisconnectByID(context.Background(), req.ConnectionID); err != nil {
		t.logger.Warn("Failed to disconnect connection by id", zap.String("sid", req.ConnectionID), zap.Error(err))
	}
}

func (t *PresenceTracker) announceOnline(ctx context.Context, userID, connectionID string) {
	t.metrics.CountPresenceTransition(true)
	envelope, err := NewEnvelope(EventUserConnected, &UserPresenceEvent{UserID: userID})
	if err != nil {
		t.logger.Error("Could not build presence event", zap.Error(err))
		return
	}
	t.publish(ctx, &BusMessage{
		Topic:              TopicPresence,
		Envelope:           envelope,
		ExcludeConnections: []string{connectionID},
	})
}

func (t *PresenceTracker) announceOffline(ctx context.Context, userID string, lastSeen time.Time) {
	t.metrics.CountPresenceTransition(false)
	envelope, err := NewEnvelope(EventUserDisconnected, &UserPresenceEvent{UserID: userID, LastSeen: &lastSeen})
	if err != nil {
		t.logger.Error("Could not build presence event", zap.Error(err))
		return
	}
	t.publish(ctx, &BusMessage{
		Topic:    TopicPresence,
		Envelope: envelope,
	})
}

func (t *PresenceTracker) publish(ctx context.Context, msg *BusMessage) {
	// Presence changes are announced even when the triggering session is already gone.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := t.bus.Publish(ctx, msg); err != nil {
		t.logger.Warn("Failed to publish presence event", zap.String("event", msg.Envelope.Event), zap.Error(err))
	}
}

func (t *PresenceTracker) sendOnlineList(ctx context.Context, session Session) {
	userIDs, err := t.connections.AllOnlineUsers(ctx)
	if err != nil {
		session.Logger().Warn("Failed to list online users, sending empty list", zap.Error(err))
		userIDs = []string{}
	}

	envelope, err := NewEnvelope(EventOnlineList, &OnlineListEvent{UserIDs: userIDs})
	if err != nil {
		session.Logger().Error("Could not build online list", zap.Error(err))
		return
	}
	if err := session.Send(envelope); err != nil {
		session.Logger().Debug("Could not send online list", zap.Error(err))
	}
}
