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
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type RouteResult struct {
	Message      *Message
	Conversation *Conversation
	// Blocked lists the recipients the message was withheld from.
	Blocked []string
	// Created is set when the conversation was created by this message.
	Created bool
}

// FanoutRouter persists a message and delivers it to every live connection of its
// non-blocked recipients, wherever those connections are held.
type FanoutRouter struct {
	logger          *zap.Logger
	metrics         Metrics
	conversations   ConversationStore
	messages        MessageStore
	blockFilter     *BlockFilter
	connections     *ConnectionRegistry
	sessionRegistry SessionRegistry
	bus             MessageBus

	maxParticipants int
}

func NewFanoutRouter(logger *zap.Logger, metrics Metrics, conversations ConversationStore, messages MessageStore, blockFilter *BlockFilter, connections *ConnectionRegistry, sessionRegistry SessionRegistry, bus MessageBus, fanoutConfig *FanoutConfig) *FanoutRouter {
	return &FanoutRouter{
		logger:          logger,
		metrics:         metrics,
		conversations:   conversations,
		messages:        messages,
		blockFilter:     blockFilter,
		connections:     connections,
		sessionRegistry: sessionRegistry,
		bus:             bus,

		maxParticipants: fanoutConfig.MaxParticipants,
	}
}

// storeLookupError maps a store miss to the given client facing error.
func storeLookupError(err error, notFound *RelayError) error {
	if errors.Is(err, ErrStoreNotFound) {
		return notFound
	}
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return err
	}
	return fmt.Errorf("store lookup failed: %w", err)
}

type routeTarget struct {
	conversation *Conversation
	participants []string
	isGroup      bool
	candidates   []string
}

func (r *FanoutRouter) resolve(ctx context.Context, senderID string, req *SendMessageRequest) (*routeTarget, error) {
	if req.ConversationID != "" {
		conversation, err := r.conversations.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, storeLookupError(err, ErrConversationNotFound)
		}
		if !conversation.HasParticipant(senderID) {
			return nil, ErrNotParticipant
		}
		return &routeTarget{
			conversation: conversation,
			candidates:   conversation.Recipients(senderID),
		}, nil
	}

	if len(req.ParticipantIDs) == 0 {
		return nil, ValidationError("conversationId or participantIds is required")
	}
	others := lo.Without(lo.Uniq(req.ParticipantIDs), senderID, "")
	if len(others) == 0 {
		return nil, ValidationError("participantIds must name at least one other user")
	}
	if len(others)+1 > r.maxParticipants {
		return nil, ValidationError("a conversation holds at most %d participants", r.maxParticipants)
	}

	target := &routeTarget{
		participants: append([]string{senderID}, others...),
		isGroup:      len(others) > 1,
		candidates:   others,
	}
	if !target.isGroup {
		conversation, err := r.conversations.FindPrivateConversation(ctx, senderID, others[0])
		switch {
		case err == nil:
			target.conversation = conversation
		case errors.Is(err, ErrStoreNotFound):
		default:
			return nil, storeLookupError(err, ErrConversationNotFound)
		}
	}
	return target, nil
}

// Route resolves the recipients of req, applies the block filter, persists the message
// and fans it out. The originating connection is answered by the caller.
func (r *FanoutRouter) Route(ctx context.Context, sender Session, req *SendMessageRequest) (*RouteResult, error) {
	senderID := sender.UserID()
	logger := sender.Logger()

	target, err := r.resolve(ctx, senderID, req)
	if err != nil {
		return nil, err
	}

	allowed, blocked := r.blockFilter.Filter(ctx, senderID, target.candidates)
	if len(target.candidates) > 0 && len(allowed) == 0 {
		// Nothing is persisted, including a conversation that does not exist yet.
		return nil, ErrRecipientsBlocked
	}

	result := &RouteResult{Conversation: target.conversation, Blocked: blocked}
	if result.Conversation == nil {
		conversation, err := r.conversations.CreateConversation(ctx, target.participants, target.isGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		result.Conversation = conversation
		result.Created = true
	}

	messageType := req.MessageType
	if messageType == "" {
		messageType = MessageTypeText
	}
	message, err := r.messages.CreateMessage(ctx, &Message{
		ConversationID: result.Conversation.ID,
		SenderID:       senderID,
		Content:        req.Content,
		MessageType:    messageType,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	result.Message = message

	if err := r.conversations.SetLastMessage(ctx, result.Conversation.ID, message.ID, message.CreatedAt); err != nil {
		logger.Warn("Failed to update conversation last message", zap.String("conversation_id", result.Conversation.ID), zap.Error(err))
	}
	r.metrics.CountMessagesRouted(1)

	r.deliver(ctx, logger, message, allowed)

	sent, err := NewEnvelope(EventMessageSent, &MessageSentEvent{Message: message})
	if err != nil {
		return nil, err
	}
	if err := r.bus.Publish(ctx, &BusMessage{
		Topic:              ConversationTopic(result.Conversation.ID),
		Envelope:           sent,
		ExcludeUsers:       blocked,
		ExcludeConnections: []string{sender.ID().String()},
	}); err != nil {
		logger.Warn("Failed to publish message to conversation", zap.String("conversation_id", result.Conversation.ID), zap.Error(err))
	}

	return result, nil
}

// deliver sends message_event to every live connection of the recipients. Connections
// held by this process are written directly; the rest are forwarded over the user topic.
func (r *FanoutRouter) deliver(ctx context.Context, logger *zap.Logger, message *Message, recipients []string) {
	if len(recipients) == 0 {
		return
	}

	envelope, err := NewEnvelope(EventMessageEvent, &MessageEvent{ConversationID: message.ConversationID, Message: message})
	if err != nil {
		logger.Error("Could not build message event", zap.Error(err))
		return
	}
	payload, err := envelopeBytes(envelope)
	if err != nil {
		logger.Error("Could not marshal message event", zap.Error(err))
		return
	}

	connections, failures, err := r.connections.LiveConnectionsForMany(ctx, recipients)
	if err != nil {
		logger.Warn("Failed to list live connections, forwarding to user topics", zap.Error(err))
		failures = make(map[string]error, len(recipients))
		for _, userID := range recipients {
			failures[userID] = err
		}
	}

	var local int64
	for _, userID := range recipients {
		if _, failed := failures[userID]; failed {
			// Every subscriber of the user topic receives it, local sessions included.
			r.publish(ctx, logger, &BusMessage{Topic: UserTopic(userID), Envelope: envelope})
			continue
		}

		remote := make([]string, 0, len(connections[userID]))
		for _, connectionID := range connections[userID] {
			session := r.sessionRegistry.Get(uuid.FromStringOrNil(connectionID))
			if session == nil || session.UserID() != userID {
				remote = append(remote, connectionID)
				continue
			}
			if err := session.SendBytes(payload); err != nil {
				logger.Debug("Could not deliver to local session", zap.String("target_sid", connectionID), zap.Error(err))
				continue
			}
			local++
		}
		if len(remote) > 0 {
			r.publish(ctx, logger, &BusMessage{Topic: UserTopic(userID), Envelope: envelope, Connections: remote})
		}
	}
	if local > 0 {
		r.metrics.CountDeliveries(true, local)
	}
}

func (r *FanoutRouter) publish(ctx context.Context, logger *zap.Logger, msg *BusMessage) {
	if err := r.bus.Publish(ctx, msg); err != nil {
		logger.Warn("Failed to forward message", zap.String("topic", msg.Topic), zap.Error(err))
	}
}
