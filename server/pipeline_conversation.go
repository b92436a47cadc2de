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

	"go.uber.org/zap"
)

func (p *Pipeline) joinConversation(ctx context.Context, logger *zap.Logger, session Session, envelope *Envelope) error {
	req := &JoinConversationRequest{}
	if err := p.decode(envelope, req); err != nil {
		return err
	}

	conversation, err := p.participantConversation(ctx, session.UserID(), req.ConversationID)
	if err != nil {
		return err
	}

	if err := p.sessionRegistry.Join(ctx, session, ConversationTopic(conversation.ID)); err != nil {
		return fmt.Errorf("failed to join conversation: %w", err)
	}
	logger.Debug("Joined conversation", zap.String("conversation_id", conversation.ID))
	return nil
}

func (p *Pipeline) leaveConversation(ctx context.Context, logger *zap.Logger, session Session, envelope *Envelope) error {
	req := &LeaveConversationRequest{}
	if err := p.decode(envelope, req); err != nil {
		return err
	}

	if err := p.sessionRegistry.Leave(ctx, session, ConversationTopic(req.ConversationID)); err != nil {
		return fmt.Errorf("failed to leave conversation: %w", err)
	}
	logger.Debug("Left conversation", zap.String("conversation_id", req.ConversationID))
	return nil
}

// typing relays the indicator to the other connections watching the conversation.
func (p *Pipeline) typing(ctx context.Context, logger *zap.Logger, session Session, envelope *Envelope) error {
	req := &TypingRequest{}
	if err := p.decode(envelope, req); err != nil {
		return err
	}

	conversation, err := p.participantConversation(ctx, session.UserID(), req.ConversationID)
	if err != nil {
		return err
	}

	out, err := NewEnvelope(EventTyping, &TypingEvent{
		ConversationID: conversation.ID,
		UserID:         session.UserID(),
		IsTyping:       req.IsTyping,
	})
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, &BusMessage{
		Topic:              ConversationTopic(conversation.ID),
		Envelope:           out,
		ExcludeConnections: []string{session.ID().String()},
	})
}
