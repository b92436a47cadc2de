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

	"go.uber.org/zap"
)

func (p *Pipeline) sendMessage(ctx context.Context, logger *zap.Logger, session Session, envelope *Envelope) error {
	req := &SendMessageRequest{}
	if err := p.decode(envelope, req); err != nil {
		return err
	}

	// A send completes even if the socket closes while it is in flight.
	ctx = context.WithoutCancel(ctx)

	result, err := p.router.Route(ctx, session, req)
	if err != nil {
		return err
	}

	if result.Created {
		if err := p.sessionRegistry.Join(ctx, session, ConversationTopic(result.Conversation.ID)); err != nil {
			logger.Warn("Failed to join created conversation", zap.String("conversation_id", result.Conversation.ID), zap.Error(err))
		}
	}

	out, err := NewEnvelope(EventMessageSent, &MessageSentEvent{
		Message:             result.Message,
		BlockedRecipientIDs: result.Blocked,
	})
	if err != nil {
		return err
	}
	out.Cid = envelope.Cid
	if err := session.Send(out); err != nil {
		logger.Debug("Could not confirm message to sender", zap.Error(err))
	}
	return nil
}

func (p *Pipeline) messagesReceived(ctx context.Context, logger *zap.Logger, session Session, envelope *Envelope) error {
	req := &MessagesReceivedRequest{}
	if err := p.decode(envelope, req); err != nil {
		return err
	}

	result, err := p.deliveryTracker.Acknowledge(context.WithoutCancel(ctx), session.UserID(), req)
	if err != nil {
		return err
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		fields := []zap.Field{zap.String("conversation_id", result.ConversationID), zap.Strings("delivered", result.Delivered)}
		if result.Bulk != nil {
			fields = append(fields, zap.Int64("matched", result.Bulk.MatchedCount), zap.Int64("modified", result.Bulk.ModifiedCount))
		}
		logger.Debug("Messages acknowledged", fields...)
	}
	return nil
}
