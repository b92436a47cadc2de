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
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type AckResult struct {
	ConversationID string
	DeliveredAt    time.Time
	// Delivered holds the message ids whose state changed, for single and list acknowledgments.
	Delivered []string
	// Bulk is set for cursor acknowledgments.
	Bulk *BulkDeliveryResult
}

// DeliveryTracker records delivery receipts and announces the ones that changed state.
// Acknowledging twice is a no-op.
type DeliveryTracker struct {
	logger        *zap.Logger
	metrics       Metrics
	conversations ConversationStore
	messages      MessageStore
	bus           MessageBus

	maxBatch int
	nowFn    func() time.Time
}

func NewDeliveryTracker(logger *zap.Logger, metrics Metrics, conversations ConversationStore, messages MessageStore, bus MessageBus, fanoutConfig *FanoutConfig) *DeliveryTracker {
	return &DeliveryTracker{
		logger:        logger,
		metrics:       metrics,
		conversations: conversations,
		messages:      messages,
		bus:           bus,

		maxBatch: fanoutConfig.MaxAckBatch,
		nowFn:    time.Now,
	}
}

// Acknowledge marks messages delivered to recipientID. The selector used is the first
// present of messageIds, messageId and upToMessageId.
func (t *DeliveryTracker) Acknowledge(ctx context.Context, recipientID string, req *MessagesReceivedRequest) (*AckResult, error) {
	var messageIDs []string
	switch {
	case len(req.MessageIDs) > 0:
		messageIDs = lo.Uniq(req.MessageIDs)
	case req.MessageID != "":
		messageIDs = []string{req.MessageID}
	case req.UpToMessageID != "":
	default:
		return nil, ValidationError("one of messageIds, messageId or upToMessageId is required")
	}
	if len(messageIDs) > t.maxBatch {
		return nil, ValidationError("at most %d message ids can be acknowledged at once", t.maxBatch)
	}

	conversation, err := t.conversations.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, storeLookupError(err, ErrConversationNotFound)
	}
	if !conversation.HasParticipant(recipientID) {
		return nil, ErrNotParticipant
	}

	result := &AckResult{
		ConversationID: conversation.ID,
		DeliveredAt:    t.nowFn().UTC(),
	}
	if messageIDs == nil {
		return t.acknowledgeUpTo(ctx, recipientID, req.UpToMessageID, result)
	}
	return t.acknowledgeEach(ctx, recipientID, messageIDs, result)
}

func (t *DeliveryTracker) acknowledgeEach(ctx context.Context, recipientID string, messageIDs []string, result *AckResult) (*AckResult, error) {
	var errs error
	result.Delivered = make([]string, 0, len(messageIDs))
	for _, messageID := range messageIDs {
		changed, err := t.messages.MarkDelivered(ctx, result.ConversationID, messageID, recipientID, result.DeliveredAt)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			result.Delivered = append(result.Delivered, messageID)
		}
	}

	if len(result.Delivered) > 0 {
		t.metrics.CountAcknowledgements(false, int64(len(result.Delivered)))
	}
	for _, messageID := range result.Delivered {
		t.publish(ctx, result.ConversationID, EventMessageDelivered, &MessageDeliveredEvent{
			MessageID:      messageID,
			ConversationID: result.ConversationID,
			RecipientID:    recipientID,
			DeliveredAt:    result.DeliveredAt,
		})
	}

	if errs != nil {
		t.logger.Warn("Failed to acknowledge some messages", zap.String("uid", recipientID), zap.String("conversation_id", result.ConversationID), zap.Error(errs))
		return result, errs
	}
	return result, nil
}

func (t *DeliveryTracker) acknowledgeUpTo(ctx context.Context, recipientID, upToMessageID string, result *AckResult) (*AckResult, error) {
	cursor, err := t.messages.GetMessage(ctx, upToMessageID)
	if err != nil {
		return nil, storeLookupError(err, ErrMessageNotFound)
	}
	if cursor.ConversationID != result.ConversationID {
		return nil, ErrMessageNotFound
	}

	bulk, err := t.messages.MarkDeliveredUpTo(ctx, result.ConversationID, recipientID, cursor.CreatedAt, result.DeliveredAt)
	if err != nil {
		return nil, err
	}
	result.Bulk = bulk

	if bulk.ModifiedCount > 0 {
		t.metrics.CountAcknowledgements(true, bulk.ModifiedCount)
		t.publish(ctx, result.ConversationID, EventMessagesDelivered, &MessagesDeliveredEvent{
			ConversationID: result.ConversationID,
			UpToMessageID:  upToMessageID,
			RecipientID:    recipientID,
			DeliveredAt:    result.DeliveredAt,
			MatchedCount:   bulk.MatchedCount,
			ModifiedCount:  bulk.ModifiedCount,
		})
	}
	return result, nil
}

func (t *DeliveryTracker) publish(ctx context.Context, conversationID, event string, data any) {
	envelope, err := NewEnvelope(event, data)
	if err != nil {
		t.logger.Error("Could not build receipt event", zap.String("event", event), zap.Error(err))
		return
	}
	if err := t.bus.Publish(ctx, &BusMessage{Topic: ConversationTopic(conversationID), Envelope: envelope}); err != nil {
		t.logger.Warn("Failed to publish receipt event", zap.String("event", event), zap.Error(err))
	}
}
