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
)

const MessageTypeText = "text"

type Conversation struct {
	ID            string     `json:"id"`
	Participants  []string   `json:"participants"`
	IsGroup       bool       `json:"isGroup"`
	LastMessageID string     `json:"lastMessageId,omitempty"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return lo.Contains(c.Participants, userID)
}

// Recipients is every participant except the given user.
func (c *Conversation) Recipients(senderID string) []string {
	return lo.Without(c.Participants, senderID)
}

type Receipt struct {
	UserID      string    `json:"userId"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	MessageType    string    `json:"messageType"`
	CreatedAt      time.Time `json:"createdAt"`
	DeliveredTo    []Receipt `json:"deliveredTo"`
}

type BulkDeliveryResult struct {
	MatchedCount  int64
	ModifiedCount int64
}

type TokenClaims struct {
	UserID    string
	Username  string
	ExpiresAt int64
}

// TokenVerifier checks the credential presented at the handshake.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*TokenClaims, error)
}

// UserStore is the authoritative source of block relationships.
type UserStore interface {
	// HasBlocked reports whether blockerID has blocked blockedID. Direction matters.
	HasBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
	ListBlocked(ctx context.Context, userID string) ([]string, error)
}

// ConversationStore lookups return ErrStoreNotFound for unknown conversations.
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	FindPrivateConversation(ctx context.Context, userA, userB string) (*Conversation, error)
	CreateConversation(ctx context.Context, participants []string, isGroup bool) (*Conversation, error)
	SetLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, message *Message) (*Message, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	// MarkDelivered records a receipt, returning false when the message is unknown, belongs
	// to another conversation, was sent by the recipient, or was already delivered.
	MarkDelivered(ctx context.Context, conversationID, messageID, recipientID string, at time.Time) (bool, error)
	// MarkDeliveredUpTo records receipts for every message of the conversation created at or
	// before upTo that the recipient did not send and has not received.
	MarkDeliveredUpTo(ctx context.Context, conversationID, recipientID string, upTo, at time.Time) (*BulkDeliveryResult, error)
}
