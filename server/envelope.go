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
	"encoding/json"
	"fmt"
	"time"
)

// Inbound events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventMessagesReceived  = "messages_received"
	EventTyping            = "typing"
)

// Outbound events.
const (
	EventUserConnected     = "user_connected"
	EventUserDisconnected  = "user_disconnected"
	EventOnlineList        = "online_list"
	EventMessageSent       = "message_sent"
	EventMessageEvent      = "message_event"
	EventMessageDelivered  = "message_delivered"
	EventMessagesDelivered = "messages_delivered"
	EventError             = "error"
)

// Envelope is a single realtime frame. Data holds the event specific payload.
type Envelope struct {
	Cid   string          `json:"cid,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given event.
func NewEnvelope(event string, data any) (*Envelope, error) {
	envelope := &Envelope{Event: event}
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		envelope.Data = buf
	}
	return envelope, nil
}

func envelopeBytes(envelope *Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return ValidationError("missing payload for %s", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return ValidationError("malformed payload for %s", e.Event).Wrap(err)
	}
	return nil
}

type JoinConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type LeaveConversationRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type SendMessageRequest struct {
	Content        string   `json:"content" validate:"required,max=10000"`
	MessageType    string   `json:"messageType,omitempty" validate:"omitempty,oneof=text image file audio video"`
	ConversationID string   `json:"conversationId,omitempty"`
	ParticipantIDs []string `json:"participantIds,omitempty" validate:"omitempty,dive,required"`
}

type MessagesReceivedRequest struct {
	ConversationID string   `json:"conversationId" validate:"required"`
	MessageIDs     []string `json:"messageIds,omitempty" validate:"omitempty,dive,required"`
	MessageID      string   `json:"messageId,omitempty"`
	UpToMessageID  string   `json:"upToMessageId,omitempty"`
}

type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

type UserPresenceEvent struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type OnlineListEvent struct {
	UserIDs []string `json:"userIds"`
}

// MessageSentEvent is the message itself, plus the recipients that were
// filtered out when sent back to the originating connection.
type MessageSentEvent struct {
	*Message
	BlockedRecipientIDs []string `json:"blockedRecipientIds,omitempty"`
}

type MessageEvent struct {
	ConversationID string   `json:"conversationId"`
	Message        *Message `json:"message"`
}

type MessageDeliveredEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	RecipientID    string    `json:"recipientId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

type MessagesDeliveredEvent struct {
	ConversationID string    `json:"conversationId"`
	UpToMessageID  string    `json:"upToMessageId"`
	RecipientID    string    `json:"recipientId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
	MatchedCount   int64     `json:"matchedCount"`
	ModifiedCount  int64     `json:"modifiedCount"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

type ErrorEvent struct {
	Reason string `json:"reason"`
	Code   string `json:"code"`
	Event  string `json:"event,omitempty"`
}

// ErrorEnvelope builds the `error` event for err, answering the request with the given correlation id and event.
func ErrorEnvelope(err error, cid, event string) *Envelope {
	buf, _ := json.Marshal(&ErrorEvent{
		Reason: ClientReason(err),
		Code:   ErrorCodeOf(err).String(),
		Event:  event,
	})
	return &Envelope{Cid: cid, Event: EventError, Data: buf}
}
