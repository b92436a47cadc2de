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
	"fmt"
	"strings"

	"github.com/samber/lo"
)

const TopicPresence = "presence"

func UserTopic(userID string) string {
	return "user:" + userID
}

func ConversationTopic(conversationID string) string {
	return "conversation:" + conversationID
}

// BusMessage carries one envelope to every process with local subscribers of the topic.
type BusMessage struct {
	Topic    string    `json:"topic"`
	Envelope *Envelope `json:"envelope"`
	// Connections restricts delivery to these connection ids when set.
	Connections        []string `json:"connections,omitempty"`
	ExcludeUsers       []string `json:"exclude_users,omitempty"`
	ExcludeConnections []string `json:"exclude_connections,omitempty"`
	FromNode           string   `json:"from_node"`
}

// Accepts reports whether the message should reach the given local connection.
func (m *BusMessage) Accepts(connectionID, userID string) bool {
	if len(m.Connections) > 0 && !lo.Contains(m.Connections, connectionID) {
		return false
	}
	if lo.Contains(m.ExcludeConnections, connectionID) {
		return false
	}
	return !lo.Contains(m.ExcludeUsers, userID)
}

func (m *BusMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bus message: %w", err)
	}
	return data, nil
}

func UnmarshalBusMessage(data []byte) (*BusMessage, error) {
	var msg BusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bus message: %w", err)
	}
	if msg.Topic == "" || msg.Envelope == nil {
		return nil, fmt.Errorf("incomplete bus message")
	}
	return &msg, nil
}

type BusHandler func(msg *BusMessage)

// MessageBus moves events between processes. A publisher receives its own messages too,
// so the same delivery path is used whether one or many processes are running.
type MessageBus interface {
	// Start begins delivering received messages to the handler.
	Start(handler BusHandler) error
	Publish(ctx context.Context, msg *BusMessage) error
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Stop()
}

// busChannel maps a topic to a transport channel or subject name.
func busChannel(prefix, separator, topic string) string {
	return prefix + separator + "bus" + separator + strings.ReplaceAll(topic, ":", separator)
}
