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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineErrors(t *testing.T) {
	store := newTestStore()
	node := newTestNode(t, "node1", newTestRegistry(), newTestBroker(), store)
	others := store.addConversation(false, "r1", "r2")
	session := node.connect(t, "s")

	tests := []struct {
		name     string
		envelope *Envelope
		want     ErrorEvent
	}{
		{
			name:     "unrecognized event",
			envelope: &Envelope{Cid: "1", Event: "dance", Data: json.RawMessage(`{}`)},
			want:     ErrorEvent{Reason: `unrecognized event "dance"`, Code: "unrecognized_event", Event: "dance"},
		},
		{
			name:     "missing payload",
			envelope: &Envelope{Cid: "2", Event: EventTyping},
			want:     ErrorEvent{Reason: "missing payload for typing", Code: "validation_failure", Event: EventTyping},
		},
		{
			name:     "malformed payload",
			envelope: &Envelope{Cid: "3", Event: EventJoinConversation, Data: json.RawMessage(`{"conversationId":7}`)},
			want:     ErrorEvent{Reason: "malformed payload for join_conversation", Code: "validation_failure", Event: EventJoinConversation},
		},
		{
			name:     "missing content",
			envelope: &Envelope{Cid: "4", Event: EventSendMessage, Data: json.RawMessage(`{"participantIds":["r1"]}`)},
			want:     ErrorEvent{Reason: "invalid send_message: content failed on required", Code: "validation_failure", Event: EventSendMessage},
		},
		{
			name:     "unknown message type",
			envelope: &Envelope{Cid: "5", Event: EventSendMessage, Data: json.RawMessage(`{"content":"x","messageType":"sticker","participantIds":["r1"]}`)},
			want:     ErrorEvent{Reason: "invalid send_message: messageType failed on oneof", Code: "validation_failure", Event: EventSendMessage},
		},
		{
			name:     "join without membership",
			envelope: &Envelope{Cid: "6", Event: EventJoinConversation, Data: json.RawMessage(`{"conversationId":"` + others.ID + `"}`)},
			want:     ErrorEvent{Reason: ErrNotParticipant.Message, Code: "authorization_failure", Event: EventJoinConversation},
		},
		{
			name:     "typing in unknown conversation",
			envelope: &Envelope{Cid: "7", Event: EventTyping, Data: json.RawMessage(`{"conversationId":"conv404","isTyping":true}`)},
			want:     ErrorEvent{Reason: ErrConversationNotFound.Message, Code: "not_found", Event: EventTyping},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session.Reset()
			require.True(t, node.pipeline.ProcessRequest(session.Logger(), session, tt.envelope), "errors never close the connection")

			errs := session.Received(EventError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.envelope.Cid, errs[0].Cid)
			if diff := cmp.Diff(tt.want, *decodeEvent[ErrorEvent](t, errs[0])); diff != "" {
				t.Errorf("error event mismatch (-want +got):\n%s", diff)
			}
		})
	}

	assert.False(t, node.sessionRegistry.Subscribed(session, ConversationTopic(others.ID)))
}

func TestPipelineJoinAndLeave(t *testing.T) {
	store := newTestStore()
	node := newTestNode(t, "node1", newTestRegistry(), newTestBroker(), store)
	conversation := store.addConversation(false, "s", "r")
	session := node.connect(t, "s")
	topic := ConversationTopic(conversation.ID)

	node.request(t, session, "1", EventJoinConversation, &JoinConversationRequest{ConversationID: conversation.ID})
	assert.Empty(t, session.Received(EventError))
	assert.True(t, node.sessionRegistry.Subscribed(session, topic))
	assert.True(t, node.bus.Subscribed(topic))

	node.request(t, session, "2", EventLeaveConversation, &LeaveConversationRequest{ConversationID: conversation.ID})
	assert.Empty(t, session.Received(EventError))
	assert.False(t, node.sessionRegistry.Subscribed(session, topic))
	assert.False(t, node.bus.Subscribed(topic), "the last local subscriber leaving drops the bus subscription")
}

func TestPipelineTypingRelay(t *testing.T) {
	registry := newTestRegistry()
	broker := newTestBroker()
	store := newTestStore()
	node1 := newTestNode(t, "node1", registry, broker, store)
	node2 := newTestNode(t, "node2", registry, broker, store)
	conversation := store.addConversation(false, "s", "r")

	sender := node1.connect(t, "s")
	senderTablet := node1.connect(t, "s")
	recipient := node2.connect(t, "r")
	node1.request(t, sender, "", EventJoinConversation, &JoinConversationRequest{ConversationID: conversation.ID})
	node1.request(t, senderTablet, "", EventJoinConversation, &JoinConversationRequest{ConversationID: conversation.ID})
	node2.request(t, recipient, "", EventJoinConversation, &JoinConversationRequest{ConversationID: conversation.ID})

	node1.request(t, sender, "t1", EventTyping, &TypingRequest{ConversationID: conversation.ID, IsTyping: true})

	assert.Empty(t, sender.Received(EventTyping), "the typing connection is not echoed")
	assert.Len(t, senderTablet.Received(EventTyping), 1)

	events := recipient.Received(EventTyping)
	require.Len(t, events, 1)
	if diff := cmp.Diff(&TypingEvent{ConversationID: conversation.ID, UserID: "s", IsTyping: true}, decodeEvent[TypingEvent](t, events[0])); diff != "" {
		t.Errorf("typing event mismatch (-want +got):\n%s", diff)
	}
}
