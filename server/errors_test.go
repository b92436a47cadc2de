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
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayErrorMatching(t *testing.T) {
	cause := errors.New("connection reset")
	wrapped := fmt.Errorf("lookup: %w", ErrMissingToken.Wrap(cause))

	assert.ErrorIs(t, wrapped, ErrMissingToken, "a wrapped sentinel still matches")
	assert.ErrorIs(t, wrapped, cause)
	assert.NotErrorIs(t, wrapped, ErrConversationNotFound)
	assert.Equal(t, ErrorCodeAuthentication, ErrorCodeOf(wrapped))
	assert.Equal(t, ErrorCodeInternal, ErrorCodeOf(cause))
	assert.False(t, RelayErrorIs(nil, ErrorCodeInternal))

	registryErr := RegistryError("register", cause)
	assert.True(t, RelayErrorIs(registryErr, ErrorCodeRegistryUnavailable))
	assert.ErrorIs(t, registryErr, cause)
}

func TestErrorEnvelope(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorEvent
	}{
		{
			name: "client error",
			err:  ValidationError("participantIds must name at least one other user"),
			want: ErrorEvent{Reason: "participantIds must name at least one other user", Code: "validation_failure", Event: EventSendMessage},
		},
		{
			name: "internal error hides its cause",
			err:  fmt.Errorf("failed to create message: %w", errors.New("mongo: write concern")),
			want: ErrorEvent{Reason: "internal error", Code: "internal", Event: EventSendMessage},
		},
		{
			name: "wrapped cause is not exposed",
			err:  ErrMessageNotFound.Wrap(errors.New("mongo: no documents")),
			want: ErrorEvent{Reason: "message not found", Code: "not_found", Event: EventSendMessage},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope := ErrorEnvelope(tt.err, "42", EventSendMessage)
			assert.Equal(t, EventError, envelope.Event)
			assert.Equal(t, "42", envelope.Cid)

			got := ErrorEvent{}
			require.NoError(t, envelope.DecodeData(&got))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("error event mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestErrorCodeStrings(t *testing.T) {
	codes := map[ErrorCode]string{
		ErrorCodeInternal:            "internal",
		ErrorCodeAuthentication:      "authentication_failure",
		ErrorCodeRegistryUnavailable: "registry_unavailable",
		ErrorCodeValidation:          "validation_failure",
		ErrorCodeUnauthorized:        "authorization_failure",
		ErrorCodeNotFound:            "not_found",
		ErrorCodeUnrecognizedEvent:   "unrecognized_event",
	}
	for code, want := range codes {
		assert.Equal(t, want, code.String())
	}
}
