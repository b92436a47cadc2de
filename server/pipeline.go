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
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type Pipeline struct {
	logger          *zap.Logger
	metrics         Metrics
	sessionRegistry SessionRegistry
	conversations   ConversationStore
	router          *FanoutRouter
	deliveryTracker *DeliveryTracker
	bus             MessageBus

	validate *validator.Validate
}

func NewPipeline(logger *zap.Logger, metrics Metrics, sessionRegistry SessionRegistry, conversations ConversationStore, router *FanoutRouter, deliveryTracker *DeliveryTracker, bus MessageBus) *Pipeline {
	validate := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Pipeline{
		logger:          logger,
		metrics:         metrics,
		sessionRegistry: sessionRegistry,
		conversations:   conversations,
		router:          router,
		deliveryTracker: deliveryTracker,
		bus:             bus,

		validate: validate,
	}
}

// ProcessRequest handles one inbound envelope. Failures are answered with an error
// event; the return value is false only when the connection must be closed.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, envelope *Envelope) bool {
	var pipelineFn func(ctx context.Context, logger *zap.Logger, session Session, envelope *Envelope) error

	metricName := envelope.Event
	switch envelope.Event {
	case EventJoinConversation:
		pipelineFn = p.joinConversation
	case EventLeaveConversation:
		pipelineFn = p.leaveConversation
	case EventSendMessage:
		pipelineFn = p.sendMessage
	case EventMessagesReceived:
		pipelineFn = p.messagesReceived
	case EventTyping:
		pipelineFn = p.typing
	default:
		metricName = "unrecognized"
		pipelineFn = func(ctx context.Context, logger *zap.Logger, session Session, envelope *Envelope) error {
			return NewRelayErrorf(ErrorCodeUnrecognizedEvent, "unrecognized event %q", envelope.Event)
		}
	}

	start := time.Now()
	err := pipelineFn(session.Context(), logger, session, envelope)
	p.metrics.Event(metricName, time.Since(start), err != nil)

	if err != nil {
		switch ErrorCodeOf(err) {
		case ErrorCodeInternal:
			logger.Error("Pipeline error", zap.String("event", envelope.Event), zap.Error(err))
		case ErrorCodeRegistryUnavailable:
			logger.Warn("Pipeline registry error", zap.String("event", envelope.Event), zap.Error(err))
		default:
			logger.Debug("Request rejected", zap.String("event", envelope.Event), zap.Error(err))
		}
		if sendErr := session.Send(ErrorEnvelope(err, envelope.Cid, envelope.Event)); sendErr != nil {
			logger.Debug("Could not send error event", zap.Error(sendErr))
		}
	}

	// Every failure past the handshake is reported, never fatal to the connection.
	return true
}

// decode unmarshals the payload of envelope into v and validates it.
func (p *Pipeline) decode(envelope *Envelope, v any) error {
	if err := envelope.DecodeData(v); err != nil {
		return err
	}
	if err := p.validate.Struct(v); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) && len(vErrs) > 0 {
			return ValidationError("invalid %s: %s failed on %s", envelope.Event, vErrs[0].Field(), vErrs[0].Tag()).Wrap(err)
		}
		return ValidationError("invalid %s", envelope.Event).Wrap(err)
	}
	return nil
}

// participantConversation loads a conversation the user takes part in.
func (p *Pipeline) participantConversation(ctx context.Context, userID, conversationID string) (*Conversation, error) {
	conversation, err := p.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeLookupError(err, ErrConversationNotFound)
	}
	if !conversation.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conversation, nil
}
