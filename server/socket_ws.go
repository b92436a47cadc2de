// Copyright 2018 The Nakama Authors
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
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// bearerToken reads the session token from the Authorization header, falling back
// to the token query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header["Authorization"]; len(auth) >= 1 {
		const prefix = "Bearer "
		if !strings.HasPrefix(auth[0], prefix) {
			return ""
		}
		return strings.TrimSpace(auth[0][len(prefix):])
	}
	return r.URL.Query().Get("token")
}

func extractClientAddressFromRequest(logger *zap.Logger, r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// The first entry is the original client.
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		logger.Debug("Could not extract client address from request", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return r.RemoteAddr
	}
	return host
}

func NewSocketWsAcceptor(logger *zap.Logger, config Config, sessionRegistry SessionRegistry, tracker *PresenceTracker, verifier TokenVerifier, metrics Metrics, pipeline *Pipeline) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  config.GetSocket().ReadBufferSizeBytes,
		WriteBufferSize: config.GetSocket().WriteBufferSizeBytes,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	sessionIdGen := NewConnectionIDGen(config.GetName())
	writeWait := time.Duration(config.GetSocket().WriteWaitMs) * time.Millisecond

	// This handler will be attached to the HTTP server.
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade first so an authentication failure can be reported as an error event.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		claims, err := verifier.Verify(r.Context(), bearerToken(r))
		if err != nil {
			logger.Debug("Rejected WebSocket connection", zap.Error(err))
			rejectConnection(logger, conn, err, writeWait)
			return
		}

		clientIP := extractClientAddressFromRequest(logger, r)
		sessionID := uuid.Must(sessionIdGen.NewV1())

		// Mark the start of the session.
		metrics.CountWebsocketOpened(1)

		// Wrap the connection for application handling.
		session := NewSessionWS(logger, config, sessionID, claims.UserID, claims.Username, clientIP, conn, sessionRegistry, tracker, metrics, pipeline)

		// Add to the session registry.
		sessionRegistry.Add(session)

		// Register presence, which never fails the connection.
		tracker.Connect(session.Context(), session)

		// Allow the server to begin processing incoming messages from this session.
		session.Consume()

		// Mark the end of the session.
		metrics.CountWebsocketClosed(1)
	}
}

// rejectConnection writes an error event for err and closes the socket.
func rejectConnection(logger *zap.Logger, conn *websocket.Conn, err error, writeWait time.Duration) {
	if payload, marshalErr := envelopeBytes(ErrorEnvelope(err, "", "")); marshalErr == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if writeErr := conn.WriteMessage(websocket.TextMessage, payload); writeErr != nil {
			logger.Debug("Could not write authentication error", zap.Error(writeErr))
		}
	}
	closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ClientReason(err))
	if writeErr := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait)); writeErr != nil {
		logger.Debug("Could not send close message", zap.Error(writeErr))
	}
	if closeErr := conn.Close(); closeErr != nil {
		logger.Debug("Could not close", zap.Error(closeErr))
	}
}
