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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// InvalidateBlocksRequest names the users whose block lists changed.
type InvalidateBlocksRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,dive,required"`
}

type controlError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ControlAPI serves the routes trusted backends call after changing state the relay caches,
// or to close a connection wherever it is held.
type ControlAPI struct {
	logger      *zap.Logger
	serverKey   string
	tracker     *PresenceTracker
	blockFilter *BlockFilter
	validate    *validator.Validate
}

func NewControlAPI(logger *zap.Logger, sessionConfig *SessionConfig, tracker *PresenceTracker, blockFilter *BlockFilter) *ControlAPI {
	return &ControlAPI{
		logger:      logger,
		serverKey:   sessionConfig.ServerKey,
		tracker:     tracker,
		blockFilter: blockFilter,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds the control routes. Nothing is registered without a server key.
func (a *ControlAPI) Register(router *mux.Router) {
	if a.serverKey == "" {
		return
	}
	control := router.PathPrefix("/v1").Subrouter()
	control.Use(a.authenticate)
	control.HandleFunc("/connections/{connectionId}", a.disconnectConnection).Methods(http.MethodDelete)
	control.HandleFunc("/blocks/invalidate", a.invalidateBlocks).Methods(http.MethodPost)
}

func (a *ControlAPI) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subtle.ConstantTimeCompare([]byte(bearerToken(r)), []byte(a.serverKey)) != 1 {
			a.writeError(w, NewRelayError(ErrorCodeAuthentication, "invalid server key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *ControlAPI) disconnectConnection(w http.ResponseWriter, r *http.Request) {
	connectionID := mux.Vars(r)["connectionId"]
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "disconnected by server"
	}

	// The request outlives the HTTP call, the owning process handles it asynchronously.
	if err := a.tracker.RequestDisconnect(context.WithoutCancel(r.Context()), connectionID, reason); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *ControlAPI) invalidateBlocks(w http.ResponseWriter, r *http.Request) {
	req := &InvalidateBlocksRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		a.writeError(w, ValidationError("malformed body").Wrap(err))
		return
	}
	if err := a.validate.Struct(req); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) && len(vErrs) > 0 {
			a.writeError(w, ValidationError("%s failed on %s", vErrs[0].Field(), vErrs[0].Tag()).Wrap(err))
			return
		}
		a.writeError(w, ValidationError("invalid body").Wrap(err))
		return
	}

	if err := a.blockFilter.Invalidate(r.Context(), req.UserIDs...); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *ControlAPI) writeError(w http.ResponseWriter, err error) {
	code := ErrorCodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case ErrorCodeAuthentication:
		status = http.StatusUnauthorized
	case ErrorCodeValidation:
		status = http.StatusBadRequest
	case ErrorCodeRegistryUnavailable:
		status = http.StatusServiceUnavailable
	case ErrorCodeNotFound:
		status = http.StatusNotFound
	default:
		a.logger.Error("Control request failed", zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(&controlError{Code: code.String(), Message: ClientReason(err)}); encodeErr != nil {
		a.logger.Debug("Could not write control error", zap.Error(encodeErr))
	}
}
