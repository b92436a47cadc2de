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
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type RelayServer struct {
	logger     *zap.Logger
	config     Config
	components *RelayComponents
	httpServer *http.Server
}

// NewRelayRouter exposes the realtime socket, the control routes, the metrics and the health check.
func NewRelayRouter(logger *zap.Logger, config Config, metrics Metrics, components *RelayComponents) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws", NewSocketWsAcceptor(logger, config, components.SessionRegistry, components.Tracker, components.Verifier, metrics, components.Pipeline)).Methods(http.MethodGet)
	NewControlAPI(logger, config.GetSession(), components.Tracker, components.BlockFilter).Register(router)
	router.Handle("/metrics", metrics.HTTPHandler()).Methods(http.MethodGet)
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := components.Registry.Ping(r.Context()); err != nil {
			logger.Warn("Health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"registry_unavailable"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}).Methods(http.MethodGet)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(logger)),
		handlers.PrintRecoveryStack(true),
	)(router)
}

func StartRelayServer(logger, startupLogger *zap.Logger, config Config, metrics Metrics, components *RelayComponents) *RelayServer {
	socketConfig := config.GetSocket()
	s := &RelayServer{
		logger:     logger,
		config:     config,
		components: components,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%v:%d", socketConfig.Address, socketConfig.Port),
			ReadTimeout:  time.Duration(socketConfig.ReadTimeoutMs) * time.Millisecond,
			WriteTimeout: time.Duration(socketConfig.WriteTimeoutMs) * time.Millisecond,
			IdleTimeout:  time.Duration(socketConfig.IdleTimeoutMs) * time.Millisecond,
			Handler:      NewRelayRouter(logger, config, metrics, components),
		},
	}

	go func() {
		startupLogger.Info("Starting relay server for HTTP and WebSocket requests", zap.Int("port", socketConfig.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startupLogger.Fatal("Relay server listener failed", zap.Error(err))
		}
	}()

	return s
}

// Stop stops accepting connections, then closes the open sessions and the backing clients.
func (s *RelayServer) Stop(ctx context.Context) error {
	var err error
	if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
		s.logger.Error("Relay server shutdown failed", zap.Error(shutdownErr))
		err = multierr.Append(err, shutdownErr)
	}
	return multierr.Append(err, s.components.Stop(ctx))
}
