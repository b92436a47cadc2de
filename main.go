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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echotools/relay/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "3.0.0"
	commitID string = "dev"
)

func main() {
	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			tmpLogger.Info(version + "+" + commitID)
			return
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)
	server.CheckConfig(logger, config)

	startupLogger.Info("Relay starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", version+"+"+commitID))
	startupLogger.Info("Data directory", zap.String("path", config.GetLogger().Dir))

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	metrics := server.NewLocalMetrics(logger, startupLogger, config)

	components, err := server.NewRelayComponents(ctx, logger, startupLogger, config, metrics)
	if err != nil {
		startupLogger.Fatal("Failed to initialize relay components", zap.Error(err))
	}

	relayServer := server.StartRelayServer(logger, startupLogger, config, metrics, components)

	startupLogger.Info("Startup done")

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	graceSeconds := config.GetShutdownGraceSec()
	startupLogger.Info("Shutdown started - use CTRL^C to force stop server", zap.Int("grace_period_sec", graceSeconds))

	shutdownCtx := context.Background()
	if graceSeconds > 0 {
		var shutdownCancelFn context.CancelFunc
		shutdownCtx, shutdownCancelFn = context.WithTimeout(shutdownCtx, time.Duration(graceSeconds)*time.Second)
		defer shutdownCancelFn()
	}

	go func() {
		// A second signal forces the process down.
		<-c
		startupLogger.Warn("Shutdown forced")
		os.Exit(1)
	}()

	if err := relayServer.Stop(shutdownCtx); err != nil {
		logger.Error("Shutdown completed with errors", zap.Error(err))
	}
	metrics.Stop(logger)
	ctxCancelFn()

	startupLogger.Info("Shutdown complete")

	os.Exit(0)
}
