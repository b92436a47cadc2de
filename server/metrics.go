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
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type Metrics interface {
	Stop(logger *zap.Logger)
	HTTPHandler() http.Handler

	SnapshotSessions() int64

	Event(name string, elapsed time.Duration, isErr bool)
	Message(recvBytes int64, isErr bool)
	MessageBytesSent(sentBytes int64)

	GaugeSessions(value float64)
	CountWebsocketOpened(delta int64)
	CountWebsocketClosed(delta int64)

	CountPresenceTransition(online bool)
	CountMessagesRouted(delta int64)
	CountDeliveries(local bool, delta int64)
	CountBlockedRecipients(delta int64)
	CountAcknowledgements(bulk bool, delta int64)
	CountRegistryErrors(op string, delta int64)
	CountBusPublishErrors(delta int64)

	CustomTimer(name string, tags map[string]string, value time.Duration)
}

var _ Metrics = &LocalMetrics{}

type LocalMetrics struct {
	logger *zap.Logger
	config Config

	currentSessions *atomic.Int64

	reporter              prometheus.Reporter
	PrometheusScope       tally.Scope
	prometheusCustomScope tally.Scope
	prometheusCloser      io.Closer
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	m := &LocalMetrics{
		logger: logger,
		config: config,

		currentSessions: atomic.NewInt64(0),
	}

	// Create Prometheus reporter and root scope.
	reporter := prometheus.NewReporter(prometheus.Options{
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})
	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}
	m.reporter = reporter
	m.PrometheusScope, m.prometheusCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)
	m.prometheusCustomScope = m.PrometheusScope.SubScope(config.GetMetrics().CustomPrefix)

	startupLogger.Info("Metrics initialized", zap.String("prefix", config.GetMetrics().Prefix), zap.Int("reporting_freq_sec", config.GetMetrics().ReportingFreqSec))

	return m
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if err := m.prometheusCloser.Close(); err != nil {
		logger.Error("Prometheus stats closer failed", zap.Error(err))
	}
}

// HTTPHandler serves the Prometheus exposition of every registered metric.
func (m *LocalMetrics) HTTPHandler() http.Handler {
	return m.reporter.HTTPHandler()
}

func (m *LocalMetrics) SnapshotSessions() int64 {
	return m.currentSessions.Load()
}

// Event records the handling of one inbound realtime event.
func (m *LocalMetrics) Event(name string, elapsed time.Duration, isErr bool) {
	name = "event_" + name

	// Global stats.
	m.PrometheusScope.Counter("overall_event_count").Inc(1)
	m.PrometheusScope.Timer("overall_event_latency_ms").Record(elapsed / time.Millisecond)

	// Per-event stats.
	m.PrometheusScope.Counter(name + "_count").Inc(1)
	m.PrometheusScope.Timer(name + "_latency_ms").Record(elapsed / time.Millisecond)

	if isErr {
		m.PrometheusScope.Counter("overall_event_errors").Inc(1)
		m.PrometheusScope.Counter(name + "_errors").Inc(1)
	}
}

func (m *LocalMetrics) Message(recvBytes int64, isErr bool) {
	m.PrometheusScope.Counter("socket_ws_recv_messages").Inc(1)
	m.PrometheusScope.Counter("socket_ws_recv_bytes").Inc(recvBytes)
	if isErr {
		m.PrometheusScope.Counter("socket_ws_recv_errors").Inc(1)
	}
}

func (m *LocalMetrics) MessageBytesSent(sentBytes int64) {
	m.PrometheusScope.Counter("socket_ws_sent_messages").Inc(1)
	m.PrometheusScope.Counter("socket_ws_sent_bytes").Inc(sentBytes)
}

func (m *LocalMetrics) GaugeSessions(value float64) {
	m.PrometheusScope.Gauge("sessions").Update(value)
}

func (m *LocalMetrics) CountWebsocketOpened(delta int64) {
	m.currentSessions.Add(delta)
	m.PrometheusScope.Counter("socket_ws_opened").Inc(delta)
}

func (m *LocalMetrics) CountWebsocketClosed(delta int64) {
	m.currentSessions.Sub(delta)
	m.PrometheusScope.Counter("socket_ws_closed").Inc(delta)
}

func (m *LocalMetrics) CountPresenceTransition(online bool) {
	if online {
		m.PrometheusScope.Counter("presence_online_transitions").Inc(1)
	} else {
		m.PrometheusScope.Counter("presence_offline_transitions").Inc(1)
	}
}

func (m *LocalMetrics) CountMessagesRouted(delta int64) {
	m.PrometheusScope.Counter("fanout_messages_routed").Inc(delta)
}

func (m *LocalMetrics) CountDeliveries(local bool, delta int64) {
	m.PrometheusScope.Tagged(map[string]string{"local": strconv.FormatBool(local)}).Counter("fanout_deliveries").Inc(delta)
}

func (m *LocalMetrics) CountBlockedRecipients(delta int64) {
	m.PrometheusScope.Counter("fanout_blocked_recipients").Inc(delta)
}

func (m *LocalMetrics) CountAcknowledgements(bulk bool, delta int64) {
	m.PrometheusScope.Tagged(map[string]string{"bulk": strconv.FormatBool(bulk)}).Counter("delivery_acknowledgements").Inc(delta)
}

func (m *LocalMetrics) CountRegistryErrors(op string, delta int64) {
	m.PrometheusScope.Tagged(map[string]string{"op": op}).Counter("registry_errors").Inc(delta)
}

func (m *LocalMetrics) CountBusPublishErrors(delta int64) {
	m.PrometheusScope.Counter("bus_publish_errors").Inc(delta)
}

// CustomTimer adds the given duration to a timer with the given name and tags.
func (m *LocalMetrics) CustomTimer(name string, tags map[string]string, value time.Duration) {
	if len(tags) == 0 {
		m.prometheusCustomScope.Timer(name).Record(value)
	} else {
		m.prometheusCustomScope.Tagged(tags).Timer(name).Record(value)
	}
}
