// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connector

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts correlated requests by method and outcome
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_connector_requests_total",
			Help: "Total protocol requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// requestDuration observes time from send to resolution
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentlink_connector_request_duration_seconds",
			Help:    "Protocol request latency by method",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"method"},
	)

	// pendingRequests tracks requests awaiting a response
	pendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentlink_connector_pending_requests",
			Help: "Number of protocol requests awaiting a response",
		},
	)

	// activeSessions tracks open duplex sessions
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentlink_connector_active_sessions",
			Help: "Number of currently open agent sessions",
		},
	)

	// probesTotal counts health probes by result
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_connector_probes_total",
			Help: "Total health probes by result",
		},
		[]string{"result"},
	)

	// notificationsTotal counts inbound notifications by method
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentlink_connector_notifications_total",
			Help: "Total inbound notifications by method",
		},
		[]string{"method"},
	)

	// handlerFailures counts notification handlers that errored or panicked
	handlerFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentlink_connector_handler_failures_total",
			Help: "Total notification handler failures",
		},
	)

	// rateLimitWaits observes time spent waiting on the per-session limiter
	rateLimitWaits = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentlink_connector_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the outbound rate limiter",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
)

// knownMethods bounds the method label. Agents and callers choose method
// names freely, so anything outside this set is reported as "other".
var knownMethods = map[string]struct{}{
	MethodInitialize:              {},
	MethodInitialized:             {},
	MethodNotificationInitialized: {},
	MethodToolsList:               {},
	MethodToolsCall:               {},
	MethodResourcesList:           {},
	MethodTasksCreate:             {},
	MethodToolsListChanged:        {},
	MethodResourcesListChanged:    {},
	methodPing:                    {},
}

func methodLabel(method string) string {
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return "other"
}

// recordRequest records the outcome of a correlated request
func recordRequest(method, outcome string, d time.Duration) {
	label := methodLabel(method)
	requestsTotal.WithLabelValues(label, outcome).Inc()
	requestDuration.WithLabelValues(label).Observe(d.Seconds())
}

// recordProbe increments the probe counter
func recordProbe(healthy bool) {
	result := "healthy"
	if !healthy {
		result = "unhealthy"
	}
	probesTotal.WithLabelValues(result).Inc()
}

// recordNotification increments the notification counter
func recordNotification(method string) {
	notificationsTotal.WithLabelValues(methodLabel(method)).Inc()
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	switch CodeOf(err) {
	case CodeRequestTimeout:
		return "timeout"
	case CodeSessionClosed:
		return "session_closed"
	case CodeRemoteError:
		return "remote_error"
	case CodeCancelled:
		return "cancelled"
	case CodeTransportError:
		return "transport_error"
	}
	return "error"
}
