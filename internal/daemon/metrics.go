// Copyright 2025 The Maestro Authors
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

package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fmeurisse/maestro/pkg/workflow"
)

var (
	executionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maestro_executions_started_total",
			Help: "Total workflow executions started",
		},
	)
	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_executions_finished_total",
			Help: "Total workflow executions finished by terminal status",
		},
		[]string{"status"},
	)
	executionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maestro_execution_duration_seconds",
			Help:    "Wall-clock duration of workflow executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
	)
	stepsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maestro_steps_recorded_total",
			Help: "Total step results recorded by status",
		},
		[]string{"status"},
	)
)

// PrometheusMetrics implements engine.Metrics on the default registry.
type PrometheusMetrics struct{}

// ExecutionStarted implements engine.Metrics.
func (PrometheusMetrics) ExecutionStarted() {
	executionsStarted.Inc()
}

// ExecutionFinished implements engine.Metrics.
func (PrometheusMetrics) ExecutionFinished(status workflow.Status, duration time.Duration) {
	executionsFinished.WithLabelValues(string(status)).Inc()
	executionDuration.Observe(duration.Seconds())
}

// StepRecorded implements engine.Metrics.
func (PrometheusMetrics) StepRecorded(status workflow.StepStatus) {
	stepsRecorded.WithLabelValues(string(status)).Inc()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
