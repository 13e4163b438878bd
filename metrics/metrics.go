// Copyright 2025 Blink Labs Software
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

// Package metrics exposes Prometheus collectors for queries and connections.
//
// All Record methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mtproto"

// Query outcomes
const (
	ResultAnswered = "answered"
	ResultFailed   = "failed"
	ResultTimeout  = "timeout"
)

// Reasons a query is sent again
const (
	ReasonRetry    = "retry"
	ReasonRedirect = "redirect"
	ReasonResend   = "resend"
)

// Metrics holds the collectors of one client
type Metrics struct {
	queriesSubmitted  *prometheus.CounterVec
	queriesCompleted  *prometheus.CounterVec
	queryResends      *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	queriesPending    prometheus.Gauge
	staleAnswers      prometheus.Counter
	connectionStates  *prometheus.CounterVec
	connectionsFailed *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queriesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "submitted_total",
				Help:      "Total queries submitted.",
			},
			[]string{"method"},
		),
		queriesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "completed_total",
				Help:      "Total queries resolved, by result.",
			},
			[]string{"method", "result"},
		),
		queryResends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "resends_total",
				Help:      "Total query re-submissions, by reason.",
			},
			[]string{"method", "reason"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Time from submission to resolution in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "result"},
		),
		queriesPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "pending",
				Help:      "Queries awaiting resolution.",
			},
		),
		staleAnswers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "stale_answers_total",
				Help:      "Answers and errors received for unknown message ids.",
			},
		),
		connectionStates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "state_changes_total",
				Help:      "Connection state transitions, by data center and new state.",
			},
			[]string{"dc", "state"},
		),
		connectionsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "connection",
				Name:      "failures_total",
				Help:      "Connection failures, by data center and whether they were fatal.",
			},
			[]string{"dc", "fatal"},
		),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.queriesSubmitted,
		m.queriesCompleted,
		m.queryResends,
		m.queryDuration,
		m.queriesPending,
		m.staleAnswers,
		m.connectionStates,
		m.connectionsFailed,
	}
}

func (m *Metrics) RecordSubmit(method string) {
	if m == nil {
		return
	}
	m.queriesSubmitted.WithLabelValues(method).Inc()
	m.queriesPending.Inc()
}

func (m *Metrics) RecordResolve(method string, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.queriesCompleted.WithLabelValues(method, result).Inc()
	m.queryDuration.WithLabelValues(method, result).Observe(duration.Seconds())
	m.queriesPending.Dec()
}

func (m *Metrics) RecordResend(method string, reason string) {
	if m == nil {
		return
	}
	m.queryResends.WithLabelValues(method, reason).Inc()
}

func (m *Metrics) RecordStale() {
	if m == nil {
		return
	}
	m.staleAnswers.Inc()
}

func (m *Metrics) RecordConnectionState(dc int, state string) {
	if m == nil {
		return
	}
	m.connectionStates.WithLabelValues(strconv.Itoa(dc), state).Inc()
}

func (m *Metrics) RecordConnectionFailure(dc int, fatal bool) {
	if m == nil {
		return
	}
	m.connectionsFailed.WithLabelValues(strconv.Itoa(dc), strconv.FormatBool(fatal)).Inc()
}
