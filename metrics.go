// Copyright 2015 Google Inc. All Rights Reserved.
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

package fuse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sessionMetrics holds the Prometheus collectors a Session updates as it
// dispatches ops and sends notifications. A nil *sessionMetrics (the zero
// value of Session.metrics) makes every method a no-op, so instrumentation
// is opt-in via WithMetrics.
type sessionMetrics struct {
	opsDispatched  *prometheus.CounterVec
	opErrors       *prometheus.CounterVec
	opLatency      *prometheus.HistogramVec
	notifications  *prometheus.CounterVec
	inFlight       prometheus.Gauge
}

// NewMetrics registers this package's collectors with reg and returns them
// for attaching to a Session with WithMetrics. One result may be attached
// to several Sessions; collectors are labeled by op type, not by session.
// Calling NewMetrics twice with the same reg panics, since the collectors
// are registered again under the same names.
func NewMetrics(reg prometheus.Registerer) *sessionMetrics {
	f := promauto.With(reg)
	return &sessionMetrics{
		opsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuse",
			Name:      "ops_dispatched_total",
			Help:      "Number of requests dispatched to the file system, by op type.",
		}, []string{"op"}),
		opErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuse",
			Name:      "op_errors_total",
			Help:      "Number of requests that completed with a non-nil error, by op type.",
		}, []string{"op"}),
		opLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fuse",
			Name:      "op_latency_seconds",
			Help:      "FileSystem.Call latency, by op type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuse",
			Name:      "notifications_sent_total",
			Help:      "Number of unsolicited notifications written to the kernel, by kind.",
		}, []string{"kind"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "fuse",
			Name:      "ops_in_flight",
			Help:      "Number of requests currently dispatched to the file system.",
		}),
	}
}

// WithMetrics attaches m to a Session so its dispatch loop and Notifier
// report to it. Pass the result's field via MountConfig is not needed;
// call this after NewSession instead:
//
//	s := fuse.NewSession(dev, fs, cfg)
//	s.WithMetrics(fuse.NewMetrics(prometheus.DefaultRegisterer))
func (s *Session) WithMetrics(m *sessionMetrics) *Session {
	s.metrics = m
	return s
}

func (m *sessionMetrics) opStarted(opType string) {
	if m == nil {
		return
	}
	m.opsDispatched.WithLabelValues(opType).Inc()
	m.inFlight.Inc()
}

func (m *sessionMetrics) opFinished(opType string, err error, seconds float64) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.opLatency.WithLabelValues(opType).Observe(seconds)
	if err != nil {
		m.opErrors.WithLabelValues(opType).Inc()
	}
}

func (m *sessionMetrics) notificationSent(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}
