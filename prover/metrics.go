/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package prover

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are exposed only by the leader's share server, so phase durations and failures are
// recorded for the leader's distributed prove alone; single-node and worker runs exit without a scrape target.
var (
	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prover",
			Subsystem: "session",
			Name:      "phase_duration_seconds",
			Help:      "Duration of the leader's distributed prove phase",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
		},
		[]string{"circuit", "phase", "role"},
	)

	phaseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "session",
			Name:      "phase_failures_total",
			Help:      "Leader distributed prove phases that ended in a typed error",
		},
		[]string{"circuit", "phase", "code"},
	)

	sharesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "shares",
			Name:      "received_total",
			Help:      "Worker shares delivered to the leader",
		},
		[]string{"circuit", "outcome"},
	)

	shareWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prover",
			Subsystem: "shares",
			Name:      "wait_seconds",
			Help:      "Time the leader spent blocked on the share barrier",
			Buckets:   []float64{0.01, 0.1, 1, 5, 10, 30, 60, 300, 1800},
		},
		[]string{"circuit"},
	)

	apiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prover",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of share server requests",
		},
		[]string{"method", "path", "status"},
	)
)

func observePhase(circuit, phase, role string, start time.Time, err error) {
	phaseDuration.WithLabelValues(circuit, phase, role).Observe(time.Since(start).Seconds())
	if err != nil {
		phaseFailures.WithLabelValues(circuit, phase, errorCode(err)).Inc()
	}
}

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		apiRequests.WithLabelValues(c.Request.Method, path, statusLabel(c.Writer.Status())).Inc()
	}
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
