// Copyright 2024 The tinyflow.io Authors
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

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinyflow",
		Subsystem: "worker",
		Name:      "attempts_total",
		Help:      "Task attempts finished, by terminal status.",
	}, []string{"status"})

	attemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tinyflow",
		Subsystem: "worker",
		Name:      "attempt_duration_seconds",
		Help:      "Wall time of task attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"node"})

	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinyflow",
		Subsystem: "worker",
		Name:      "reservations_total",
		Help:      "Reservation attempts, by outcome (won, lost, deferred).",
	}, []string{"outcome"})

	runsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinyflow",
		Subsystem: "monitor",
		Name:      "runs_finalized_total",
		Help:      "Dag runs moved to a terminal status by the monitor.",
	}, []string{"status"})
)
