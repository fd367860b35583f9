// Copyright 2023 The TabletDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	OpPrepareQueueTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "TabletDB",
		Subsystem: "tablet",
		Name:      "op_prepare_queue_time_us",
		Help: "Time that operations spent waiting in the prepare queue before " +
			"being processed, in microseconds.",
		Buckets: prometheus.ExponentialBuckets(10, 2, 20),
	})

	OpPrepareRunTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "TabletDB",
		Subsystem: "tablet",
		Name:      "op_prepare_run_time_us",
		Help: "Time that operations spent being prepared, in microseconds. " +
			"High values may indicate contention on row locks.",
		Buckets: prometheus.ExponentialBuckets(10, 2, 20),
	})

	InFlightOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "TabletDB",
		Subsystem: "tablet",
		Name:      "in_flight_operations",
		Help:      "Number of operation drivers currently registered with the tracker.",
	})

	OperationsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "TabletDB",
		Subsystem: "tablet",
		Name:      "operations_applied_total",
		Help:      "Operations that reached REPLICATED and PREPARED and were applied.",
	})

	OperationsAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "TabletDB",
		Subsystem: "tablet",
		Name:      "operations_aborted_total",
		Help:      "Operations aborted before replication began.",
	})

	LogGCEntriesRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "TabletDB",
		Subsystem: "tablet",
		Name:      "log_gc_entries_removed_total",
		Help:      "Log entries removed by garbage collection.",
	})
)

func init() {
	Registry.MustRegister(
		OpPrepareQueueTime,
		OpPrepareRunTime,
		InFlightOperations,
		OperationsApplied,
		OperationsAborted,
		LogGCEntriesRemoved,
	)
}
