// Copyright 2024 Google LLC
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

package obs

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the pipeline maintains. A single
// instance is created by the orchestrator and threaded through every
// component instead of relying on prometheus' default global registry,
// keeping composition explicit.
type Metrics struct {
	Registry *prometheus.Registry

	PacketsSeen       prometheus.Counter
	PacketsDropped    prometheus.Counter
	PacketsDuplicate  prometheus.Counter
	ActiveFlows       prometheus.Gauge
	FlowsFinalised    prometheus.Counter
	FlowsForceClosed  prometheus.Counter
	EnrichmentMisses  *prometheus.CounterVec
	SubscriberDrops   prometheus.Counter
	StoreWriteLatency prometheus.Histogram
	StoreErrors       prometheus.Counter
}

// NewMetrics constructs and registers every collector against a fresh
// registry, so tests can create isolated Metrics instances freely.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		PacketsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netinsight", Subsystem: "capture", Name: "packets_seen_total",
			Help: "Packets accepted by the aggregator after duplicate suppression and sampling.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netinsight", Subsystem: "capture", Name: "packets_dropped_total",
			Help: "Packets dropped due to backpressure or decode failure.",
		}),
		PacketsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netinsight", Subsystem: "capture", Name: "packets_duplicate_total",
			Help: "Packets suppressed by the duplicate-arrival gate.",
		}),
		ActiveFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "netinsight", Subsystem: "aggregator", Name: "active_flows",
			Help: "Current size of the active-flow map.",
		}),
		FlowsFinalised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netinsight", Subsystem: "aggregator", Name: "flows_finalised_total",
			Help: "Flows finalised by idle timeout, observed close, or shutdown drain.",
		}),
		FlowsForceClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netinsight", Subsystem: "aggregator", Name: "flows_force_closed_total",
			Help: "Flows force-finalised to respect the active-flow cap.",
		}),
		EnrichmentMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netinsight", Subsystem: "identifier", Name: "enrichment_misses_total",
			Help: "Enrichment attempts that returned no result, by source.",
		}, []string{"source"}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netinsight", Subsystem: "notify", Name: "subscriber_drops_total",
			Help: "Messages dropped because a subscriber queue was full.",
		}),
		StoreWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netinsight", Subsystem: "store", Name: "write_latency_seconds",
			Help: "Latency of store write operations, including retries.", Buckets: prometheus.DefBuckets,
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netinsight", Subsystem: "store", Name: "errors_total",
			Help: "Write failures after exhausting the retry budget.",
		}),
	}

	reg.MustRegister(
		m.PacketsSeen, m.PacketsDropped, m.PacketsDuplicate,
		m.ActiveFlows, m.FlowsFinalised, m.FlowsForceClosed,
		m.EnrichmentMisses, m.SubscriberDrops,
		m.StoreWriteLatency, m.StoreErrors,
	)

	return m
}
