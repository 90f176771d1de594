// RELAY - Federated Secure Message Relay
// Copyright (C) 2025 RELAY-X-project
//
// This file is part of RELAY.
//
// RELAY is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// RELAY is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with RELAY. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated counts accepted task posts.
	TasksCreated = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "tasks_created_total",
			Help:      "Total number of tasks accepted",
		},
	)

	// SocketsCreated counts accepted socket request posts.
	SocketsCreated = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "sockets_created_total",
			Help:      "Total number of socket requests accepted",
		},
	)

	// ResultsSubmitted counts result submissions by work status.
	ResultsSubmitted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "results_submitted_total",
			Help:      "Total number of results submitted",
		},
		[]string{"status"},
	)

	// ActiveWaiters gauges in-flight long-poll requests.
	ActiveWaiters = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "active_waiters",
			Help:      "Long-poll requests currently blocked",
		},
	)

	// ActiveStreams gauges open SSE result streams.
	ActiveStreams = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "active_streams",
			Help:      "SSE result streams currently open",
		},
	)

	// SocketsPaired counts completed tunnel rendezvous.
	SocketsPaired = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sockets",
			Name:      "paired_total",
			Help:      "Total number of paired socket tunnels",
		},
	)

	// InternalErrors counts channel-fatal 500s; anything but zero deserves
	// a look at broadcast capacities.
	InternalErrors = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "exchange",
			Name:      "internal_errors_total",
			Help:      "Requests failed on broadcast lag or closure",
		},
	)
)
