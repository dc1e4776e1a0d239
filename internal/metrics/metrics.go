// Package metrics exposes Prometheus metrics for the terminal service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TerminalsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "termhost",
		Subsystem: "terminals",
		Name:      "active",
		Help:      "Live terminal managers.",
	})

	TerminalsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termhost",
		Subsystem: "terminals",
		Name:      "created_total",
		Help:      "Terminals created since start.",
	})

	CreateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termhost",
		Subsystem: "terminals",
		Name:      "create_failures_total",
		Help:      "Terminal creations that failed.",
	})

	TerminalExits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termhost",
		Subsystem: "terminals",
		Name:      "exits_total",
		Help:      "Child processes that exited.",
	})

	SessionsAdopted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "termhost",
		Subsystem: "sessions",
		Name:      "adopted_total",
		Help:      "Persistent sessions reconnected after a restart.",
	})

	HostConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "termhost",
		Subsystem: "host",
		Name:      "connected",
		Help:      "Whether the pty host connection is up.",
	})
)
