// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LinksOpen counts homebase links currently in the Open state.
	LinksOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hbgate_links_open",
		Help: "Number of homebase links currently open.",
	})

	// LinkConnects counts successful homebase connections.
	LinkConnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbgate_link_connects_total",
		Help: "Successful homebase connections.",
	}, []string{"device"})

	// LinkDisconnects counts link teardowns by cause.
	LinkDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbgate_link_disconnects_total",
		Help: "Homebase link teardowns.",
	}, []string{"device", "cause"})

	// Datapoints counts datapoint frames received per device.
	Datapoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbgate_datapoints_total",
		Help: "Datapoint frames received from homebases.",
	}, []string{"device"})

	// EvalRequests counts eval calls by outcome.
	EvalRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbgate_eval_requests_total",
		Help: "Eval requests by outcome (ok, error, timeout, queue_full, link_closed).",
	}, []string{"outcome"})

	// StatusChanges counts accepted (value-changing) status updates.
	StatusChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hbgate_status_changes_total",
		Help: "Status updates accepted by the dedupe cache.",
	})

	// StatusDuplicates counts updates dropped as unchanged.
	StatusDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hbgate_status_duplicates_total",
		Help: "Status updates dropped because the value was unchanged.",
	})

	// Broadcasts counts frames fanned out to browsers, by event type.
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbgate_broadcasts_total",
		Help: "Events broadcast to browser sessions.",
	}, []string{"event"})

	// BrowserClients gauges currently connected browser sessions.
	BrowserClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hbgate_browser_clients",
		Help: "Connected browser sessions.",
	})

	// BrowserDrops counts frames dropped on saturated browser sockets.
	BrowserDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hbgate_browser_dropped_frames_total",
		Help: "Frames dropped because a browser send buffer was full.",
	})

	// Probes counts reachability probes by outcome.
	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbgate_probes_total",
		Help: "ICMP reachability probes.",
	}, []string{"outcome"})

	// Notifications counts database notifications by channel.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbgate_notifications_total",
		Help: "Database notifications received, by channel.",
	}, []string{"channel"})

	// StoreErrors counts failed store operations by kind.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hbgate_store_errors_total",
		Help: "Failed store operations.",
	}, []string{"op"})
)
