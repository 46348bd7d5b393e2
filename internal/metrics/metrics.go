// Package metrics implements Prometheus metrics for the switch fabric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngressFrames counts frames entering the fabric by ingress port
	IngressFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swfab_ingress_frames_total",
			Help: "Total number of frames entering the switch fabric",
		},
		[]string{"port"},
	)

	// DeliveredFrames counts frames accepted by at least one egress queue
	DeliveredFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "swfab_delivered_frames_total",
			Help: "Total number of frames delivered to at least one port",
		},
	)

	// DroppedFrames counts discarded frames by drop reason
	DroppedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swfab_dropped_frames_total",
			Help: "Total number of frames dropped by the switch fabric",
		},
		[]string{"reason"},
	)

	// ArenaFreeBytes tracks the unallocated bytes in the packet arena
	ArenaFreeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "swfab_arena_free_bytes",
			Help: "Current unallocated byte capacity of the packet arena",
		},
	)

	// EgressFrames counts frames read out of an egress queue by port
	EgressFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swfab_egress_frames_total",
			Help: "Total number of frames drained from egress queues",
		},
		[]string{"port"},
	)
)
