// Package metrics exposes testimonyd's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "testimony"
	subsystem = "daemon"
)

// Label names.
const (
	labelInterface = "interface"
	labelFanoutID  = "fanout_id"
	labelShard     = "shard"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Testimony Metrics
// -------------------------------------------------------------------------

// Collector holds all of testimonyd's Prometheus metrics.
//
//   - Sessions tracks currently connected client sessions per shard.
//   - BlocksRetired/BlocksDelivered/BlocksDropped/BlocksReclaimed track the
//     lifecycle of ring blocks as they move through the block ownership
//     state machine (kernel -> daemon -> client -> kernel).
//   - KernelDrops surfaces the kernel's own tpacket_stats_v3 drop counter
//     so operators can see capture loss that happens below the ring.
type Collector struct {
	// Sessions tracks the number of currently connected client sessions.
	Sessions *prometheus.GaugeVec

	// BlocksRetired counts blocks the kernel has handed to the daemon.
	BlocksRetired *prometheus.CounterVec

	// BlocksDelivered counts blocks handed from the daemon to a client.
	BlocksDelivered *prometheus.CounterVec

	// BlocksDropped counts blocks retired with no connected client to
	// receive them.
	BlocksDropped *prometheus.CounterVec

	// BlocksReclaimed counts blocks returned to the kernel, either by
	// client acknowledgment or by session teardown.
	BlocksReclaimed *prometheus.CounterVec

	// KernelDrops mirrors the kernel's tpacket_stats_v3 tp_drops counter.
	KernelDrops *prometheus.GaugeVec
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.BlocksRetired,
		c.BlocksDelivered,
		c.BlocksDropped,
		c.BlocksReclaimed,
		c.KernelDrops,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	shardLabels := []string{labelInterface, labelFanoutID, labelShard}
	groupLabels := []string{labelInterface, labelFanoutID}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently connected client sessions.",
		}, shardLabels),

		BlocksRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocks_retired_total",
			Help:      "Total ring blocks retired by the kernel to the daemon.",
		}, groupLabels),

		BlocksDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocks_delivered_total",
			Help:      "Total ring blocks handed off to a client session.",
		}, shardLabels),

		BlocksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocks_dropped_total",
			Help:      "Total ring blocks retired with no connected client to receive them.",
		}, shardLabels),

		BlocksReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "blocks_reclaimed_total",
			Help:      "Total ring blocks returned to the kernel.",
		}, shardLabels),

		KernelDrops: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "kernel_drops",
			Help:      "Kernel-reported tpacket_stats_v3 drop count for the ring, as of the last poll.",
		}, groupLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active sessions gauge for a shard.
func (c *Collector) RegisterSession(iface, fanoutID, shard string) {
	c.Sessions.WithLabelValues(iface, fanoutID, shard).Inc()
}

// UnregisterSession decrements the active sessions gauge for a shard.
func (c *Collector) UnregisterSession(iface, fanoutID, shard string) {
	c.Sessions.WithLabelValues(iface, fanoutID, shard).Dec()
}

// -------------------------------------------------------------------------
// Block Lifecycle
// -------------------------------------------------------------------------

// IncBlocksRetired increments the retired-blocks counter for a fanout group.
func (c *Collector) IncBlocksRetired(iface, fanoutID string) {
	c.BlocksRetired.WithLabelValues(iface, fanoutID).Inc()
}

// IncBlocksDelivered increments the delivered-blocks counter for a shard.
func (c *Collector) IncBlocksDelivered(iface, fanoutID, shard string) {
	c.BlocksDelivered.WithLabelValues(iface, fanoutID, shard).Inc()
}

// IncBlocksDropped increments the dropped-blocks counter for a shard.
func (c *Collector) IncBlocksDropped(iface, fanoutID, shard string) {
	c.BlocksDropped.WithLabelValues(iface, fanoutID, shard).Inc()
}

// IncBlocksReclaimed increments the reclaimed-blocks counter for a shard.
func (c *Collector) IncBlocksReclaimed(iface, fanoutID, shard string) {
	c.BlocksReclaimed.WithLabelValues(iface, fanoutID, shard).Inc()
}

// SetKernelDrops sets the kernel-reported drop gauge for a fanout group.
func (c *Collector) SetKernelDrops(iface, fanoutID string, drops float64) {
	c.KernelDrops.WithLabelValues(iface, fanoutID).Set(drops)
}
