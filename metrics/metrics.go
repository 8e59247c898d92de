// Package metrics exposes THP transport counters as a Prometheus
// collector: frames in/out, retransmissions, checksum failures, and the
// current count of active channels/sessions.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a custom prometheus.Collector over a fixed set of THP
// counters, grounded on runZeroInc-sockstats/pkg/exporter's
// TCPInfoCollector shape (a struct of prometheus.Desc values paired with
// atomically-updated state, read out in Collect rather than registered as
// standalone prometheus.Counter globals).
type Collector struct {
	framesIn         *prometheus.Desc
	framesOut        *prometheus.Desc
	retransmissions  *prometheus.Desc
	checksumFailures *prometheus.Desc
	activeChannels   *prometheus.Desc
	activeSessions   *prometheus.Desc

	framesInCount         uint64
	framesOutCount        uint64
	retransmissionsCount  uint64
	checksumFailuresCount uint64
	activeChannelsCount   int64
	activeSessionsCount   int64
}

// NewCollector returns a Collector with all descriptors under the
// "thp_" namespace.
func NewCollector() *Collector {
	return &Collector{
		framesIn:         prometheus.NewDesc("thp_frames_in_total", "Reports received across all interfaces.", nil, nil),
		framesOut:        prometheus.NewDesc("thp_frames_out_total", "Reports written across all interfaces.", nil, nil),
		retransmissions:  prometheus.NewDesc("thp_retransmissions_total", "Frame retransmissions issued by the reliability layer.", nil, nil),
		checksumFailures: prometheus.NewDesc("thp_checksum_failures_total", "Messages dropped for CRC-32 mismatch.", nil, nil),
		activeChannels:   prometheus.NewDesc("thp_active_channels", "Channels currently allocated.", nil, nil),
		activeSessions:   prometheus.NewDesc("thp_active_sessions", "Sessions currently allocated across all channels.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.framesIn
	descs <- c.framesOut
	descs <- c.retransmissions
	descs <- c.checksumFailures
	descs <- c.activeChannels
	descs <- c.activeSessions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(c.framesIn, prometheus.CounterValue, float64(atomic.LoadUint64(&c.framesInCount)))
	metrics <- prometheus.MustNewConstMetric(c.framesOut, prometheus.CounterValue, float64(atomic.LoadUint64(&c.framesOutCount)))
	metrics <- prometheus.MustNewConstMetric(c.retransmissions, prometheus.CounterValue, float64(atomic.LoadUint64(&c.retransmissionsCount)))
	metrics <- prometheus.MustNewConstMetric(c.checksumFailures, prometheus.CounterValue, float64(atomic.LoadUint64(&c.checksumFailuresCount)))
	metrics <- prometheus.MustNewConstMetric(c.activeChannels, prometheus.GaugeValue, float64(atomic.LoadInt64(&c.activeChannelsCount)))
	metrics <- prometheus.MustNewConstMetric(c.activeSessions, prometheus.GaugeValue, float64(atomic.LoadInt64(&c.activeSessionsCount)))
}

// IncFramesIn records one report received.
func (c *Collector) IncFramesIn() { atomic.AddUint64(&c.framesInCount, 1) }

// IncFramesOut records one report written.
func (c *Collector) IncFramesOut() { atomic.AddUint64(&c.framesOutCount, 1) }

// IncRetransmissions records one retransmission attempt.
func (c *Collector) IncRetransmissions() { atomic.AddUint64(&c.retransmissionsCount, 1) }

// IncChecksumFailures records one dropped message for CRC mismatch.
func (c *Collector) IncChecksumFailures() { atomic.AddUint64(&c.checksumFailuresCount, 1) }

// SetActiveChannels updates the active-channel gauge.
func (c *Collector) SetActiveChannels(n int) { atomic.StoreInt64(&c.activeChannelsCount, int64(n)) }

// SetActiveSessions updates the active-session gauge.
func (c *Collector) SetActiveSessions(n int) { atomic.StoreInt64(&c.activeSessionsCount, int64(n)) }
