// Package metrics holds the Prometheus instruments for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the poll/dispatch path touches.
type Metrics struct {
	PollTotal    *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec
	TickDuration prometheus.Histogram
	TicksSkipped prometheus.Counter

	PublishTotal *prometheus.CounterVec

	LogRowsWritten prometheus.Counter
	LogRowsDropped prometheus.Counter

	AlarmEvents *prometheus.CounterVec

	DevicesPolled prometheus.Gauge
}

// New creates and registers all gateway metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		PollTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aquagate_poll_total",
				Help: "Device polls by family and qc status",
			},
			[]string{"family", "status"},
		),

		PollDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aquagate_poll_duration_seconds",
				Help:    "Duration of one device poll including retries",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"family"},
		),

		TickDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "aquagate_tick_duration_seconds",
				Help:    "Duration of one full polling tick",
				Buckets: []float64{1, 5, 10, 20, 30, 45, 60, 90},
			},
		),

		TicksSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aquagate_ticks_skipped_total",
				Help: "Ticks skipped because the previous tick was still running",
			},
		),

		PublishTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aquagate_publish_total",
				Help: "Broker publishes by outcome",
			},
			[]string{"status"},
		),

		LogRowsWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aquagate_log_rows_written_total",
				Help: "NDJSON rows accepted by the log writer",
			},
		),

		LogRowsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "aquagate_log_rows_dropped_total",
				Help: "NDJSON rows dropped by rate limit or whitelist",
			},
		),

		AlarmEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aquagate_alarm_events_total",
				Help: "Alarm edge events by kind",
			},
			[]string{"kind"},
		),

		DevicesPolled: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aquagate_devices_polled",
				Help: "Devices enumerated in the most recent tick",
			},
		),
	}
}
