// Package observability defines the Prometheus metrics exported by the
// tunnel engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal counts frames moved through the mailbox, labeled by
	// direction (sent, received).
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuman_frames_total",
			Help: "Total number of frames exchanged through the mailbox, labeled by direction.",
		},
		[]string{"direction"}, // sent, received
	)

	// BytesTotal counts plaintext stream bytes, labeled by direction.
	BytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuman_bytes_total",
			Help: "Total plaintext bytes carried by streams, labeled by direction.",
		},
		[]string{"direction"},
	)

	// StreamsOpen tracks the number of live streams in the session table.
	StreamsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuman_streams_open",
			Help: "Number of currently open streams.",
		},
	)

	// SlotsFree tracks how many write slots are currently acquirable.
	// Zero here means streams are stalled on backpressure.
	SlotsFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tuman_slots_free",
			Help: "Number of free slots in this role's write pool.",
		},
	)

	// IntegrityDropsTotal counts frames dropped on authentication or
	// header failure.
	IntegrityDropsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuman_integrity_drops_total",
			Help: "Total number of frames dropped due to failed integrity checks.",
		},
	)

	// TransportErrorsTotal counts store operations that exhausted their
	// retry budget.
	TransportErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tuman_transport_errors_total",
			Help: "Total number of document-store operations that failed after retries.",
		},
	)

	// StreamResetsTotal counts stream teardowns, labeled by cause.
	StreamResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tuman_stream_resets_total",
			Help: "Total number of stream resets, labeled by cause.",
		},
		[]string{"cause"}, // peer, transport, gap, idle, dial, read, write, local
	)
)

// MustRegister installs the tunnel metrics into the default registry.
// Call once at startup.
func MustRegister() {
	prometheus.MustRegister(
		FramesTotal,
		BytesTotal,
		StreamsOpen,
		SlotsFree,
		IntegrityDropsTotal,
		TransportErrorsTotal,
		StreamResetsTotal,
	)
}

// Serve exposes /metrics on addr. It blocks, so run it in its own
// goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
