// Package telemetry exposes prometheus metrics for the bridge: frame and
// byte counters on both sides plus active-session gauges.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesIn counts frames read from ingest sessions, by stream kind.
	FramesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmpbridge_frames_in_total",
		Help: "Frames read from ingest sessions.",
	}, []string{"kind"})

	// FramesOut counts frames written by egress sessions, by stream kind.
	FramesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rtmpbridge_frames_out_total",
		Help: "Frames written by egress sessions.",
	}, []string{"kind"})

	// BytesIn counts payload bytes read from ingest sessions.
	BytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtmpbridge_bytes_in_total",
		Help: "Payload bytes read from ingest sessions.",
	})

	// BytesOut counts payload bytes written by egress sessions.
	BytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtmpbridge_bytes_out_total",
		Help: "Payload bytes written by egress sessions.",
	})

	// SessionsActive tracks open sessions by side ("ingest"/"egress").
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtmpbridge_sessions_active",
		Help: "Currently open sessions.",
	}, []string{"side"})

	// HeaderWrites counts container headers written by egress sessions.
	HeaderWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rtmpbridge_header_writes_total",
		Help: "Container headers written by egress sessions.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
