// Package metrics provides Prometheus metrics for the file hoster.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filehoster_sessions_active",
			Help: "Number of open peer sessions",
		},
	)

	sessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehoster_sessions_total",
			Help: "Total number of closed peer sessions",
		},
		[]string{"outcome"},
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filehoster_session_duration_seconds",
			Help:    "Peer session lifetime in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehoster_requests_total",
			Help: "Total number of decoded requests",
		},
		[]string{"command"},
	)

	framesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehoster_frames_rejected_total",
			Help: "Total number of frames that failed to decode",
		},
		[]string{"reason"},
	)

	// Transfer metrics
	offersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehoster_offers_total",
			Help: "Total number of download offers by status",
		},
		[]string{"status"},
	)

	bytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehoster_bytes_sent_total",
			Help: "Total payload bytes sent to peers",
		},
	)

	bytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filehoster_bytes_received_total",
			Help: "Total payload bytes received from peers",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filehoster_downloads_total",
			Help: "Total number of client downloads",
		},
		[]string{"status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionOpened marks a new peer session.
func SessionOpened() {
	sessionsActive.Inc()
}

// SessionClosed records how a peer session ended.
func SessionClosed(outcome string, duration time.Duration) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.Observe(duration.Seconds())
}

// RecordRequest records a decoded request.
func RecordRequest(command string) {
	requestsTotal.WithLabelValues(command).Inc()
}

// RecordRejectedFrame records a frame that could not be decoded.
func RecordRejectedFrame(reason string) {
	framesRejected.WithLabelValues(reason).Inc()
}

// RecordOffer records a negotiated download offer.
func RecordOffer(status string) {
	offersTotal.WithLabelValues(status).Inc()
}

// AddBytesSent adds payload bytes written to a peer.
func AddBytesSent(n uint64) {
	bytesSent.Add(float64(n))
}

// AddBytesReceived adds payload bytes appended to a local file.
func AddBytesReceived(n uint64) {
	bytesReceived.Add(float64(n))
}

// RecordDownload records a finished client download.
func RecordDownload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(status).Inc()
}
