// Package metrics wires the ambient observability stack
// (SPEC_FULL.md's domain-stack section) to prometheus/client_golang, in
// the registration and labelling style
// HouzuoGuo-laitos/daemon/maintenance/perfmetrics.go uses for its
// ActivityMonitorMetrics, and served the way
// HouzuoGuo-laitos/daemon/httpd/handler/prometheus.go exposes the default
// gatherer over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server counts and times the events SPEC_FULL.md calls out as worth
// observing: sessions, recipients routed by outcome, payload spills, and
// proxy dispatch latency.
type Server struct {
	SessionsStarted    prometheus.Counter
	SessionsTerminated *prometheus.CounterVec

	RecipientsRouted *prometheus.CounterVec

	PayloadsSpilled prometheus.Counter
	PayloadBytes    prometheus.Histogram

	ProxyDispatchSeconds prometheus.Histogram

	registerer prometheus.Registerer
}

// NewServer constructs a Server and registers its collectors against reg.
// Pass prometheus.DefaultRegisterer to expose them on the default gatherer
// (as Handler does via promhttp), or a fresh *prometheus.Registry in
// tests to avoid duplicate-registration panics across test runs.
func NewServer(reg prometheus.Registerer) *Server {
	s := &Server{
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lmtpd_sessions_started_total",
			Help: "Total number of accepted LMTP connections.",
		}),
		SessionsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lmtpd_sessions_terminated_total",
			Help: "Total number of LMTP sessions terminated, by reason.",
		}, []string{"reason"}),
		RecipientsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lmtpd_recipients_routed_total",
			Help: "Total number of RCPT TO outcomes, by routing kind and acceptance.",
		}, []string{"kind", "accepted"}),
		PayloadsSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lmtpd_payloads_spilled_total",
			Help: "Total number of DATA payloads that exceeded the in-memory ceiling and spilled to disk.",
		}),
		PayloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lmtpd_payload_bytes",
			Help:    "Size in bytes of accepted DATA payloads.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		ProxyDispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lmtpd_proxy_dispatch_seconds",
			Help:    "Time spent relaying a message through an outbound proxy session.",
			Buckets: prometheus.DefBuckets,
		}),
		registerer: reg,
	}
	reg.MustRegister(
		s.SessionsStarted,
		s.SessionsTerminated,
		s.RecipientsRouted,
		s.PayloadsSpilled,
		s.PayloadBytes,
		s.ProxyDispatchSeconds,
	)
	return s
}

// ObserveRouted records one RCPT TO outcome. Implements
// lmtp.MetricsRecorder.
func (s *Server) ObserveRouted(kind string, accepted bool) {
	label := "false"
	if accepted {
		label = "true"
	}
	s.RecipientsRouted.WithLabelValues(kind, label).Inc()
}

// ObservePayload records one completed DATA ingest. Implements
// lmtp.MetricsRecorder.
func (s *Server) ObservePayload(spilled bool, bytes int64) {
	if spilled {
		s.PayloadsSpilled.Inc()
	}
	s.PayloadBytes.Observe(float64(bytes))
}

// ObserveProxyDispatch records the wall time spent in one outbound proxy
// relay. Implements lmtp.MetricsRecorder.
func (s *Server) ObserveProxyDispatch(d time.Duration) {
	s.ProxyDispatchSeconds.Observe(d.Seconds())
}

// Handler serves the registered metrics in the Prometheus exposition
// format, the same promhttp.InstrumentMetricHandler wiring
// handler/prometheus.go uses.
func (s *Server) Handler() http.Handler {
	gatherer, ok := s.registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.InstrumentMetricHandler(s.registerer, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
