package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	MessagesVerified = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "aegis_messages_verified_total", Help: "gossip verification outcomes"}, []string{"result"})
	Violations       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "aegis_violations_total", Help: "protocol violations by kind"}, []string{"kind"})
	Quarantines      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "aegis_quarantines_total", Help: "quarantine decisions by threat level"}, []string{"level"})
	Releases         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "aegis_releases_total", Help: "quarantine releases by reason"}, []string{"reason"})
	QuarantinedNodes = prometheus.NewGauge(prometheus.GaugeOpts{Name: "aegis_quarantined_nodes", Help: "nodes currently quarantined"})
	EventsValidated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "aegis_events_validated_total", Help: "critical events that reached quorum"})
)

func init() {
	prometheus.MustRegister(MessagesVerified, Violations, Quarantines, Releases, QuarantinedNodes, EventsValidated)
}

// Serve exposes /metrics for the observability collector to scrape.
func Serve(addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
