package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusAPI decorates another API and exports what passes through it as prometheus metrics.
type PrometheusAPI struct {
	inner API

	reports  *prometheus.CounterVec
	counts   *prometheus.GaugeVec
	registry *prometheus.Registry
}

func NewPrometheusAPI(inner API) *PrometheusAPI {
	reg := prometheus.NewRegistry()

	p := &PrometheusAPI{
		inner: inner,
		reports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bibkat_reports_total",
				Help: "Total number of broken components and warnings by id.",
			},
			[]string{"level", "id"},
		),
		counts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bibkat_count",
				Help: "Last reported count by id.",
			},
			[]string{"id"},
		),
		registry: reg,
	}

	reg.MustRegister(p.reports)
	reg.MustRegister(p.counts)
	reg.MustRegister(prometheus.NewGoCollector())

	return p
}

// Handler returns an http.Handler for the /metrics endpoint.
func (p *PrometheusAPI) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusAPI) ReportBroken(id string, params ...any) {
	p.reports.WithLabelValues("broken", id).Inc()
	p.inner.ReportBroken(id, params...)
}

func (p *PrometheusAPI) ReportWarning(id string, params ...any) {
	p.reports.WithLabelValues("warning", id).Inc()
	p.inner.ReportWarning(id, params...)
}

func (p *PrometheusAPI) ReportDebug(msg string, params ...any) {
	p.inner.ReportDebug(msg, params...)
}

func (p *PrometheusAPI) ReportCount(id string, count int64) {
	p.counts.WithLabelValues(id).Set(float64(count))
	p.inner.ReportCount(id, count)
}
