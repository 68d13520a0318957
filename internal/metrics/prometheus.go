package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	actorsCreated    *prom.CounterVec
	dispatchFailures *prom.CounterVec
	poolWorkers      prom.Gauge
	unitsDispatched  prom.Counter
	buildOutcomes    *prom.CounterVec
	buildDuration    prom.Histogram
	handshakes       *prom.CounterVec
}

// NewPrometheusRecorder constructs the kiln metrics and registers them on reg.
// A nil reg gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		actorsCreated: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "kiln",
			Name:      "actors_created_total",
			Help:      "Actors created, by wrapped capability",
		}, []string{"kind"}),
		dispatchFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "kiln",
			Name:      "actor_dispatch_failures_total",
			Help:      "Asynchronous actor invocations that failed",
		}, []string{"actor"}),
		poolWorkers: prom.NewGauge(prom.GaugeOpts{
			Namespace: "kiln",
			Name:      "pool_workers",
			Help:      "Test workers currently held by the active pool",
		}),
		unitsDispatched: prom.NewCounter(prom.CounterOpts{
			Namespace: "kiln",
			Name:      "test_classes_dispatched_total",
			Help:      "Test classes handed to workers",
		}),
		buildOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "kiln",
			Name:      "build_outcomes_total",
			Help:      "Builds by final status",
		}, []string{"outcome"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "kiln",
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   prom.DefBuckets,
		}),
		handshakes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "kiln",
			Name:      "handshakes_total",
			Help:      "Daemon startup handshake outcomes",
		}, []string{"result"}),
	}
	reg.MustRegister(pr.actorsCreated, pr.dispatchFailures, pr.poolWorkers, pr.unitsDispatched,
		pr.buildOutcomes, pr.buildDuration, pr.handshakes)
	return pr
}

func (p *PrometheusRecorder) IncActorCreated(kind string) {
	p.actorsCreated.WithLabelValues(kind).Inc()
}

func (p *PrometheusRecorder) IncDispatchFailure(actor string) {
	p.dispatchFailures.WithLabelValues(actor).Inc()
}

func (p *PrometheusRecorder) SetPoolWorkers(n int) {
	p.poolWorkers.Set(float64(n))
}

func (p *PrometheusRecorder) IncUnitsDispatched() {
	p.unitsDispatched.Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	p.buildOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncHandshake(result string) {
	p.handshakes.WithLabelValues(result).Inc()
}

// HTTPHandler serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
