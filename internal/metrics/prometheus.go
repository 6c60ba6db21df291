package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "liqmap"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry            *prometheus.Registry
	calculations        prometheus.Counter
	calculationFailures prometheus.Counter
	neutralFallbacks    prometheus.Counter
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter
	fetchFailures       prometheus.Counter
	staleServed         prometheus.Counter
	extremeFunding      prometheus.Counter
	invariantViolations prometheus.Counter
	longRatio           prometheus.Gauge
	confidence          prometheus.Gauge
	cacheSize           prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:            prometheus.NewRegistry(),
		calculations:        newCounter("calculations_total", "Total number of liquidation distribution calculations."),
		calculationFailures: newCounter("calculation_failures_total", "Total number of failed calculations."),
		neutralFallbacks:    newCounter("neutral_fallbacks_total", "Total number of calculations that fell back to a neutral 50/50 split."),
		cacheHits:           newCounter("funding_cache_hits_total", "Total number of funding cache hits."),
		cacheMisses:         newCounter("funding_cache_misses_total", "Total number of funding cache misses."),
		fetchFailures:       newCounter("funding_fetch_failures_total", "Total number of funding fetches that failed after retries."),
		staleServed:         newCounter("funding_stale_served_total", "Total number of stale funding rates served."),
		extremeFunding:      newCounter("extreme_funding_total", "Total number of extreme funding threshold crossings."),
		invariantViolations: newCounter("invariant_violations_total", "Total number of ratio or OI conservation violations."),
		longRatio:           newGauge("long_ratio", "Long ratio of the last calculation."),
		confidence:          newGauge("confidence", "Confidence of the last calculation."),
		cacheSize:           newGauge("funding_cache_size", "Current number of funding cache entries."),
	}

	p.registry.MustRegister(
		p.calculations, p.calculationFailures, p.neutralFallbacks,
		p.cacheHits, p.cacheMisses, p.fetchFailures, p.staleServed,
		p.extremeFunding, p.invariantViolations,
		p.longRatio, p.confidence, p.cacheSize,
	)

	p.Metrics = &Metrics{
		Calculations:        promCounter{p.calculations},
		CalculationFailures: promCounter{p.calculationFailures},
		NeutralFallbacks:    promCounter{p.neutralFallbacks},
		CacheHits:           promCounter{p.cacheHits},
		CacheMisses:         promCounter{p.cacheMisses},
		FetchFailures:       promCounter{p.fetchFailures},
		StaleServed:         promCounter{p.staleServed},
		ExtremeFunding:      promCounter{p.extremeFunding},
		InvariantViolations: promCounter{p.invariantViolations},
		LongRatio:           promGauge{p.longRatio},
		Confidence:          promGauge{p.confidence},
		CacheSize:           promGauge{p.cacheSize},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
