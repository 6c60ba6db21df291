package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	Calculations        Counter
	CalculationFailures Counter
	NeutralFallbacks    Counter
	CacheHits           Counter
	CacheMisses         Counter
	FetchFailures       Counter
	StaleServed         Counter
	ExtremeFunding      Counter
	InvariantViolations Counter

	LongRatio  Gauge
	Confidence Gauge
	CacheSize  Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Calculations:        n,
		CalculationFailures: n,
		NeutralFallbacks:    n,
		CacheHits:           n,
		CacheMisses:         n,
		FetchFailures:       n,
		StaleServed:         n,
		ExtremeFunding:      n,
		InvariantViolations: n,
		LongRatio:           g,
		Confidence:          g,
		CacheSize:           g,
	}
}

// OrNoop lets components accept a nil *Metrics.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
