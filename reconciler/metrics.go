package reconciler

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	outcomes      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	remoteQueries *prometheus.HistogramVec
}

// NewMetrics registers the reconciliation collectors with reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "convertstep",
		Name:      "reconcile_total",
		Help:      "Reconciliation attempts by outcome.",
	}, []string{"outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "convertstep",
		Name:      "reconcile_duration_seconds",
		Help:      "Time spent in FinishConversion by outcome.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10},
	}, []string{"outcome"})

	remoteQueries := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "convertstep",
		Name:      "remote_query_duration_seconds",
		Help:      "Latency of conversion status queries.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	}, []string{"result"})

	var err error
	if outcomes, err = register(reg, outcomes); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if remoteQueries, err = register(reg, remoteQueries); err != nil {
		return nil, err
	}

	return &Metrics{
		outcomes:      outcomes,
		duration:      duration,
		remoteQueries: remoteQueries,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) observeOutcome(kind Kind, elapsed time.Duration) {
	m.outcomes.WithLabelValues(kind.String()).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(elapsed.Seconds())
}

func (m *Metrics) observeRemoteQuery(err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.remoteQueries.WithLabelValues(result).Observe(elapsed.Seconds())
}
