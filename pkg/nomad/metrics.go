package nomad

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome is what reconciliation did with one key.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeAccepted  Outcome = "accepted"
	OutcomePulled    Outcome = "pulled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeUnknown   Outcome = "unknown"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

type metrics struct {
	outcomes   *prometheus.CounterVec
	migrations prometheus.Counter
	resets     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nomad",
			Subsystem: "engine",
			Name:      "reconciled_keys_total",
			Help:      "Keys reconciled, by outcome.",
		}, []string{"outcome"}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nomad",
			Subsystem: "engine",
			Name:      "migrations_total",
			Help:      "Stored records upgraded from a legacy generation.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nomad",
			Subsystem: "engine",
			Name:      "resets_total",
			Help:      "Administrative clear-all operations.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.outcomes, m.migrations, m.resets} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register engine metrics: %w", err)
		}
	}
	return m, nil
}
