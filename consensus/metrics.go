package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the coordinator's prometheus collectors.
type Metrics struct {
	ConfirmedHeight prometheus.Gauge
	Results         *prometheus.CounterVec // by outcome: block, empty, duplicate, stale
	VoteTimeouts    prometheus.Counter
	GiveUps         prometheus.Counter
	HardResets      prometheus.Counter
	Produced        prometheus.Counter
}

// NewMetrics creates the coordinator collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConfirmedHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "confirmed_height",
			Help:      "Highest height finalized by a byzantine quorum.",
		}),
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "results_total",
			Help:      "Finality results handled by the coordinator.",
		}, []string{"outcome"}),
		VoteTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "vote_timeouts_total",
			Help:      "Waits for a result that ended in a new vote round.",
		}),
		GiveUps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "height_give_ups_total",
			Help:      "Heights abandoned after every vote round timed out.",
		}),
		HardResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "hard_resets_total",
			Help:      "Vote state flushes after the round could not be confirmed.",
		}),
		Produced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "produce_jobs_total",
			Help:      "Block production jobs handed to the builder.",
		}),
	}
}
