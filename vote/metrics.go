package vote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the aggregator does with incoming votes.
type Metrics struct {
	VotesAccepted  *prometheus.CounterVec
	VotesDropped   *prometheus.CounterVec
	VotesDuplicate prometheus.Counter
	Results        *prometheus.CounterVec
	Rebroadcasts   prometheus.Counter
}

// NewMetrics registers the aggregator metrics on reg. A nil reg keeps them unregistered.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VotesAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vote",
			Name:      "accepted_total",
			Help:      "Votes counted into a summary, by stage",
		}, []string{"stage"}),
		VotesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vote",
			Name:      "dropped_total",
			Help:      "Votes rejected before aggregation, by reason",
		}, []string{"reason"}),
		VotesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vote",
			Name:      "duplicate_total",
			Help:      "Votes from a signer that already voted on the target",
		}),
		Results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vote",
			Name:      "results_total",
			Help:      "Finality results emitted, by outcome",
		}, []string{"outcome"}),
		Rebroadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vote",
			Name:      "rebroadcasts_total",
			Help:      "Votes handed to the network for gossip",
		}),
	}
}

func stageLabel(s Stage) string {
	if s == StagePreVote {
		return "prevote"
	}
	return "confirm"
}
