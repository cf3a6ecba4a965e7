package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "marketsim"

// Recorder holds the session core collectors. A nil *Recorder records nothing.
type Recorder struct {
	observations   *prometheus.CounterVec
	daysCredited   prometheus.Counter
	sessionsEnded  prometheus.Counter
	storeConflicts prometheus.Counter
	repairs        *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in binaries
// and a fresh registry in tests.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		observations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_total",
			Help:      "Session observations by outcome.",
		}, []string{"result"}),
		daysCredited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "days_credited_total",
			Help:      "In-game days credited across all sessions.",
		}),
		sessionsEnded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions that reached their end date.",
		}),
		storeConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_conflicts_total",
			Help:      "Transactions that lost a race and were retried.",
		}),
		repairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repairs_total",
			Help:      "Administrative repairs applied, by kind.",
		}, []string{"kind"}),
	}
}

func (r *Recorder) Observation(result string) {
	if r == nil {
		return
	}
	r.observations.WithLabelValues(result).Inc()
}

func (r *Recorder) DaysCredited(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.daysCredited.Add(float64(n))
}

func (r *Recorder) SessionEnded() {
	if r == nil {
		return
	}
	r.sessionsEnded.Inc()
}

func (r *Recorder) StoreConflict() {
	if r == nil {
		return
	}
	r.storeConflicts.Inc()
}

func (r *Recorder) Repair(kind string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.repairs.WithLabelValues(kind).Add(float64(n))
}
