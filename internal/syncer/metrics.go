package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus collectors.
type Metrics struct {
	RecordsPushed     *prometheus.CounterVec
	RecordsPulled     *prometheus.CounterVec
	RecordsFailed     *prometheus.CounterVec
	Deletions         *prometheus.CounterVec
	SessionDuration   *prometheus.HistogramVec
	SessionsTotal     *prometheus.CounterVec
	SessionsCoalesced *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsPushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillbook_sync_records_pushed_total",
				Help: "Records written to the remote store",
			},
			[]string{"kind"},
		),

		RecordsPulled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillbook_sync_records_pulled_total",
				Help: "Remote records applied to the local store",
			},
			[]string{"kind"},
		),

		RecordsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillbook_sync_records_failed_total",
				Help: "Per-record sync failures",
			},
			[]string{"kind", "op", "class"},
		),

		Deletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillbook_sync_deletions_total",
				Help: "Deletions propagated, by direction",
			},
			[]string{"kind", "direction"},
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tillbook_sync_session_duration_seconds",
				Help:    "Duration of sync sessions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillbook_sync_sessions_total",
				Help: "Finished sync sessions by outcome",
			},
			[]string{"kind", "outcome"},
		),

		SessionsCoalesced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillbook_sync_sessions_coalesced_total",
				Help: "Session requests folded into a running session",
			},
			[]string{"kind"},
		),
	}
}
