package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_escalations_total",
		Help: "Total escalation requests by connection type and whether it is a re-escalation.",
	}, []string{"connection_type", "reescalation"})

	EscalationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_escalation_outcomes_total",
		Help: "Terminal escalation request outcomes.",
	}, []string{"outcome"})

	AcceptRaceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_accept_race_total",
		Help: "Accept attempts by outcome (won, lost, terminal).",
	}, []string{"outcome"})

	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_broadcast_fanout_size",
		Help:    "Number of doctors notified per escalation broadcast.",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
	})

	SignalEnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_signal_envelopes_total",
		Help: "Relayed signaling envelopes by delivery path (push, buffered).",
	}, []string{"path"})

	SessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_sessions_ended_total",
		Help: "Ended sessions by reason.",
	}, []string{"reason"})

	SessionDurationMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triage_session_duration_ms",
		Help:    "Session duration from accept to end in milliseconds.",
		Buckets: []float64{1000, 5000, 15000, 60000, 300000, 900000, 1800000, 3600000},
	})

	JobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_job_runs_total",
		Help: "Total background job runs by job and status.",
	}, []string{"job", "status"})

	JobDurationMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triage_job_duration_ms",
		Help:    "Background job duration in milliseconds by job.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"job"})

	NotifyAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_notify_attempts_total",
		Help: "Emergency-contact notification attempts by provider and status.",
	}, []string{"provider", "status"})

	NotifyRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triage_notify_retries_total",
		Help: "Emergency-contact notification retries by provider and error code.",
	}, []string{"provider", "reason"})

	ConnectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "triage_connections_open",
		Help: "Currently open real-time connections by role.",
	}, []string{"role"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
