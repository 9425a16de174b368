package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "incidentops"

const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	incidentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_created_total",
			Help:      "Incidents created, partitioned by severity.",
		},
		[]string{"severity"},
	)

	escalationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Incidents escalated to a human.",
		},
	)

	recoveryRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_runs_total",
			Help:      "Automated recovery orchestrations, partitioned by outcome (resolved|escalated|aborted).",
		},
		[]string{"outcome"},
	)

	recoveryActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Recovery actions executed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	recoveryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_duration_seconds",
			Help:      "Wall time of a recovery orchestration.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	ruleFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_fires_total",
			Help:      "Alert rule fires, partitioned by rule id.",
		},
		[]string{"rule"},
	)

	ruleEvaluationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_errors_total",
			Help:      "Alert rule evaluations that failed to obtain a metric value.",
		},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
)

// Register attaches the engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentsCreatedTotal,
		escalationsTotal,
		recoveryRunsTotal,
		recoveryActionsTotal,
		recoveryDurationSeconds,
		ruleFiresTotal,
		ruleEvaluationErrorsTotal,
		notificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func IncidentCreated(severity string) { incidentsCreatedTotal.WithLabelValues(severity).Inc() }

func Escalated() { escalationsTotal.Inc() }

// ObserveRecovery records an orchestration outcome and its duration.
func ObserveRecovery(duration time.Duration, outcome string) {
	recoveryRunsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	recoveryDurationSeconds.Observe(duration.Seconds())
}

func RecoveryAction(err error) {
	if err != nil {
		recoveryActionsTotal.WithLabelValues(OutcomeError).Inc()
		return
	}
	recoveryActionsTotal.WithLabelValues(OutcomeSuccess).Inc()
}

func RuleFired(ruleID string) { ruleFiresTotal.WithLabelValues(ruleID).Inc() }

func RuleEvaluationFailed() { ruleEvaluationErrorsTotal.Inc() }

func Notification(channel string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	notificationsTotal.WithLabelValues(channel, outcome).Inc()
}
