package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeBackend labels analyses answered by the reasoning backend.
	OutcomeBackend = "backend"
	// OutcomeFallback labels analyses answered by the deterministic rules.
	OutcomeFallback = "fallback"
)

var (
	eventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "events_ingested_total",
			Help:      "Total ingested pipeline events, partitioned by kind.",
		},
		[]string{"kind"},
	)

	anomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "anomalies_total",
			Help:      "Total anomalies emitted by the detector, partitioned by severity.",
		},
		[]string{"severity"},
	)

	suppressionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "suppressions_total",
			Help:      "Total suppressed signals, partitioned by reason.",
		},
		[]string{"reason"},
	)

	incidentsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "incidents_opened_total",
			Help:      "Total incidents opened by the correlation engine.",
		},
	)

	incidentsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "incidents_resolved_total",
			Help:      "Total resolved incidents, partitioned by how they resolved.",
		},
		[]string{"mode"},
	)

	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "analyses_total",
			Help:      "Total root-cause analyses, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "autopilot",
			Name:      "analysis_seconds",
			Help:      "Root-cause analysis latency in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 45, 60},
		},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "actions_total",
			Help:      "Total executed actions, partitioned by result.",
		},
		[]string{"result"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopilot",
			Name:      "escalations_total",
			Help:      "Total escalations to human approval, partitioned by failed rail.",
		},
		[]string{"reason"},
	)
)

// Register attaches autopilot collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsIngestedTotal,
		anomaliesTotal,
		suppressionsTotal,
		incidentsOpenedTotal,
		incidentsResolvedTotal,
		analysesTotal,
		analysisDurationSeconds,
		actionsTotal,
		escalationsTotal,
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

// CountEvent records one ingested event of the given kind.
func CountEvent(kind string) {
	eventsIngestedTotal.WithLabelValues(kind).Inc()
}

// CountAnomaly records one emitted anomaly.
func CountAnomaly(severity string) {
	anomaliesTotal.WithLabelValues(severity).Inc()
}

// CountSuppression records one suppressed signal.
func CountSuppression(reason string) {
	suppressionsTotal.WithLabelValues(reason).Inc()
}

// CountIncidentOpened records one opened incident.
func CountIncidentOpened() {
	incidentsOpenedTotal.Inc()
}

// CountIncidentResolved records one resolved incident. Mode is "automatic",
// "approved", or "rejected".
func CountIncidentResolved(mode string) {
	incidentsResolvedTotal.WithLabelValues(mode).Inc()
}

// ObserveAnalysis records an analysis duration and outcome label.
func ObserveAnalysis(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeFallback {
		label = OutcomeBackend
	}
	analysesTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	analysisDurationSeconds.Observe(duration.Seconds())
}

// CountAction records one executed action result.
func CountAction(result string) {
	actionsTotal.WithLabelValues(result).Inc()
}

// CountEscalation records one escalation by failed-rail reason.
func CountEscalation(reason string) {
	escalationsTotal.WithLabelValues(reason).Inc()
}
