package models

import "time"

// IncidentStatus enumerates the incident lifecycle states.
type IncidentStatus string

const (
	IncidentOpen             IncidentStatus = "open"
	IncidentAnalyzing        IncidentStatus = "analyzing"
	IncidentAwaitingApproval IncidentStatus = "awaiting_approval"
	IncidentRemediating      IncidentStatus = "remediating"
	IncidentResolved         IncidentStatus = "resolved"
	IncidentSuppressed       IncidentStatus = "suppressed"
)

// Terminal reports whether the status admits no further transitions.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentSuppressed
}

// Incident is a correlated group of signals representing one production problem.
// ContributingSignals only grows until the incident reaches a terminal state.
type Incident struct {
	ID                  string              `json:"id"`
	Service             string              `json:"service"`
	OpenedAt            time.Time           `json:"opened_at"`
	Status              IncidentStatus      `json:"status"`
	ContributingSignals []Signal            `json:"contributing_signals"`
	RootCause           string              `json:"root_cause,omitempty"`
	RecommendedActions  []RecommendedAction `json:"recommended_actions,omitempty"`
	Confidence          float64             `json:"confidence,omitempty"`
	Severity            Severity            `json:"severity,omitempty"`
	ResolvedAt          *time.Time          `json:"resolved_at,omitempty"`
	Resolution          string              `json:"resolution,omitempty"`
}

// Anomalies returns the anomaly payloads among the contributing signals.
func (inc *Incident) Anomalies() []Anomaly {
	out := make([]Anomaly, 0, len(inc.ContributingSignals))
	for _, sig := range inc.ContributingSignals {
		if sig.Anomaly != nil {
			out = append(out, *sig.Anomaly)
		}
	}
	return out
}

// Deployments returns the deployment payloads among the contributing signals.
func (inc *Incident) Deployments() []DeploymentEvent {
	out := make([]DeploymentEvent, 0)
	for _, sig := range inc.ContributingSignals {
		if sig.Deployment != nil {
			out = append(out, *sig.Deployment)
		}
	}
	return out
}

// ErrorSpikes returns the error-spike payloads among the contributing signals.
func (inc *Incident) ErrorSpikes() []ErrorSpike {
	out := make([]ErrorSpike, 0)
	for _, sig := range inc.ContributingSignals {
		if sig.ErrorSpike != nil {
			out = append(out, *sig.ErrorSpike)
		}
	}
	return out
}

// MaxSeverity returns the highest severity among contributing signals.
func (inc *Incident) MaxSeverity() Severity {
	max := SeverityNone
	for _, sig := range inc.ContributingSignals {
		if sev := sig.Severity(); sev.Rank() > max.Rank() {
			max = sev
		}
	}
	return max
}
