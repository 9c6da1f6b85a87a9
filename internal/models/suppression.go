package models

import "strings"

// SuppressionKind enumerates the suppression checks a rule participates in.
type SuppressionKind string

const (
	SuppressionDedup       SuppressionKind = "dedup"
	SuppressionFlapping    SuppressionKind = "flapping"
	SuppressionMaintenance SuppressionKind = "maintenance_window"
)

// SuppressionRule is an externally configured predicate. Read-only to the core.
type SuppressionRule struct {
	ID      string            `yaml:"id" json:"id"`
	Kind    SuppressionKind   `yaml:"kind" json:"kind"`
	Service string            `yaml:"service" json:"service,omitempty"`
	Metric  string            `yaml:"metric" json:"metric,omitempty"`
	Labels  map[string]string `yaml:"labels" json:"labels,omitempty"`
	Enabled bool              `yaml:"enabled" json:"enabled"`
}

// Matches reports whether the rule predicate applies to the signal. Empty
// fields match anything.
func (r SuppressionRule) Matches(sig Signal) bool {
	if !r.Enabled {
		return false
	}
	if r.Service != "" && !strings.EqualFold(r.Service, sig.Service) {
		return false
	}
	if r.Metric != "" && !strings.EqualFold(r.Metric, sig.MetricName()) {
		return false
	}
	if len(r.Labels) > 0 {
		// Labels travel only on metric-derived signals; a rule with label
		// constraints cannot match anything else.
		if sig.Anomaly == nil {
			return false
		}
		for k, v := range r.Labels {
			if sig.Anomaly.Labels[k] != v {
				return false
			}
		}
	}
	return true
}
