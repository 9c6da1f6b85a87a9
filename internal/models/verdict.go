package models

import (
	"sort"
	"time"
)

// Risk classifies the blast radius of a recommended action.
type Risk string

const (
	RiskNone   Risk = "none"
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Weight maps a risk class onto [0,1] for risk-adjusted confidence ranking.
func (r Risk) Weight() float64 {
	switch r {
	case RiskNone:
		return 0
	case RiskLow:
		return 0.2
	case RiskMedium:
		return 0.5
	case RiskHigh:
		return 0.8
	default:
		return 0.5
	}
}

// Rank orders risks so the executor can compare against a ceiling.
func (r Risk) Rank() int {
	switch r {
	case RiskNone:
		return 0
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 2
	}
}

// RecommendedAction is produced by the analyzer and consumed by the executor.
// Never mutated.
type RecommendedAction struct {
	ActionKind string  `json:"action"`
	Target     string  `json:"target"`
	Risk       Risk    `json:"risk"`
	Priority   int     `json:"priority"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// Verdict is the structured output of root-cause analysis.
type Verdict struct {
	RootCause               string              `json:"root_cause"`
	Reasoning               string              `json:"reasoning,omitempty"`
	RecommendedActions      []RecommendedAction `json:"recommended_actions"`
	ContributingFactors     []string            `json:"contributing_factors,omitempty"`
	PreventiveMeasures      []string            `json:"preventive_measures,omitempty"`
	Severity                Severity            `json:"severity"`
	Confidence              float64             `json:"confidence"`
	EstimatedCustomerImpact string              `json:"estimated_customer_impact,omitempty"`
	Fallback                bool                `json:"fallback"`
	AnalyzedAt              time.Time           `json:"analyzed_at"`
}

// RankActions orders recommended actions by ascending priority, tie-broken by
// descending risk-adjusted confidence (confidence x (1 - risk weight)).
func RankActions(actions []RecommendedAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Priority != actions[j].Priority {
			return actions[i].Priority < actions[j].Priority
		}
		ai := actions[i].Confidence * (1 - actions[i].Risk.Weight())
		aj := actions[j].Confidence * (1 - actions[j].Risk.Weight())
		return ai > aj
	})
}

// ActionResult enumerates execution outcomes.
type ActionResult string

const (
	ActionSuccess    ActionResult = "success"
	ActionFailure    ActionResult = "failure"
	ActionRolledBack ActionResult = "rolled_back"
)

// ActionOutcome is the append-only record of an executed action. It is the
// sole signal available to future learning.
type ActionOutcome struct {
	ActionID       string       `json:"action_id"`
	IncidentID     string       `json:"incident_id"`
	Service        string       `json:"service"`
	ActionKind     string       `json:"action_kind"`
	ExecutedAt     time.Time    `json:"executed_at"`
	Result         ActionResult `json:"result"`
	ObservedEffect string       `json:"observed_effect,omitempty"`
	Confidence     float64      `json:"confidence"`
	Automatic      bool         `json:"automatic"`
}
