// Package analyzer produces a root-cause Verdict for an incident. It builds a
// bounded context from the incident's signals, asks an external reasoning
// backend under a deadline, and falls back to a deterministic rule table when
// the backend times out, errors, or returns an unparseable payload. Analyze
// always returns a Verdict.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/utils"
)

// ErrMalformedVerdict marks a backend response that could not be parsed into
// a usable verdict.
var ErrMalformedVerdict = errors.New("malformed verdict payload")

// ReasoningRequest is the bounded context sent to the reasoning backend.
type ReasoningRequest struct {
	IncidentID  string                   `json:"incident_id"`
	Service     string                   `json:"service"`
	Severity    models.Severity          `json:"severity"`
	OpenedAt    time.Time                `json:"opened_at"`
	Anomalies   []models.Anomaly         `json:"anomalies,omitempty"`
	ErrorSpikes []models.ErrorSpike      `json:"error_spikes,omitempty"`
	Deployments []models.DeploymentEvent `json:"deployments,omitempty"`
	Notes       []string                 `json:"notes,omitempty"`
}

// ReasoningClient is the external reasoning backend boundary.
type ReasoningClient interface {
	Reason(ctx context.Context, req ReasoningRequest) (*models.Verdict, error)
}

// Config tunes the analyzer.
type Config struct {
	// Timeout bounds the backend call. The fallback verdict is produced
	// as soon as the deadline expires.
	Timeout time.Duration
	// MaxAnomalies, MaxErrorSpikes, MaxDeployments cap the context size.
	MaxAnomalies   int
	MaxErrorSpikes int
	MaxDeployments int
	// RollbackWindow is how recent a deployment must be for the fallback
	// rule to blame it and recommend a rollback.
	RollbackWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	if c.MaxAnomalies <= 0 {
		c.MaxAnomalies = 5
	}
	if c.MaxErrorSpikes <= 0 {
		c.MaxErrorSpikes = 5
	}
	if c.MaxDeployments <= 0 {
		c.MaxDeployments = 3
	}
	if c.RollbackWindow <= 0 {
		c.RollbackWindow = 30 * time.Minute
	}
}

// Analyzer runs root-cause analysis with a deterministic fallback.
type Analyzer struct {
	cfg     Config
	client  ReasoningClient
	logger  *slog.Logger
	latency *utils.LatencyTracker
	now     func() time.Time
}

// New constructs an Analyzer. A nil client means every analysis takes the
// fallback path, which keeps the pipeline functional without a backend.
func New(cfg Config, client ReasoningClient, logger *slog.Logger) *Analyzer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		latency: utils.NewLatencyTracker(512),
		now:     time.Now,
	}
}

// Analyze produces a Verdict for the incident. It never returns an error and
// never blocks past the configured deadline plus bounded overhead.
func (a *Analyzer) Analyze(ctx context.Context, inc *models.Incident) models.Verdict {
	req := a.buildRequest(inc)

	if a.client != nil {
		cctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		start := a.now()
		verdict, err := a.client.Reason(cctx, req)
		cancel()
		a.latency.Observe(time.Since(start))

		if err == nil && verdict != nil {
			if vErr := a.validate(verdict, inc); vErr == nil {
				verdict.Fallback = false
				verdict.AnalyzedAt = a.now()
				models.RankActions(verdict.RecommendedActions)
				return *verdict
			} else {
				err = vErr
			}
		}
		a.logger.Warn("reasoning backend failed, using fallback analysis",
			slog.String("incident_id", inc.ID),
			slog.String("service", inc.Service),
			slog.Any("error", err),
		)
	}

	return a.fallback(inc)
}

// Latency exposes the backend round-trip tracker.
func (a *Analyzer) Latency() *utils.LatencyTracker {
	return a.latency
}

func (a *Analyzer) buildRequest(inc *models.Incident) ReasoningRequest {
	req := ReasoningRequest{
		IncidentID: inc.ID,
		Service:    inc.Service,
		Severity:   inc.Severity,
		OpenedAt:   inc.OpenedAt,
	}

	anomalies := inc.Anomalies()
	if len(anomalies) > a.cfg.MaxAnomalies {
		anomalies = anomalies[len(anomalies)-a.cfg.MaxAnomalies:]
	}
	req.Anomalies = anomalies

	spikes := inc.ErrorSpikes()
	if len(spikes) > a.cfg.MaxErrorSpikes {
		spikes = spikes[len(spikes)-a.cfg.MaxErrorSpikes:]
	}
	req.ErrorSpikes = spikes

	deps := inc.Deployments()
	if len(deps) > a.cfg.MaxDeployments {
		deps = deps[len(deps)-a.cfg.MaxDeployments:]
	}
	req.Deployments = deps

	for _, sig := range inc.ContributingSignals {
		if sig.Kind == models.SignalFlapping && sig.Message != "" {
			req.Notes = append(req.Notes, sig.Message)
		}
	}
	return req
}

// validate rejects verdicts missing required fields and normalises confidence
// onto [0,1]. Backends occasionally answer with percentages.
func (a *Analyzer) validate(v *models.Verdict, inc *models.Incident) error {
	if v.RootCause == "" {
		return fmt.Errorf("%w: missing root_cause", ErrMalformedVerdict)
	}
	if v.Confidence > 1 && v.Confidence <= 100 {
		v.Confidence /= 100
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrMalformedVerdict, v.Confidence)
	}
	if v.Severity == "" || v.Severity.Rank() == 0 {
		v.Severity = inc.Severity
	}
	for i := range v.RecommendedActions {
		act := &v.RecommendedActions[i]
		if act.ActionKind == "" {
			return fmt.Errorf("%w: action %d missing kind", ErrMalformedVerdict, i)
		}
		if act.Target == "" {
			act.Target = inc.Service
		}
		if act.Risk == "" {
			act.Risk = models.RiskMedium
		}
		if act.Confidence > 1 && act.Confidence <= 100 {
			act.Confidence /= 100
		}
		if act.Confidence <= 0 || act.Confidence > 1 {
			act.Confidence = v.Confidence
		}
	}
	return nil
}

// fallback is the deterministic rule table keyed on signal composition.
func (a *Analyzer) fallback(inc *models.Incident) models.Verdict {
	v := models.Verdict{
		Severity:   inc.Severity,
		Fallback:   true,
		AnalyzedAt: a.now(),
	}

	anomalies := inc.Anomalies()
	spikes := inc.ErrorSpikes()

	if dep, ok := a.recentDeployment(inc); ok {
		v.RootCause = fmt.Sprintf("recent deployment of %s (%s)", inc.Service, dep.Version)
		v.Reasoning = "anomalous behaviour began shortly after a deployment; the deployment is the most likely cause"
		v.Confidence = 0.6
		v.ContributingFactors = factorSummaries(anomalies, spikes)
		v.RecommendedActions = []models.RecommendedAction{{
			ActionKind: "rollback_deployment",
			Target:     inc.Service,
			Risk:       models.RiskLow,
			Priority:   1,
			Reasoning:  fmt.Sprintf("roll back %s to the version preceding %s", inc.Service, dep.Version),
			Confidence: 0.6,
		}}
		return v
	}

	if len(spikes) > 0 {
		v.RootCause = fmt.Sprintf("error rate spike on %s without a correlated deployment", inc.Service)
		v.Reasoning = "elevated error logging with no recent change suggests a degraded dependency or resource exhaustion"
		v.Confidence = 0.5
		v.ContributingFactors = factorSummaries(anomalies, spikes)
		v.RecommendedActions = []models.RecommendedAction{{
			ActionKind: "restart_service",
			Target:     inc.Service,
			Risk:       models.RiskLow,
			Priority:   1,
			Reasoning:  "a restart clears transient resource exhaustion; escalate if errors persist",
			Confidence: 0.5,
		}}
		return v
	}

	v.RootCause = fmt.Sprintf("sustained metric deviation on %s without a correlated change", inc.Service)
	v.Reasoning = "no deployment or error spike to blame; requires human investigation"
	v.Confidence = 0.5
	v.ContributingFactors = factorSummaries(anomalies, spikes)
	return v
}

// recentDeployment returns the newest contributing deployment inside the
// rollback window, measured against when the incident opened.
func (a *Analyzer) recentDeployment(inc *models.Incident) (models.DeploymentEvent, bool) {
	var newest models.DeploymentEvent
	found := false
	cutoff := inc.OpenedAt.Add(-a.cfg.RollbackWindow)
	for _, dep := range inc.Deployments() {
		if dep.Timestamp.Before(cutoff) {
			continue
		}
		if !found || dep.Timestamp.After(newest.Timestamp) {
			newest = dep
			found = true
		}
	}
	return newest, found
}

func factorSummaries(anomalies []models.Anomaly, spikes []models.ErrorSpike) []string {
	out := make([]string, 0, len(anomalies)+len(spikes))
	for _, an := range anomalies {
		out = append(out, fmt.Sprintf("%s deviated %.1f%% from baseline (z=%.1f, %s)",
			an.MetricName, an.DeviationPercent, an.ZScore, an.Severity))
	}
	for _, sp := range spikes {
		out = append(out, fmt.Sprintf("error rate %.1f%% against baseline %.1f%%",
			sp.CurrentErrorRate, sp.BaselineRate))
	}
	return out
}
