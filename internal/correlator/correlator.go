// Package correlator groups surviving signals into incidents. It keeps a
// per-service index of the open incident and a sliding window of recent
// unassociated signals, and opens a new incident when the trigger rule fires.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/store"
)

// Config tunes the correlation windows.
type Config struct {
	// DeployLookback bounds how far back a deployment still counts as
	// correlated evidence for a new incident.
	DeployLookback time.Duration
	// PendingWindow bounds how long an unassociated signal stays eligible
	// to contribute to a trigger.
	PendingWindow time.Duration
	// PendingMax caps the per-service window of unassociated signals.
	PendingMax int
}

func (c *Config) applyDefaults() {
	if c.DeployLookback <= 0 {
		c.DeployLookback = 30 * time.Minute
	}
	if c.PendingWindow <= 0 {
		c.PendingWindow = 10 * time.Minute
	}
	if c.PendingMax <= 0 {
		c.PendingMax = 64
	}
}

// Engine is the correlation engine. The open-incident index and pending
// windows are in-memory and reconstructible; deployments live in the signal
// store so restarts keep the recency window intact.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	store  store.Store

	mu      sync.Mutex
	open    map[string]*models.Incident
	pending map[string][]models.Signal
	now     func() time.Time
}

// New constructs an Engine backed by the given signal store.
func New(cfg Config, st store.Store, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		open:    make(map[string]*models.Incident),
		pending: make(map[string][]models.Signal),
		now:     time.Now,
	}
}

// Ingest feeds one surviving anomaly, error-spike, or flapping signal into the
// engine. It returns a newly opened incident when the trigger rule fires, nil
// when the signal was attached to an existing incident or is still pending.
func (e *Engine) Ingest(ctx context.Context, sig models.Signal) *models.Incident {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if inc, ok := e.open[sig.Service]; ok {
		if inc.Status.Terminal() {
			delete(e.open, sig.Service)
		} else if inc.Status == models.IncidentAnalyzing {
			// Coalesce: no second incident while analysis is in flight.
			// The signal stays pending and counts toward any later trigger.
			e.addPending(sig.Service, sig, now)
			return nil
		} else {
			inc.ContributingSignals = append(inc.ContributingSignals, sig)
			if sev := sig.Severity(); sev.Rank() > inc.Severity.Rank() {
				inc.Severity = sev
			}
			e.logger.Debug("signal attached to open incident",
				slog.String("incident_id", inc.ID),
				slog.String("service", sig.Service),
				slog.String("kind", string(sig.Kind)),
			)
			return nil
		}
	}

	e.addPending(sig.Service, sig, now)
	if !e.shouldTrigger(ctx, sig.Service, now) {
		return nil
	}

	signals := append([]models.Signal(nil), e.pending[sig.Service]...)
	signals = append(signals, e.recentDeployments(ctx, sig.Service, now)...)
	delete(e.pending, sig.Service)

	inc := &models.Incident{
		ID:                  fmt.Sprintf("inc-%d", now.UnixNano()),
		Service:             sig.Service,
		OpenedAt:            now,
		Status:              models.IncidentOpen,
		ContributingSignals: signals,
	}
	inc.Severity = inc.MaxSeverity()
	e.open[sig.Service] = inc
	e.logger.Info("incident opened",
		slog.String("incident_id", inc.ID),
		slog.String("service", inc.Service),
		slog.String("severity", string(inc.Severity)),
		slog.Int("signals", len(inc.ContributingSignals)),
	)
	return inc
}

// RecordDeployment stores a deployment in the per-service time-ordered record
// and attaches it to the open incident when one is accepting signals.
func (e *Engine) RecordDeployment(ctx context.Context, dep models.DeploymentEvent) error {
	data, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("encode deployment: %w", err)
	}
	if err := e.store.AddTimed(ctx, deployKey(dep.Service), data, dep.Timestamp, e.cfg.DeployLookback); err != nil {
		return fmt.Errorf("record deployment: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if inc, ok := e.open[dep.Service]; ok && !inc.Status.Terminal() && inc.Status != models.IncidentAnalyzing {
		d := dep
		inc.ContributingSignals = append(inc.ContributingSignals, models.Signal{
			Kind:       models.SignalDeployment,
			Service:    dep.Service,
			At:         dep.Timestamp,
			Deployment: &d,
		})
	}
	return nil
}

// Open returns the open incident for a service, if any.
func (e *Engine) Open(service string) (*models.Incident, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inc, ok := e.open[service]
	if ok && inc.Status.Terminal() {
		delete(e.open, service)
		return nil, false
	}
	return inc, ok
}

// Find returns the open incident with the given id, if any.
func (e *Engine) Find(id string) (*models.Incident, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, inc := range e.open {
		if inc.ID == id {
			return inc, true
		}
	}
	return nil, false
}

// OpenIncidents snapshots the open-incident index.
func (e *Engine) OpenIncidents() []*models.Incident {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Incident, 0, len(e.open))
	for _, inc := range e.open {
		if !inc.Status.Terminal() {
			out = append(out, inc)
		}
	}
	return out
}

// Release drops a terminal incident from the open index.
func (e *Engine) Release(service, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inc, ok := e.open[service]; ok && inc.ID == id {
		delete(e.open, service)
	}
}

// addPending appends to the per-service sliding window, pruning entries older
// than the pending window and capping the count. Caller holds e.mu.
func (e *Engine) addPending(service string, sig models.Signal, now time.Time) {
	window := e.pending[service]
	cutoff := now.Add(-e.cfg.PendingWindow)
	kept := window[:0]
	for _, s := range window {
		if s.At.After(cutoff) {
			kept = append(kept, s)
		}
	}
	kept = append(kept, sig)
	if len(kept) > e.cfg.PendingMax {
		kept = kept[len(kept)-e.cfg.PendingMax:]
	}
	e.pending[service] = kept
}

// shouldTrigger evaluates the trigger rule over the pending window: at least
// one anomaly of severity medium or above, plus corroboration from a second
// anomaly on a different metric, an error-rate spike, or a recent deployment.
// Caller holds e.mu.
func (e *Engine) shouldTrigger(ctx context.Context, service string, now time.Time) bool {
	var anchorMetric string
	metrics := make(map[string]bool)
	spike := false
	for _, s := range e.pending[service] {
		switch {
		case s.Anomaly != nil:
			metrics[s.Anomaly.MetricName] = true
			if anchorMetric == "" && s.Anomaly.Severity.Rank() >= models.SeverityMedium.Rank() {
				anchorMetric = s.Anomaly.MetricName
			}
		case s.ErrorSpike != nil:
			spike = true
		}
	}
	if anchorMetric == "" {
		return false
	}
	if spike || len(metrics) > 1 {
		return true
	}
	deps, err := e.store.TimedRange(ctx, deployKey(service), now.Add(-e.cfg.DeployLookback), now)
	if err != nil {
		e.logger.Warn("deployment lookup failed", slog.String("service", service), slog.Any("error", err))
		return false
	}
	return len(deps) > 0
}

// recentDeployments loads deployments inside the lookback window as signals.
// Caller holds e.mu.
func (e *Engine) recentDeployments(ctx context.Context, service string, now time.Time) []models.Signal {
	raw, err := e.store.TimedRange(ctx, deployKey(service), now.Add(-e.cfg.DeployLookback), now)
	if err != nil {
		e.logger.Warn("deployment lookup failed", slog.String("service", service), slog.Any("error", err))
		return nil
	}
	out := make([]models.Signal, 0, len(raw))
	for _, data := range raw {
		var dep models.DeploymentEvent
		if err := json.Unmarshal(data, &dep); err != nil {
			continue
		}
		d := dep
		out = append(out, models.Signal{
			Kind:       models.SignalDeployment,
			Service:    service,
			At:         dep.Timestamp,
			Deployment: &d,
		})
	}
	return out
}

func deployKey(service string) string {
	return "deployments:" + service
}
