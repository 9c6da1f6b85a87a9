// Package pipeline wires the stages together: detection, suppression,
// correlation, analysis, and execution. Every service gets its own worker
// goroutine fed by a bounded channel, so events for one service are processed
// strictly in arrival order while services proceed in parallel. The reasoning
// backend call is the only blocking operation and runs outside the worker; its
// verdict re-enters the worker queue and is discarded if the incident reached
// a terminal state in the meantime.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/analyzer"
	"github.com/autopilotstack/autopilot-engine/internal/correlator"
	"github.com/autopilotstack/autopilot-engine/internal/detector"
	"github.com/autopilotstack/autopilot-engine/internal/executor"
	"github.com/autopilotstack/autopilot-engine/internal/history"
	"github.com/autopilotstack/autopilot-engine/internal/metrics"
	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/notifier"
	"github.com/autopilotstack/autopilot-engine/internal/suppressor"
	"github.com/autopilotstack/autopilot-engine/internal/utils"
)

// ErrStopped is returned for submissions after shutdown began.
var ErrStopped = errors.New("pipeline stopped")

// Config tunes the pipeline plumbing.
type Config struct {
	// QueueSize bounds each per-service worker channel.
	QueueSize int
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Deps are the pipeline's collaborators.
type Deps struct {
	Detector   *detector.Detector
	Suppressor *suppressor.Suppressor
	Correlator *correlator.Engine
	Analyzer   *analyzer.Analyzer
	Executor   *executor.Executor
	History    *history.Store
	Notifier   notifier.Notifier
	Logger     *slog.Logger
}

type verdictEvent struct {
	incidentID string
	verdict    models.Verdict
	elapsed    time.Duration
}

type decisionEvent struct {
	incidentID string
	approve    bool
	approver   string
	reason     string
	errc       chan error
}

// event is the unit flowing through a worker channel. Exactly one field is set.
type event struct {
	metric     *models.MetricPoint
	log        *models.LogEntry
	deployment *models.DeploymentEvent
	verdict    *verdictEvent
	decision   *decisionEvent
}

// Pipeline routes events through the stages.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	deps   Deps

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]chan event
	stopped bool
	wg      sync.WaitGroup
}

// New constructs a Pipeline. Start must be called before submitting events.
func New(cfg Config, deps Deps) *Pipeline {
	cfg.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	return &Pipeline{
		cfg:     cfg,
		logger:  deps.Logger,
		deps:    deps,
		workers: make(map[string]chan event),
	}
}

// Start binds the pipeline lifetime to ctx.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
}

// Stop refuses further submissions, cancels in-flight work, and returns when
// every worker has exited.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// SubmitMetric feeds one metric point.
func (p *Pipeline) SubmitMetric(ctx context.Context, point models.MetricPoint) error {
	return p.submit(ctx, point.Service, event{metric: &point})
}

// SubmitLog feeds one log entry.
func (p *Pipeline) SubmitLog(ctx context.Context, entry models.LogEntry) error {
	return p.submit(ctx, entry.Service, event{log: &entry})
}

// SubmitDeployment feeds one deployment event.
func (p *Pipeline) SubmitDeployment(ctx context.Context, dep models.DeploymentEvent) error {
	return p.submit(ctx, dep.Service, event{deployment: &dep})
}

// Approve delivers a human approval for an incident awaiting it. The decision
// is serialized through the incident's service worker.
func (p *Pipeline) Approve(ctx context.Context, incidentID, approver string) error {
	return p.decide(ctx, incidentID, decisionEvent{incidentID: incidentID, approve: true, approver: approver})
}

// Reject delivers a human rejection for an incident awaiting approval.
func (p *Pipeline) Reject(ctx context.Context, incidentID, approver, reason string) error {
	return p.decide(ctx, incidentID, decisionEvent{incidentID: incidentID, approver: approver, reason: reason})
}

func (p *Pipeline) decide(ctx context.Context, incidentID string, dec decisionEvent) error {
	inc, ok := p.deps.Correlator.Find(incidentID)
	if !ok {
		return fmt.Errorf("incident %s is not open", incidentID)
	}
	dec.errc = make(chan error, 1)
	if err := p.submit(ctx, inc.Service, event{decision: &dec}); err != nil {
		return err
	}
	select {
	case err := <-dec.errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

func (p *Pipeline) submit(ctx context.Context, service string, ev event) error {
	if service == "" {
		return errors.New("event has no service")
	}
	if p.ctx == nil {
		return errors.New("pipeline not started")
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	ch, ok := p.workers[service]
	if !ok {
		ch = make(chan event, p.cfg.QueueSize)
		p.workers[service] = ch
		p.wg.Add(1)
		go p.worker(service, ch)
	}
	p.mu.Unlock()

	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

func (p *Pipeline) worker(service string, ch chan event) {
	defer p.wg.Done()
	for {
		select {
		case ev := <-ch:
			p.handle(service, ev)
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handle(service string, ev event) {
	ctx := p.ctx
	switch {
	case ev.metric != nil:
		metrics.CountEvent("metric")
		if anomaly := p.deps.Detector.Observe(*ev.metric); anomaly != nil {
			metrics.CountAnomaly(string(anomaly.Severity))
			p.routeSignal(ctx, models.Signal{
				Kind:    models.SignalAnomaly,
				Service: service,
				At:      anomaly.DetectedAt,
				Anomaly: anomaly,
			})
		}
	case ev.log != nil:
		metrics.CountEvent("log")
		if spike := p.deps.Detector.ObserveLog(*ev.log); spike != nil {
			p.routeSignal(ctx, models.Signal{
				Kind:       models.SignalErrorSpike,
				Service:    service,
				At:         spike.DetectedAt,
				ErrorSpike: spike,
			})
		}
	case ev.deployment != nil:
		metrics.CountEvent("deployment")
		if err := p.deps.Correlator.RecordDeployment(ctx, *ev.deployment); err != nil {
			p.logger.Warn("deployment record failed",
				slog.String("service", service),
				slog.Any("error", err),
			)
		}
	case ev.verdict != nil:
		p.handleVerdict(ctx, ev.verdict)
	case ev.decision != nil:
		p.handleDecision(ctx, ev.decision)
	}
}

// routeSignal runs a derived signal through suppression and correlation.
func (p *Pipeline) routeSignal(ctx context.Context, sig models.Signal) {
	dec := p.deps.Suppressor.Filter(ctx, sig)
	if !dec.Pass {
		metrics.CountSuppression(dec.Reason)
		if dec.Meta != nil {
			// The one flapping meta-signal per episode still correlates.
			p.correlate(ctx, *dec.Meta)
		}
		return
	}
	p.correlate(ctx, sig)
}

func (p *Pipeline) correlate(ctx context.Context, sig models.Signal) {
	inc := p.deps.Correlator.Ingest(ctx, sig)
	if inc == nil {
		return
	}
	metrics.CountIncidentOpened()
	if err := p.deps.Notifier.IncidentOpened(ctx, inc); err != nil {
		p.logger.Warn("open notification failed", slog.Any("error", err))
	}
	p.startAnalysis(ctx, inc)
}

// startAnalysis marks the incident analyzing and launches the backend call
// off the worker goroutine. The verdict re-enters the worker queue.
func (p *Pipeline) startAnalysis(ctx context.Context, inc *models.Incident) {
	inc.Status = models.IncidentAnalyzing
	p.saveIncident(ctx, inc)

	service := inc.Service
	id := inc.ID
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		start := time.Now()
		verdict := p.deps.Analyzer.Analyze(p.ctx, inc)
		elapsed := time.Since(start)

		outcome := metrics.OutcomeBackend
		if verdict.Fallback {
			outcome = metrics.OutcomeFallback
		}
		metrics.ObserveAnalysis(elapsed, outcome)

		ev := event{verdict: &verdictEvent{incidentID: id, verdict: verdict, elapsed: elapsed}}
		if err := p.submit(p.ctx, service, ev); err != nil {
			p.logger.Warn("verdict delivery failed",
				slog.String("incident_id", id),
				slog.Any("error", err),
			)
		}
	}()
}

func (p *Pipeline) handleVerdict(ctx context.Context, ev *verdictEvent) {
	inc, ok := p.deps.Correlator.Find(ev.incidentID)
	if !ok || inc.Status.Terminal() {
		p.logger.Info("discarding stale analysis result",
			slog.String("incident_id", ev.incidentID),
			slog.Any("error", utils.ErrStaleResult),
		)
		return
	}

	dec := p.deps.Executor.HandleVerdict(ctx, inc, ev.verdict)
	if dec.Escalated {
		metrics.CountEscalation(dec.Reason)
	}
	if dec.Outcome != nil {
		metrics.CountAction(string(dec.Outcome.Result))
	}
	if dec.Executed {
		metrics.CountIncidentResolved("automatic")
	}
	p.saveIncident(ctx, inc)
	if inc.Status.Terminal() {
		p.deps.Correlator.Release(inc.Service, inc.ID)
	}
}

func (p *Pipeline) handleDecision(ctx context.Context, dec *decisionEvent) {
	inc, ok := p.deps.Correlator.Find(dec.incidentID)
	if !ok {
		dec.errc <- fmt.Errorf("incident %s is not open", dec.incidentID)
		return
	}

	var err error
	if dec.approve {
		var d executor.Decision
		d, err = p.deps.Executor.Approve(ctx, inc, dec.approver)
		if err == nil {
			if d.Outcome != nil {
				metrics.CountAction(string(d.Outcome.Result))
			}
			if d.Executed {
				metrics.CountIncidentResolved("approved")
			}
		}
	} else {
		err = p.deps.Executor.Reject(ctx, inc, dec.approver, dec.reason)
		if err == nil {
			metrics.CountIncidentResolved("rejected")
		}
	}
	if err == nil {
		p.saveIncident(ctx, inc)
		if inc.Status.Terminal() {
			p.deps.Correlator.Release(inc.Service, inc.ID)
		}
	}
	dec.errc <- err
}

func (p *Pipeline) saveIncident(ctx context.Context, inc *models.Incident) {
	if p.deps.History == nil {
		return
	}
	if err := p.deps.History.SaveIncident(ctx, inc); err != nil {
		p.logger.Warn("incident persistence failed",
			slog.String("incident_id", inc.ID),
			slog.Any("error", err),
		)
	}
}
