// Package executor drives an incident from verdict to resolution. The
// top-ranked recommended action is evaluated against safety rails; only when
// every rail passes is it executed automatically, otherwise the incident is
// escalated for human approval. Every automatic or approved execution emits
// exactly one ActionOutcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/store"
)

// ErrAmbiguousExecution marks a runner failure where the action may or may
// not have taken effect. The executor retries exactly once on it.
var ErrAmbiguousExecution = errors.New("ambiguous action execution")

// Rail failure reasons surfaced in escalations.
const (
	RailNoAction      = "no_recommended_action"
	RailConfidence    = "confidence_below_floor"
	RailRisk          = "risk_above_ceiling"
	RailWindow        = "outside_execution_window"
	RailRateLimit     = "rate_limit_exceeded"
	RailRollbackLimit = "rollback_limit_exceeded"
	RailCooldown      = "action_in_cooldown"
)

// Execution windows.
const (
	WindowAlways = "always"
	WindowNight  = "night"
)

// ActionRunner performs remediation actions against the infrastructure.
// Implementations must be idempotent-safe for one retry.
type ActionRunner interface {
	Execute(ctx context.Context, inc *models.Incident, action models.RecommendedAction) (observedEffect string, err error)
}

// OutcomeRecorder persists incident state transitions and the append-only
// log of execution outcomes.
type OutcomeRecorder interface {
	SaveIncident(ctx context.Context, inc *models.Incident) error
	RecordOutcome(ctx context.Context, outcome models.ActionOutcome) error
}

// Notifier carries escalations and resolutions to the outside world.
type Notifier interface {
	IncidentEscalated(ctx context.Context, inc *models.Incident, reason string) error
	IncidentResolved(ctx context.Context, inc *models.Incident) error
}

// Config holds the safety-rail settings.
type Config struct {
	ConfidenceFloor float64
	RiskCeiling     models.Risk
	// ExecutionWindow is "always" or "night". Night mode only allows
	// automatic execution between NightStart and NightEnd local hours,
	// crossing midnight.
	ExecutionWindow string
	NightStart      int
	NightEnd        int
	// RateLimitPerHour caps automatic actions per service.
	RateLimitPerHour int
	// MaxRollbacksPerHour caps automatic rollbacks per service.
	MaxRollbacksPerHour int
	// Cooldown blocks repeating the same (service, action kind) pair.
	Cooldown time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.8
	}
	if c.RiskCeiling == "" {
		c.RiskCeiling = models.RiskLow
	}
	if c.ExecutionWindow == "" {
		c.ExecutionWindow = WindowAlways
	}
	if c.NightStart <= 0 {
		c.NightStart = 22
	}
	if c.NightEnd <= 0 {
		c.NightEnd = 6
	}
	if c.RateLimitPerHour <= 0 {
		c.RateLimitPerHour = 3
	}
	if c.MaxRollbacksPerHour <= 0 {
		c.MaxRollbacksPerHour = 2
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 300 * time.Second
	}
}

// Decision reports how a verdict was handled.
type Decision struct {
	Executed  bool
	Escalated bool
	// Reason names the rail that failed when escalated.
	Reason  string
	Outcome *models.ActionOutcome
}

// Executor evaluates verdicts and executes or escalates.
type Executor struct {
	cfg      Config
	logger   *slog.Logger
	store    store.Store
	runner   ActionRunner
	recorder OutcomeRecorder
	notifier Notifier
	now      func() time.Time
}

// New constructs an Executor. The runner may be nil, in which case every
// verdict escalates.
func New(cfg Config, st store.Store, runner ActionRunner, recorder OutcomeRecorder, notifier Notifier, logger *slog.Logger) *Executor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		runner:   runner,
		recorder: recorder,
		notifier: notifier,
		now:      time.Now,
	}
}

// HandleVerdict applies the verdict to the incident and either executes the
// top-ranked action automatically or escalates for approval.
func (e *Executor) HandleVerdict(ctx context.Context, inc *models.Incident, verdict models.Verdict) Decision {
	inc.RootCause = verdict.RootCause
	inc.RecommendedActions = verdict.RecommendedActions
	inc.Confidence = verdict.Confidence
	if verdict.Severity.Rank() > inc.Severity.Rank() {
		inc.Severity = verdict.Severity
	}

	if len(verdict.RecommendedActions) == 0 {
		return e.escalate(ctx, inc, RailNoAction)
	}

	action := verdict.RecommendedActions[0]
	if reason := e.checkRails(ctx, inc.Service, action); reason != "" {
		return e.escalate(ctx, inc, reason)
	}

	return e.execute(ctx, inc, action, true)
}

// Approve executes the top-ranked action on an incident awaiting approval.
// Rails are bypassed; the human decision overrides them.
func (e *Executor) Approve(ctx context.Context, inc *models.Incident, approver string) (Decision, error) {
	if inc.Status != models.IncidentAwaitingApproval {
		return Decision{}, fmt.Errorf("incident %s is %s, not awaiting approval", inc.ID, inc.Status)
	}
	if len(inc.RecommendedActions) == 0 {
		return Decision{}, fmt.Errorf("incident %s has no recommended action", inc.ID)
	}
	e.logger.Info("remediation approved",
		slog.String("incident_id", inc.ID),
		slog.String("approver", approver),
	)
	return e.execute(ctx, inc, inc.RecommendedActions[0], false), nil
}

// Reject closes an incident awaiting approval without executing anything.
func (e *Executor) Reject(ctx context.Context, inc *models.Incident, approver, reason string) error {
	if inc.Status != models.IncidentAwaitingApproval {
		return fmt.Errorf("incident %s is %s, not awaiting approval", inc.ID, inc.Status)
	}
	now := e.now()
	inc.Status = models.IncidentResolved
	inc.ResolvedAt = &now
	inc.Resolution = "remediation rejected: " + reason
	e.logger.Info("remediation rejected",
		slog.String("incident_id", inc.ID),
		slog.String("approver", approver),
		slog.String("reason", reason),
	)
	if e.notifier != nil {
		if err := e.notifier.IncidentResolved(ctx, inc); err != nil {
			e.logger.Warn("resolution notification failed", slog.Any("error", err))
		}
	}
	return nil
}

// checkRails returns the first failing rail, or "" when all pass.
func (e *Executor) checkRails(ctx context.Context, service string, action models.RecommendedAction) string {
	if action.Confidence < e.cfg.ConfidenceFloor {
		return RailConfidence
	}
	if action.Risk.Rank() > e.cfg.RiskCeiling.Rank() {
		return RailRisk
	}
	if !e.inExecutionWindow(e.now()) {
		return RailWindow
	}

	now := e.now()
	hourAgo := now.Add(-time.Hour)
	n, err := e.countTimed(ctx, "actions:"+service, hourAgo, now)
	if err != nil {
		e.logger.Warn("rate-limit check failed, escalating", slog.Any("error", err))
		return RailRateLimit
	}
	if n >= e.cfg.RateLimitPerHour {
		return RailRateLimit
	}
	if action.ActionKind == "rollback_deployment" {
		n, err := e.countTimed(ctx, "rollbacks:"+service, hourAgo, now)
		if err != nil {
			e.logger.Warn("rollback-limit check failed, escalating", slog.Any("error", err))
			return RailRollbackLimit
		}
		if n >= e.cfg.MaxRollbacksPerHour {
			return RailRollbackLimit
		}
	}

	free, err := e.store.SetNX(ctx, cooldownKey(service, action.ActionKind), []byte(now.Format(time.RFC3339)), e.cfg.Cooldown)
	if err != nil {
		e.logger.Warn("cooldown check failed, escalating", slog.Any("error", err))
		return RailCooldown
	}
	if !free {
		return RailCooldown
	}
	return ""
}

// inExecutionWindow reports whether automatic execution is allowed now.
// The night window crosses midnight: [NightStart, 24) plus [0, NightEnd).
func (e *Executor) inExecutionWindow(t time.Time) bool {
	if e.cfg.ExecutionWindow != WindowNight {
		return true
	}
	h := t.Hour()
	if e.cfg.NightStart > e.cfg.NightEnd {
		return h >= e.cfg.NightStart || h < e.cfg.NightEnd
	}
	return h >= e.cfg.NightStart && h < e.cfg.NightEnd
}

func (e *Executor) execute(ctx context.Context, inc *models.Incident, action models.RecommendedAction, automatic bool) Decision {
	now := e.now()
	inc.Status = models.IncidentRemediating
	if e.recorder != nil {
		if err := e.recorder.SaveIncident(ctx, inc); err != nil {
			e.logger.Warn("incident persistence failed",
				slog.String("incident_id", inc.ID),
				slog.Any("error", err),
			)
		}
	}

	if automatic {
		stamp := []byte(now.Format(time.RFC3339Nano))
		if err := e.store.AddTimed(ctx, "actions:"+inc.Service, stamp, now, time.Hour); err != nil {
			e.logger.Warn("rate-limit bookkeeping failed", slog.Any("error", err))
		}
		if action.ActionKind == "rollback_deployment" {
			if err := e.store.AddTimed(ctx, "rollbacks:"+inc.Service, stamp, now, time.Hour); err != nil {
				e.logger.Warn("rollback bookkeeping failed", slog.Any("error", err))
			}
		}
	}

	effect, err := e.runAction(ctx, inc, action)
	outcome := models.ActionOutcome{
		ActionID:       fmt.Sprintf("act-%d", now.UnixNano()),
		IncidentID:     inc.ID,
		Service:        inc.Service,
		ActionKind:     action.ActionKind,
		ExecutedAt:     now,
		ObservedEffect: effect,
		Confidence:     action.Confidence,
		Automatic:      automatic,
	}

	if err != nil {
		outcome.Result = models.ActionFailure
		outcome.ObservedEffect = err.Error()
		e.recordOutcome(ctx, outcome)
		e.logger.Error("action execution failed",
			slog.String("incident_id", inc.ID),
			slog.String("action", action.ActionKind),
			slog.Any("error", err),
		)
		dec := e.escalate(ctx, inc, "execution_failed: "+err.Error())
		dec.Outcome = &outcome
		return dec
	}

	if action.ActionKind == "rollback_deployment" {
		outcome.Result = models.ActionRolledBack
	} else {
		outcome.Result = models.ActionSuccess
	}
	e.recordOutcome(ctx, outcome)

	resolvedAt := e.now()
	inc.Status = models.IncidentResolved
	inc.ResolvedAt = &resolvedAt
	inc.Resolution = fmt.Sprintf("%s executed on %s", action.ActionKind, action.Target)
	e.logger.Info("incident resolved",
		slog.String("incident_id", inc.ID),
		slog.String("action", action.ActionKind),
		slog.Bool("automatic", automatic),
	)
	if e.notifier != nil {
		if err := e.notifier.IncidentResolved(ctx, inc); err != nil {
			e.logger.Warn("resolution notification failed", slog.Any("error", err))
		}
	}
	return Decision{Executed: true, Outcome: &outcome}
}

// runAction invokes the runner, retrying exactly once on ambiguous failure.
func (e *Executor) runAction(ctx context.Context, inc *models.Incident, action models.RecommendedAction) (string, error) {
	if e.runner == nil {
		return "", errors.New("no action runner configured")
	}
	effect, err := e.runner.Execute(ctx, inc, action)
	if err != nil && errors.Is(err, ErrAmbiguousExecution) {
		e.logger.Warn("ambiguous execution, retrying once",
			slog.String("incident_id", inc.ID),
			slog.String("action", action.ActionKind),
		)
		effect, err = e.runner.Execute(ctx, inc, action)
	}
	return effect, err
}

func (e *Executor) escalate(ctx context.Context, inc *models.Incident, reason string) Decision {
	inc.Status = models.IncidentAwaitingApproval
	e.logger.Info("incident escalated",
		slog.String("incident_id", inc.ID),
		slog.String("service", inc.Service),
		slog.String("reason", reason),
	)
	if e.notifier != nil {
		if err := e.notifier.IncidentEscalated(ctx, inc, reason); err != nil {
			e.logger.Warn("escalation notification failed", slog.Any("error", err))
		}
	}
	return Decision{Escalated: true, Reason: reason}
}

func (e *Executor) recordOutcome(ctx context.Context, outcome models.ActionOutcome) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordOutcome(ctx, outcome); err != nil {
		e.logger.Warn("outcome record failed",
			slog.String("incident_id", outcome.IncidentID),
			slog.Any("error", err),
		)
	}
}

func (e *Executor) countTimed(ctx context.Context, key string, from, to time.Time) (int, error) {
	entries, err := e.store.TimedRange(ctx, key, from, to)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func cooldownKey(service, kind string) string {
	return "cooldown:" + service + ":" + kind
}
