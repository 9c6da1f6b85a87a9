// Package suppressor filters anomaly and log-derived signals for duplicates,
// flapping patterns, and maintenance windows before they can reach the
// correlation engine. Suppressed signals are recorded for audit, never
// silently dropped.
package suppressor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/store"
)

// Suppression reasons surfaced in decisions and audit records.
const (
	ReasonDuplicate   = "duplicate"
	ReasonFlapping    = "flapping"
	ReasonMaintenance = "maintenance_window"
	ReasonUserRule    = "user_rule"
)

// Decision is the outcome of filtering one signal.
type Decision struct {
	Pass   bool
	Reason string
	RuleID string
	Detail string
	// Meta carries the single flapping meta-signal surfaced when a series
	// first crosses the flap threshold.
	Meta *models.Signal
}

// Config tunes the suppression checks.
type Config struct {
	DedupWindow   time.Duration
	FlapCount     int
	FlapWindow    time.Duration
	NeverSuppress []string
	AuditMax      int
	AuditTTL      time.Duration
}

func (c *Config) applyDefaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.FlapCount <= 0 {
		c.FlapCount = 5
	}
	if c.FlapWindow <= 0 {
		c.FlapWindow = 10 * time.Minute
	}
	if c.AuditMax <= 0 {
		c.AuditMax = 100
	}
	if c.AuditTTL <= 0 {
		c.AuditTTL = 24 * time.Hour
	}
}

// AuditRecord is what remains queryable about a suppressed signal.
type AuditRecord struct {
	Reason       string        `json:"reason"`
	RuleID       string        `json:"rule_id,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	SuppressedAt time.Time     `json:"suppressed_at"`
	Signal       models.Signal `json:"signal"`
}

// Suppressor applies the three independent suppression checks.
type Suppressor struct {
	cfg    Config
	logger *slog.Logger
	store  store.Store
	rules  []models.SuppressionRule
	now    func() time.Time
}

// New constructs a Suppressor backed by the given signal store.
func New(cfg Config, st store.Store, rules []models.SuppressionRule, logger *slog.Logger) *Suppressor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Suppressor{cfg: cfg, logger: logger, store: st, rules: rules, now: time.Now}
}

// Filter evaluates one signal. Any single check may suppress it; the decision
// records the reason and the signal is kept in the audit trail.
func (s *Suppressor) Filter(ctx context.Context, sig models.Signal) Decision {
	if s.neverSuppress(sig) {
		return Decision{Pass: true}
	}

	fp := fingerprint(sig)
	now := s.now()

	// Dedup: SetNX doubles as the check and the record, so the first
	// occurrence in the window claims the slot atomically.
	fresh, err := s.store.SetNX(ctx, "dedup:"+fp, []byte(now.Format(time.RFC3339Nano)), s.cfg.DedupWindow)
	if err != nil {
		s.logger.Warn("dedup check failed, passing signal through", slog.Any("error", err))
		fresh = true
	}
	if !fresh {
		return s.suppress(ctx, sig, Decision{Reason: ReasonDuplicate, Detail: "identical signal seen within dedup window"})
	}

	// Flapping: every anomaly occurrence for the series is recorded; once
	// the count in the window crosses the threshold, individual anomalies
	// stop and a single meta-signal is surfaced instead.
	if sig.Kind == models.SignalAnomaly || sig.Kind == models.SignalErrorSpike {
		flapKey := "flap:" + sig.Service + ":" + sig.MetricName()
		if err := s.store.AddTimed(ctx, flapKey, []byte(now.Format(time.RFC3339Nano)), now, s.cfg.FlapWindow); err != nil {
			s.logger.Warn("flap history write failed", slog.Any("error", err))
		}
		history, err := s.store.TimedRange(ctx, flapKey, now.Add(-s.cfg.FlapWindow), now)
		if err == nil && len(history) > s.cfg.FlapCount {
			dec := Decision{Reason: ReasonFlapping, Detail: fmt.Sprintf("%d occurrences within %s", len(history), s.cfg.FlapWindow)}
			if s.firstFlapInEpisode(ctx, flapKey) {
				meta := models.Signal{
					Kind:    models.SignalFlapping,
					Service: sig.Service,
					At:      now,
					Message: fmt.Sprintf("%s/%s is flapping: %d state changes within %s", sig.Service, sig.MetricName(), len(history), s.cfg.FlapWindow),
				}
				dec.Meta = &meta
			}
			return s.suppress(ctx, sig, dec)
		}
	}

	// Maintenance window set by an operator.
	if _, err := s.store.Get(ctx, "maintenance:"+sig.Service); err == nil {
		return s.suppress(ctx, sig, Decision{Reason: ReasonMaintenance, Detail: "service is in a maintenance window"})
	}

	// Externally configured rules suppress unconditionally.
	for _, rule := range s.rules {
		if rule.Matches(sig) {
			return s.suppress(ctx, sig, Decision{Reason: ReasonUserRule, RuleID: rule.ID, Detail: string(rule.Kind)})
		}
	}

	return Decision{Pass: true}
}

// SetMaintenanceWindow marks a service as under maintenance for the duration.
func (s *Suppressor) SetMaintenanceWindow(ctx context.Context, service string, d time.Duration) error {
	until := s.now().Add(d)
	return s.store.Set(ctx, "maintenance:"+service, []byte(until.Format(time.RFC3339)), d)
}

// Suppressed returns the audit trail of recently suppressed signals for a service.
func (s *Suppressor) Suppressed(ctx context.Context, service string, limit int) ([]AuditRecord, error) {
	raw, err := s.store.Recent(ctx, "suppressed:"+service, limit)
	if err != nil {
		return nil, fmt.Errorf("read suppression audit: %w", err)
	}
	records := make([]AuditRecord, 0, len(raw))
	for _, data := range raw {
		var rec AuditRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Suppressor) suppress(ctx context.Context, sig models.Signal, dec Decision) Decision {
	dec.Pass = false
	rec := AuditRecord{
		Reason:       dec.Reason,
		RuleID:       dec.RuleID,
		Detail:       dec.Detail,
		SuppressedAt: s.now(),
		Signal:       sig,
	}
	if data, err := json.Marshal(rec); err == nil {
		if err := s.store.PushRecent(ctx, "suppressed:"+sig.Service, data, s.cfg.AuditMax, s.cfg.AuditTTL); err != nil {
			s.logger.Warn("suppression audit write failed", slog.Any("error", err))
		}
	}
	s.logger.Info("signal suppressed",
		slog.String("service", sig.Service),
		slog.String("kind", string(sig.Kind)),
		slog.String("reason", dec.Reason),
		slog.String("detail", dec.Detail),
	)
	return dec
}

// firstFlapInEpisode reports whether this is the first suppression of the
// current flap episode, so exactly one meta-signal surfaces per episode.
func (s *Suppressor) firstFlapInEpisode(ctx context.Context, flapKey string) bool {
	fresh, err := s.store.SetNX(ctx, "flapmeta:"+flapKey, []byte("1"), s.cfg.FlapWindow)
	if err != nil {
		return false
	}
	return fresh
}

func (s *Suppressor) neverSuppress(sig models.Signal) bool {
	var text string
	switch {
	case sig.Log != nil:
		text = sig.Log.Message
	case sig.Message != "":
		text = sig.Message
	default:
		text = sig.MetricName()
	}
	text = strings.ToLower(text)
	for _, pattern := range s.cfg.NeverSuppress {
		if pattern != "" && strings.Contains(text, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// fingerprint identifies a signal for dedup: same service, metric, and
// severity within the window count as duplicates.
func fingerprint(sig models.Signal) string {
	return fmt.Sprintf("%s:%s:%s", sig.Service, sig.MetricName(), sig.Severity())
}
