// Package notifier publishes incident lifecycle events to external channels.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
)

// Event kinds carried in notification payloads.
const (
	EventOpened    = "incident_opened"
	EventEscalated = "incident_escalated"
	EventResolved  = "incident_resolved"
)

// Notification is the structured payload sent for every lifecycle event.
// It carries enough data for independent rendering by the receiver.
type Notification struct {
	Event      string                     `json:"event"`
	At         time.Time                  `json:"at"`
	IncidentID string                     `json:"incident_id"`
	Service    string                     `json:"service"`
	Status     models.IncidentStatus      `json:"status"`
	Severity   models.Severity            `json:"severity"`
	RootCause  string                     `json:"root_cause,omitempty"`
	Confidence float64                    `json:"confidence,omitempty"`
	Actions    []models.RecommendedAction `json:"recommended_actions,omitempty"`
	Resolution string                     `json:"resolution,omitempty"`
	// Reason names the failed safety rail on escalations.
	Reason  string `json:"reason,omitempty"`
	Signals int    `json:"contributing_signals"`
}

// Notifier is the outbound notification channel.
type Notifier interface {
	IncidentOpened(ctx context.Context, inc *models.Incident) error
	IncidentEscalated(ctx context.Context, inc *models.Incident, reason string) error
	IncidentResolved(ctx context.Context, inc *models.Incident) error
}

// WebhookConfig targets an HTTP notification receiver.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
}

// Webhook posts notifications as JSON to a configured endpoint.
type Webhook struct {
	cfg        WebhookConfig
	logger     *slog.Logger
	httpClient *http.Client
	now        func() time.Time
}

// NewWebhook constructs a webhook notifier.
func NewWebhook(cfg WebhookConfig, logger *slog.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}
}

// IncidentOpened announces a newly correlated incident.
func (w *Webhook) IncidentOpened(ctx context.Context, inc *models.Incident) error {
	return w.send(ctx, w.payload(EventOpened, inc, ""))
}

// IncidentEscalated announces an incident awaiting human approval.
func (w *Webhook) IncidentEscalated(ctx context.Context, inc *models.Incident, reason string) error {
	return w.send(ctx, w.payload(EventEscalated, inc, reason))
}

// IncidentResolved announces a terminal incident.
func (w *Webhook) IncidentResolved(ctx context.Context, inc *models.Incident) error {
	return w.send(ctx, w.payload(EventResolved, inc, ""))
}

func (w *Webhook) payload(event string, inc *models.Incident, reason string) Notification {
	return Notification{
		Event:      event,
		At:         w.now(),
		IncidentID: inc.ID,
		Service:    inc.Service,
		Status:     inc.Status,
		Severity:   inc.Severity,
		RootCause:  inc.RootCause,
		Confidence: inc.Confidence,
		Actions:    inc.RecommendedActions,
		Resolution: inc.Resolution,
		Reason:     reason,
		Signals:    len(inc.ContributingSignals),
	}
}

func (w *Webhook) send(ctx context.Context, n Notification) error {
	if w.cfg.URL == "" {
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.AuthToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver %s notification: %w", n.Event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification receiver returned %s", resp.Status)
	}
	w.logger.Debug("notification delivered",
		slog.String("event", n.Event),
		slog.String("incident_id", n.IncidentID),
	)
	return nil
}

// Nop discards every notification. Used when no channel is configured.
type Nop struct{}

func (Nop) IncidentOpened(context.Context, *models.Incident) error            { return nil }
func (Nop) IncidentEscalated(context.Context, *models.Incident, string) error { return nil }
func (Nop) IncidentResolved(context.Context, *models.Incident) error          { return nil }
