package executor

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

// WebhookRunnerConfig configures the remediation endpoint.
type WebhookRunnerConfig struct {
	Endpoint string
	Timeout  time.Duration
	// AuthToken, when set, is sent as a bearer token.
	AuthToken string
}

// WebhookRunner executes actions by POSTing them to an external remediation
// service (a deploy controller, an orchestrator hook) and treating its reply
// as the observed effect.
type WebhookRunner struct {
	cfg        WebhookRunnerConfig
	httpClient *http.Client
}

// NewWebhookRunner builds a runner against the given remediation endpoint.
func NewWebhookRunner(cfg WebhookRunnerConfig) *WebhookRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &WebhookRunner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type actionRequest struct {
	IncidentID string  `json:"incident_id"`
	Service    string  `json:"service"`
	Action     string  `json:"action"`
	Target     string  `json:"target"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`
}

type actionResponse struct {
	Effect string `json:"effect"`
	Error  string `json:"error,omitempty"`
}

// Execute delivers the action and returns the effect reported by the
// remediation service. A transport-level failure where the request may or may
// not have been applied surfaces as ErrAmbiguousExecution so the caller can
// retry once.
func (r *WebhookRunner) Execute(ctx context.Context, inc *models.Incident, action models.RecommendedAction) (string, error) {
	payload := actionRequest{
		IncidentID: inc.ID,
		Service:    inc.Service,
		Action:     action.ActionKind,
		Target:     action.Target,
		Reasoning:  action.Reasoning,
		Confidence: action.Confidence,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.AuthToken)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		// The request left the process but no response arrived, so the
		// remote may have acted on it.
		return "", fmt.Errorf("%w: %v", ErrAmbiguousExecution, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("remediation endpoint returned %s", resp.Status)
	}

	var out actionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode remediation response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("remediation failed: %s", out.Error)
	}
	return out.Effect, nil
}

// LogRunner records what would have been executed without touching anything.
// It is the default when no remediation endpoint is configured.
type LogRunner struct {
	logger *slog.Logger
}

// NewLogRunner builds a dry-run action runner.
func NewLogRunner(logger *slog.Logger) *LogRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRunner{logger: logger}
}

func (r *LogRunner) Execute(ctx context.Context, inc *models.Incident, action models.RecommendedAction) (string, error) {
	r.logger.Info("dry-run action",
		slog.String("incident_id", inc.ID),
		slog.String("service", inc.Service),
		slog.String("action", action.ActionKind),
		slog.String("target", action.Target))
	return "dry-run: " + action.ActionKind + " " + action.Target, nil
}
