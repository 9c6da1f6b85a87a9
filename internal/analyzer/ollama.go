package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
)

// OllamaConfig targets a local or remote Ollama-compatible inference server.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OllamaClient asks an Ollama-compatible server for a structured verdict via
// the /api/generate endpoint with JSON-constrained output.
type OllamaClient struct {
	cfg        OllamaConfig
	httpClient *http.Client
}

// NewOllamaClient constructs a client for the configured inference server.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.Model == "" {
		cfg.Model = "llama3.1:8b"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OllamaClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Reason sends the incident context and parses the model's JSON verdict.
func (c *OllamaClient) Reason(ctx context.Context, req ReasoningRequest) (*models.Verdict, error) {
	if c == nil || c.cfg.BaseURL == "" {
		return nil, fmt.Errorf("reasoning backend not configured")
	}

	prompt, err := buildPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	payload := map[string]any{
		"model":  c.cfg.Model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": c.cfg.Temperature,
		},
	}

	var response struct {
		Response string `json:"response"`
	}
	if err := c.postJSON(ctx, c.cfg.BaseURL+"/api/generate", payload, &response); err != nil {
		return nil, fmt.Errorf("reasoning request failed: %w", err)
	}

	return parseVerdict(response.Response)
}

func (c *OllamaClient) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reasoning backend returned %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// buildPrompt renders the bounded context plus response-shape instructions.
func buildPrompt(req ReasoningRequest) (string, error) {
	payload, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are a site reliability engineer performing root cause analysis.\n")
	b.WriteString("Incident context:\n")
	b.Write(payload)
	b.WriteString("\n\nRespond with a single JSON object with these fields:\n")
	b.WriteString(`{"root_cause": string, "reasoning": string, "severity": "low|medium|high|critical", ` +
		`"confidence": number between 0 and 1, "estimated_customer_impact": string, ` +
		`"contributing_factors": [string], "preventive_measures": [string], ` +
		`"recommended_actions": [{"action": string, "target": string, "risk": "none|low|medium|high", ` +
		`"priority": number, "reasoning": string, "confidence": number}]}` + "\n")
	b.WriteString("Use action values like rollback_deployment, restart_service, scale_up, clear_cache, or notify_oncall.\n")
	return b.String(), nil
}

// parseVerdict decodes the model output strictly; anything that does not
// decode into the verdict shape is malformed and triggers the fallback path.
func parseVerdict(raw string) (*models.Verdict, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedVerdict)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()

	var wire struct {
		RootCause               string                     `json:"root_cause"`
		Reasoning               string                     `json:"reasoning"`
		Severity                models.Severity            `json:"severity"`
		Confidence              float64                    `json:"confidence"`
		EstimatedCustomerImpact string                     `json:"estimated_customer_impact"`
		ContributingFactors     []string                   `json:"contributing_factors"`
		PreventiveMeasures      []string                   `json:"preventive_measures"`
		RecommendedActions      []models.RecommendedAction `json:"recommended_actions"`
	}
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	return &models.Verdict{
		RootCause:               wire.RootCause,
		Reasoning:               wire.Reasoning,
		Severity:                wire.Severity,
		Confidence:              wire.Confidence,
		EstimatedCustomerImpact: wire.EstimatedCustomerImpact,
		ContributingFactors:     wire.ContributingFactors,
		PreventiveMeasures:      wire.PreventiveMeasures,
		RecommendedActions:      wire.RecommendedActions,
	}, nil
}
