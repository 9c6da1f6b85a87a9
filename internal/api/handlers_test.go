package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/history"
	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/store"
	"github.com/autopilotstack/autopilot-engine/internal/suppressor"
	"github.com/autopilotstack/autopilot-engine/internal/utils"
)

type fakeIngestor struct {
	metrics     []models.MetricPoint
	logs        []models.LogEntry
	deployments []models.DeploymentEvent
	approvals   []string
	rejections  []string
	err         error
}

func (f *fakeIngestor) SubmitMetric(ctx context.Context, p models.MetricPoint) error {
	f.metrics = append(f.metrics, p)
	return f.err
}

func (f *fakeIngestor) SubmitLog(ctx context.Context, e models.LogEntry) error {
	f.logs = append(f.logs, e)
	return f.err
}

func (f *fakeIngestor) SubmitDeployment(ctx context.Context, d models.DeploymentEvent) error {
	f.deployments = append(f.deployments, d)
	return f.err
}

func (f *fakeIngestor) Approve(ctx context.Context, id, approver string) error {
	f.approvals = append(f.approvals, id)
	return f.err
}

func (f *fakeIngestor) Reject(ctx context.Context, id, approver, reason string) error {
	f.rejections = append(f.rejections, id)
	return f.err
}

type fakeHistory struct {
	incidents map[string]*models.Incident
	outcomes  []models.ActionOutcome
}

func (f *fakeHistory) Incident(ctx context.Context, id string) (*models.Incident, error) {
	inc, ok := f.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", history.ErrNotFound, id)
	}
	return inc, nil
}

func (f *fakeHistory) Incidents(ctx context.Context, filter history.IncidentFilter) ([]*models.Incident, error) {
	var out []*models.Incident
	for _, inc := range f.incidents {
		if filter.Service != "" && inc.Service != filter.Service {
			continue
		}
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		out = append(out, inc)
	}
	return out, nil
}

func (f *fakeHistory) Outcomes(ctx context.Context, service string, limit int) ([]models.ActionOutcome, error) {
	return f.outcomes, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeIngestor, *fakeHistory, *suppressor.Suppressor) {
	t.Helper()
	ing := &fakeIngestor{}
	hist := &fakeHistory{incidents: make(map[string]*models.Incident)}
	sup := suppressor.New(suppressor.Config{}, store.NewMemoryStore(), nil, nil)

	mux := http.NewServeMux()
	NewHandlers(ing, hist, sup, nil, nil).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, ing, hist, sup
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPostMetric(t *testing.T) {
	srv, ing, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/events/metrics",
		`{"service": "checkout", "metric_name": "latency_ms", "value": 120.5}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(ing.metrics) != 1 || ing.metrics[0].MetricName != "latency_ms" {
		t.Fatalf("metrics = %+v", ing.metrics)
	}
	if ing.metrics[0].Timestamp.IsZero() {
		t.Fatal("missing timestamp must default to now")
	}
}

func TestPostMetricValidation(t *testing.T) {
	srv, ing, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/events/metrics", `{"value": 1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/api/v1/events/metrics", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(ing.metrics) != 0 {
		t.Fatal("invalid requests must not reach the pipeline")
	}
}

func TestPostLogAndDeployment(t *testing.T) {
	srv, ing, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/events/logs",
		`{"service": "checkout", "level": "ERROR", "message": "boom"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("log status = %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/api/v1/events/deployments",
		`{"service": "checkout", "version": "v2.4.1"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("deployment status = %d", resp.StatusCode)
	}
	if len(ing.logs) != 1 || len(ing.deployments) != 1 {
		t.Fatalf("ingested: logs=%d deployments=%d", len(ing.logs), len(ing.deployments))
	}
}

func TestGetIncident(t *testing.T) {
	srv, _, hist, _ := newTestServer(t)
	hist.incidents["inc-1"] = &models.Incident{
		ID: "inc-1", Service: "checkout", Status: models.IncidentAwaitingApproval,
		Severity: models.SeverityCritical, OpenedAt: time.Now().UTC(),
	}

	resp, err := http.Get(srv.URL + "/api/v1/incidents/inc-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var inc models.Incident
	if err := json.NewDecoder(resp.Body).Decode(&inc); err != nil {
		t.Fatal(err)
	}
	if inc.ID != "inc-1" || inc.Status != models.IncidentAwaitingApproval {
		t.Fatalf("incident = %+v", inc)
	}

	missing, err := http.Get(srv.URL + "/api/v1/incidents/inc-404")
	if err != nil {
		t.Fatal(err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d", missing.StatusCode)
	}
}

func TestListIncidentsFilter(t *testing.T) {
	srv, _, hist, _ := newTestServer(t)
	hist.incidents["inc-1"] = &models.Incident{ID: "inc-1", Service: "checkout", Status: models.IncidentOpen}
	hist.incidents["inc-2"] = &models.Incident{ID: "inc-2", Service: "billing", Status: models.IncidentResolved}

	resp, err := http.Get(srv.URL + "/api/v1/incidents?service=checkout")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var payload struct {
		Incidents []models.Incident `json:"incidents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Incidents) != 1 || payload.Incidents[0].ID != "inc-1" {
		t.Fatalf("incidents = %+v", payload.Incidents)
	}
}

func TestPostDecision(t *testing.T) {
	srv, ing, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/v1/incidents/inc-9/decision",
		`{"decision": "approve", "approver": "oncall@example.com"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(ing.approvals) != 1 || ing.approvals[0] != "inc-9" {
		t.Fatalf("approvals = %v", ing.approvals)
	}

	resp = postJSON(t, srv.URL+"/api/v1/incidents/inc-9/decision",
		`{"decision": "reject", "approver": "oncall", "reason": "benign"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(ing.rejections) != 1 {
		t.Fatalf("rejections = %v", ing.rejections)
	}

	resp = postJSON(t, srv.URL+"/api/v1/incidents/inc-9/decision",
		`{"decision": "maybe", "approver": "oncall"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMaintenanceAndSuppressedAudit(t *testing.T) {
	srv, _, _, sup := newTestServer(t)
	ctx := context.Background()

	resp := postJSON(t, srv.URL+"/api/v1/maintenance", `{"service": "billing", "duration": "1h"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// The window now suppresses signals, which show up in the audit.
	dec := sup.Filter(ctx, models.Signal{
		Kind:    models.SignalAnomaly,
		Service: "billing",
		At:      time.Now(),
		Anomaly: &models.Anomaly{Service: "billing", MetricName: "latency_ms", Severity: models.SeverityHigh},
	})
	if dec.Pass {
		t.Fatal("maintenance window not in effect")
	}

	audit, err := http.Get(srv.URL + "/api/v1/suppressed?service=billing")
	if err != nil {
		t.Fatal(err)
	}
	defer audit.Body.Close()
	var payload struct {
		Suppressed []suppressor.AuditRecord `json:"suppressed"`
	}
	if err := json.NewDecoder(audit.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if len(payload.Suppressed) != 1 {
		t.Fatalf("audit records = %d", len(payload.Suppressed))
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

type fakeStats struct {
	tracker *utils.LatencyTracker
}

func (f *fakeStats) Latency() *utils.LatencyTracker { return f.tracker }

func TestGetStats(t *testing.T) {
	tracker := utils.NewLatencyTracker(100)
	tracker.Observe(10 * time.Millisecond)
	tracker.Observe(20 * time.Millisecond)
	tracker.Observe(400 * time.Millisecond)

	mux := http.NewServeMux()
	NewHandlers(&fakeIngestor{}, &fakeHistory{}, nil, &fakeStats{tracker: tracker}, nil).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var payload struct {
		Analysis struct {
			Count int   `json:"count"`
			P50Ms int64 `json:"p50_ms"`
			P99Ms int64 `json:"p99_ms"`
		} `json:"analysis"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Analysis.Count != 3 {
		t.Fatalf("count = %d, want 3", payload.Analysis.Count)
	}
	if payload.Analysis.P50Ms <= 0 || payload.Analysis.P99Ms < payload.Analysis.P50Ms {
		t.Fatalf("percentiles = %+v", payload.Analysis)
	}
}

func TestGetStatsWithoutSource(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
