// Package api exposes the HTTP ingestion and operations surface: event
// intake, incident listing, human approval decisions, maintenance windows,
// and the suppression audit trail.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/history"
	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/suppressor"
	"github.com/autopilotstack/autopilot-engine/internal/utils"
)

// Ingestor accepts pipeline events and human decisions.
type Ingestor interface {
	SubmitMetric(ctx context.Context, point models.MetricPoint) error
	SubmitLog(ctx context.Context, entry models.LogEntry) error
	SubmitDeployment(ctx context.Context, dep models.DeploymentEvent) error
	Approve(ctx context.Context, incidentID, approver string) error
	Reject(ctx context.Context, incidentID, approver, reason string) error
}

// HistoryReader serves persisted incidents and outcomes.
type HistoryReader interface {
	Incident(ctx context.Context, id string) (*models.Incident, error)
	Incidents(ctx context.Context, filter history.IncidentFilter) ([]*models.Incident, error)
	Outcomes(ctx context.Context, service string, limit int) ([]models.ActionOutcome, error)
}

// AnalysisStats exposes reasoning-backend latency figures.
type AnalysisStats interface {
	Latency() *utils.LatencyTracker
}

// Handlers holds the HTTP endpoint implementations.
type Handlers struct {
	logger     *slog.Logger
	ingestor   Ingestor
	history    HistoryReader
	suppressor *suppressor.Suppressor
	stats      AnalysisStats
}

// NewHandlers constructs the endpoint set.
func NewHandlers(ingestor Ingestor, hist HistoryReader, sup *suppressor.Suppressor, stats AnalysisStats, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		logger:     logger,
		ingestor:   ingestor,
		history:    hist,
		suppressor: sup,
		stats:      stats,
	}
}

// Routes binds every endpoint onto the mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events/metrics", h.postMetric)
	mux.HandleFunc("POST /api/v1/events/logs", h.postLog)
	mux.HandleFunc("POST /api/v1/events/deployments", h.postDeployment)
	mux.HandleFunc("GET /api/v1/incidents", h.listIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}", h.getIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/decision", h.postDecision)
	mux.HandleFunc("GET /api/v1/outcomes", h.listOutcomes)
	mux.HandleFunc("POST /api/v1/maintenance", h.postMaintenance)
	mux.HandleFunc("GET /api/v1/suppressed", h.listSuppressed)
	mux.HandleFunc("GET /api/v1/stats", h.getStats)
	mux.HandleFunc("GET /healthz", h.healthz)
}

func (h *Handlers) postMetric(w http.ResponseWriter, r *http.Request) {
	var point models.MetricPoint
	if !decodeBody(w, r, &point) {
		return
	}
	if point.Service == "" || point.MetricName == "" {
		writeError(w, http.StatusBadRequest, "service and metric_name are required")
		return
	}
	if point.Timestamp.IsZero() {
		point.Timestamp = time.Now().UTC()
	}
	if err := h.ingestor.SubmitMetric(r.Context(), point); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) postLog(w http.ResponseWriter, r *http.Request) {
	var entry models.LogEntry
	if !decodeBody(w, r, &entry) {
		return
	}
	if entry.Service == "" {
		writeError(w, http.StatusBadRequest, "service is required")
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := h.ingestor.SubmitLog(r.Context(), entry); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) postDeployment(w http.ResponseWriter, r *http.Request) {
	var dep models.DeploymentEvent
	if !decodeBody(w, r, &dep) {
		return
	}
	if dep.Service == "" || dep.Version == "" {
		writeError(w, http.StatusBadRequest, "service and version are required")
		return
	}
	if dep.Timestamp.IsZero() {
		dep.Timestamp = time.Now().UTC()
	}
	if err := h.ingestor.SubmitDeployment(r.Context(), dep); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) listIncidents(w http.ResponseWriter, r *http.Request) {
	filter := history.IncidentFilter{
		Service: r.URL.Query().Get("service"),
		Status:  models.IncidentStatus(r.URL.Query().Get("status")),
		Limit:   queryInt(r, "limit"),
	}
	incidents, err := h.history.Incidents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

func (h *Handlers) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.history.Incident(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Approver string `json:"approver"`
	Reason   string `json:"reason"`
}

func (h *Handlers) postDecision(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}

	id := r.PathValue("id")
	var err error
	switch req.Decision {
	case "approve":
		err = h.ingestor.Approve(r.Context(), id, req.Approver)
	case "reject":
		err = h.ingestor.Reject(r.Context(), id, req.Approver, req.Reason)
	default:
		writeError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"incident_id": id, "decision": req.Decision})
}

func (h *Handlers) listOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.history.Outcomes(r.Context(), r.URL.Query().Get("service"), queryInt(r, "limit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if outcomes == nil {
		outcomes = []models.ActionOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

type maintenanceRequest struct {
	Service  string `json:"service"`
	Duration string `json:"duration"`
}

func (h *Handlers) postMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Service == "" {
		writeError(w, http.StatusBadRequest, "service is required")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, "duration must be a positive Go duration, e.g. 90m")
		return
	}
	if err := h.suppressor.SetMaintenanceWindow(r.Context(), req.Service, d); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"service": req.Service,
		"until":   time.Now().Add(d).UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) listSuppressed(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service == "" {
		writeError(w, http.StatusBadRequest, "service is required")
		return
	}
	records, err := h.suppressor.Suppressed(r.Context(), service, queryInt(r, "limit"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []suppressor.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppressed": records})
}

type analysisStatsPayload struct {
	Count int   `json:"count"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

func (h *Handlers) getStats(w http.ResponseWriter, _ *http.Request) {
	var payload analysisStatsPayload
	if h.stats != nil {
		if tracker := h.stats.Latency(); tracker != nil {
			payload.Count = tracker.Count()
			payload.P50Ms = tracker.Percentile(50).Milliseconds()
			payload.P95Ms = tracker.Percentile(95).Milliseconds()
			payload.P99Ms = tracker.Percentile(99).Milliseconds()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysis": payload})
}

func (h *Handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
