package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
	"github.com/autopilotstack/autopilot-engine/internal/store"
)

func anomalySignal(service, metric string, sev models.Severity, at time.Time) models.Signal {
	return models.Signal{
		Kind:    models.SignalAnomaly,
		Service: service,
		At:      at,
		Anomaly: &models.Anomaly{
			Service:    service,
			MetricName: metric,
			Severity:   sev,
			DetectedAt: at,
		},
	}
}

func spikeSignal(service string, at time.Time) models.Signal {
	return models.Signal{
		Kind:    models.SignalErrorSpike,
		Service: service,
		At:      at,
		ErrorSpike: &models.ErrorSpike{
			Service:    service,
			Severity:   models.SeverityHigh,
			DetectedAt: at,
		},
	}
}

func TestSingleAnomalyDoesNotTrigger(t *testing.T) {
	e := New(Config{}, store.NewMemoryStore(), nil)
	ctx := context.Background()

	inc := e.Ingest(ctx, anomalySignal("checkout", "latency_ms", models.SeverityHigh, time.Now()))
	if inc != nil {
		t.Fatalf("single anomaly must not open an incident, got %+v", inc)
	}
	if _, ok := e.Open("checkout"); ok {
		t.Fatal("no incident should be open")
	}
}

func TestTwoIndependentAnomaliesTrigger(t *testing.T) {
	e := New(Config{}, store.NewMemoryStore(), nil)
	ctx := context.Background()
	now := time.Now()

	if inc := e.Ingest(ctx, anomalySignal("checkout", "latency_ms", models.SeverityMedium, now)); inc != nil {
		t.Fatal("first anomaly must stay pending")
	}
	inc := e.Ingest(ctx, anomalySignal("checkout", "cpu_usage", models.SeverityHigh, now.Add(time.Minute)))
	if inc == nil {
		t.Fatal("second independent anomaly must open an incident")
	}
	if inc.Service != "checkout" || inc.Status != models.IncidentOpen {
		t.Fatalf("incident = %+v", inc)
	}
	if len(inc.Anomalies()) != 2 {
		t.Fatalf("contributing anomalies = %d, want 2", len(inc.Anomalies()))
	}
	if inc.Severity != models.SeverityHigh {
		t.Fatalf("severity = %q, want high", inc.Severity)
	}
}

func TestSameMetricRepeatDoesNotTrigger(t *testing.T) {
	e := New(Config{}, store.NewMemoryStore(), nil)
	ctx := context.Background()
	now := time.Now()

	e.Ingest(ctx, anomalySignal("api", "latency_ms", models.SeverityMedium, now))
	inc := e.Ingest(ctx, anomalySignal("api", "latency_ms", models.SeverityHigh, now.Add(time.Minute)))
	if inc != nil {
		t.Fatal("repeat anomalies on one metric are not independent corroboration")
	}
}

func TestAnomalyPlusSpikeAndDeployment(t *testing.T) {
	st := store.NewMemoryStore()
	e := New(Config{}, st, nil)
	ctx := context.Background()
	now := time.Now()

	dep := models.DeploymentEvent{Timestamp: now.Add(-8 * time.Minute), Service: "checkout", Version: "v2.4.1"}
	if err := e.RecordDeployment(ctx, dep); err != nil {
		t.Fatal(err)
	}

	e.Ingest(ctx, anomalySignal("checkout", "latency_ms", models.SeverityCritical, now))
	inc := e.Ingest(ctx, spikeSignal("checkout", now.Add(time.Second)))
	if inc == nil {
		t.Fatal("anomaly + error spike must open an incident")
	}
	if len(inc.ContributingSignals) != 3 {
		t.Fatalf("contributing signals = %d, want anomaly + spike + deployment", len(inc.ContributingSignals))
	}
	deps := inc.Deployments()
	if len(deps) != 1 || deps[0].Version != "v2.4.1" {
		t.Fatalf("deployments = %+v", deps)
	}
	if inc.Severity != models.SeverityCritical {
		t.Fatalf("severity = %q", inc.Severity)
	}
}

func TestDeploymentAloneCorroborates(t *testing.T) {
	st := store.NewMemoryStore()
	e := New(Config{DeployLookback: 30 * time.Minute}, st, nil)
	ctx := context.Background()
	now := time.Now()

	dep := models.DeploymentEvent{Timestamp: now.Add(-5 * time.Minute), Service: "billing", Version: "v1.0.9"}
	if err := e.RecordDeployment(ctx, dep); err != nil {
		t.Fatal(err)
	}

	inc := e.Ingest(ctx, anomalySignal("billing", "latency_ms", models.SeverityMedium, now))
	if inc == nil {
		t.Fatal("medium anomaly with a recent deployment must open an incident")
	}
	if len(inc.Deployments()) != 1 {
		t.Fatalf("deployment not attached: %+v", inc.ContributingSignals)
	}
}

func TestStaleDeploymentDoesNotCorroborate(t *testing.T) {
	st := store.NewMemoryStore()
	e := New(Config{DeployLookback: 30 * time.Minute}, st, nil)
	ctx := context.Background()
	now := time.Now()

	dep := models.DeploymentEvent{Timestamp: now.Add(-2 * time.Hour), Service: "billing", Version: "v1.0.8"}
	if err := e.RecordDeployment(ctx, dep); err != nil {
		t.Fatal(err)
	}

	if inc := e.Ingest(ctx, anomalySignal("billing", "latency_ms", models.SeverityMedium, now)); inc != nil {
		t.Fatal("a deployment outside the lookback window must not corroborate")
	}
}

func TestAttachToOpenIncident(t *testing.T) {
	e := New(Config{}, store.NewMemoryStore(), nil)
	ctx := context.Background()
	now := time.Now()

	e.Ingest(ctx, anomalySignal("checkout", "latency_ms", models.SeverityMedium, now))
	inc := e.Ingest(ctx, anomalySignal("checkout", "cpu_usage", models.SeverityMedium, now))
	if inc == nil {
		t.Fatal("expected incident")
	}
	before := len(inc.ContributingSignals)

	if again := e.Ingest(ctx, anomalySignal("checkout", "memory_usage", models.SeverityHigh, now.Add(time.Minute))); again != nil {
		t.Fatal("signal for an open incident must attach, not open another")
	}
	if len(inc.ContributingSignals) != before+1 {
		t.Fatalf("signals = %d, want %d", len(inc.ContributingSignals), before+1)
	}
	if inc.Severity != models.SeverityHigh {
		t.Fatalf("severity not raised: %q", inc.Severity)
	}
}

func TestAnalyzingIncidentCoalesces(t *testing.T) {
	e := New(Config{}, store.NewMemoryStore(), nil)
	ctx := context.Background()
	now := time.Now()

	e.Ingest(ctx, anomalySignal("checkout", "latency_ms", models.SeverityMedium, now))
	inc := e.Ingest(ctx, anomalySignal("checkout", "cpu_usage", models.SeverityMedium, now))
	if inc == nil {
		t.Fatal("expected incident")
	}
	inc.Status = models.IncidentAnalyzing
	before := len(inc.ContributingSignals)

	if again := e.Ingest(ctx, anomalySignal("checkout", "memory_usage", models.SeverityHigh, now.Add(time.Second))); again != nil {
		t.Fatal("re-trigger during analysis must be coalesced")
	}
	if len(inc.ContributingSignals) != before {
		t.Fatal("analyzing incident must not be mutated by ingestion")
	}
}

func TestTerminalIncidentReleasesService(t *testing.T) {
	e := New(Config{}, store.NewMemoryStore(), nil)
	ctx := context.Background()
	now := time.Now()

	e.Ingest(ctx, anomalySignal("checkout", "latency_ms", models.SeverityMedium, now))
	inc := e.Ingest(ctx, anomalySignal("checkout", "cpu_usage", models.SeverityMedium, now))
	if inc == nil {
		t.Fatal("expected incident")
	}
	inc.Status = models.IncidentResolved
	e.Release("checkout", inc.ID)

	// A fresh pair of anomalies opens a new, distinct incident.
	e.Ingest(ctx, anomalySignal("checkout", "latency_ms", models.SeverityMedium, now.Add(time.Minute)))
	next := e.Ingest(ctx, anomalySignal("checkout", "cpu_usage", models.SeverityMedium, now.Add(time.Minute)))
	if next == nil {
		t.Fatal("service must accept new incidents after resolution")
	}
	if next.ID == inc.ID {
		t.Fatal("incident ids must differ")
	}
}

func TestFindAndOpenIncidents(t *testing.T) {
	e := New(Config{}, store.NewMemoryStore(), nil)
	ctx := context.Background()
	now := time.Now()

	e.Ingest(ctx, anomalySignal("api", "latency_ms", models.SeverityMedium, now))
	inc := e.Ingest(ctx, anomalySignal("api", "cpu_usage", models.SeverityMedium, now))
	if inc == nil {
		t.Fatal("expected incident")
	}

	found, ok := e.Find(inc.ID)
	if !ok || found.ID != inc.ID {
		t.Fatalf("Find(%q) = %+v, %v", inc.ID, found, ok)
	}
	if _, ok := e.Find("inc-0"); ok {
		t.Fatal("unknown id must not be found")
	}
	if got := e.OpenIncidents(); len(got) != 1 {
		t.Fatalf("open incidents = %d, want 1", len(got))
	}
}
