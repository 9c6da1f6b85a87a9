package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopilotstack/autopilot-engine/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleIncident(id, service string, status models.IncidentStatus, openedAt time.Time) *models.Incident {
	return &models.Incident{
		ID:       id,
		Service:  service,
		OpenedAt: openedAt,
		Status:   status,
		Severity: models.SeverityHigh,
		ContributingSignals: []models.Signal{{
			Kind:    models.SignalAnomaly,
			Service: service,
			At:      openedAt,
			Anomaly: &models.Anomaly{Service: service, MetricName: "latency_ms", ZScore: 5.1, Severity: models.SeverityHigh},
		}},
	}
}

func TestSaveAndLoadIncident(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc := sampleIncident("inc-1", "checkout", models.IncidentOpen, time.Now().UTC())
	require.NoError(t, s.SaveIncident(ctx, inc))

	got, err := s.Incident(ctx, "inc-1")
	require.NoError(t, err)
	assert.Equal(t, "checkout", got.Service)
	assert.Equal(t, models.IncidentOpen, got.Status)
	require.Len(t, got.ContributingSignals, 1)
	assert.Equal(t, "latency_ms", got.ContributingSignals[0].Anomaly.MetricName)
}

func TestIncidentNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Incident(context.Background(), "inc-absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertReplacesState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc := sampleIncident("inc-2", "billing", models.IncidentOpen, time.Now().UTC())
	require.NoError(t, s.SaveIncident(ctx, inc))

	now := time.Now().UTC()
	inc.Status = models.IncidentResolved
	inc.ResolvedAt = &now
	inc.Resolution = "restart_service executed on billing"
	require.NoError(t, s.SaveIncident(ctx, inc))

	got, err := s.Incident(ctx, "inc-2")
	require.NoError(t, err)
	assert.Equal(t, models.IncidentResolved, got.Status)
	assert.NotNil(t, got.ResolvedAt)
}

func TestIncidentsFilterAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.SaveIncident(ctx, sampleIncident("inc-a", "checkout", models.IncidentResolved, base.Add(-2*time.Hour))))
	require.NoError(t, s.SaveIncident(ctx, sampleIncident("inc-b", "checkout", models.IncidentOpen, base.Add(-time.Hour))))
	require.NoError(t, s.SaveIncident(ctx, sampleIncident("inc-c", "billing", models.IncidentOpen, base)))

	all, err := s.Incidents(ctx, IncidentFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "inc-c", all[0].ID, "newest first")

	checkout, err := s.Incidents(ctx, IncidentFilter{Service: "checkout"})
	require.NoError(t, err)
	assert.Len(t, checkout, 2)

	open, err := s.Incidents(ctx, IncidentFilter{Status: models.IncidentOpen})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	limited, err := s.Incidents(ctx, IncidentFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordAndListOutcomes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	outcomes := []models.ActionOutcome{
		{ActionID: "act-1", IncidentID: "inc-1", Service: "checkout", ActionKind: "restart_service",
			ExecutedAt: base.Add(-time.Hour), Result: models.ActionSuccess, Confidence: 0.9, Automatic: true},
		{ActionID: "act-2", IncidentID: "inc-2", Service: "checkout", ActionKind: "rollback_deployment",
			ExecutedAt: base, Result: models.ActionRolledBack, ObservedEffect: "reverted to v2.4.0", Confidence: 0.6},
		{ActionID: "act-3", IncidentID: "inc-3", Service: "billing", ActionKind: "restart_service",
			ExecutedAt: base, Result: models.ActionFailure, Confidence: 0.85, Automatic: true},
	}
	for _, o := range outcomes {
		require.NoError(t, s.RecordOutcome(ctx, o))
	}

	checkout, err := s.Outcomes(ctx, "checkout", 10)
	require.NoError(t, err)
	require.Len(t, checkout, 2)
	assert.Equal(t, "act-2", checkout[0].ActionID, "newest first")
	assert.Equal(t, models.ActionRolledBack, checkout[0].Result)
	assert.False(t, checkout[0].Automatic)
	assert.Equal(t, base, checkout[0].ExecutedAt)

	all, err := s.Outcomes(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSuccessRate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, result := range []models.ActionResult{models.ActionSuccess, models.ActionSuccess, models.ActionFailure} {
		require.NoError(t, s.RecordOutcome(ctx, models.ActionOutcome{
			ActionID: "act-" + string(rune('a'+i)), IncidentID: "inc-1", Service: "checkout",
			ActionKind: "restart_service", ExecutedAt: base, Result: result, Confidence: 0.9,
		}))
	}

	rate, n, err := s.SuccessRate(ctx, "checkout", "restart_service")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.InDelta(t, 2.0/3.0, rate, 1e-9)

	rate, n, err = s.SuccessRate(ctx, "checkout", "scale_up")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, rate)
}

func TestClosedStoreErrors(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	err := s.SaveIncident(context.Background(), sampleIncident("inc-x", "checkout", models.IncidentOpen, time.Now()))
	assert.Error(t, err)
}
