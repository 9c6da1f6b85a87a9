package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/autopilotstack/autopilot-engine/internal/models"
)

func testIncident() *models.Incident {
	return &models.Incident{
		ID:         "inc-7",
		Service:    "checkout",
		OpenedAt:   time.Now(),
		Status:     models.IncidentAwaitingApproval,
		Severity:   models.SeverityCritical,
		RootCause:  "recent deployment of checkout (v2.4.1)",
		Confidence: 0.6,
		RecommendedActions: []models.RecommendedAction{
			{ActionKind: "rollback_deployment", Target: "checkout", Risk: models.RiskLow, Priority: 1, Confidence: 0.6},
		},
		ContributingSignals: []models.Signal{{Kind: models.SignalAnomaly, Service: "checkout"}},
	}
}

func TestWebhookDeliversEscalation(t *testing.T) {
	var got Notification
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, AuthToken: "s3cret"}, nil)
	if err := wh.IncidentEscalated(context.Background(), testIncident(), "confidence_below_floor"); err != nil {
		t.Fatal(err)
	}

	if got.Event != EventEscalated || got.Reason != "confidence_below_floor" {
		t.Fatalf("notification = %+v", got)
	}
	if got.IncidentID != "inc-7" || got.Service != "checkout" || got.Severity != models.SeverityCritical {
		t.Fatalf("notification = %+v", got)
	}
	if len(got.Actions) != 1 || got.Actions[0].ActionKind != "rollback_deployment" {
		t.Fatalf("actions = %+v", got.Actions)
	}
	if got.Signals != 1 {
		t.Fatalf("signals = %d", got.Signals)
	}
	if auth != "Bearer s3cret" {
		t.Fatalf("auth header = %q", auth)
	}
}

func TestWebhookEventKinds(t *testing.T) {
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notification
		json.NewDecoder(r.Body).Decode(&n)
		events = append(events, n.Event)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL}, nil)
	inc := testIncident()
	ctx := context.Background()
	if err := wh.IncidentOpened(ctx, inc); err != nil {
		t.Fatal(err)
	}
	if err := wh.IncidentResolved(ctx, inc); err != nil {
		t.Fatal(err)
	}

	want := []string{EventOpened, EventResolved}
	if len(events) != len(want) || events[0] != want[0] || events[1] != want[1] {
		t.Fatalf("events = %v, want %v", events, want)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL}, nil)
	if err := wh.IncidentOpened(context.Background(), testIncident()); err == nil {
		t.Fatal("non-2xx must surface as an error")
	}
}

func TestWebhookWithoutURLIsNoop(t *testing.T) {
	wh := NewWebhook(WebhookConfig{}, nil)
	if err := wh.IncidentOpened(context.Background(), testIncident()); err != nil {
		t.Fatal(err)
	}
}
