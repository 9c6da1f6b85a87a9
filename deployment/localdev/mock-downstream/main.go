// mock-downstream stands in for every external service the engine talks to
// during local development: the remediation endpoint, the notification
// webhook, and an Ollama-compatible reasoning backend with a canned verdict.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type actionRequest struct {
	IncidentID string  `json:"incident_id"`
	Service    string  `json:"service"`
	Action     string  `json:"action"`
	Target     string  `json:"target"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`
}

const cannedVerdict = `{
  "root_cause": "deployment v2.4.1 introduced a connection leak in checkout",
  "reasoning": "latency anomaly and error spike began within two minutes of the rollout",
  "severity": "high",
  "confidence": 0.87,
  "affected_services": ["checkout"],
  "recommended_actions": [
    {
      "action": "rollback_deployment",
      "target": "checkout",
      "risk": "low",
      "priority": 1,
      "reasoning": "revert to last known good version",
      "confidence": 0.87
    }
  ]
}`

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/remediate", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Printf("remediation: %s %s on %s (incident %s)", req.Action, req.Target, req.Service, req.IncidentID)
		writeJSON(w, map[string]any{
			"effect": "applied " + req.Action + " to " + req.Target,
		})
	})

	mux.HandleFunc("/notify", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Printf("notification: event=%v incident=%v", payload["event"], payload["incident_id"])
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"model":    "llama3.1:8b",
			"response": cannedVerdict,
			"done":     true,
		})
	})

	logger := log.New(log.Writer(), "downstream-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":9090",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :9090")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
