package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the state reported by /health.
type Health struct {
	Active   int
	Grace    int
	LastSave time.Time
	// DBErr is the result of a store ping.
	DBErr error
}

type healthResponse struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
	GraceSessions  int     `json:"grace_sessions"`
	LastSave       string  `json:"last_save,omitempty"`
	Database       string  `json:"database"`
}

// HealthHandler serves a JSON health summary. It answers 503 while the store
// is unreachable.
func HealthHandler(check func(ctx context.Context) Health) http.HandlerFunc {
	started := time.Now()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		h := check(ctx)

		uptime := time.Since(started)
		resp := healthResponse{
			Status:         "ok",
			Uptime:         uptime.Truncate(time.Second).String(),
			UptimeSeconds:  uptime.Seconds(),
			ActiveSessions: h.Active,
			GraceSessions:  h.Grace,
			Database:       "ok",
		}
		if !h.LastSave.IsZero() {
			resp.LastSave = h.LastSave.UTC().Format(time.RFC3339)
		}
		status := http.StatusOK
		if h.DBErr != nil {
			resp.Status = "degraded"
			resp.Database = h.DBErr.Error()
			status = http.StatusServiceUnavailable
		}

		body, err := json.Marshal(resp)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to encode health: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

// NewServer serves /metrics from gatherer and /health from check.
func NewServer(addr string, gatherer prometheus.Gatherer, check func(ctx context.Context) Health) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler(check))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
