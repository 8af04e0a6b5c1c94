package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// LivenessHandler answers liveness probes. It only proves the process
// is serving requests.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// ReadinessHandler answers readiness probes from the merged health
// view. Degraded still reports ready; only unhealthy takes the
// service out of rotation.
func ReadinessHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ov := agg.Overview(r.Context())

		w.Header().Set("Content-Type", "text/plain")
		switch ov.Status {
		case StatusHealthy:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		case StatusDegraded:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("DEGRADED"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("UNHEALTHY"))
		}
	}
}

// OverviewResponse is the JSON body of the detailed health endpoint.
type OverviewResponse struct {
	Status     string                       `json:"status"`
	Timestamp  string                       `json:"timestamp"`
	Components map[string]ComponentResponse `json:"components,omitempty"`
}

// ComponentResponse is one component inside an OverviewResponse.
type ComponentResponse struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// DetailedHandler serves the full merged health view as JSON.
func DetailedHandler(agg *Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ov := agg.Overview(r.Context())

		resp := OverviewResponse{
			Status:     ov.Status.String(),
			Timestamp:  ov.CheckedAt.UTC().Format(time.RFC3339),
			Components: make(map[string]ComponentResponse, len(ov.Components)),
		}
		for name, res := range ov.Components {
			c := ComponentResponse{
				Status:  res.Status.String(),
				Message: res.Message,
				Details: res.Details,
			}
			if res.Duration > 0 {
				c.Duration = res.Duration.String()
			}
			if res.Err != nil {
				c.Error = res.Err.Error()
			}
			resp.Components[name] = c
		}

		w.Header().Set("Content-Type", "application/json")
		if ov.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// RegisterHandlers mounts the standard probe endpoints on a mux.
func RegisterHandlers(mux *http.ServeMux, agg *Aggregator) {
	mux.HandleFunc("/healthz", LivenessHandler())
	mux.HandleFunc("/readyz", ReadinessHandler(agg))
	mux.HandleFunc("/health", DetailedHandler(agg))
}
