package startup

import (
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	Status string             `json:"status"`
	Checks []DiagnosticResult `json:"checks"`
}

// HealthHandler serves the dependency probes. It answers 503 when any
// probe fails.
func HealthHandler(probes []Probe, timeout time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := RunProbes(r.Context(), probes, timeout)

		resp := healthResponse{Status: "ok", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status == StatusError {
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
