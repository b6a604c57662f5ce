package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/decisionwatch/relay/internal/config"
)

type Status struct {
	OK          bool   `json:"ok"`
	Message     string `json:"message,omitempty"`
	Agent       bool   `json:"agent"`
	BufferDepth int    `json:"buffer_depth"`
}

// DepthReporter exposes the event buffer's current depth.
type DepthReporter interface {
	Depth() int
}

// HTTPHandler reports the relay's health, including reachability of the
// upstream agent's health endpoint.
func HTTPHandler(agent config.Agent, buf DepthReporter) http.HandlerFunc {
	client := &http.Client{Timeout: agent.HealthTimeout}
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Agent: true}
		if buf != nil {
			st.BufferDepth = buf.Depth()
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.HealthURL(), nil)
		if err == nil {
			resp, doErr := client.Do(req)
			if doErr != nil || resp.StatusCode != http.StatusOK {
				st.OK = false
				st.Message = "agent unreachable"
				st.Agent = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			if doErr == nil {
				_ = resp.Body.Close()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
