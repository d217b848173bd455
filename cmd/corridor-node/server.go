package main

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/corridor-systems/corridor/pkg/config"
	"github.com/corridor-systems/corridor/pkg/heartbeat"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/pipeline"
)

// requestBody is the transport's wire shape for one governed request.
type requestBody struct {
	Actor    string            `json:"actor"`
	ActionID string            `json:"action_id"`
	Payload  json.RawMessage   `json:"payload"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// newServer maps the HTTP transport onto the pipeline's envelope contract.
// Health probes are the only requests that bypass the pipeline.
func newServer(cfg *config.Config, orch *pipeline.Orchestrator, monitor *heartbeat.Monitor, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if monitor.FailClosed() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "fail_closed"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("POST /v1/requests", func(w http.ResponseWriter, r *http.Request) {
		var body requestBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, int64(cfg.MaxRequestSize)+4096)).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
			return
		}
		var p payload.Value
		if len(body.Payload) > 0 {
			if err := json.Unmarshal(body.Payload, &p); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload"})
				return
			}
		}
		actor := body.Actor
		if actor == "" {
			// Fall back to the peer address as the actor identity.
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				actor = host
			}
		}
		headers := body.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			headers["idempotency-key"] = key
		}

		resp := orch.Handle(r.Context(), pipeline.Envelope{
			Actor:       actor,
			ActionID:    body.ActionID,
			Endpoint:    r.URL.Path,
			Payload:     p,
			Headers:     headers,
			ArrivalTime: time.Now(),
		})
		writeResponse(w, resp)
	})

	var handler http.Handler = mux
	handler = floodLimit(handler, logger)

	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// floodLimit is a coarse process-wide throttle in front of the transport.
// The per-actor deterministic budget lives in the ingress firewall; this
// only sheds indiscriminate floods before JSON decoding burns CPU.
func floodLimit(next http.Handler, logger *slog.Logger) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(500), 1000)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/healthz") {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			logger.Warn("transport flood limit engaged")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "transport saturated"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeResponse(w http.ResponseWriter, resp pipeline.Response) {
	out := map[string]any{}
	if resp.Denial != nil {
		out["error"] = map[string]any{
			"code":    string(resp.Denial.Code),
			"message": resp.Denial.Message,
		}
	} else {
		out["result"] = resp.Body
	}
	if resp.Proof != nil {
		out["proof"] = resp.Proof.Notes()
	}
	if resp.Receipt != nil {
		out["receipt"] = map[string]any{
			"sequence":  resp.Receipt.Sequence,
			"self_hash": resp.Receipt.SelfHash,
		}
	}
	writeJSON(w, resp.StatusCode, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
