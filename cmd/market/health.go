package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/RWTH-EBC/PHOENAIX/internal/version"
)

// healthHandler serves /health, /debug/rounds and /debug/agents.
func (a *app) healthHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Instance   string         `json:"instance"`
			Version    string         `json:"version"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Instance:   a.cfg.Instance.ID,
			Version:    version.String(),
			Components: make(map[string]any),
		}

		if a.pools != nil {
			if err := a.pools.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		health.Components["store"] = a.cfg.Store.Kind
		health.Components["bus"] = a.cfg.Bus.Kind

		if a.controller != nil {
			summary := a.controller.Summary()
			health.Components["controller"] = map[string]any{
				"running": a.controller.Running(),
				"round":   a.controller.Round(),
				"failed":  summary.Failed,
				"overran": summary.Overran,
			}
			if summary.Rounds > 0 && summary.Failed == summary.Rounds {
				health.Status = "degraded"
			}
		}
		if a.coordinator != nil {
			health.Components["coordinator"] = a.coordinator.Status()
		}
		if len(a.participants) > 0 {
			health.Components["agents"] = len(a.participants)
		}
		if a.resultWriter != nil {
			health.Components["result_writer"] = a.resultWriter.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/rounds", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"summary": a.rounds.Summary(),
			"rounds":  a.rounds.All(),
		})
	})

	mux.HandleFunc("/debug/agents", func(w http.ResponseWriter, r *http.Request) {
		type agentInfo struct {
			ID         string `json:"id"`
			Round      uint64 `json:"round"`
			Trades     int    `json:"trades"`
			Balance    string `json:"balance"`
			LocalShare string `json:"local_share"`
		}
		out := make([]agentInfo, 0, len(a.participants))
		for _, p := range a.participants {
			ag := p.Agent()
			out = append(out, agentInfo{
				ID:         ag.ID,
				Round:      ag.Round(),
				Trades:     len(ag.Trades()),
				Balance:    ag.Ledger().Balance().StringFixed(3),
				LocalShare: ag.Ledger().LocalShare().StringFixed(3),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	return mux
}
