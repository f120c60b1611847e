package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/timelock-gifts/internal/worker"
)

const adminActorHeader = "X-Admin-Actor"

func adminActor(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(adminActorHeader)); actor != "" {
		return actor
	}
	return "admin"
}

// handleRetryLock handles POST /admin/gift/{code}/lock
func (s *Server) handleRetryLock(w http.ResponseWriter, r *http.Request) {
	g, err := s.locks.RetryLock(r.Context(), mux.Vars(r)["code"], adminActor(r))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, newGiftView(g))
}

// handleResetTransfer handles POST /admin/gift/{code}/reset-transfer
func (s *Server) handleResetTransfer(w http.ResponseWriter, r *http.Request) {
	g, err := s.transfers.ResetAutoTransfer(r.Context(), mux.Vars(r)["code"], adminActor(r))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"giftCode":             g.GiftCode,
		"status":               g.Status,
		"autoTransferAttempts": g.AutoTransferAttempts,
	})
}

// handleHealth handles GET /health. A stopped worker or an unhealthy RPC
// endpoint degrades the report but the endpoint still answers 200 so the API
// stays in rotation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	workers := []worker.Status{}
	if s.workers != nil {
		workers = s.workers.Statuses()
		for _, ws := range workers {
			if !ws.Running {
				status = "degraded"
				break
			}
		}
	}

	body := map[string]interface{}{
		"service": "timelock-gifts",
		"workers": workers,
	}
	if s.chain != nil {
		chain := s.chain.Health()
		if !chain.Healthy {
			status = "degraded"
		}
		body["chain"] = chain
	}
	body["status"] = status

	respondJSON(w, http.StatusOK, body)
}
