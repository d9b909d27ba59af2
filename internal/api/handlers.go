package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/areahq/area-pipeline/internal/app/webhook"
	"github.com/areahq/area-pipeline/internal/domain/execution"
)

// maxWebhookBody caps inbound payload size at 1 MiB.
const maxWebhookBody = 1 << 20

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	resource := chi.URLParam(r, "resource")
	userID := r.URL.Query().Get("userId")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), provider, resource, userID, body, r.Header)
	switch {
	case errors.Is(err, webhook.ErrBadSignature):
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	case errors.Is(err, webhook.ErrUnresolvedOwner):
		http.Error(w, "no matching webhook registration", http.StatusUnprocessableEntity)
		return
	case err != nil:
		s.logger.Error(r.Context(), "webhook ingestion failed",
			"provider", provider, "resource", resource, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if result.Outcome == webhook.OutcomeHandshake {
		// Providers expect the challenge echoed back verbatim.
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(result.Challenge))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": string(result.Outcome)})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.workers.Status())
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.workers.Statistics(r.Context())
	if err != nil {
		s.logger.Error(r.Context(), "failed to collect statistics", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStreamInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.workers.StreamInfo(r.Context()))
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid execution id", http.StatusBadRequest)
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req)
	}

	err = s.workers.Cancel(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, execution.ErrNotFound):
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	case errors.Is(err, execution.ErrInvalidStateTransition), errors.Is(err, execution.ErrStatusConflict):
		http.Error(w, "execution already finished", http.StatusConflict)
		return
	case err != nil:
		s.logger.Error(r.Context(), "failed to cancel execution",
			"execution_id", id.String(), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleInitializeStream(w http.ResponseWriter, r *http.Request) {
	if err := s.workers.InitializeStream(r.Context()); err != nil {
		s.logger.Error(r.Context(), "failed to initialize stream", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

func (s *Server) handleTestEvent(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if r.Body != nil {
		json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&payload)
	}

	execID, recordID, err := s.workers.PublishTestEvent(r.Context(), payload)
	if err != nil {
		s.logger.Error(r.Context(), "failed to publish test event", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"executionId": execID.String(),
		"recordId":    recordID,
	})
}
