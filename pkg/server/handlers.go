package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/batch"
	"github.com/Sternrassler/batch-gateway/pkg/store"
)

// readyCheckTimeout bounds the Redis PING behind /ready.
const readyCheckTimeout = time.Second

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, err := batch.Decode(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.logger.Debug().Err(err).Msg("Rejected malformed batch")
		writeError(w, http.StatusBadRequest, batch.ClientMessage(err))
		return
	}

	result, err := s.deps.Coordinator.Process(r.Context(), batch.EndpointFromRequest(r), req)
	if err != nil {
		if batch.IsClientError(err) {
			writeError(w, http.StatusBadRequest, batch.ClientMessage(err))
			return
		}
		s.logger.Error().Err(err).Msg("Batch processing failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	if s.deps.Results == nil || batchID == "" {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}

	result, err := s.deps.Results.Get(r.Context(), batchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	case err != nil:
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("Result lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("batchId")
	if s.deps.Results == nil || batchID == "" {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}

	err := s.deps.Results.Delete(r.Context(), batchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "batch not found")
	case err != nil:
		s.logger.Error().Err(err).Str("batch_id", batchID).Msg("Result delete failed")
		writeError(w, http.StatusInternalServerError, "delete failed")
	default:
		s.logger.Info().Str("batch_id", batchID).Msg("Stored result deleted")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// readiness is the /ready document.
type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := readiness{Status: "ready", Checks: map[string]string{"pool": "pass"}}
	code := http.StatusOK

	if !s.deps.Pool.Accepting() {
		status.Checks["pool"] = "fail"
		code = http.StatusServiceUnavailable
	}

	if s.deps.Results != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
		defer cancel()
		if err := s.deps.Results.Ping(ctx); err != nil {
			status.Checks["redis"] = "fail"
			code = http.StatusServiceUnavailable
		} else {
			status.Checks["redis"] = "pass"
		}
	}

	if code != http.StatusOK {
		status.Status = "not ready"
	}
	writeJSON(w, code, status)
}

// writeJSON encodes v fully before writing so a caller never sees a partial
// document.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		json.NewEncoder(&buf).Encode(map[string]string{"error": "encode response failed"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
