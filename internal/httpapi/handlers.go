package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/forgeharness/forge/internal/runstore"
	"github.com/forgeharness/forge/internal/sanitize"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("store unreachable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if err := sanitize.ValidateRepoURL(req.RepoURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := sanitize.ValidateRef(req.RepoRef); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.WorkOrder.ID == "" || len(req.WorkOrder.AllowedFiles) == 0 {
		writeError(w, http.StatusBadRequest, "work_order.id and work_order.allowed_files are required")
		return
	}

	run, err := s.store.CreateRun(r.Context(), runstore.Run{
		RepoURL:        req.RepoURL,
		RepoRef:        req.RepoRef,
		WorkOrder:      req.WorkOrder,
		IdempotencyKey: req.IdempotencyKey,
		Params:         req.Params,
		Writeback:      req.Writeback,
	})
	if err != nil {
		if errors.Is(err, runstore.ErrIdempotencyConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create run: %v", err))
		return
	}

	if _, err := s.queue.Enqueue(r.Context(), run.ID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("enqueue run: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID, "status": string(run.Status)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeRunLookupError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, runStatusFromRun(run))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeRunLookupError(w, runID, err)
		return
	}

	var afterID int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer event id")
			return
		}
		afterID = n
	}

	events, err := s.store.ListEvents(r.Context(), runID, afterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list events: %v", err))
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, e := range events {
		dtos[i] = eventDTOFromEvent(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.store.Cancel(r.Context(), runID); err != nil {
		s.writeRunLookupError(w, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	name := r.PathValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "artifact name is required")
		return
	}

	a, err := s.store.GetArtifactByName(r.Context(), runID, name)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("artifact %s not found for run %s", name, runID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("lookup artifact: %v", err))
		return
	}

	f, err := os.Open(a.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("artifact bytes missing on disk: %v", err))
		return
	}
	defer f.Close()

	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	stat, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("stat artifact: %v", err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(name)))
	http.ServeContent(w, r, filepath.Base(name), stat.ModTime(), f)
}

func (s *Server) writeRunLookupError(w http.ResponseWriter, runID string, err error) {
	if errors.Is(err, runstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("run %s: %v", runID, err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
