package server

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/syntropy-systems-oss/whirr/queue"
	"github.com/syntropy-systems-oss/whirr/runs"
)

func (s *Server) runDirFor(runID string) string {
	return runs.Dir(s.runsDir, runID)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	list, err := s.store.ListRuns(queue.RunFilter{
		Status: q.Get("status"),
		Tag:    q.Get("tag"),
		Limit:  limit,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": list})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	run, err := s.store.GetRun(runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	response := map[string]interface{}{"run": run}
	// The filesystem is authoritative; attach parsed meta when present
	if meta, err := runs.ReadMeta(s.runDirFor(runID)); err == nil {
		response["meta"] = meta
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	if _, err := s.store.GetRun(runID); err != nil {
		writeStoreError(w, err)
		return
	}

	metrics, err := runs.ReadMetrics(filepath.Join(s.runDirFor(runID), runs.MetricsFile))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": metrics})
}

func (s *Server) handleRunArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	if _, err := s.store.GetRun(runID); err != nil {
		writeStoreError(w, err)
		return
	}

	artifacts, err := runs.ListArtifacts(s.runDirFor(runID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifacts": artifacts})
}

func (s *Server) handleRunArtifact(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	relPath := r.PathValue("path")

	if _, err := s.store.GetRun(runID); err != nil {
		writeStoreError(w, err)
		return
	}

	full, err := runs.ArtifactPath(s.runDirFor(runID), relPath)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	http.ServeFile(w, r, full)
}
