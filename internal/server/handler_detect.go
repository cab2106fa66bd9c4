package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/pgedge/cambiador/pkg/logger"
	"github.com/pgedge/cambiador/pkg/taskstore"
)

type detectResponse struct {
	Success bool     `json:"success"`
	RunID   string   `json:"run_id,omitempty"`
	Changed  []string `json:"changed"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed"`
	Removed  []string `json:"removed"`
	Retained []string `json:"retained"`
	Error    string   `json:"error,omitempty"`
}

type runStatusResponse struct {
	RunID        string  `json:"run_id"`
	Status       string  `json:"status"`
	Trigger      string  `json:"trigger"`
	Development  bool    `json:"development"`
	ChangedCount int     `json:"changed_count"`
	FailedCount  int     `json:"failed_count"`
	Error        string  `json:"error,omitempty"`
	StartedAt    string  `json:"started_at,omitempty"`
	FinishedAt   string  `json:"finished_at,omitempty"`
	TimeTaken    float64 `json:"time_taken"`
	Report       any     `json:"report,omitempty"`
}

func (s *APIServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, readyMessage)
}

// handleDetect runs a detection synchronously; the request carries no body.
func (s *APIServer) handleDetect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}

	// A run outlives its caller: a client that disconnects must not abort
	// the hashing or the state writes already in progress.
	report, err := s.runner.Run(context.WithoutCancel(r.Context()), taskstore.TriggerHTTP)
	resp := detectResponse{
		Changed:  []string{},
		Skipped:  []string{},
		Failed:   []string{},
		Removed:  []string{},
		Retained: []string{},
	}
	if report != nil {
		resp.RunID = report.RunID
		resp.Changed = nonNil(report.Stats.Changed)
		resp.Skipped = nonNil(report.Skipped())
		resp.Failed = nonNil(report.Failed())
		resp.Removed = nonNil(report.Removed)
		resp.Retained = nonNil(report.Retained)
	}
	if err != nil {
		logger.Error("detection run failed: %v", err)
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	resp.Success = true
	writeJSON(w, http.StatusOK, resp)
}

func (s *APIServer) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	runID := strings.TrimSpace(r.PathValue("id"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}

	rec, err := s.runs.Get(runID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		logger.Error("failed to fetch run %s: %v", runID, err)
		writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}

	resp := runStatusResponse{
		RunID:        rec.RunID,
		Status:       rec.Status,
		Trigger:      rec.Trigger,
		Development:  rec.Development,
		ChangedCount: rec.ChangedCount,
		FailedCount:  rec.FailedCount,
		Error:        rec.Error,
		TimeTaken:    rec.TimeTaken,
	}
	if !rec.StartedAt.IsZero() {
		resp.StartedAt = rec.StartedAt.UTC().Format(timeLayout)
	}
	if !rec.FinishedAt.IsZero() {
		resp.FinishedAt = rec.FinishedAt.UTC().Format(timeLayout)
	}
	if len(rec.Report) > 0 {
		resp.Report = rec.Report
	}
	writeJSON(w, http.StatusOK, resp)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
