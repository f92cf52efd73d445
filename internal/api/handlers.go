package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yangwenmai/dailydigest/internal/driver"
	"github.com/yangwenmai/dailydigest/internal/model"
	"github.com/yangwenmai/dailydigest/internal/store"
)

// ---------------------------------------------------------------------------
// GET /healthz
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// POST /api/step[?date=YYYY-MM-DD]
// ---------------------------------------------------------------------------

// handleStep runs exactly one state machine step and reports it. A failed
// stage is still a completed step: the error travels in the result body.
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date != "" {
		if _, err := model.ParseDate(date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}

	var (
		res driver.StepResult
		err error
	)
	if date == "" {
		res, err = s.driver.Step(r.Context())
	} else {
		res, err = s.driver.StepDate(r.Context(), date)
	}
	if err != nil {
		s.logger.Warn("manual step failed", "date", date, "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// ---------------------------------------------------------------------------
// GET /api/tasks
// ---------------------------------------------------------------------------

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 30
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	tasks, err := s.store.ListTasks(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []model.DailyTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ---------------------------------------------------------------------------
// GET /api/tasks/{date}
// ---------------------------------------------------------------------------

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}

	snap, err := s.store.GetTaskSnapshot(r.Context(), date)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ---------------------------------------------------------------------------
// POST /api/tasks/{date}/retry
// ---------------------------------------------------------------------------

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}

	n, err := s.store.ResetFailed(r.Context(), date)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
		return
	case errors.Is(err, store.ErrStaleTransition):
		writeError(w, http.StatusConflict, "failed items can only be retried before the task is published")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to reset items")
		return
	}

	s.logger.Info("failed items reset", "date", date, "reset", n)
	snap, err := s.store.GetTaskSnapshot(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"date": date, "reset": n, "snapshot": snap})
}

// ---------------------------------------------------------------------------
// GET /api/tasks/{date}/items[?status=FAILED,PENDING]
// ---------------------------------------------------------------------------

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}

	var statuses []model.ItemStatus
	for _, v := range splitComma(r.URL.Query().Get("status")) {
		st, err := model.ParseItemStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		statuses = append(statuses, st)
	}

	items, err := s.store.ListItems(r.Context(), date, statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []model.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// ---------------------------------------------------------------------------
// GET /api/tasks/{date}/document
// ---------------------------------------------------------------------------

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	date, ok := pathDate(w, r)
	if !ok {
		return
	}

	doc, found, err := s.docs.Cached(r.Context(), date)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "document not rendered yet")
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc.Body))
}

func pathDate(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := chi.URLParam(r, "date")
	if _, err := model.ParseDate(date); err != nil {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return "", false
	}
	return date, true
}
