package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/models"
	"github.com/lorawan-server/lorawan-classb/internal/storage"
)

// HandleListEvents lists stored events. Filters: run_id, kind, level,
// subject, from and to (virtual time as a Go duration).
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filters storage.EventLogFilters

	if v := q.Get("run_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid run_id")
			return
		}
		filters.RunID = &id
	}
	if v := q.Get("kind"); v != "" {
		kind := events.Kind(v)
		filters.Kind = &kind
	}
	if v := q.Get("level"); v != "" {
		level := models.EventLevel(strings.ToUpper(v))
		filters.Level = &level
	}
	filters.Subject = q.Get("subject")

	for name, dst := range map[string]**time.Duration{"from": &filters.From, "to": &filters.To} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = &d
	}

	limit, offset := pagination(r)
	logs, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": logs,
		"total":  total,
	})
}

// HandleListRuns lists stored run summaries, newest first
func (s *RESTServer) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	runs, total, err := s.store.ListRunSummaries(r.Context(), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": total,
	})
}

// HandleGetRun gets a stored run summary
func (s *RESTServer) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.store.GetRunSummary(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "run not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, run)
}
