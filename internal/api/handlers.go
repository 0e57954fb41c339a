package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"

	"github.com/aristath/taskd/internal/task"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listHandlers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string][]string{"types": s.svc.HandlerTypes()})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		respondErr(w, r, err)
		return
	}

	id, err := s.svc.Submit(r.Context(), req.Name, req.Type, req.params(), opts...)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	w.Header().Set("Location", "/tasks/"+id)
	respondJSON(w, r, http.StatusCreated, SubmitResponse{ID: id})
}

// getTask serves the live snapshot, falling back to the repository for tasks the
// scheduler no longer holds.
func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if t, ok := s.svc.Get(id); ok {
		respondJSON(w, r, http.StatusOK, t)
		return
	}
	if s.repo == nil {
		respondErr(w, r, fmt.Errorf("%w: %s", task.ErrNotFound, id))
		return
	}

	t, err := s.repo.GetByID(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, t)
}

// listTasks filters by ?status= and ?type=. With ?source=store the repository is queried
// instead of the scheduler's memory.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typeFilter := q.Get("type")

	var statusFilter task.Status
	if raw := q.Get("status"); raw != "" {
		st, err := parseStatus(raw)
		if err != nil {
			respondErr(w, r, err)
			return
		}
		statusFilter = st
	}

	var tasks []*task.Task
	switch q.Get("source") {
	case "", "memory":
		tasks = s.svc.Tasks()
	case "store":
		if s.repo == nil {
			respondError(w, r, http.StatusServiceUnavailable, "no task store configured")
			return
		}
		var err error
		switch {
		case statusFilter != "":
			tasks, err = s.repo.GetByStatus(r.Context(), statusFilter)
		case typeFilter != "":
			tasks, err = s.repo.GetByType(r.Context(), typeFilter)
		default:
			respondErr(w, r, &task.ValidationError{Field: "status", Reason: "status or type is required with source=store"})
			return
		}
		if err != nil {
			respondErr(w, r, err)
			return
		}
	default:
		respondErr(w, r, &task.ValidationError{Field: "source", Reason: "must be memory or store"})
		return
	}

	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if statusFilter != "" && t.Status != statusFilter {
			continue
		}
		if typeFilter != "" && t.Type != typeFilter {
			continue
		}
		out = append(out, t)
	}
	respondJSON(w, r, http.StatusOK, out)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.svc.Cancel(id) {
		respondJSON(w, r, http.StatusAccepted, map[string]any{"id": id, "cancelled": true})
		return
	}

	t, ok := s.svc.Get(id)
	if !ok {
		respondErr(w, r, fmt.Errorf("%w: %s", task.ErrNotFound, id))
		return
	}
	respondError(w, r, http.StatusConflict, fmt.Sprintf("task %s is %s and cannot be cancelled", id, t.Status))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, s.svc.Stats())
}

func (s *Server) persistedStats(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		respondError(w, r, http.StatusServiceUnavailable, "no task store configured")
		return
	}
	counts, err := s.repo.CountByStatus(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusOK, counts)
}

// RecurringEntry describes one registered recurring submission.
type RecurringEntry struct {
	ID   int       `json:"id"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

func (s *Server) submitRecurring(w http.ResponseWriter, r *http.Request) {
	var req RecurringRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		respondErr(w, r, err)
		return
	}

	entryID, err := s.svc.SubmitRecurring(req.Schedule, req.Name, req.Type, req.params(), opts...)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, r, http.StatusCreated, map[string]int{"id": int(entryID)})
}

func (s *Server) listRecurring(w http.ResponseWriter, r *http.Request) {
	entries := s.svc.Recurring()
	out := make([]RecurringEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, RecurringEntry{ID: int(e.ID), Next: e.Next, Prev: e.Prev})
	}
	respondJSON(w, r, http.StatusOK, out)
}

func (s *Server) removeRecurring(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "entryID")
	n, err := strconv.Atoi(raw)
	if err != nil {
		respondErr(w, r, &task.ValidationError{Field: "entryID", Reason: fmt.Sprintf("not a number: %q", raw)})
		return
	}

	id := cron.EntryID(n)
	for _, e := range s.svc.Recurring() {
		if e.ID == id {
			s.svc.RemoveRecurring(id)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	respondErr(w, r, fmt.Errorf("%w: recurring entry %d", task.ErrNotFound, n))
}
