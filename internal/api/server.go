package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pushflow/internal/domain"
	"pushflow/internal/recurrence"
	"pushflow/internal/store"
)

type Server struct {
	r     *chi.Mux
	store store.Store
}

func NewServer(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st}

	r.Get("/health", s.health)
	r.Post("/api/push-tasks", s.createTask)
	r.Get("/api/push-tasks", s.listTasks)
	r.Get("/api/push-tasks/{id}", s.getTask)
	r.Get("/api/push-tasks/{id}/executions", s.listExecutions)
	r.Patch("/api/push-tasks/{id}/status", s.setStatus)
	r.Delete("/api/push-tasks/{id}", s.deleteTask)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createResp struct {
	ID string `json:"id"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTaskInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	req.CreatorID = r.Header.Get("X-User-Id")
	req.CreatorName = r.Header.Get("X-User-Name")

	now := time.Now()
	task, err := domain.NewTask(req, now)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}

	// Recurring tasks need their first fire time before they are visible to
	// the poller.
	if task.Recurring != nil {
		next, err := recurrence.Next(*task.Recurring, now)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		task.Recurring.NextRunAt = next
	}

	id, err := s.store.Create(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f := store.ListFilter{
		Mode:       domain.PushMode(r.URL.Query().Get("mode")),
		PushStatus: domain.PushStatus(r.URL.Query().Get("push_status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	tasks, err := s.store.List(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t, nil))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	history, err := s.store.History(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if history == nil {
		history = []domain.ExecutionRecord{}
	}
	writeJSON(w, 200, taskView(t, history))
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	history, err := s.store.History(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, historyView(history))
}

type setStatusReq struct {
	Status domain.TaskStatus `json:"status"`
}

func (s *Server) setStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setStatusReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Status != domain.StatusActive && req.Status != domain.StatusInactive {
		http.Error(w, "status must be active or inactive", 400)
		return
	}
	if err := s.store.SetStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.Delete(r.Context(), id, time.Now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, store.ErrTaskInFlight):
		http.Error(w, "task is mid-flight", 409)
	case err != nil:
		http.Error(w, err.Error(), 500)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func taskView(t domain.PushTask, history []domain.ExecutionRecord) map[string]any {
	v := map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"content":     t.Content,
		"description": t.Description,
		"type":        t.Type,
		"pushMode":    t.Mode,
		"targetType":  t.TargetType,
		"status":      t.Status,
		"pushStatus":  t.PushStatus,
		"totalSent":   t.TotalSent,
		"totalRead":   t.TotalRead,
		"creatorId":   t.CreatorID,
		"creatorName": t.CreatorName,
		"createdAt":   t.CreatedAt.Format(time.RFC3339),
		"updatedAt":   t.UpdatedAt.Format(time.RFC3339),
	}
	if t.TargetType == domain.TargetSpecific {
		v["targetUserIds"] = t.TargetUserIDs
	}
	if t.TargetType == domain.TargetRole {
		v["targetRoleIds"] = t.TargetRoleIDs
	}
	if t.ScheduledAt != nil {
		v["scheduledTime"] = t.ScheduledAt.Format(time.RFC3339)
	}
	if t.LastExecutedAt != nil {
		v["lastExecutedAt"] = t.LastExecutedAt.Format(time.RFC3339)
	}
	if t.Recurring != nil {
		rc := map[string]any{
			"type":          t.Recurring.Kind,
			"executedCount": t.Recurring.ExecutedCount,
			"maxExecutions": t.Recurring.MaxExecutions,
		}
		switch t.Recurring.Kind {
		case domain.RecurInterval:
			rc["interval"] = t.Recurring.Every
			rc["intervalUnit"] = t.Recurring.Unit
		case domain.RecurDaily:
			rc["dailyTime"] = t.Recurring.At
		case domain.RecurCron:
			rc["cronExpr"] = t.Recurring.Expr
		}
		if !t.Recurring.NextRunAt.IsZero() {
			rc["nextExecutionTime"] = t.Recurring.NextRunAt.Format(time.RFC3339)
		}
		v["recurringConfig"] = rc
	}
	if history != nil {
		v["executionHistory"] = historyView(history)
	}
	return v
}

func historyView(recs []domain.ExecutionRecord) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		e := map[string]any{
			"time":          r.ExecutedAt.Format(time.RFC3339),
			"success":       r.Success,
			"sentCount":     r.SentCount,
			"failedCount":   r.FailedCount,
			"executedCount": r.ExecutedCount,
			"maxExecutions": r.MaxExecutions,
		}
		if r.Error != "" {
			e["errorMessage"] = r.Error
		}
		out = append(out, e)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
