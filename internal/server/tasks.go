package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/workshop/internal/ident"
	"github.com/basket/workshop/internal/persistence"
)

// announce emits a task lifecycle event on the task's channel through the
// regular publish pipeline, so every state change and its event share the
// log's write serialization. Extra carries event-specific body fields.
func (s *Server) announce(ctx context.Context, t persistence.Task, from, eventType string, extra map[string]any, files []string) error {
	body := map[string]any{
		"task-id": t.ID,
		"title":   t.Title,
	}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = s.publish(ctx, persistence.Envelope{
		From:  from,
		Ch:    t.Ch,
		Type:  eventType,
		Body:  raw,
		Files: files,
	})
	if err == nil && s.cfg.Metrics != nil {
		s.cfg.Metrics.TaskTransitions.Add(ctx, 1)
	}
	return err
}

type taskRequest struct {
	From       string          `json:"from"`
	CreatedBy  string          `json:"created_by"`
	AssignedTo string          `json:"assigned_to"`
	Title      string          `json:"title"`
	Context    json.RawMessage `json:"context"`
	Ch         string          `json:"ch"`
	Note       string          `json:"note"`
	Reason     string          `json:"reason"`
	Result     json.RawMessage `json:"result"`
	Files      []string        `json:"files"`
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) error {
	var req taskRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Title == "" {
		return errBadRequest("title is required")
	}
	creator := req.From
	if creator == "" {
		creator = req.CreatedBy
	}
	if creator == "" {
		return errBadRequest("from is required")
	}
	ch := req.Ch
	if ch == "" {
		ch = "tasks"
	}

	now := persistence.Now()
	t := persistence.Task{
		ID:         ident.New(),
		CreatedAt:  now,
		UpdatedAt:  now,
		CreatedBy:  creator,
		AssignedTo: req.AssignedTo,
		Status:     persistence.TaskStatusOpen,
		Title:      req.Title,
		Context:    req.Context,
		Files:      []string{},
		Ch:         ch,
	}
	if err := s.cfg.Store.InsertTask(r.Context(), t); err != nil {
		return err
	}
	extra := map[string]any{}
	if t.AssignedTo != "" {
		extra["assigned-to"] = t.AssignedTo
	}
	if err := s.announce(r.Context(), t, creator, "task.created", extra, nil); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": t.ID})
	return nil
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) error {
	t, err := s.getTask(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, t)
	return nil
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) error {
	status := persistence.TaskStatus(r.URL.Query().Get("status"))
	// "for" matches either the assignee or the claimant, deliberately.
	agent := r.URL.Query().Get("for")
	tasks, err := s.cfg.Store.ListTasks(r.Context(), status, agent)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, tasks)
	return nil
}

func (s *Server) handleTaskClaim(w http.ResponseWriter, r *http.Request) error {
	req, t, err := s.taskAndBody(r)
	if err != nil {
		return err
	}
	if t.Status != persistence.TaskStatusOpen {
		return errConflict("task is %s, not open", t.Status)
	}

	// Only the UPDATE that still observes status='open' wins; the re-read
	// below deterministically identifies the winner because the store
	// serializes writes.
	if _, err := s.cfg.Store.ClaimTask(r.Context(), t.ID, req.From, persistence.Now()); err != nil {
		return err
	}
	t, err = s.cfg.Store.GetTask(r.Context(), t.ID)
	if err != nil {
		return err
	}
	if t.ClaimedBy != req.From {
		return errConflict("lost claim race to %s", t.ClaimedBy)
	}

	if err := s.announce(r.Context(), t, req.From, "task.claimed", nil, nil); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         t.ID,
		"status":     t.Status,
		"claimed-by": t.ClaimedBy,
	})
	return nil
}

func (s *Server) handleTaskUpdate(w http.ResponseWriter, r *http.Request) error {
	req, t, err := s.taskAndBody(r)
	if err != nil {
		return err
	}
	// Progress notes live as log events only; the row just gets a fresh
	// updated_at.
	if err := s.cfg.Store.TouchTask(r.Context(), t.ID, persistence.Now()); err != nil {
		return err
	}
	if err := s.announce(r.Context(), t, req.From, "task.updated", map[string]any{"note": req.Note}, nil); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": t.ID})
	return nil
}

func (s *Server) handleTaskDone(w http.ResponseWriter, r *http.Request) error {
	req, t, err := s.taskAndBody(r)
	if err != nil {
		return err
	}
	if t.Status != persistence.TaskStatusClaimed {
		return errConflict("task is %s, not claimed", t.Status)
	}
	if t.ClaimedBy != req.From {
		return errForbidden("task is claimed by %s", t.ClaimedBy)
	}

	files := req.Files
	if files == nil {
		files = []string{}
	}
	if err := s.cfg.Store.CompleteTask(r.Context(), t.ID, req.From, req.Result, files, persistence.Now()); err != nil {
		return err
	}
	if err := s.announce(r.Context(), t, req.From, "task.done", nil, files); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": t.ID, "status": persistence.TaskStatusDone})
	return nil
}

func (s *Server) handleTaskAbandon(w http.ResponseWriter, r *http.Request) error {
	req, t, err := s.taskAndBody(r)
	if err != nil {
		return err
	}
	if t.Status != persistence.TaskStatusClaimed {
		return errConflict("task is %s, not claimed", t.Status)
	}
	if t.ClaimedBy != req.From {
		return errForbidden("task is claimed by %s", t.ClaimedBy)
	}

	if err := s.cfg.Store.AbandonTask(r.Context(), t.ID, req.From, persistence.Now()); err != nil {
		return err
	}
	if err := s.announce(r.Context(), t, req.From, "task.abandoned", nil, nil); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": t.ID, "status": persistence.TaskStatusOpen})
	return nil
}

func (s *Server) handleTaskInterrupt(w http.ResponseWriter, r *http.Request) error {
	req, t, err := s.taskAndBody(r)
	if err != nil {
		return err
	}
	// Interrupt mutates nothing; it only announces.
	if err := s.announce(r.Context(), t, req.From, "task.interrupt", map[string]any{"reason": req.Reason}, nil); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": t.ID, "signalled": true})
	return nil
}

func (s *Server) getTask(r *http.Request) (persistence.Task, error) {
	id := r.PathValue("id")
	t, err := s.cfg.Store.GetTask(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Task{}, errNotFound("task %s not found", id)
	}
	return t, err
}

// taskAndBody loads the addressed task, then decodes the request body and
// requires a non-empty from. An unknown task is a 404 even when the body is
// also bad.
func (s *Server) taskAndBody(r *http.Request) (taskRequest, persistence.Task, error) {
	t, err := s.getTask(r)
	if err != nil {
		return taskRequest{}, persistence.Task{}, err
	}
	var req taskRequest
	if err := decodeBody(r, &req); err != nil {
		return req, persistence.Task{}, err
	}
	if req.From == "" {
		return req, persistence.Task{}, errBadRequest("from is required")
	}
	return req, t, nil
}
