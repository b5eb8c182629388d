package server

import (
	"encoding/json"
	"net/http"

	"github.com/basket/workshop/internal/persistence"
)

type presenceRequest struct {
	AgentID  string          `json:"agent_id"`
	Channels []string        `json:"channels"`
	Meta     json.RawMessage `json:"meta"`
}

func (s *Server) handlePresenceBeat(w http.ResponseWriter, r *http.Request) error {
	var req presenceRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.AgentID == "" {
		return errBadRequest("agent_id is required")
	}
	if req.Channels == nil {
		req.Channels = []string{}
	}
	err := s.cfg.Store.UpsertPresence(r.Context(), persistence.Agent{
		AgentID:  req.AgentID,
		LastSeen: persistence.Now(),
		Channels: req.Channels,
		Meta:     req.Meta,
	})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	return nil
}

func (s *Server) handlePresenceList(w http.ResponseWriter, r *http.Request) error {
	agents, err := s.cfg.Store.LivePresence(r.Context(), persistence.Now())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, agents)
	return nil
}
