package server

import (
	"net/http"
	"time"

	"github.com/basket/workshop/internal/persistence"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	messages, err := s.cfg.Store.MessageCount(ctx)
	if err != nil {
		return err
	}
	taskCounts, err := s.cfg.Store.TaskCounts(ctx)
	if err != nil {
		return err
	}
	channels, err := s.cfg.Store.Channels(ctx)
	if err != nil {
		return err
	}
	agents, err := s.cfg.Store.LivePresence(ctx, persistence.Now())
	if err != nil {
		return err
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_s":    int64(time.Since(s.startedAt).Seconds()),
		"instance_id": s.instanceID,
		"version":     s.cfg.Version,
		"config_hash": s.cfg.ConfigFingerprint,
		"messages":    messages,
		"tasks":       taskCounts,
		"channels":    len(channels),
		"agents_live": len(agents),
		"subscribers": s.cfg.Hub.SubscriberCount(),
	})
	return nil
}
