package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/basket/workshop/internal/hub"
	"github.com/basket/workshop/internal/ident"
	"github.com/basket/workshop/internal/persistence"
)

const (
	historyDefaultLimit = 200
	historyHardCap      = 200
	globalDefaultLimit  = 100
)

// publish is the pipeline every message takes: mint id and timestamp,
// persist, then fan out. The insert precedes the fan-out, and the store
// serializes writes, so subscribers observe monotone id order.
func (s *Server) publish(ctx context.Context, env persistence.Envelope) (persistence.Envelope, error) {
	env.ID = ident.New()
	env.TS = persistence.Now()
	if env.V == 0 {
		env.V = 1
	}
	if len(env.Body) == 0 {
		env.Body = json.RawMessage(`{}`)
	}
	if env.Files == nil {
		env.Files = []string{}
	}

	if err := s.cfg.Store.InsertMessage(ctx, env); err != nil {
		return persistence.Envelope{}, fmt.Errorf("persist message: %w", err)
	}

	frame, err := envelopeFrame(env)
	if err != nil {
		return persistence.Envelope{}, err
	}
	delivered := s.cfg.Hub.Publish(env.Ch, frame)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.MessagesPublished.Add(ctx, 1)
		s.cfg.Metrics.FramesDelivered.Add(ctx, int64(delivered))
	}
	return env, nil
}

// envelopeFrame encodes a persisted envelope as its push-stream frame.
func envelopeFrame(env persistence.Envelope) (hub.Frame, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return hub.Frame{}, fmt.Errorf("encode envelope: %w", err)
	}
	return hub.Frame{ID: env.ID, Data: data}, nil
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) error {
	var env persistence.Envelope
	if err := decodeBody(r, &env); err != nil {
		return err
	}
	if env.From == "" {
		return errBadRequest("from is required")
	}
	if env.Type == "" {
		return errBadRequest("type is required")
	}
	env.Ch = r.PathValue("ch")

	env, err := s.publish(r.Context(), env)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": env.ID, "ts": env.TS})
	return nil
}

func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) error {
	q := persistence.MessageQuery{
		Ch:         r.PathValue("ch"),
		Since:      r.URL.Query().Get("since"),
		TypePrefix: r.URL.Query().Get("type"),
		Limit:      parseLimit(r.URL.Query().Get("n"), historyDefaultLimit),
	}
	messages, err := s.cfg.Store.QueryMessages(r.Context(), q)
	if err != nil {
		return err
	}
	return writeNDJSON(w, messages)
}

func (s *Server) handleGlobalHistory(w http.ResponseWriter, r *http.Request) error {
	limit := parseLimit(r.URL.Query().Get("n"), globalDefaultLimit)
	messages, err := s.cfg.Store.AllMessages(r.Context(), limit)
	if err != nil {
		return err
	}
	return writeNDJSON(w, messages)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) error {
	channels, err := s.cfg.Store.Channels(r.Context())
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, channels)
	return nil
}

// writeNDJSON emits one envelope per line, oldest first. Queries return
// newest-first, so the slice is walked backwards.
func writeNDJSON(w http.ResponseWriter, messages []persistence.Envelope) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for i := len(messages) - 1; i >= 0; i-- {
		if err := enc.Encode(messages[i]); err != nil {
			return nil // client went away mid-body; nothing left to render
		}
	}
	return nil
}

func parseLimit(raw string, def int) int {
	limit := def
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > historyHardCap {
		limit = historyHardCap
	}
	return limit
}
