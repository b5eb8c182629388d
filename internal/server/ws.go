package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/workshop/internal/hub"
)

// wsFrame is the JSON rendering of a push-stream frame on the WebSocket
// mirror. Keepalives become {"keepalive": true}.
type wsFrame struct {
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Keepalive bool            `json:"keepalive,omitempty"`
}

// wsSubscriber adapts a WebSocket connection to a hub handle.
type wsSubscriber struct {
	ctx  context.Context
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sub *wsSubscriber) Send(f hub.Frame) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if f.Comment != "" {
		return wsjson.Write(sub.ctx, sub.conn, wsFrame{Keepalive: true})
	}
	return wsjson.Write(sub.ctx, sub.conn, wsFrame{ID: f.ID, Data: json.RawMessage(f.Data)})
}

// handleWS mirrors the event stream over a WebSocket: same frames, same
// `since` replay semantics, channel scoped via ?ch= (default all channels).
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ch := r.URL.Query().Get("ch")
	if ch == "" {
		ch = hub.AllChannels
	}
	ctx := r.Context()
	sub := &wsSubscriber{ctx: ctx, conn: conn}

	if since := r.URL.Query().Get("since"); since != "" {
		scope := ch
		if scope == hub.AllChannels {
			scope = ""
		}
		missed, err := s.cfg.Store.MessagesSince(ctx, scope, since)
		if err != nil {
			s.logger.Error("ws: replay query failed", "ch", ch, "error", err)
			return
		}
		for _, env := range missed {
			frame, err := envelopeFrame(env)
			if err != nil {
				continue
			}
			if err := sub.Send(frame); err != nil {
				return
			}
		}
	}

	s.cfg.Hub.Subscribe(ch, sub)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveStreams.Add(ctx, 1)
	}
	s.logger.Debug("ws: subscriber attached", "ch", ch)

	// Subscribers only listen; the read loop just surfaces disconnection
	// and services control frames.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	s.cfg.Hub.Unsubscribe(ch, sub)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveStreams.Add(ctx, -1)
	}
	s.logger.Debug("ws: subscriber detached", "ch", ch)
}
