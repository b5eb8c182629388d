package server

import (
	"errors"
	"net/http"
	"sync"

	"github.com/basket/workshop/internal/hub"
)

var errStreamClosed = errors.New("stream closed")

// sseSubscriber is a live push-stream handle over an HTTP response. Send may
// be called from any publishing goroutine; the mutex keeps frames whole, and
// the closed flag stops writes after the handler has returned.
type sseSubscriber struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	flush  func()
	closed bool
}

func (sub *sseSubscriber) Send(f hub.Frame) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return errStreamClosed
	}
	if _, err := sub.w.Write(f.Encode()); err != nil {
		sub.closed = true
		return err
	}
	sub.flush()
	return nil
}

func (sub *sseSubscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.closed = true
}

func (s *Server) handleChannelSubscribe(w http.ResponseWriter, r *http.Request) error {
	return s.subscribe(w, r, r.PathValue("ch"))
}

func (s *Server) handleRootSubscribe(w http.ResponseWriter, r *http.Request) error {
	return s.subscribe(w, r, hub.AllChannels)
}

// subscribe commits the stream headers, replays the gap when the client
// supplies a resumption id, then attaches the handle to the live fan-out.
// A message published between the replay query and the attach can be seen
// twice; clients deduplicate by id.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, ch string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported by connection")
	}

	// Headers must be committed before any payload. The buffering-off hint
	// keeps reverse proxies from swallowing the stream.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return nil
	}
	flusher.Flush()

	sub := &sseSubscriber{w: w, flush: flusher.Flush}

	if since := r.Header.Get("Last-Event-ID"); since != "" {
		scope := ch
		if scope == hub.AllChannels {
			scope = ""
		}
		missed, err := s.cfg.Store.MessagesSince(r.Context(), scope, since)
		if err != nil {
			s.logger.Error("stream: replay query failed", "ch", ch, "error", err)
			return nil
		}
		for _, env := range missed {
			frame, err := envelopeFrame(env)
			if err != nil {
				s.logger.Error("stream: encode replay frame", "id", env.ID, "error", err)
				continue
			}
			if err := sub.Send(frame); err != nil {
				return nil
			}
		}
	}

	s.cfg.Hub.Subscribe(ch, sub)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveStreams.Add(r.Context(), 1)
	}
	s.logger.Debug("stream: subscriber attached", "ch", ch)

	<-r.Context().Done()

	s.cfg.Hub.Unsubscribe(ch, sub)
	sub.close()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveStreams.Add(r.Context(), -1)
	}
	s.logger.Debug("stream: subscriber detached", "ch", ch)
	return nil
}
