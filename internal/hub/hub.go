// Package hub is the live fan-out engine: a process-wide registry mapping
// channel names to attached push-stream handles, frame delivery with
// evict-on-error, and the periodic keepalive loop.
package hub

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"
)

// AllChannels is the registry key whose subscribers receive every event
// regardless of channel. It backs the root subscribe endpoint.
const AllChannels = "*"

// KeepaliveInterval is how often comment-only frames are written to every
// attached handle so idle streams stay open through proxies.
const KeepaliveInterval = 20 * time.Second

// Frame is one push-stream event. A non-empty Comment produces a
// comment-only frame; otherwise ID and Data produce an `id:`/`data:` pair.
type Frame struct {
	ID      string
	Data    []byte
	Comment string
}

// Encode renders the frame in wire format, terminated by a blank line.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	if f.Comment != "" {
		buf.WriteString(": ")
		buf.WriteString(f.Comment)
		buf.WriteString("\n\n")
		return buf.Bytes()
	}
	buf.WriteString("id: ")
	buf.WriteString(f.ID)
	buf.WriteString("\ndata: ")
	buf.Write(f.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// Keepalive is the comment frame the background loop writes.
var Keepalive = Frame{Comment: "keepalive"}

// Subscriber is an attached push-stream handle. Send may be called from any
// goroutine; a returned error means the handle is dead and will be evicted
// from the channel the send was for.
type Subscriber interface {
	Send(Frame) error
}

type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]map[Subscriber]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		channels: make(map[string]map[Subscriber]struct{}),
	}
}

// Subscribe attaches a handle to a channel (or AllChannels).
func (h *Hub) Subscribe(ch string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.channels[ch]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.channels[ch] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe detaches a handle from a channel. Empty channel sets are
// removed so the registry does not accumulate dead keys.
func (h *Hub) Unsubscribe(ch string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.channels[ch]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.channels, ch)
	}
}

// Publish delivers a frame to every handle subscribed to ch and, when ch is
// not the sentinel itself, to every all-channels handle. Failed handles are
// evicted; the failure is otherwise swallowed. Returns the delivery count.
func (h *Hub) Publish(ch string, f Frame) int {
	delivered := 0
	delivered += h.send(ch, f)
	if ch != AllChannels {
		delivered += h.send(AllChannels, f)
	}
	return delivered
}

// send iterates a snapshot of the channel's handle set so concurrent
// unsubscribes cannot corrupt the traversal.
func (h *Hub) send(ch string, f Frame) int {
	delivered := 0
	for _, sub := range h.snapshot(ch) {
		if err := sub.Send(f); err != nil {
			h.logger.Debug("hub: evicting subscriber", "ch", ch, "error", err)
			h.Unsubscribe(ch, sub)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) snapshot(ch string) []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.channels[ch]
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

// SubscriberCount returns the number of attached handles across all channels.
// A handle subscribed to several channels counts once per channel.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.channels {
		n += len(set)
	}
	return n
}

// Start launches the keepalive loop. It writes a comment-only frame to every
// handle in every set each interval; failures evict the handle.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.keepaliveLoop(ctx)
	h.logger.Info("hub keepalive started", "interval", KeepaliveInterval)
}

// Stop cancels the keepalive loop and waits for it to exit.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *Hub) keepaliveLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.keepalive()
		}
	}
}

func (h *Hub) keepalive() {
	h.mu.Lock()
	names := make([]string, 0, len(h.channels))
	for ch := range h.channels {
		names = append(names, ch)
	}
	h.mu.Unlock()

	for _, ch := range names {
		for _, sub := range h.snapshot(ch) {
			if err := sub.Send(Keepalive); err != nil {
				h.Unsubscribe(ch, sub)
			}
		}
	}
}
