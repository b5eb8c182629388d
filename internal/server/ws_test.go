package server_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type wsTestFrame struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Keepalive bool            `json:"keepalive"`
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func readWSFrame(t *testing.T, conn *websocket.Conn) wsTestFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var frame wsTestFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read ws frame: %v", err)
		}
		if frame.Keepalive {
			continue
		}
		return frame
	}
}

func TestWS_MirrorsLiveFanout(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + f.ts.URL[len("http"):] + "/ws?ch=alpha"
	conn := dialWS(t, wsURL)
	waitForSubscribers(t, f.hub, 1)

	_, published := f.postJSON(t, "/ch/alpha", map[string]any{"from": "u", "type": "t"})

	frame := readWSFrame(t, conn)
	if frame.ID != published["id"].(string) {
		t.Fatalf("ws frame id %q != published %v", frame.ID, published["id"])
	}
	var env map[string]any
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		t.Fatalf("ws frame data: %v", err)
	}
	if env["ch"] != "alpha" {
		t.Fatalf("unexpected envelope %v", env)
	}
}

func TestWS_SinceReplay(t *testing.T) {
	f := newFixture(t)

	_, m1 := f.postJSON(t, "/ch/beta", map[string]any{"from": "u", "type": "t"})
	_, m2 := f.postJSON(t, "/ch/beta", map[string]any{"from": "u", "type": "t"})

	wsURL := "ws" + f.ts.URL[len("http"):] + "/ws?ch=beta&since=" + m1["id"].(string)
	conn := dialWS(t, wsURL)

	frame := readWSFrame(t, conn)
	if frame.ID != m2["id"].(string) {
		t.Fatalf("expected replay of %v, got %q", m2["id"], frame.ID)
	}
}
