package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestEventChannelDeliversFramesInOrder(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for i := 1; i <= 3; i++ {
			frame := map[string]any{"type": "new_message", "data": map[string]int{"seq": i}}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	got := make(chan int, 3)
	ch := NewEventChannel(wsURL(srv), func(frameType string, data json.RawMessage) {
		if frameType != "new_message" {
			t.Errorf("unexpected frame type %q", frameType)
		}
		var payload struct {
			Seq int `json:"seq"`
		}
		_ = json.Unmarshal(data, &payload)
		got <- payload.Seq
	}, zap.NewNop())

	ch.Start(context.Background())
	defer ch.Stop()

	for want := 1; want <= 3; want++ {
		select {
		case seq := <-got:
			if seq != want {
				t.Fatalf("got frame %d, want %d", seq, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for frame")
		}
	}
}

func TestEventChannelStopTerminatesRetries(t *testing.T) {
	// Nothing is listening here, so the channel keeps redialing until
	// Stop is called.
	ch := NewEventChannel("ws://127.0.0.1:1/never", func(string, json.RawMessage) {}, zap.NewNop())
	ch.Start(context.Background())

	done := make(chan struct{})
	go func() {
		ch.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not terminate the reconnect loop")
	}
}

func TestEventChannelStopIdempotent(t *testing.T) {
	ch := NewEventChannel("ws://127.0.0.1:1/never", func(string, json.RawMessage) {}, zap.NewNop())
	ch.Start(context.Background())
	ch.Stop()
	ch.Stop() // must not panic or block
}
