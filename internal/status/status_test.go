package status

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestFeedPublishesToConnectedClient(t *testing.T) {
	feed := NewFeed()
	mux := http.NewServeMux()
	feed.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine a moment to register the connection.
	deadline := time.Now().Add(time.Second)
	for feed.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if feed.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", feed.ClientCount())
	}

	feed.Publish(Event{Slot: 1, Value: "START_GAME", Digest: "abc"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Slot != 1 || got.Value != "START_GAME" || got.Digest != "abc" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestFeedDropsSlowClientRatherThanBlocking(t *testing.T) {
	feed := NewFeed()
	mux := http.NewServeMux()
	feed.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for feed.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			feed.Publish(Event{Slot: int32(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a client that never reads")
	}
}
