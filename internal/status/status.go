// Package status streams decided log entries, each with the resulting state
// digest, to an external dashboard as JSON over WebSocket, adapted from
// websocket/server.go's upgrade-and-broadcast shape. It is a pure observer:
// nothing here ever feeds back into the replicated log or the game state
// machine.
package status

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is one line of the status feed: a decided slot, the command that
// was applied, and — when available — the resulting state digest so a
// dashboard can flag divergence without understanding the game's types.
type Event struct {
	Slot   int32  `json:"slot"`
	Value  string `json:"value"`
	Digest string `json:"digest,omitempty"`
}

// Feed is a broadcast hub: Publish enqueues an event, every connected
// dashboard receives it over its own WebSocket connection.
type Feed struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// NewFeed constructs an empty feed ready to register on an HTTP mux.
func NewFeed() *Feed {
	return &Feed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan Event),
	}
}

// RegisterHandlers wires the feed's endpoint onto mux.
func (f *Feed) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/status", f.handle)
}

func (f *Feed) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("status: upgrade: %v", err)
		return
	}

	ch := make(chan Event, 32)
	f.mu.Lock()
	f.clients[conn] = ch
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		conn.Close()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("status: write: %v", err)
			return
		}
	}
}

// Publish delivers ev to every currently connected dashboard. A client
// whose outgoing buffer is full is skipped rather than blocking the
// publisher — a slow dashboard must never stall the node's own event loop.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.clients {
		select {
		case ch <- ev:
		default:
			log.Printf("status: dropping event for a slow client: slot %d", ev.Slot)
		}
	}
}

// ClientCount reports the number of connected dashboards.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Close shuts every connected client channel down, causing handle to
// return and close the underlying connection.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, ch := range f.clients {
		close(ch)
		delete(f.clients, conn)
	}
}
