// Package events is the in-memory fan-out for live operator observability:
// a buffered broadcast channel and a client set guarded by a mutex.
// Durable event persistence happens in internal/store, in the same
// transaction as the mutation that caused the event — Bus only mirrors
// already-committed events out to anyone watching live.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rawblock/credit-hub/pkg/models"
)

// Bus broadcasts committed domain events to subscribed websocket clients.
type Bus struct {
	clients   map[*websocket.Conn]bool
	broadcast chan models.Event
	mu        sync.Mutex
}

// NewBus allocates a Bus with a generous buffer for the broadcast channel.
func NewBus() *Bus {
	return &Bus{
		broadcast: make(chan models.Event, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Run drains the broadcast channel and fans each event out to every
// connected client, dropping any client whose write fails or times out.
func (b *Bus) Run() {
	for evt := range b.broadcast {
		payload, err := json.Marshal(evt)
		if err != nil {
			log.Printf("events: failed to marshal event %s: %v", evt.EventID, err)
			continue
		}
		b.mu.Lock()
		for client := range b.clients {
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := client.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("events: websocket write error: %v", err)
				client.Close()
				delete(b.clients, client)
			}
		}
		b.mu.Unlock()
	}
}

// Subscribe registers conn to receive future broadcast events. The caller
// owns conn's read loop (for detecting client disconnects); Subscribe only
// adds it to the fan-out set.
func (b *Bus) Subscribe(conn *websocket.Conn) {
	b.mu.Lock()
	b.clients[conn] = true
	b.mu.Unlock()
	log.Printf("events: client subscribed, total=%d", len(b.clients))
}

// Unsubscribe removes conn from the fan-out set and closes it.
func (b *Bus) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
	conn.Close()
	log.Printf("events: client disconnected, total=%d", len(b.clients))
}

// Publish enqueues evt for broadcast to current subscribers. It never
// blocks: when the buffer is full, evt itself is dropped and logged. This
// is a best-effort live feed, not the durable record.
func (b *Bus) Publish(evt models.Event) {
	select {
	case b.broadcast <- evt:
	default:
		log.Printf("events: broadcast buffer full, dropping live event %s", evt.EventID)
	}
}
