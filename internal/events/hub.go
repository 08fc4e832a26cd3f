package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/sorter/internal/monitoring"
)

const (
	inboundBuffer    = 256
	subscriberBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Subscriber is one registered consumer of encoded events.
type Subscriber struct {
	C    <-chan []byte
	send chan []byte
}

// Hub fans events out to subscribers from a single goroutine. Producers
// never block: Broadcast drops the event when the inbound queue is full,
// and a subscriber whose buffer is full is dropped instead of the event.
type Hub struct {
	name    string
	inbound chan Event

	mu      sync.Mutex
	clients map[*Subscriber]struct{}
	dropped uint64
	closed  bool
}

func NewHub(name string) *Hub {
	return &Hub{
		name:    name,
		inbound: make(chan Event, inboundBuffer),
		clients: make(map[*Subscriber]struct{}),
	}
}

// Broadcast queues ev for delivery.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.inbound <- ev:
	default:
		h.mu.Lock()
		h.dropped++
		h.mu.Unlock()
		monitoring.Tracef("[events] %s inbound queue full, dropping %s", h.name, ev.Type)
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscriber {
	ch := make(chan []byte, subscriberBuffer)
	s := &Subscriber{C: ch, send: ch}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.clients[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscriber) {
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		close(s.send)
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many events were dropped at the inbound queue.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Run delivers events until ctx is done, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		h.closed = true
		for s := range h.clients {
			h.removeLocked(s)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.inbound:
			data, err := json.Marshal(ev)
			if err != nil {
				monitoring.Opsf("[events] cannot encode %s: %v", ev.Type, err)
				continue
			}
			h.fanOut(data)
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.clients {
		select {
		case s.send <- data:
		default:
			h.removeLocked(s)
			monitoring.Diagf("[events] %s dropped slow subscriber (%d remaining)", h.name, len(h.clients))
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades the request to a WebSocket and streams events to it as
// JSON text messages until either side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Diagf("[events] websocket upgrade failed: %v", err)
		return
	}
	sub := h.Subscribe()
	monitoring.Diagf("[events] %s client connected from %s", h.name, r.RemoteAddr)

	go writePump(conn, sub)
	readPump(conn)
	h.Unsubscribe(sub)
}

// readPump discards client messages; reading is needed to notice
// disconnects and to process pongs.
func readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only goroutine writing to conn.
func writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
