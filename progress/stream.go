package progress

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// maxStreamClients bounds concurrent UI connections per process.
const maxStreamClients = 256

// streamClient is one connected UI consumer scoped to a tenant. Its
// event buffering lives in the bus subscription; a client that cannot
// drain it misses events rather than stalling publishers.
type streamClient struct {
	organizationID string
	conn           *websocket.Conn
}

// StreamHub fans tenant-wide progress events out to websocket clients.
// It is a subscriber of the Bus, not part of the bus contract.
type StreamHub struct {
	bus      *Bus
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]bool
}

// NewStreamHub creates a hub bound to the bus. allowedOrigins of nil
// permits same-host connections only.
func NewStreamHub(bus *Bus, allowedOrigins []string, log *zap.SugaredLogger) *StreamHub {
	h := &StreamHub{
		bus:     bus,
		log:     log.Named("stream"),
		clients: make(map[*streamClient]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return origin == "" // same-host clients send no Origin
			}
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeHTTP upgrades the connection and streams the tenant's events.
// The tenant is identified by the "org" query parameter; in production
// deployments an auth middleware upstream validates it.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	if org == "" {
		http.Error(w, "missing org", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	if len(h.clients) >= maxStreamClients {
		h.mu.Unlock()
		h.log.Warnw("Max stream clients reached, rejecting connection", "org", org)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("Websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		organizationID: org,
		conn:           conn,
	}

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	h.log.Infow("Stream client connected", "org", org, "total_clients", total)

	events := h.bus.SubscribeTenant(org)
	go h.writeLoop(client, events)
	h.readLoop(client, events)
}

// writeLoop forwards bus events to the socket until the client drops
// or Unsubscribe closes the channel.
func (h *StreamHub) writeLoop(client *streamClient, events chan Event) {
	for ev := range events {
		if err := client.conn.WriteJSON(ev); err != nil {
			h.log.Debugw("Stream write failed, dropping client",
				"org", client.organizationID, "error", err)
			client.conn.Close()
			return
		}
	}
}

// readLoop consumes (and discards) client frames to detect disconnects.
func (h *StreamHub) readLoop(client *streamClient, events chan Event) {
	defer func() {
		// The bus owns the channel close; closing it here would race
		// in-flight publishes.
		h.bus.Unsubscribe(events)
		client.conn.Close()

		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		h.log.Infow("Stream client disconnected", "org", client.organizationID)
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ClientCount reports connected clients, for the health surface.
func (h *StreamHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
