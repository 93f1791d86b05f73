// Package hub fans the current vehicle snapshot out to connected
// WebSocket observers. Every state change triggers a fresh snapshot push
// to all clients, and a newly connected client receives the current
// snapshot immediately. Bursts of mutations coalesce: the snapshot is
// taken when the notification is serviced, so observers never receive a
// stale snapshot after a newer one went out.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"

	ws "github.com/gorilla/websocket"

	"github.com/Hakibbumbus/transitapp/pkg/core"
	"github.com/Hakibbumbus/transitapp/pkg/streaming"
)

// Snapshotter supplies the vehicle snapshot to broadcast. Satisfied by
// store.Store.
type Snapshotter interface {
	List() []core.Vehicle
}

// ReportFunc handles an inbound update-location event from a client.
type ReportFunc func(report streaming.LocationReport)

// Hub maintains the set of connected observers. All membership changes
// and outgoing pushes happen on the Run goroutine; per-client ordering is
// FIFO through each client's send channel.
type Hub struct {
	store    Snapshotter
	logger   *slog.Logger
	onReport ReportFunc

	register   chan *client
	unregister chan *client
	notify     chan struct{}
	done       chan struct{}
	clients    map[*client]struct{}

	clientCount atomic.Int32
	upgrader    ws.Upgrader
}

// New creates a hub reading snapshots from the given store.
func New(store Snapshotter, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:      store,
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
		upgrader: ws.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetReportHandler installs the handler for inbound location reports.
// Must be called before Run.
func (h *Hub) SetReportHandler(fn ReportFunc) {
	h.onReport = fn
}

// Broadcast schedules a snapshot push to all observers. Non-blocking;
// multiple calls before the push is serviced collapse into one.
func (h *Hub) Broadcast() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	return int(h.clientCount.Load())
}

// Run services registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			close(h.done)
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.clientCount.Store(int32(len(h.clients)))
			// Initial sync before any later broadcast reaches this client.
			if data, ok := h.snapshot(); ok {
				h.push(c, data)
			}
			h.logger.Info("observer connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.logger.Info("observer disconnected", "clients", len(h.clients))
			}

		case <-h.notify:
			data, ok := h.snapshot()
			if !ok {
				continue
			}
			for c := range h.clients {
				h.push(c, data)
			}
		}
	}
}

// snapshot marshals the current vehicle list into a vehicle-update
// envelope.
func (h *Hub) snapshot() ([]byte, bool) {
	data, err := streaming.MarshalVehicleUpdate(h.store.List())
	if err != nil {
		h.logger.Error("marshal vehicle snapshot", "error", err)
		return nil, false
	}
	return data, true
}

// push enqueues data for one client. If the client's buffer is full the
// oldest queued snapshot is discarded first; each snapshot supersedes the
// previous one, so dropping the older of the two is safe. A client that
// still cannot accept is disconnected.
func (h *Hub) push(c *client, data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("observer too slow, dropping connection")
		h.drop(c)
	}
}

// drop removes a client and closes its send channel, which ends its write
// pump.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	h.clientCount.Store(int32(len(h.clients)))
	close(c.send)
}

// ServeWS upgrades an HTTP request to a WebSocket observer connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// detach unregisters a client from its pump goroutines without blocking
// past hub shutdown.
func (h *Hub) detach(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// handleMessage routes one inbound client message. Malformed messages are
// logged and dropped; there is no redelivery for discarded reports.
func (h *Hub) handleMessage(raw []byte) {
	var env streaming.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.logger.Warn("malformed client message", "error", err)
		return
	}
	if env.Type != streaming.TypeUpdateLocation {
		h.logger.Debug("ignoring client message", "type", env.Type)
		return
	}
	var report streaming.LocationReport
	if err := json.Unmarshal(env.Payload, &report); err != nil {
		h.logger.Warn("malformed location report", "error", err)
		return
	}
	if h.onReport != nil {
		h.onReport(report)
	}
}
