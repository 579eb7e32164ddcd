package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Camera frames arrive
	// base64-encoded, so this is generous.
	maxMessageSize = 1024 * 1024

	// Per-client outbound buffer. A viewer that falls this far behind
	// starts losing frames instead of stalling the fan-out.
	sendBufferSize = 256
)

// Client kinds.
const (
	clientDevice = "device"
	clientViewer = "viewer"
)

// Client represents one WebSocket connection (device or viewer).
type Client struct {
	conn        *websocket.Conn
	kind        string
	id          string // device id for devices, connection id for viewers
	userID      string // viewer identity, empty for devices
	connectedAt time.Time
	hub         *Hub
	server      *Server

	// send is closed exactly once, guarded by sendMu.
	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

// enqueue offers data to the client's send buffer without blocking.
// Returns false if the client is closed or the buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend shuts the outbound buffer, which makes writePump close the
// underlying connection.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub is the connection registry: live device connections keyed by device
// id and the set of live viewer connections. Purely in-memory.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*Client
	viewers map[*Client]struct{}
}

// NewHub creates an empty registry.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "hub").Logger(),
		devices: make(map[string]*Client),
		viewers: make(map[*Client]struct{}),
	}
}

// RegisterDevice makes client the authoritative connection for deviceID.
// Any superseded connection is fully closed first so two devices never
// believe they own the same identifier.
func (h *Hub) RegisterDevice(deviceID string, client *Client) {
	h.mu.Lock()
	if existing, ok := h.devices[deviceID]; ok && existing != client {
		existing.closeSend()
		if existing.conn != nil {
			_ = existing.conn.Close()
		}
		h.log.Warn().Str("device", deviceID).Msg("replaced duplicate device connection")
	}
	client.id = deviceID
	h.devices[deviceID] = client
	h.mu.Unlock()

	h.log.Info().Str("device", deviceID).Msg("device registered")
	h.broadcastToViewers(protocol.Encode(protocol.DeviceEvent{
		Type:     protocol.TypeDeviceConnected,
		DeviceID: deviceID,
	}))
}

// UnregisterDevice removes the mapping if client is still the authoritative
// connection for its id. A superseded connection unregistering later must
// not tear down its replacement.
func (h *Hub) UnregisterDevice(client *Client) {
	if client.id == "" {
		return
	}
	h.mu.Lock()
	current := h.devices[client.id] == client
	if current {
		delete(h.devices, client.id)
	}
	h.mu.Unlock()

	client.closeSend()
	if !current {
		return
	}
	h.log.Info().Str("device", client.id).Msg("device unregistered")
	h.broadcastToViewers(protocol.Encode(protocol.DeviceEvent{
		Type:     protocol.TypeDeviceDisconnected,
		DeviceID: client.id,
	}))
}

// RegisterViewer adds a viewer and sends it the current device snapshot.
func (h *Hub) RegisterViewer(client *Client) {
	h.mu.Lock()
	h.viewers[client] = struct{}{}
	h.mu.Unlock()

	h.log.Debug().Str("viewer", client.id).Str("user", client.userID).Msg("viewer registered")
	client.enqueue(protocol.Encode(protocol.DeviceList{
		Type:      protocol.TypeDeviceList,
		DeviceIDs: h.DeviceIDs(),
	}))
}

// UnregisterViewer removes a viewer.
func (h *Hub) UnregisterViewer(client *Client) {
	h.mu.Lock()
	delete(h.viewers, client)
	h.mu.Unlock()
	client.closeSend()
	h.log.Debug().Str("viewer", client.id).Msg("viewer unregistered")
}

// LookupDevice returns the live connection for a device id.
func (h *Hub) LookupDevice(deviceID string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.devices[deviceID]
	return client, ok
}

// DeviceIDs returns the ids of all connected devices.
func (h *Hub) DeviceIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	return ids
}

// allViewers snapshots the viewer set so sends happen outside the lock.
func (h *Hub) allViewers() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	viewers := make([]*Client, 0, len(h.viewers))
	for client := range h.viewers {
		viewers = append(viewers, client)
	}
	return viewers
}

// readPump reads messages from the WebSocket connection and dispatches
// them until the connection drops.
func (c *Client) readPump() {
	defer func() {
		if c.kind == clientDevice {
			c.hub.UnregisterDevice(c)
		} else {
			c.hub.UnregisterViewer(c)
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Debug().Err(err).Str("kind", c.kind).Str("id", c.id).Msg("read error")
			}
			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.kind == clientDevice {
			c.server.handleDeviceMessage(c, data)
		} else {
			c.server.handleViewerMessage(c, data)
		}
	}
}

// writePump pumps messages from the send buffer to the WebSocket
// connection and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Registry closed the buffer
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
