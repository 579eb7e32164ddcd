package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin validation is handled by the fronting proxy
	},
}

// Server is the broker process: HTTP surface, WebSocket endpoint, and the
// relay components behind it.
type Server struct {
	cfg      *Config
	log      zerolog.Logger
	store    Store
	hub      *Hub
	sessions *Sessions
	router   *chi.Mux
}

// New creates the broker server.
func New(cfg *Config, store Store, log zerolog.Logger) *Server {
	hub := NewHub(log)
	s := &Server{
		cfg:      cfg,
		log:      log.With().Str("component", "broker").Logger(),
		store:    store,
		hub:      hub,
		sessions: NewSessions(log, store, hub, cfg.SessionDuration),
	}
	s.setupRouter()
	return s
}

// Restore rebuilds in-memory occupancy from the store. Call once before Run.
func (s *Server) Restore(ctx context.Context) error {
	return s.sessions.Restore(ctx)
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// WebSocket (handles both devices and viewers)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireViewer)

		r.Get("/stations", s.handleListStations)
		r.Post("/stations", s.handleCreateStation)
		r.Put("/stations/{stationID}", s.handleUpdateStation)
		r.Delete("/stations/{stationID}", s.handleDeleteStation)
	})

	s.router = r
}

// handleWebSocket upgrades a connection and hands it to the registry.
// Devices authenticate with the shared device bearer token, viewers with a
// JWT (bearer header or token query parameter).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var (
		kind   string
		userID string
	)

	authHeader := r.Header.Get("Authorization")
	bearer := strings.TrimPrefix(authHeader, "Bearer ")
	switch {
	case strings.HasPrefix(authHeader, "Bearer ") && s.validateDeviceToken(bearer):
		kind = clientDevice
	default:
		identity, err := s.identityFromRequest(r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		kind = clientViewer
		userID = identity
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		conn:        conn,
		kind:        kind,
		userID:      userID,
		connectedAt: time.Now(),
		send:        make(chan []byte, sendBufferSize),
		hub:         s.hub,
		server:      s,
	}
	if kind == clientViewer {
		client.id = uuid.NewString()
		s.hub.RegisterViewer(client)
	}
	// A device is addressable only after its register message names it.

	go client.writePump()
	go client.readPump()
}

// handleDeviceMessage dispatches one message read from a device channel.
func (s *Server) handleDeviceMessage(client *Client, data []byte) {
	switch protocol.Kind(data) {
	case protocol.TypeRegister:
		var reg protocol.Register
		if err := json.Unmarshal(data, &reg); err != nil || reg.DeviceID == "" {
			s.log.Warn().Msg("device register without deviceId, ignoring")
			return
		}
		s.hub.RegisterDevice(reg.DeviceID, client)

	case protocol.TypeCameraFrame:
		if client.id == "" {
			return // frames before registration have no origin
		}
		var frame protocol.CameraFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		s.hub.BroadcastFrame(client.id, frame.Frame)

	default:
		// Free-form {status, message} responses.
		if client.id == "" {
			return
		}
		var resp struct {
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &resp); err != nil {
			s.log.Warn().Str("device", client.id).Msg("unparseable device message, ignoring")
			return
		}
		s.hub.BroadcastDeviceResponse(client.id, resp.Status, resp.Message)
	}
}

// handleViewerMessage dispatches one message read from a viewer channel.
func (s *Server) handleViewerMessage(client *Client, data []byte) {
	ctx := context.Background()

	switch protocol.Kind(data) {
	case protocol.TypeRegister:
		// Fan-out is unfiltered, so a viewer's interest registration only
		// informs the logs.
		var reg protocol.Register
		if err := json.Unmarshal(data, &reg); err != nil {
			s.sendError(client, &ValidationError{Reason: "malformed register message"})
			return
		}
		s.log.Debug().
			Str("user", client.userID).
			Int64("station", reg.StationID).
			Str("device", reg.DeviceID).
			Msg("viewer registered interest")

	case protocol.TypeCommand:
		s.routeCommand(client, data)

	case protocol.TypeSessionStart:
		req, ok := s.decodeSessionRequest(client, data)
		if !ok {
			return
		}
		info, err := s.sessions.Start(ctx, req.StationID, client.userID)
		if err != nil {
			s.sendError(client, err)
			return
		}
		client.enqueue(protocol.Encode(protocol.SessionStarted{
			Type:       protocol.TypeSessionStarted,
			StationID:  req.StationID,
			OccupantID: info.OccupantID,
			ExpiresAt:  protocol.Timestamp(info.ExpiresAt),
		}))

	case protocol.TypeSessionEnd:
		req, ok := s.decodeSessionRequest(client, data)
		if !ok {
			return
		}
		if err := s.sessions.End(ctx, req.StationID, client.userID); err != nil {
			s.sendError(client, err)
		}
		// Success is announced by the session_ended broadcast.

	case protocol.TypeQueueJoin:
		req, ok := s.decodeSessionRequest(client, data)
		if !ok {
			return
		}
		position, wait, err := s.sessions.Join(ctx, req.StationID, client.userID)
		if err != nil {
			s.sendError(client, err)
			return
		}
		client.enqueue(protocol.Encode(protocol.QueuePosition{
			Type:                 protocol.TypeQueueJoined,
			StationID:            req.StationID,
			Position:             position,
			EstimatedWaitSeconds: int64(wait.Seconds()),
		}))

	case protocol.TypeQueueLeave:
		req, ok := s.decodeSessionRequest(client, data)
		if !ok {
			return
		}
		if err := s.sessions.Leave(ctx, req.StationID, client.userID); err != nil {
			s.sendError(client, err)
			return
		}
		client.enqueue(protocol.Encode(protocol.QueueLeft{
			Type:      protocol.TypeQueueLeft,
			StationID: req.StationID,
		}))

	default:
		s.sendError(client, &ValidationError{Reason: "unknown message type"})
	}
}

func (s *Server) decodeSessionRequest(client *Client, data []byte) (protocol.SessionRequest, bool) {
	var req protocol.SessionRequest
	if err := json.Unmarshal(data, &req); err != nil || req.StationID == 0 {
		s.sendError(client, &ValidationError{Reason: "request is missing stationId"})
		return req, false
	}
	return req, true
}

// Run starts the server.
func (s *Server) Run() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting broker server")
	return http.ListenAndServe(s.cfg.ListenAddr, s.router)
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
