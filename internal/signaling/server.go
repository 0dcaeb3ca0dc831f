package signaling

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshconf/meshconf/internal/config"
	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/origin"
	"github.com/meshconf/meshconf/internal/protocol"
	"github.com/meshconf/meshconf/internal/ratelimit"
	"github.com/meshconf/meshconf/internal/room"
)

// Server upgrades websocket connections and runs the per-connection read
// loop. Each inbound event is handled synchronously against the room registry
// and fanned out through best-effort per-connection send queues, so no
// handler ever blocks on another connection.
type Server struct {
	log     *slog.Logger
	cfg     config.Config
	rooms   *room.Registry
	metrics *metrics.Metrics

	// now stamps chat messages; overridable in tests.
	now func() time.Time

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*client
}

func NewServer(cfg config.Config, logger *slog.Logger, rooms *room.Registry, m *metrics.Metrics) *Server {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		rooms:   rooms,
		metrics: m,
		now:     time.Now,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		// Non-browser clients (CLI peers, tests) send no Origin header.
		return true
	}
	normalized, originHost, ok := origin.Normalize(originHeader)
	if !ok || !origin.IsAllowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins) {
		s.metrics.Inc(metrics.EventOriginRejected)
		return false
	}
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(uuid.NewString(), conn)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	go c.writePump()
	s.readLoop(c)
	s.disconnect(c)
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadLimit(s.cfg.MaxSignalingMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	rate := int64(s.cfg.MaxSignalingMessagesPerSecond)
	limiter := ratelimit.NewTokenBucket(nil, rate, rate)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug("websocket read failed", "participant_id", c.id, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.closeWith(c, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.EventRateLimitedClose)
			s.closeWith(c, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		ev, err := protocol.ParseClient(data)
		if err != nil {
			s.metrics.Inc(metrics.EventInvalidMessage)
			s.closeWith(c, websocket.CloseUnsupportedData, "invalid message")
			return
		}

		s.handleEvent(c, ev)
	}
}

func (s *Server) handleEvent(c *client, ev protocol.Envelope) {
	switch ev.Type {
	case protocol.EventJoin:
		s.handleJoin(c, ev)
	case protocol.EventLeave:
		s.leaveRoom(c)
	case protocol.EventSignal:
		s.handleSignal(c, ev)
	case protocol.EventChat:
		s.handleChat(c, ev)
	case protocol.EventToggleMedia:
		if c.room == "" {
			return
		}
		s.rooms.SetMediaState(c.id, ev.Kind, ev.State)
		s.broadcast(c.room, c.id, protocol.Envelope{
			Type:  protocol.EventMediaToggled,
			ID:    c.id,
			Kind:  ev.Kind,
			State: ev.State,
		})
	case protocol.EventStartShare:
		if c.room == "" {
			return
		}
		s.rooms.SetSharing(c.id, true)
		s.broadcast(c.room, c.id, protocol.Envelope{Type: protocol.EventUserStartedSharing, ID: c.id})
	case protocol.EventStopShare:
		if c.room == "" {
			return
		}
		s.rooms.SetSharing(c.id, false)
		s.broadcast(c.room, c.id, protocol.Envelope{Type: protocol.EventUserStoppedSharing, ID: c.id})
	case protocol.EventSpeaking:
		if c.room == "" {
			return
		}
		s.broadcast(c.room, c.id, protocol.Envelope{Type: protocol.EventSpeaking, ID: c.id, Speaking: ev.Speaking})
	}
}

func (s *Server) handleJoin(c *client, ev protocol.Envelope) {
	if c.room != "" {
		s.sendError(c, "already_in_room", "leave the current room before joining another")
		return
	}

	existing, isNew, err := s.rooms.Join(ev.Room, c.id, ev.Name)
	switch {
	case errors.Is(err, room.ErrRoomFull):
		s.metrics.Inc(metrics.EventRoomFullReject)
		s.sendError(c, "room_full", "room is at capacity")
		return
	case errors.Is(err, room.ErrAlreadyJoined):
		// One connection per participant makes this unreachable; treat it as a
		// logic error rather than tearing the connection down.
		s.log.Error("join precondition violated", "participant_id", c.id, "room", ev.Room)
		s.sendError(c, "room_state_conflict", "participant already joined")
		return
	case err != nil:
		s.sendError(c, "join_failed", err.Error())
		return
	}

	c.name = ev.Name
	c.room = ev.Room

	s.metrics.Inc(metrics.EventJoin)
	if isNew {
		s.metrics.Inc(metrics.EventRoomCreated)
	}
	s.log.Info("participant joined",
		"participant_id", c.id,
		"room", c.room,
		"name", c.name,
		"members", s.rooms.MemberCount(c.room),
	)

	c.trySend(protocol.Envelope{Type: protocol.EventRoomUsers, Users: existing})
	s.broadcast(c.room, c.id, protocol.Envelope{Type: protocol.EventUserJoined, ID: c.id, Name: c.name})
	s.broadcast(c.room, "", protocol.Envelope{Type: protocol.EventUserCount, Count: s.rooms.MemberCount(c.room)})
}

// handleSignal relays an offer/answer/candidate to exactly the named target.
// A target that already left is dropped silently: the sender independently
// receives the departure notification and tears the pair down.
func (s *Server) handleSignal(c *client, ev protocol.Envelope) {
	if c.room == "" {
		s.sendError(c, "not_in_room", "join a room before signaling")
		return
	}

	targetRoom, ok := s.rooms.RoomOf(ev.Target)
	if !ok || targetRoom != c.room {
		s.metrics.Inc(metrics.EventSignalTargetGone)
		return
	}

	target := s.clientByID(ev.Target)
	if target == nil {
		s.metrics.Inc(metrics.EventSignalTargetGone)
		return
	}

	s.metrics.Inc(metrics.EventSignalRelayed)
	target.trySendOrCount(s.metrics, protocol.Envelope{
		Type:      protocol.EventSignal,
		From:      c.id,
		SDP:       ev.SDP,
		Candidate: ev.Candidate,
	})
}

// handleChat fans a chat message out to the whole room including the sender,
// so every UI renders the same server-stamped timestamp.
func (s *Server) handleChat(c *client, ev protocol.Envelope) {
	if c.room == "" {
		s.sendError(c, "not_in_room", "join a room before chatting")
		return
	}

	s.metrics.Inc(metrics.EventChatMessage)
	s.broadcast(c.room, "", protocol.Envelope{
		Type:      protocol.EventChat,
		From:      c.id,
		Name:      c.name,
		Text:      ev.Text,
		Timestamp: s.now().UnixMilli(),
	})
}

// leaveRoom removes the client from its room and notifies the remaining
// members. Calling it when the client is not in a room is a no-op.
func (s *Server) leaveRoom(c *client) {
	if c.room == "" {
		return
	}
	roomID := c.room
	c.room = ""

	s.rooms.Leave(roomID, c.id)
	s.metrics.Inc(metrics.EventLeave)

	remaining := s.rooms.MemberCount(roomID)
	if remaining == 0 {
		s.metrics.Inc(metrics.EventRoomDestroyed)
		s.log.Info("room destroyed", "room", roomID)
		return
	}

	s.broadcast(roomID, "", protocol.Envelope{Type: protocol.EventUserLeft, ID: c.id})
	s.broadcast(roomID, "", protocol.Envelope{Type: protocol.EventUserCount, Count: remaining})
}

func (s *Server) disconnect(c *client) {
	s.leaveRoom(c)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	c.shutdown()
}

// Close drops every live connection. Called after the HTTP server has
// stopped accepting new upgrades.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
		_ = c.conn.Close()
	}
}

func (s *Server) broadcast(roomID, exceptID string, ev protocol.Envelope) {
	for _, id := range s.rooms.Members(roomID, exceptID) {
		if target := s.clientByID(id); target != nil {
			target.trySendOrCount(s.metrics, ev)
		}
	}
}

func (s *Server) clientByID(id string) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

func (s *Server) sendError(c *client, code, message string) {
	c.trySend(protocol.Envelope{Type: protocol.EventError, Code: code, Message: message})
}

func (s *Server) closeWith(c *client, code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.shutdown()
}

func (c *client) trySendOrCount(m *metrics.Metrics, ev protocol.Envelope) {
	if !c.trySend(ev) {
		m.Inc(metrics.EventSendQueueOverflow)
	}
}
