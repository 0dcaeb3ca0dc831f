// Package conference is the participant-side core: it joins a room over the
// signaling websocket, runs one peer session per remote participant, and
// drives the local capture manager's tracks into every session.
package conference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/capture"
	"github.com/meshconf/meshconf/internal/peersession"
	"github.com/meshconf/meshconf/internal/protocol"
)

// ErrClosed is returned by operations invoked after Leave or Close.
var ErrClosed = errors.New("conference: client closed")

const outgoingQueueSize = 64

// ChatMessage is a room-wide chat line with the server-stamped time.
type ChatMessage struct {
	From string
	Name string
	Text string
	At   time.Time
}

// PresenceEvent reports a roster or media-state change in the room.
type PresenceEvent struct {
	Type     protocol.EventType
	ID       string
	Name     string
	Kind     protocol.MediaKind
	State    protocol.MediaState
	Speaking bool
	Count    int
}

// Config carries the client dependencies and observers.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://host:8080/ws.
	ServerURL string
	Room      string
	Name      string

	ICEServers  []webrtc.ICEServer
	Devices     capture.Devices
	Constraints capture.Constraints

	// API, when non-nil, replaces the default webrtc API for every session.
	API *webrtc.API

	OnRemoteTrack func(remoteID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnPeerState   func(remoteID string, st peersession.State)
	OnChat        func(ChatMessage)
	OnPresence    func(PresenceEvent)
	OnServerError func(code, message string)

	Logger *slog.Logger
}

// Client is one participant's connection to a room.
type Client struct {
	cfg   Config
	log   *slog.Logger
	media *capture.Manager
	conn  *websocket.Conn

	outgoing chan protocol.Envelope
	done     chan struct{}

	mu       sync.Mutex
	sessions map[string]*peersession.Session
	names    map[string]string

	closeOnce sync.Once
}

// Dial acquires local media, connects to the signaling server and joins the
// room. Media comes first: a participant whose capture fails never shows up
// in the roster.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Client{
		cfg:      cfg,
		log:      cfg.Logger.With(slog.String("room", cfg.Room)),
		media:    capture.NewManager(cfg.Devices),
		outgoing: make(chan protocol.Envelope, outgoingQueueSize),
		done:     make(chan struct{}),
		sessions: make(map[string]*peersession.Session),
		names:    make(map[string]string),
	}
	c.media.OnSourceChanged(c.replaceTrackEverywhere)

	if err := c.media.Acquire(cfg.Constraints); err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, nil)
	if err != nil {
		c.media.Close()
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}
	c.conn = conn

	go c.writePump()
	go c.readPump()

	c.send(protocol.Envelope{
		Type: protocol.EventJoin,
		Room: cfg.Room,
		Name: cfg.Name,
	})
	return c, nil
}

// Media exposes the capture manager for toggles and producer loops.
func (c *Client) Media() *capture.Manager { return c.media }

// Chat sends a room-wide chat line. The server stamps the timestamp.
func (c *Client) Chat(text string) {
	c.send(protocol.Envelope{Type: protocol.EventChat, Text: text})
}

// ToggleMic flips the microphone and announces the new state to the room.
func (c *Client) ToggleMic() protocol.MediaState {
	return c.toggle(protocol.MediaKindMic)
}

// ToggleCamera flips the camera and announces the new state to the room.
func (c *Client) ToggleCamera() protocol.MediaState {
	return c.toggle(protocol.MediaKindCamera)
}

func (c *Client) toggle(kind protocol.MediaKind) protocol.MediaState {
	state := c.media.Toggle(kind)
	c.send(protocol.Envelope{Type: protocol.EventToggleMedia, Kind: kind, State: state})
	return state
}

// SetSpeaking announces a local voice-activity change.
func (c *Client) SetSpeaking(speaking bool) {
	c.send(protocol.Envelope{Type: protocol.EventSpeaking, Speaking: &speaking})
}

// StartScreenShare replaces the outgoing video track with the screen in every
// session and announces the share.
func (c *Client) StartScreenShare() error {
	if err := c.media.StartScreenShare(); err != nil {
		return err
	}
	c.send(protocol.Envelope{Type: protocol.EventStartShare})
	return nil
}

// StopScreenShare restores the camera and announces the end of the share.
// Also invoked when the OS-level capture control ends the share.
func (c *Client) StopScreenShare() {
	if !c.media.Sharing() {
		return
	}
	c.media.StopScreenShare()
	c.send(protocol.Envelope{Type: protocol.EventStopShare})
}

// SwitchDevices re-acquires microphone and camera and replaces the outbound
// tracks on every live session.
func (c *Client) SwitchDevices(constraints capture.Constraints) error {
	return c.media.SwitchDevices(constraints)
}

// Leave departs the room and tears everything down: every peer session is
// cancelled, in-flight negotiations included, and local capture stops.
func (c *Client) Leave() {
	c.closeOnce.Do(func() {
		// Best effort: if the write pump is already gone the queue may be
		// full, and the departure must not block teardown.
		select {
		case c.outgoing <- protocol.Envelope{Type: protocol.EventLeave}:
		default:
		}
		close(c.done)

		c.mu.Lock()
		sessions := c.sessions
		c.sessions = make(map[string]*peersession.Session)
		c.mu.Unlock()
		for _, sess := range sessions {
			_ = sess.Close()
		}

		c.media.Close()

		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()
	})
}

// Done is closed when the client has shut down, whether by Leave or by the
// server connection dropping.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) readPump() {
	defer c.Leave()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Info("signaling connection lost", slog.String("err", err.Error()))
			}
			return
		}
		ev, err := protocol.Parse(data)
		if err != nil {
			c.log.Info("discarding malformed server message", slog.String("err", err.Error()))
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case ev := <-c.outgoing:
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-c.done:
			// Flush whatever was queued before shutdown, the leave included.
			for {
				select {
				case ev := <-c.outgoing:
					if err := c.conn.WriteJSON(ev); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Client) handleEvent(ev protocol.Envelope) {
	switch ev.Type {
	case protocol.EventRoomUsers:
		// We are the newcomer: offer to every participant already present.
		// They answer and never offer to us, so no pair ever has two open
		// negotiations.
		for _, u := range ev.Users {
			c.setName(u.ID, u.Name)
			sess, err := c.startSession(u.ID, peersession.RoleOfferer)
			if err != nil {
				c.log.Info("session setup failed", slog.String("remote", u.ID), slog.String("err", err.Error()))
				continue
			}
			if err := sess.StartOffer(); err != nil {
				c.log.Info("offer failed", slog.String("remote", u.ID), slog.String("err", err.Error()))
				c.dropSession(u.ID)
			}
		}
		c.presence(ev)

	case protocol.EventUserJoined:
		// The newcomer offers to us; the session is created when their offer
		// arrives.
		c.setName(ev.ID, ev.Name)
		c.presence(ev)

	case protocol.EventUserLeft:
		c.dropSession(ev.ID)
		c.mu.Lock()
		delete(c.names, ev.ID)
		c.mu.Unlock()
		c.presence(ev)

	case protocol.EventSignal:
		if err := c.handleSignal(ev); err != nil {
			c.log.Info("signal handling failed", slog.String("from", ev.From), slog.String("err", err.Error()))
		}

	case protocol.EventChat:
		if c.cfg.OnChat != nil {
			c.cfg.OnChat(ChatMessage{
				From: ev.From,
				Name: ev.Name,
				Text: ev.Text,
				At:   time.UnixMilli(ev.Timestamp),
			})
		}

	case protocol.EventMediaToggled, protocol.EventUserStartedSharing,
		protocol.EventUserStoppedSharing, protocol.EventSpeaking,
		protocol.EventUserCount:
		c.presence(ev)

	case protocol.EventError:
		c.log.Info("server error", slog.String("code", ev.Code), slog.String("message", ev.Message))
		if c.cfg.OnServerError != nil {
			c.cfg.OnServerError(ev.Code, ev.Message)
		}
	}
}

func (c *Client) handleSignal(ev protocol.Envelope) error {
	switch {
	case ev.SDP != nil && ev.SDP.Type == "offer":
		sess, ok := c.session(ev.From)
		if !ok {
			var err error
			sess, err = c.startSession(ev.From, peersession.RoleAnswerer)
			if err != nil {
				return err
			}
		}
		return sess.HandleOffer(*ev.SDP)

	case ev.SDP != nil:
		sess, ok := c.session(ev.From)
		if !ok {
			return nil
		}
		return sess.HandleAnswer(*ev.SDP)

	case ev.Candidate != nil:
		sess, ok := c.session(ev.From)
		if !ok {
			return nil
		}
		return sess.HandleCandidate(*ev.Candidate)
	}
	return nil
}

func (c *Client) startSession(remoteID string, role peersession.Role) (*peersession.Session, error) {
	sess, err := peersession.New(peersession.Config{
		RemoteID:   remoteID,
		Role:       role,
		ICEServers: c.cfg.ICEServers,
		API:        c.cfg.API,
		SendSignal: c.send,
		OnTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			if c.cfg.OnRemoteTrack != nil {
				c.cfg.OnRemoteTrack(remoteID, track, receiver)
			}
		},
		OnStateChange: func(st peersession.State) {
			if c.cfg.OnPeerState != nil {
				c.cfg.OnPeerState(remoteID, st)
			}
		},
		OnClosed: func(err error) {
			// One dead peer connection must not take the rest of the room
			// with it; unregister the session and keep going. The session has
			// already torn itself down, so no Close here.
			if err != nil {
				c.log.Info("peer session failed", slog.String("remote", remoteID))
			}
			c.mu.Lock()
			delete(c.sessions, remoteID)
			c.mu.Unlock()
		},
		Logger: c.log,
	}, c.media.AudioTrack(), c.media.VideoTrack())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sessions[remoteID] = sess
	c.mu.Unlock()
	return sess, nil
}

func (c *Client) session(remoteID string) (*peersession.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[remoteID]
	return sess, ok
}

func (c *Client) dropSession(remoteID string) {
	c.mu.Lock()
	sess, ok := c.sessions[remoteID]
	delete(c.sessions, remoteID)
	c.mu.Unlock()
	if ok {
		_ = sess.Close()
	}
}

// replaceTrackEverywhere fans a capture source change out to every live
// session's matching sender.
func (c *Client) replaceTrackEverywhere(change capture.SourceChange) {
	c.mu.Lock()
	sessions := make([]*peersession.Session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.ReplaceOutboundTrack(change.Track); err != nil && !errors.Is(err, peersession.ErrClosed) {
			c.log.Info("track replacement failed",
				slog.String("remote", sess.RemoteID()), slog.String("err", err.Error()))
		}
	}
}

func (c *Client) setName(id, name string) {
	c.mu.Lock()
	c.names[id] = name
	c.mu.Unlock()
}

// PeerName returns the display name last announced for a participant.
func (c *Client) PeerName(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.names[id]
}

func (c *Client) presence(ev protocol.Envelope) {
	if c.cfg.OnPresence == nil {
		return
	}
	var speaking bool
	if ev.Speaking != nil {
		speaking = *ev.Speaking
	}
	c.cfg.OnPresence(PresenceEvent{
		Type:     ev.Type,
		ID:       ev.ID,
		Name:     ev.Name,
		Kind:     ev.Kind,
		State:    ev.State,
		Speaking: speaking,
		Count:    ev.Count,
	})
}

func (c *Client) send(ev protocol.Envelope) {
	select {
	case c.outgoing <- ev:
	case <-c.done:
	}
}
