// Package peersession manages the lifecycle of a single peer connection to
// one remote participant: offer/answer negotiation, trickle ICE, outbound
// track replacement and teardown. Each session advances independently; a
// failure here never touches the sessions to other participants.
package peersession

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/protocol"
)

// ErrNegotiationFailed is reported through OnClosed when the connection dies
// for transport reasons rather than an orderly Close.
var ErrNegotiationFailed = errors.New("peersession: negotiation failed")

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("peersession: session closed")

// State is the session lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Role fixes which side of the pair produces the initial offer. The joining
// participant offers to everyone already in the room; the participants
// already present answer. Exactly one side of every pair offers, so the two
// ends can never open simultaneous negotiations against each other.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

// Config carries the session dependencies.
type Config struct {
	RemoteID string
	Role     Role

	ICEServers []webrtc.ICEServer

	// API, when non-nil, replaces the default webrtc API. Tests use it to run
	// sessions over a virtual network.
	API *webrtc.API

	// SendSignal delivers an SDP or ICE payload to the remote participant. It
	// must not block indefinitely.
	SendSignal func(protocol.Envelope)

	// OnTrack fires for each inbound remote track.
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	// OnStateChange observes lifecycle transitions.
	OnStateChange func(State)

	// OnClosed fires exactly once when the session reaches Closed. err is nil
	// for an orderly Close and ErrNegotiationFailed for a transport failure.
	OnClosed func(err error)

	Logger *slog.Logger
}

// Session is one peer connection to one remote participant.
type Session struct {
	cfg Config
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu      sync.Mutex
	state   State
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	// Candidates received before the remote description is applied; drained
	// into the connection the moment it is.
	pendingCandidates []webrtc.ICECandidateInit

	closeOnce sync.Once
}

// New builds a session and attaches the current local tracks. The session is
// Idle until StartOffer (offerer) or the first inbound offer (answerer).
func New(cfg Config, audio, video webrtc.TrackLocal) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.With(slog.String("remote", cfg.RemoteID)),
		state:   StateIdle,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	pcCfg := webrtc.Configuration{ICEServers: cfg.ICEServers}
	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if cfg.API != nil {
		pc, err = cfg.API.NewPeerConnection(pcCfg)
	} else {
		pc, err = webrtc.NewPeerConnection(pcCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s.pc = pc

	for _, track := range []webrtc.TrackLocal{audio, video} {
		if track == nil {
			continue
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track: %w", err)
		}
		s.senders[track.Kind()] = sender
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		// Trickle: each candidate ships the moment it is produced; the far
		// side queues early arrivals until its remote description lands.
		cand := protocol.CandidateFromPion(c.ToJSON())
		s.sendSignal(protocol.Envelope{
			Type:      protocol.EventSignal,
			Target:    cfg.RemoteID,
			Candidate: &cand,
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if cfg.OnTrack != nil {
			cfg.OnTrack(track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateConnected:
			s.setState(StateConnected)
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.fail()
		}
	})

	return s, nil
}

// RemoteID returns the remote participant's identifier.
func (s *Session) RemoteID() string { return s.cfg.RemoteID }

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartOffer begins negotiation from the offering side.
func (s *Session) StartOffer() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cfg.Role != RoleOfferer {
		s.mu.Unlock()
		return fmt.Errorf("peersession: answering side must not offer first")
	}
	s.mu.Unlock()

	s.setState(StateNegotiating)
	return s.sendOffer()
}

// HandleOffer applies a remote offer and responds with an answer. The first
// offer moves an answering session out of Idle; an offer arriving while
// Connected is a renegotiation.
func (s *Session) HandleOffer(sdp protocol.SDP) error {
	s.mu.Lock()
	changed := false
	switch s.state {
	case StateClosed:
		// Anything arriving after teardown is discarded without effect.
		s.mu.Unlock()
		return nil
	case StateIdle:
		s.state = StateNegotiating
		changed = true
	case StateConnected:
		s.state = StateRenegotiating
		changed = true
	}
	st := s.state
	s.mu.Unlock()
	if changed {
		s.notifyState(st)
	}

	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.drainPendingCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	local := protocol.SDPFromPion(*s.pc.LocalDescription())
	s.sendSignal(protocol.Envelope{
		Type:   protocol.EventSignal,
		Target: s.cfg.RemoteID,
		SDP:    &local,
	})

	// On the answering side a renegotiation is done once the answer is out;
	// no connection-state event will fire for it.
	s.mu.Lock()
	renegotiated := s.state == StateRenegotiating
	s.mu.Unlock()
	if renegotiated {
		s.setState(StateConnected)
	}
	return nil
}

// HandleAnswer applies the remote answer to our outstanding offer.
func (s *Session) HandleAnswer(sdp protocol.SDP) error {
	if s.State() == StateClosed {
		return nil
	}
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.drainPendingCandidates()

	// A renegotiation is signaling-only: the transport stays up and fires no
	// connection-state event, so the answer landing is what finishes it.
	s.mu.Lock()
	renegotiated := s.state == StateRenegotiating
	s.mu.Unlock()
	if renegotiated {
		s.setState(StateConnected)
	}
	return nil
}

// HandleCandidate adds a remote ICE candidate, queueing it if the remote
// description has not been applied yet.
func (s *Session) HandleCandidate(c protocol.Candidate) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if s.pc.RemoteDescription() == nil {
		s.pendingCandidates = append(s.pendingCandidates, c.ToPion())
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(c.ToPion()); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// ReplaceOutboundTrack swaps the outbound track of the given kind in place.
// The peer connection keeps a single sender per kind, so screen shares and
// device switches never grow the track count. If in-place replacement is not
// possible a fresh offer renegotiates the connection; the side that changed
// the track always initiates.
func (s *Session) ReplaceOutboundTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	sender, ok := s.senders[track.Kind()]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("peersession: no outbound %s sender", track.Kind())
	}

	if err := sender.ReplaceTrack(track); err == nil {
		return nil
	}

	// The transport rejected the in-place swap. Rebind the slot with a fresh
	// sender carrying the new track and run a full offer/answer round; the
	// answer landing is what completes it (see HandleAnswer).
	s.log.Info("in-place replace failed, renegotiating", slog.String("kind", track.Kind().String()))
	if err := s.pc.RemoveTrack(sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	fresh, err := s.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add replacement track: %w", err)
	}
	s.mu.Lock()
	s.senders[track.Kind()] = fresh
	s.mu.Unlock()

	s.setState(StateRenegotiating)
	return s.sendOffer()
}

// Close tears the session down. Idempotent; late signaling after Close is
// discarded by the Handle methods.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		err = s.pc.Close()
		if s.cfg.OnClosed != nil {
			s.cfg.OnClosed(nil)
		}
	})
	return err
}

func (s *Session) fail() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		_ = s.pc.Close()
		s.log.Info("peer connection failed")
		if s.cfg.OnClosed != nil {
			s.cfg.OnClosed(ErrNegotiationFailed)
		}
	})
}

func (s *Session) sendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	local := protocol.SDPFromPion(*s.pc.LocalDescription())
	s.sendSignal(protocol.Envelope{
		Type:   protocol.EventSignal,
		Target: s.cfg.RemoteID,
		SDP:    &local,
	})
	return nil
}

func (s *Session) drainPendingCandidates() {
	s.mu.Lock()
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Info("dropping queued candidate", slog.String("err", err.Error()))
		}
	}
}

func (s *Session) sendSignal(ev protocol.Envelope) {
	if s.State() == StateClosed {
		return
	}
	s.cfg.SendSignal(ev)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *Session) notifyState(st State) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}
