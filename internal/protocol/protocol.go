// Package protocol defines the JSON event envelope exchanged between
// conference clients and the signaling server.
//
// The envelope is a closed tagged union: every event kind is enumerated here
// and validated strictly on receipt. We intentionally avoid exposing any
// WebRTC library type on the wire; SDP and ICE payloads are carried as plain
// JSON shapes with explicit conversions to pion types.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type EventType string

// Client-to-server event kinds.
const (
	EventJoin        EventType = "join"
	EventLeave       EventType = "leave"
	EventSignal      EventType = "signal"
	EventChat        EventType = "chat"
	EventToggleMedia EventType = "toggleMedia"
	EventStartShare  EventType = "startShare"
	EventStopShare   EventType = "stopShare"
	EventSpeaking    EventType = "speaking"
)

// Server-to-client event kinds. EventSignal, EventChat and EventSpeaking flow
// in both directions.
const (
	EventRoomUsers          EventType = "roomUsers"
	EventUserJoined         EventType = "userJoined"
	EventUserLeft           EventType = "userLeft"
	EventMediaToggled       EventType = "mediaToggled"
	EventUserStartedSharing EventType = "userStartedSharing"
	EventUserStoppedSharing EventType = "userStoppedSharing"
	EventUserCount          EventType = "userCount"
	EventError              EventType = "error"
)

type MediaKind string

const (
	MediaKindMic    MediaKind = "mic"
	MediaKindCamera MediaKind = "camera"
)

type MediaState string

const (
	MediaOn  MediaState = "on"
	MediaOff MediaState = "off"
)

// SDP is a JSON-friendly session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is a JSON-friendly trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// User is one entry of the roster sent to a joining client.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Mic     bool   `json:"mic"`
	Camera  bool   `json:"camera"`
	Sharing bool   `json:"sharing"`
}

// Envelope carries every event kind. Unused fields stay empty and are omitted
// on the wire; Validate enforces that each kind carries exactly the fields it
// is allowed to.
type Envelope struct {
	Type EventType `json:"type"`

	// join
	Room string `json:"room,omitempty"`
	// join, userJoined; also the display name on chat fan-out.
	Name string `json:"name,omitempty"`

	// signal addressing. Target is set by the sending client, From is stamped
	// by the server from the sending connection and is never client-supplied.
	Target string `json:"target,omitempty"`
	From   string `json:"from,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`

	// roomUsers
	Users []User `json:"users,omitempty"`

	// userJoined/userLeft/mediaToggled/sharing/speaking fan-out subject.
	ID string `json:"id,omitempty"`

	// toggleMedia / mediaToggled
	Kind  MediaKind  `json:"kind,omitempty"`
	State MediaState `json:"state,omitempty"`

	// chat
	Text string `json:"text,omitempty"`
	// Unix milliseconds, stamped by the server.
	Timestamp int64 `json:"timestamp,omitempty"`

	Speaking *bool `json:"speaking,omitempty"`

	// userCount
	Count int `json:"count,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes a single envelope, rejecting unknown fields and trailing data.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev Envelope
	if err := dec.Decode(&ev); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return ev, nil
}

// ParseClient decodes and validates an envelope received from a client
// connection. Server-to-client kinds are rejected.
func ParseClient(data []byte) (Envelope, error) {
	ev, err := Parse(data)
	if err != nil {
		return Envelope{}, err
	}
	if !ev.Type.FromClient() {
		return Envelope{}, fmt.Errorf("unexpected client event type %q", ev.Type)
	}
	if err := ev.Validate(); err != nil {
		return Envelope{}, err
	}
	if ev.Type == EventSignal && ev.Target == "" {
		return Envelope{}, fmt.Errorf("signal event missing target")
	}
	if ev.From != "" || ev.Timestamp != 0 || ev.ID != "" {
		return Envelope{}, fmt.Errorf("%s event has server-stamped fields", ev.Type)
	}
	return ev, nil
}

// FromClient reports whether the event kind may be sent by a client.
func (t EventType) FromClient() bool {
	switch t {
	case EventJoin, EventLeave, EventSignal, EventChat, EventToggleMedia,
		EventStartShare, EventStopShare, EventSpeaking:
		return true
	}
	return false
}

func (e Envelope) Validate() error {
	switch e.Type {
	case EventJoin:
		if e.Room == "" {
			return fmt.Errorf("join event missing room")
		}
		if e.Name == "" {
			return fmt.Errorf("join event missing name")
		}
	case EventLeave, EventStartShare, EventStopShare:
		// Subject is always the sending connection; no payload.
	case EventSignal:
		if e.Target == "" && e.From == "" {
			return fmt.Errorf("signal event missing target")
		}
		if (e.SDP == nil) == (e.Candidate == nil) {
			return fmt.Errorf("signal event must carry exactly one of sdp or candidate")
		}
		if e.SDP != nil {
			if _, err := e.SDP.ToPion(); err != nil {
				return err
			}
			if e.SDP.SDP == "" {
				return fmt.Errorf("signal event has empty sdp")
			}
		}
		if e.Candidate != nil && e.Candidate.Candidate == "" {
			return fmt.Errorf("signal event has empty candidate")
		}
	case EventChat:
		if e.Text == "" {
			return fmt.Errorf("chat event missing text")
		}
	case EventToggleMedia, EventMediaToggled:
		if e.Kind != MediaKindMic && e.Kind != MediaKindCamera {
			return fmt.Errorf("unsupported media kind %q", e.Kind)
		}
		if e.State != MediaOn && e.State != MediaOff {
			return fmt.Errorf("unsupported media state %q", e.State)
		}
	case EventSpeaking:
		if e.Speaking == nil {
			return fmt.Errorf("speaking event missing speaking flag")
		}
	case EventRoomUsers, EventUserCount:
	case EventUserJoined:
		if e.ID == "" || e.Name == "" {
			return fmt.Errorf("userJoined event missing id/name")
		}
	case EventUserLeft, EventUserStartedSharing, EventUserStoppedSharing:
		if e.ID == "" {
			return fmt.Errorf("%s event missing id", e.Type)
		}
	case EventError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error event missing code/message")
		}
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	return nil
}
