// Package room tracks which participants are in which room, together with
// their per-participant media flags. It is the single source of truth for
// membership bookkeeping; the server never inspects or forwards media itself.
package room

import (
	"errors"
	"sync"

	"github.com/meshconf/meshconf/internal/protocol"
)

var (
	// ErrAlreadyJoined indicates a join for a participant id that is already a
	// member of some room. With one websocket connection per participant this
	// is a caller bug, not an expected runtime condition.
	ErrAlreadyJoined = errors.New("room: participant already joined")

	// ErrRoomFull indicates the room has reached the configured capacity.
	ErrRoomFull = errors.New("room: room is full")
)

// Participant is a member of exactly one room. Mutable flags are updated only
// by that participant's own toggle events.
type Participant struct {
	ID      string
	Name    string
	Mic     bool
	Camera  bool
	Sharing bool
}

type roomState struct {
	id      string
	members map[string]*Participant
	// order preserves join order so rosters are stable across calls.
	order []string
}

// Registry maps room ids to participant sets. Rooms are created implicitly on
// first join and discarded when their last participant leaves; room existence
// is derived, never explicitly allocated.
//
// All methods are safe for concurrent use.
type Registry struct {
	maxPerRoom int

	mu      sync.Mutex
	rooms   map[string]*roomState
	byParID map[string]*roomState
}

// NewRegistry creates an empty registry. maxPerRoom bounds room size;
// 0 means unlimited.
func NewRegistry(maxPerRoom int) *Registry {
	return &Registry{
		maxPerRoom: maxPerRoom,
		rooms:      make(map[string]*roomState),
		byParID:    make(map[string]*roomState),
	}
}

// Join adds the participant to the room, creating the room if absent. New
// participants start with mic and camera on and sharing off.
//
// It returns the members already present (excluding the joiner, in join
// order) and whether the room was created by this call.
func (r *Registry) Join(roomID, participantID, displayName string) ([]protocol.User, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byParID[participantID]; ok {
		return nil, false, ErrAlreadyJoined
	}

	rm, ok := r.rooms[roomID]
	isNew := !ok
	if isNew {
		rm = &roomState{id: roomID, members: make(map[string]*Participant)}
		r.rooms[roomID] = rm
	}

	if r.maxPerRoom > 0 && len(rm.members) >= r.maxPerRoom {
		if isNew {
			delete(r.rooms, roomID)
		}
		return nil, false, ErrRoomFull
	}

	existing := rm.rosterLocked("")

	rm.members[participantID] = &Participant{
		ID:     participantID,
		Name:   displayName,
		Mic:    true,
		Camera: true,
	}
	rm.order = append(rm.order, participantID)
	r.byParID[participantID] = rm

	return existing, isNew, nil
}

// Leave removes the participant from the room. Leaving twice, or leaving a
// room one is not in, is a no-op. The room is discarded when it empties.
func (r *Registry) Leave(roomID, participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	if _, ok := rm.members[participantID]; !ok {
		return
	}

	delete(rm.members, participantID)
	delete(r.byParID, participantID)
	for i, id := range rm.order {
		if id == participantID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}

	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
}

// RoomOf returns the room id the participant is currently in.
func (r *Registry) RoomOf(participantID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.byParID[participantID]
	if !ok {
		return "", false
	}
	return rm.id, true
}

// SetMediaState updates the stored mic/camera flag for the participant. It
// does not produce any notification; fan-out is the dispatcher's job.
func (r *Registry) SetMediaState(participantID string, kind protocol.MediaKind, state protocol.MediaState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.participantLocked(participantID)
	if p == nil {
		return
	}
	on := state == protocol.MediaOn
	switch kind {
	case protocol.MediaKindMic:
		p.Mic = on
	case protocol.MediaKindCamera:
		p.Camera = on
	}
}

// SetSharing updates the stored screen-sharing flag for the participant.
func (r *Registry) SetSharing(participantID string, sharing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.participantLocked(participantID); p != nil {
		p.Sharing = sharing
	}
}

// MemberCount reports the number of participants in the room. A missing room
// counts as zero.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rm.members)
}

// Members returns the room's participant ids in join order, excluding
// exceptID when non-empty.
func (r *Registry) Members(roomID, exceptID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.order))
	for _, id := range rm.order {
		if id != exceptID {
			out = append(out, id)
		}
	}
	return out
}

// Roster returns a snapshot of the room's members in join order, excluding
// exceptID when non-empty.
func (r *Registry) Roster(roomID, exceptID string) []protocol.User {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return rm.rosterLocked(exceptID)
}

func (r *Registry) participantLocked(participantID string) *Participant {
	rm, ok := r.byParID[participantID]
	if !ok {
		return nil
	}
	return rm.members[participantID]
}

func (rm *roomState) rosterLocked(exceptID string) []protocol.User {
	out := make([]protocol.User, 0, len(rm.order))
	for _, id := range rm.order {
		if id == exceptID {
			continue
		}
		p := rm.members[id]
		out = append(out, protocol.User{
			ID:      p.ID,
			Name:    p.Name,
			Mic:     p.Mic,
			Camera:  p.Camera,
			Sharing: p.Sharing,
		})
	}
	return out
}
