package room

import (
	"errors"
	"fmt"
	"testing"

	"github.com/meshconf/meshconf/internal/protocol"
)

func TestJoinCreatesRoomAndReturnsRoster(t *testing.T) {
	r := NewRegistry(0)

	existing, isNew, err := r.Join("demo", "p1", "alice")
	if err != nil {
		t.Fatalf("join p1: %v", err)
	}
	if !isNew {
		t.Fatalf("expected first join to create the room")
	}
	if len(existing) != 0 {
		t.Fatalf("expected empty roster for first join, got %v", existing)
	}

	existing, isNew, err = r.Join("demo", "p2", "bob")
	if err != nil {
		t.Fatalf("join p2: %v", err)
	}
	if isNew {
		t.Fatalf("second join must not report room creation")
	}
	if len(existing) != 1 || existing[0].ID != "p1" {
		t.Fatalf("roster=%v, want [p1]", existing)
	}
	if !existing[0].Mic || !existing[0].Camera || existing[0].Sharing {
		t.Fatalf("new participants must start mic/camera on, sharing off: %+v", existing[0])
	}
}

func TestJoinSameParticipantTwice(t *testing.T) {
	r := NewRegistry(0)
	if _, _, err := r.Join("demo", "p1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, _, err := r.Join("other", "p1", "alice"); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("err=%v, want ErrAlreadyJoined", err)
	}
}

func TestJoinRoomFull(t *testing.T) {
	r := NewRegistry(2)
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("p%d", i)
		if _, _, err := r.Join("demo", id, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	if _, _, err := r.Join("demo", "p2", "late"); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err=%v, want ErrRoomFull", err)
	}
	// The rejected join must not leave the participant registered anywhere.
	if _, ok := r.RoomOf("p2"); ok {
		t.Fatalf("rejected participant still registered")
	}
}

func TestLeaveIsIdempotentAndDiscardsEmptyRoom(t *testing.T) {
	r := NewRegistry(0)
	if _, _, err := r.Join("demo", "p1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	r.Leave("demo", "p1")
	r.Leave("demo", "p1")

	if n := r.MemberCount("demo"); n != 0 {
		t.Fatalf("MemberCount=%d, want 0", n)
	}
	if _, ok := r.RoomOf("p1"); ok {
		t.Fatalf("participant still registered after leave")
	}

	// The room id must be reusable with a fresh identity.
	if _, isNew, err := r.Join("demo", "p1", "alice"); err != nil || !isNew {
		t.Fatalf("rejoin: isNew=%v err=%v, want true/nil", isNew, err)
	}
}

func TestRosterPreservesJoinOrderAndExcludes(t *testing.T) {
	r := NewRegistry(0)
	for _, id := range []string{"p1", "p2", "p3"} {
		if _, _, err := r.Join("demo", id, "name-"+id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}

	got := r.Roster("demo", "p2")
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p3" {
		t.Fatalf("roster=%v, want [p1 p3]", got)
	}

	members := r.Members("demo", "")
	if len(members) != 3 || members[0] != "p1" || members[2] != "p3" {
		t.Fatalf("members=%v, want [p1 p2 p3]", members)
	}
}

func TestSetMediaStateAndSharing(t *testing.T) {
	r := NewRegistry(0)
	if _, _, err := r.Join("demo", "p1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	r.SetMediaState("p1", protocol.MediaKindMic, protocol.MediaOff)
	r.SetSharing("p1", true)

	roster := r.Roster("demo", "")
	if len(roster) != 1 {
		t.Fatalf("roster=%v, want one entry", roster)
	}
	if roster[0].Mic || !roster[0].Camera || !roster[0].Sharing {
		t.Fatalf("flags=%+v, want mic off, camera on, sharing on", roster[0])
	}

	// Updates for unknown participants are ignored.
	r.SetMediaState("ghost", protocol.MediaKindCamera, protocol.MediaOff)
	r.SetSharing("ghost", true)
}

func TestRoomOf(t *testing.T) {
	r := NewRegistry(0)
	if _, _, err := r.Join("demo", "p1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	roomID, ok := r.RoomOf("p1")
	if !ok || roomID != "demo" {
		t.Fatalf("RoomOf=%q,%v, want demo,true", roomID, ok)
	}
	if _, ok := r.RoomOf("ghost"); ok {
		t.Fatalf("RoomOf(ghost) reported membership")
	}
}
