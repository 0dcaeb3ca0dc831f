package signaling

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshconf/meshconf/internal/config"
	"github.com/meshconf/meshconf/internal/metrics"
	"github.com/meshconf/meshconf/internal/protocol"
	"github.com/meshconf/meshconf/internal/room"
)

func newTestServer(t *testing.T, cfg config.Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.MaxSignalingMessageBytes == 0 {
		cfg.MaxSignalingMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxSignalingMessagesPerSecond == 0 {
		cfg.MaxSignalingMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(cfg, logger, room.NewRegistry(cfg.MaxParticipantsPerRoom), metrics.New())
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server) *testConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(ev protocol.Envelope) {
	c.t.Helper()
	if err := c.conn.WriteJSON(ev); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testConn) recv() protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	ev, err := protocol.Parse(data)
	if err != nil {
		c.t.Fatalf("parse %q: %v", data, err)
	}
	return ev
}

func (c *testConn) expect(typ protocol.EventType) protocol.Envelope {
	c.t.Helper()
	ev := c.recv()
	if ev.Type != typ {
		c.t.Fatalf("got event %q, want %q (%+v)", ev.Type, typ, ev)
	}
	return ev
}

func (c *testConn) join(roomID, name string) {
	c.t.Helper()
	c.send(protocol.Envelope{Type: protocol.EventJoin, Room: roomID, Name: name})
}

func TestJoinFlow(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})

	a := dialWS(t, ts)
	a.join("demo", "alice")
	if ev := a.expect(protocol.EventRoomUsers); len(ev.Users) != 0 {
		t.Fatalf("first joiner roster=%v, want empty", ev.Users)
	}
	if ev := a.expect(protocol.EventUserCount); ev.Count != 1 {
		t.Fatalf("count=%d, want 1", ev.Count)
	}

	b := dialWS(t, ts)
	b.join("demo", "bob")
	roster := b.expect(protocol.EventRoomUsers)
	if len(roster.Users) != 1 || roster.Users[0].Name != "alice" {
		t.Fatalf("roster=%v, want [alice]", roster.Users)
	}
	if !roster.Users[0].Mic || !roster.Users[0].Camera || roster.Users[0].Sharing {
		t.Fatalf("roster flags=%+v, want mic/camera on, sharing off", roster.Users[0])
	}
	if ev := b.expect(protocol.EventUserCount); ev.Count != 2 {
		t.Fatalf("count=%d, want 2", ev.Count)
	}

	joined := a.expect(protocol.EventUserJoined)
	if joined.Name != "bob" || joined.ID == "" {
		t.Fatalf("userJoined=%+v, want bob with id", joined)
	}
	if ev := a.expect(protocol.EventUserCount); ev.Count != 2 {
		t.Fatalf("count=%d, want 2", ev.Count)
	}
}

// joinPair returns two connected clients in the same room plus each other's
// participant ids.
func joinPair(t *testing.T, ts *httptest.Server) (a, b *testConn, aID, bID string) {
	t.Helper()
	a = dialWS(t, ts)
	a.join("demo", "alice")
	a.expect(protocol.EventRoomUsers)
	a.expect(protocol.EventUserCount)

	b = dialWS(t, ts)
	b.join("demo", "bob")
	roster := b.expect(protocol.EventRoomUsers)
	b.expect(protocol.EventUserCount)
	aID = roster.Users[0].ID

	joined := a.expect(protocol.EventUserJoined)
	a.expect(protocol.EventUserCount)
	bID = joined.ID
	return a, b, aID, bID
}

func TestSignalRelayPreservesOrderAndStampsFrom(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a, b, aID, bID := joinPair(t, ts)

	// The newcomer (B) offers; candidates trickle behind the offer and must
	// arrive in send order.
	b.send(protocol.Envelope{
		Type:   protocol.EventSignal,
		Target: aID,
		SDP:    &protocol.SDP{Type: "offer", SDP: "v=0 offer"},
	})
	for _, cand := range []string{"candidate:1", "candidate:2"} {
		b.send(protocol.Envelope{
			Type:      protocol.EventSignal,
			Target:    aID,
			Candidate: &protocol.Candidate{Candidate: cand},
		})
	}

	offer := a.expect(protocol.EventSignal)
	if offer.From != bID {
		t.Fatalf("from=%q, want %q", offer.From, bID)
	}
	if offer.SDP == nil || offer.SDP.Type != "offer" {
		t.Fatalf("expected offer sdp, got %+v", offer)
	}
	for _, want := range []string{"candidate:1", "candidate:2"} {
		ev := a.expect(protocol.EventSignal)
		if ev.Candidate == nil || ev.Candidate.Candidate != want {
			t.Fatalf("candidate=%+v, want %q", ev.Candidate, want)
		}
	}

	// Answer flows back with the relayed sender id.
	a.send(protocol.Envelope{
		Type:   protocol.EventSignal,
		Target: bID,
		SDP:    &protocol.SDP{Type: "answer", SDP: "v=0 answer"},
	})
	answer := b.expect(protocol.EventSignal)
	if answer.From != aID || answer.SDP == nil || answer.SDP.Type != "answer" {
		t.Fatalf("answer=%+v, want answer from %q", answer, aID)
	}
}

func TestSignalToDepartedTargetDroppedSilently(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a, b, aID, _ := joinPair(t, ts)

	a.send(protocol.Envelope{Type: protocol.EventLeave})
	if ev := b.expect(protocol.EventUserLeft); ev.ID != aID {
		t.Fatalf("userLeft id=%q, want %q", ev.ID, aID)
	}
	if ev := b.expect(protocol.EventUserCount); ev.Count != 1 {
		t.Fatalf("count=%d, want 1", ev.Count)
	}

	// Unicast to the departed participant vanishes without an error.
	b.send(protocol.Envelope{
		Type:      protocol.EventSignal,
		Target:    aID,
		Candidate: &protocol.Candidate{Candidate: "candidate:late"},
	})
	// A follow-up chat proves the connection survived the dropped signal.
	b.send(protocol.Envelope{Type: protocol.EventChat, Text: "still here"})
	if ev := b.expect(protocol.EventChat); ev.Text != "still here" {
		t.Fatalf("chat=%+v", ev)
	}
}

func TestChatFanOutIncludesSenderWithServerTimestamp(t *testing.T) {
	s, ts := newTestServer(t, config.Config{})
	stamp := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	s.now = func() time.Time { return stamp }

	a, b, aID, _ := joinPair(t, ts)

	a.send(protocol.Envelope{Type: protocol.EventChat, Text: "hello room"})

	for _, c := range []*testConn{a, b} {
		ev := c.expect(protocol.EventChat)
		if ev.From != aID || ev.Name != "alice" || ev.Text != "hello room" {
			t.Fatalf("chat=%+v", ev)
		}
		if ev.Timestamp != stamp.UnixMilli() {
			t.Fatalf("timestamp=%d, want %d", ev.Timestamp, stamp.UnixMilli())
		}
	}
}

func TestMediaToggleFanOut(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a, b, aID, _ := joinPair(t, ts)

	a.send(protocol.Envelope{Type: protocol.EventToggleMedia, Kind: protocol.MediaKindMic, State: protocol.MediaOff})

	ev := b.expect(protocol.EventMediaToggled)
	if ev.ID != aID || ev.Kind != protocol.MediaKindMic || ev.State != protocol.MediaOff {
		t.Fatalf("mediaToggled=%+v", ev)
	}
}

func TestScreenShareFanOutAndRosterFlag(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a, b, aID, _ := joinPair(t, ts)

	a.send(protocol.Envelope{Type: protocol.EventStartShare})
	if ev := b.expect(protocol.EventUserStartedSharing); ev.ID != aID {
		t.Fatalf("userStartedSharing=%+v", ev)
	}

	// A participant joining mid-share sees the flag in the roster.
	c := dialWS(t, ts)
	c.join("demo", "carol")
	roster := c.expect(protocol.EventRoomUsers)
	var sharing bool
	for _, u := range roster.Users {
		if u.ID == aID {
			sharing = u.Sharing
		}
	}
	if !sharing {
		t.Fatalf("roster=%v, want sharing flag for %q", roster.Users, aID)
	}

	// Carol's arrival reaches B before the share ends.
	b.expect(protocol.EventUserJoined)
	b.expect(protocol.EventUserCount)

	a.send(protocol.Envelope{Type: protocol.EventStopShare})
	if ev := b.expect(protocol.EventUserStoppedSharing); ev.ID != aID {
		t.Fatalf("userStoppedSharing=%+v", ev)
	}
}

func TestSpeakingFanOut(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a, b, aID, _ := joinPair(t, ts)

	speaking := true
	a.send(protocol.Envelope{Type: protocol.EventSpeaking, Speaking: &speaking})

	ev := b.expect(protocol.EventSpeaking)
	if ev.ID != aID || ev.Speaking == nil || !*ev.Speaking {
		t.Fatalf("speaking=%+v", ev)
	}
}

func TestJoinWhileInRoomRejected(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a := dialWS(t, ts)
	a.join("demo", "alice")
	a.expect(protocol.EventRoomUsers)
	a.expect(protocol.EventUserCount)

	a.join("other", "alice")
	if ev := a.expect(protocol.EventError); ev.Code != "already_in_room" {
		t.Fatalf("code=%q, want already_in_room", ev.Code)
	}
}

func TestRoomFull(t *testing.T) {
	_, ts := newTestServer(t, config.Config{MaxParticipantsPerRoom: 1})

	a := dialWS(t, ts)
	a.join("demo", "alice")
	a.expect(protocol.EventRoomUsers)
	a.expect(protocol.EventUserCount)

	b := dialWS(t, ts)
	b.join("demo", "bob")
	if ev := b.expect(protocol.EventError); ev.Code != "room_full" {
		t.Fatalf("code=%q, want room_full", ev.Code)
	}
}

func TestSignalBeforeJoinRejected(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a := dialWS(t, ts)
	a.send(protocol.Envelope{
		Type:      protocol.EventSignal,
		Target:    "someone",
		Candidate: &protocol.Candidate{Candidate: "candidate:1"},
	})
	if ev := a.expect(protocol.EventError); ev.Code != "not_in_room" {
		t.Fatalf("code=%q, want not_in_room", ev.Code)
	}
}

func TestDisconnectActsAsLeave(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a, b, aID, _ := joinPair(t, ts)

	a.conn.Close()
	if ev := b.expect(protocol.EventUserLeft); ev.ID != aID {
		t.Fatalf("userLeft=%+v, want %q", ev, aID)
	}
	if ev := b.expect(protocol.EventUserCount); ev.Count != 1 {
		t.Fatalf("count=%d, want 1", ev.Count)
	}
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a := dialWS(t, ts)

	if err := a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err=%v, want close 1003", err)
	}
}

func TestBinaryMessageClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a := dialWS(t, ts)

	if err := a.conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err=%v, want close 1003", err)
	}
}

func TestSpoofedFromFieldClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, config.Config{})
	a, _, _, bID := joinPair(t, ts)

	a.send(protocol.Envelope{
		Type:      protocol.EventSignal,
		Target:    bID,
		From:      "spoofed",
		Candidate: &protocol.Candidate{Candidate: "candidate:1"},
	})

	_ = a.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err=%v, want close 1003", err)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	_, ts := newTestServer(t, config.Config{MaxSignalingMessagesPerSecond: 3})
	a := dialWS(t, ts)
	a.join("demo", "alice")

	var closed bool
	for i := 0; i < 20 && !closed; i++ {
		if err := a.conn.WriteJSON(protocol.Envelope{Type: protocol.EventChat, Text: "spam"}); err != nil {
			break
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = a.conn.SetReadDeadline(time.Now().Add(time.Second))
		_, _, err := a.conn.ReadMessage()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			closed = true
			break
		}
		if err != nil {
			t.Fatalf("err=%v, want close 1008", err)
		}
	}
	if !closed {
		t.Fatalf("connection was not rate limited")
	}
}

func TestOriginRejectedDuringUpgrade(t *testing.T) {
	_, ts := newTestServer(t, config.Config{AllowedOrigins: []string{"https://app.example.com"}})

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	header := map[string][]string{"Origin": {"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatalf("expected handshake rejection")
	}
	if resp == nil || resp.StatusCode != 403 {
		t.Fatalf("resp=%v, want 403", resp)
	}

	conn, _, err = websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://app.example.com"}})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()
}
