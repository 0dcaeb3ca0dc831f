package metrics

import "sync"

// Event counter names used by the signaling server.
const (
	EventJoin              = "join"
	EventLeave             = "leave"
	EventRoomCreated       = "room_created"
	EventRoomDestroyed     = "room_destroyed"
	EventSignalRelayed     = "signal_relayed"
	EventSignalTargetGone  = "signal_target_gone"
	EventChatMessage       = "chat_message"
	EventInvalidMessage    = "invalid_message"
	EventOriginRejected    = "origin_rejected"
	EventRateLimitedClose  = "rate_limited_close"
	EventSendQueueOverflow = "send_queue_overflow"
	EventRoomFullReject    = "room_full_reject"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The server is expected to plug into a real metrics backend eventually; this
// type keeps the signaling logic testable while still being scrapeable via
// the Prometheus text handler.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
