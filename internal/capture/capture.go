// Package capture owns the local media tracks: one microphone track, one
// camera track and at most one screen track. Peer sessions attach these
// tracks but never mutate them; every enable/disable/replace happens here
// exactly once and is observed by all sessions.
package capture

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/meshconf/meshconf/internal/protocol"
)

// ErrMediaAccessDenied indicates the capture backend refused access or no
// matching device exists.
var ErrMediaAccessDenied = errors.New("capture: media access denied")

// Constraints select capture devices. They are applied wholesale: changing
// device selection stops and replaces the prior tracks, never merges.
type Constraints struct {
	MicrophoneID string
	CameraID     string
}

// Track is a local media track plus the device release the webrtc track type
// doesn't carry.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// ScreenTrack additionally reports end-of-life, so an OS-level "stop sharing"
// takes the same teardown path as the in-app control.
type ScreenTrack interface {
	Track
	OnEnded(func())
}

// Devices abstracts the platform capture backend.
type Devices interface {
	OpenMicrophone(deviceID string) (Track, error)
	OpenCamera(deviceID string) (Track, error)
	OpenScreen() (ScreenTrack, error)
}

// SourceChange describes a replaced outbound source that every live peer
// session must pick up.
type SourceChange struct {
	Kind  webrtc.RTPCodecType
	Track webrtc.TrackLocal
}

// Manager is the local capture owner.
type Manager struct {
	devices Devices

	// onSourceChanged is invoked (outside the lock) whenever the active
	// outbound track for a kind changes: screen share start/stop and device
	// switches. Toggles do not fire it; they only flip the enabled flag.
	onSourceChanged func(SourceChange)

	mu         sync.Mutex
	mic        Track
	camera     Track
	screen     ScreenTrack
	micEnabled bool
	camEnabled bool
}

func NewManager(devices Devices) *Manager {
	return &Manager{devices: devices}
}

// OnSourceChanged registers the replace observer. Must be set before any
// session attaches tracks.
func (m *Manager) OnSourceChanged(fn func(SourceChange)) {
	m.onSourceChanged = fn
}

// Acquire opens the microphone and camera selected by the constraints. Prior
// tracks, if any, are stopped first (wholesale reapplication). Both tracks
// start enabled.
func (m *Manager) Acquire(c Constraints) error {
	mic, err := m.devices.OpenMicrophone(c.MicrophoneID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}
	cam, err := m.devices.OpenCamera(c.CameraID)
	if err != nil {
		_ = mic.Close()
		return fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	m.mu.Lock()
	oldMic, oldCam := m.mic, m.camera
	m.mic, m.camera = mic, cam
	m.micEnabled, m.camEnabled = true, true
	m.mu.Unlock()

	closeTracks(oldMic, oldCam)
	return nil
}

// SwitchDevices re-acquires microphone and camera with the new constraints
// and notifies sessions to replace both outbound tracks. An active screen
// share keeps owning the video slot; the new camera track takes over only
// when sharing stops.
func (m *Manager) SwitchDevices(c Constraints) error {
	if err := m.Acquire(c); err != nil {
		return err
	}

	m.mu.Lock()
	mic := m.mic
	video := m.activeVideoLocked()
	m.mu.Unlock()

	m.notify(SourceChange{Kind: webrtc.RTPCodecTypeAudio, Track: mic})
	m.notify(SourceChange{Kind: webrtc.RTPCodecTypeVideo, Track: video})
	return nil
}

// Toggle flips the enabled flag of the microphone or camera track without
// stopping it, so re-enabling is instantaneous and needs no renegotiation.
func (m *Manager) Toggle(kind protocol.MediaKind) protocol.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()

	var on bool
	switch kind {
	case protocol.MediaKindMic:
		m.micEnabled = !m.micEnabled
		on = m.micEnabled
	case protocol.MediaKindCamera:
		m.camEnabled = !m.camEnabled
		on = m.camEnabled
	}
	if on {
		return protocol.MediaOn
	}
	return protocol.MediaOff
}

// Enabled reports whether the given kind is currently live. Producer loops
// consult it to decide whether to feed samples.
func (m *Manager) Enabled(kind protocol.MediaKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case protocol.MediaKindMic:
		return m.micEnabled
	case protocol.MediaKindCamera:
		return m.camEnabled
	}
	return false
}

// StartScreenShare acquires a screen track and hands it to every session as
// the video source, replacing the camera in place. The connection keeps a
// single outgoing video track at all times.
func (m *Manager) StartScreenShare() error {
	m.mu.Lock()
	if m.screen != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	screen, err := m.devices.OpenScreen()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}
	// The OS capture UI can end the share without going through us.
	screen.OnEnded(func() {
		m.StopScreenShare()
	})

	m.mu.Lock()
	if m.screen != nil {
		// A concurrent call won the race; release ours and defer to it.
		m.mu.Unlock()
		_ = screen.Close()
		return nil
	}
	m.screen = screen
	m.mu.Unlock()

	m.notify(SourceChange{Kind: webrtc.RTPCodecTypeVideo, Track: screen})
	return nil
}

// StopScreenShare releases the screen track and restores the camera as the
// video source for every session. Idempotent.
func (m *Manager) StopScreenShare() {
	m.mu.Lock()
	screen := m.screen
	m.screen = nil
	camera := m.camera
	m.mu.Unlock()

	if screen == nil {
		return
	}
	_ = screen.Close()
	if camera != nil {
		m.notify(SourceChange{Kind: webrtc.RTPCodecTypeVideo, Track: camera})
	}
}

// Sharing reports whether a screen share is active.
func (m *Manager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// AudioTrack returns the microphone track attached to new sessions.
func (m *Manager) AudioTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mic == nil {
		return nil
	}
	return m.mic
}

// VideoTrack returns the currently active outbound video source: the screen
// while sharing, the camera otherwise.
func (m *Manager) VideoTrack() webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeVideoLocked()
}

func (m *Manager) activeVideoLocked() webrtc.TrackLocal {
	if m.screen != nil {
		return m.screen
	}
	if m.camera == nil {
		return nil
	}
	return m.camera
}

// Close stops every owned track.
func (m *Manager) Close() {
	m.mu.Lock()
	mic, cam, screen := m.mic, m.camera, m.screen
	m.mic, m.camera, m.screen = nil, nil, nil
	m.mu.Unlock()

	closeTracks(mic, cam)
	if screen != nil {
		_ = screen.Close()
	}
}

func (m *Manager) notify(change SourceChange) {
	if m.onSourceChanged != nil && change.Track != nil {
		m.onSourceChanged(change)
	}
}

func closeTracks(tracks ...Track) {
	for _, t := range tracks {
		if t != nil {
			_ = t.Close()
		}
	}
}
