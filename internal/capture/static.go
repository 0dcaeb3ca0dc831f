package capture

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// StaticDevices is a capture backend producing sample-fed local tracks. It
// backs headless participants and tests; a desktop build would swap in a
// backend wrapping real device capture.
type StaticDevices struct{}

func (StaticDevices) OpenMicrophone(deviceID string) (Track, error) {
	return newStaticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio")
}

func (StaticDevices) OpenCamera(deviceID string) (Track, error) {
	return newStaticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video")
}

func (StaticDevices) OpenScreen() (ScreenTrack, error) {
	t, err := newStaticTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen")
	if err != nil {
		return nil, err
	}
	return &staticScreenTrack{staticTrack: t}, nil
}

type staticTrack struct {
	*webrtc.TrackLocalStaticSample
}

func newStaticTrack(cap webrtc.RTPCodecCapability, id string) (*staticTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(cap, id, "meshconf-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &staticTrack{TrackLocalStaticSample: t}, nil
}

func (t *staticTrack) Close() error { return nil }

type staticScreenTrack struct {
	*staticTrack

	mu      sync.Mutex
	onEnded func()
	ended   bool
}

func (t *staticScreenTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// End simulates the OS-level "stop sharing" control ending the capture.
func (t *staticScreenTrack) End() {
	t.mu.Lock()
	fn := t.onEnded
	fired := t.ended
	t.ended = true
	t.mu.Unlock()

	if fn != nil && !fired {
		fn()
	}
}
