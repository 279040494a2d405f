package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoLocalAudio = errors.New("media: no local audio track")
	ErrNoLocalVideo = errors.New("media: no outgoing video track")
)

// TrackSender is the slice of *webrtc.RTPSender the controller depends on.
// ReplaceTrack swaps the outgoing track without renegotiation; replacing
// with nil pauses sending while keeping the m-line alive.
type TrackSender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// Controller manages the local tracks of one call: mute/unmute, video
// on/off, and camera ↔ screen substitution. Toggles never stop a track and
// never renegotiate — they swap what the senders emit.
type Controller struct {
	mu sync.Mutex

	audio  mediadevices.Track // nil when capture was audio-less
	camera mediadevices.Track // nil when capture was video-less
	screen mediadevices.Track // non-nil only while screen sharing

	audioSender TrackSender // nil when no outgoing audio
	videoSender TrackSender // nil when no outgoing video

	state    State
	sharing  bool // guards concurrent StartScreenShare
	onState  func(State)
	acquires func() (mediadevices.Track, error)
}

// NewController wires the acquired tracks and their senders. acquireScreen
// performs display capture and is invoked on StartScreenShare; it may be nil
// on platforms without display capture.
func NewController(cap *Capture, audioSender, videoSender TrackSender, acquireScreen func() (mediadevices.Track, error)) *Controller {
	c := &Controller{
		audioSender: audioSender,
		videoSender: videoSender,
		acquires:    acquireScreen,
	}
	if cap != nil {
		c.audio = cap.Audio
		c.camera = cap.Video
	}
	c.state = State{
		AudioEnabled: c.audio != nil && audioSender != nil,
		VideoEnabled: c.camera != nil && videoSender != nil,
	}
	return c
}

// SetOnState registers a listener fired after every state change.
func (c *Controller) SetOnState(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current local media state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ToggleAudio flips the outgoing audio on or off in place. Returns the new
// enabled state.
func (c *Controller) ToggleAudio() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audio == nil || c.audioSender == nil {
		return false, ErrNoLocalAudio
	}
	var next webrtc.TrackLocal
	if !c.state.AudioEnabled {
		next = c.audio
	}
	if err := c.audioSender.ReplaceTrack(next); err != nil {
		return c.state.AudioEnabled, fmt.Errorf("media: toggle audio: %w", err)
	}
	c.state.AudioEnabled = !c.state.AudioEnabled
	c.notifyLocked()
	return c.state.AudioEnabled, nil
}

// ToggleVideo flips the outgoing video on or off in place. While screen
// sharing, the toggle pauses and resumes the screen feed instead of the
// camera.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.videoSender == nil || c.currentVideoLocked() == nil {
		return false, ErrNoLocalVideo
	}
	var next webrtc.TrackLocal
	if !c.state.VideoEnabled {
		next = c.currentVideoLocked()
	}
	if err := c.videoSender.ReplaceTrack(next); err != nil {
		return c.state.VideoEnabled, fmt.Errorf("media: toggle video: %w", err)
	}
	c.state.VideoEnabled = !c.state.VideoEnabled
	c.notifyLocked()
	return c.state.VideoEnabled, nil
}

// StartScreenShare acquires a display capture track and substitutes it for
// the outgoing video. No renegotiation happens; the remote peer keeps the
// same video m-line throughout. When the capture ends on its own (user or
// platform stops it), the camera is substituted back automatically.
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	if c.state.ScreenSharing || c.sharing {
		c.mu.Unlock()
		return nil
	}
	if c.videoSender == nil || c.camera == nil {
		c.mu.Unlock()
		return ErrNoLocalVideo
	}
	if c.acquires == nil {
		c.mu.Unlock()
		return errors.New("media: display capture not supported on this platform")
	}
	c.sharing = true
	c.mu.Unlock()

	track, err := c.acquires()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharing = false
	if err != nil {
		return fmt.Errorf("media: display capture: %w", err)
	}

	// Substitute first, then record — the sender never sees a gap.
	if c.state.VideoEnabled {
		if err := c.videoSender.ReplaceTrack(track); err != nil {
			_ = track.Close()
			return fmt.Errorf("media: substitute screen track: %w", err)
		}
	}
	c.screen = track
	c.state.ScreenSharing = true
	track.OnEnded(func(error) { c.StopScreenShare() })
	c.notifyLocked()
	return nil
}

// StopScreenShare substitutes the camera back in and releases the display
// capture. Idempotent; also invoked automatically when the capture ends.
func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	if !c.state.ScreenSharing {
		c.mu.Unlock()
		return
	}
	screen := c.screen
	c.screen = nil
	c.state.ScreenSharing = false

	// Camera goes back in before the screen track is released, so there is
	// never a moment with no outgoing video track.
	if c.state.VideoEnabled {
		if err := c.videoSender.ReplaceTrack(c.camera); err != nil {
			log.Warnw("camera substitution failed", "err", err)
		}
	}
	c.notifyLocked()
	c.mu.Unlock()

	if screen != nil {
		_ = screen.Close()
	}
}

// Close releases the screen capture if one is active. The camera and
// microphone tracks belong to the Capture and are closed with it.
func (c *Controller) Close() {
	c.StopScreenShare()
}

func (c *Controller) currentVideoLocked() mediadevices.Track {
	if c.state.ScreenSharing && c.screen != nil {
		return c.screen
	}
	return c.camera
}

func (c *Controller) notifyLocked() {
	if c.onState != nil {
		c.onState(c.state)
	}
}
