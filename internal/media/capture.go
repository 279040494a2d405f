package media

import (
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// State is the local media state surfaced to the UI.
type State struct {
	AudioEnabled  bool `json:"audio_enabled"`
	VideoEnabled  bool `json:"video_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
}

// Capture is an acquired local media stream: at most one audio and one video
// track. It is exclusively owned by one call session; Close stops every
// track and is safe to call more than once.
type Capture struct {
	Audio mediadevices.Track // nil when the microphone was unavailable
	Video mediadevices.Track // nil when the camera was unavailable

	closeOnce sync.Once
}

// Tracks returns the non-nil tracks in audio, video order.
func (c *Capture) Tracks() []mediadevices.Track {
	var out []mediadevices.Track
	if c.Audio != nil {
		out = append(out, c.Audio)
	}
	if c.Video != nil {
		out = append(out, c.Video)
	}
	return out
}

// Close stops all local tracks. Called exactly once per call teardown even
// when teardown itself runs twice.
func (c *Capture) Close() {
	c.closeOnce.Do(func() {
		for _, t := range c.Tracks() {
			if err := t.Close(); err != nil {
				log.Debugw("track close", "kind", t.Kind(), "err", err)
			}
		}
	})
}

// captureFromStream splits a mediadevices stream into a Capture.
func captureFromStream(stream mediadevices.MediaStream) *Capture {
	cap := &Capture{}
	for _, t := range stream.GetTracks() {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			cap.Audio = t
		case webrtc.RTPCodecTypeVideo:
			cap.Video = t
		}
	}
	return cap
}
