//go:build linux

package media

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds the WebRTC API with VP8+Opus codecs from the capture stack
// and the default interceptors.
func NewAPI() (*webrtc.API, *mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief network hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5 s — too
	// short for NAT rebinding or wifi roaming.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return api, selector, nil
}

// videoConstraints excludes MJPEG (some cameras expose an MJPEG node that
// produces malformed frames and poisons the VP8 encoder) and caps the
// resolution to keep encoding latency low.
func videoConstraints(c *mediadevices.MediaTrackConstraints) {
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

// Acquire captures local camera and microphone. GetUserMedia fails as a
// unit if either requested track can't be opened, so the attempts degrade:
// video+audio, then video-only, then audio-only. A missing or busy
// microphone must not prevent the camera from working and vice versa.
func Acquire(selector *mediadevices.CodecSelector) (*Capture, error) {
	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = videoConstraints
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Debugw("capture attempt failed", "attempt", a.label, "err", err)
			lastErr = err
			continue
		}
		log.Infow("local media captured", "attempt", a.label)
		return captureFromStream(stream), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no capture devices")
	}
	return nil, lastErr
}

// AcquireDisplay captures the screen for screen sharing and returns its
// video track.
func AcquireDisplay(selector *mediadevices.CodecSelector) (mediadevices.Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: func(*mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, errors.New("display capture produced no video track")
	}
	return tracks[0], nil
}

// probeAcquire is the Guard's short-lived acquisition: open the available
// device kinds without any codec binding and release them immediately.
func probeAcquire(video, audio bool) (func(), error) {
	constraints := mediadevices.MediaStreamConstraints{}
	if video {
		constraints.Video = videoConstraints
	}
	if audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	return func() {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
	}, nil
}
