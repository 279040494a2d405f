//go:build !linux

package media

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// ErrCaptureUnsupported is returned on platforms without capture drivers;
// calls still work receive-only.
var ErrCaptureUnsupported = errors.New("media: capture not supported on this platform")

// NewAPI builds a WebRTC API with the stock codecs; no capture stack is
// wired on this platform.
func NewAPI() (*webrtc.API, *mediadevices.CodecSelector, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return api, nil, nil
}

func Acquire(*mediadevices.CodecSelector) (*Capture, error) {
	return nil, ErrCaptureUnsupported
}

func AcquireDisplay(*mediadevices.CodecSelector) (mediadevices.Track, error) {
	return nil, ErrCaptureUnsupported
}

func probeAcquire(bool, bool) (func(), error) {
	return nil, ErrCaptureUnsupported
}
