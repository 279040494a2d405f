// Package media wraps pion/mediadevices: permission probing, local
// camera/microphone capture, and in-call track control (mute, video off,
// screen-share substitution). Device errors never leave this package raw;
// they are normalized into AccessStatus values.
package media

import (
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/mediadevices"
)

var log = logging.Logger("media")

// AccessState classifies the outcome of a device probe.
type AccessState int

const (
	AccessUnknown AccessState = iota
	AccessGranted
	AccessDenied
	AccessDeviceMissing
	AccessDeviceBusy
)

func (s AccessState) String() string {
	switch s {
	case AccessGranted:
		return "granted"
	case AccessDenied:
		return "denied"
	case AccessDeviceMissing:
		return "device-missing"
	case AccessDeviceBusy:
		return "device-busy"
	default:
		return "unknown"
	}
}

// AccessStatus is the normalized result of a probe or request.
// Reason is only set for AccessDenied.
type AccessStatus struct {
	State  AccessState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// Granted reports whether capture may proceed.
func (s AccessStatus) Granted() bool { return s.State == AccessGranted }

// Guard probes local capture devices and caches the last known status.
// The cache lives for the guard's lifetime (one per running engine, not per
// call); Probe and Request always re-probe.
type Guard struct {
	mu     sync.Mutex
	cached AccessStatus

	// Injectable for tests and for the non-linux stub build.
	enumerate func() []mediadevices.MediaDeviceInfo
	acquire   func(video, audio bool) (closeFn func(), err error)
}

// NewGuard returns a guard backed by the platform capture drivers.
func NewGuard() *Guard {
	return &Guard{
		enumerate: mediadevices.EnumerateDevices,
		acquire:   probeAcquire,
	}
}

// Status returns the cached status without touching any device.
func (g *Guard) Status() AccessStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cached
}

// Probe enumerates devices and attempts a short-lived acquisition of the
// available kinds, releasing it immediately. The stream is never retained.
func (g *Guard) Probe() AccessStatus {
	return g.refresh()
}

// Request is Probe under another name: callers use it in direct response to
// a user gesture so that platforms gating capture behind one can prompt.
func (g *Guard) Request() AccessStatus {
	return g.refresh()
}

func (g *Guard) refresh() AccessStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	hasVideo, hasAudio := false, false
	for _, d := range g.enumerate() {
		switch d.Kind {
		case mediadevices.VideoInput:
			hasVideo = true
		case mediadevices.AudioInput:
			hasAudio = true
		}
	}
	if !hasVideo && !hasAudio {
		g.cached = AccessStatus{State: AccessDeviceMissing}
		return g.cached
	}

	closeFn, err := g.acquire(hasVideo, hasAudio)
	if err != nil {
		g.cached = normalizeDeviceError(err)
		log.Debugw("probe failed", "state", g.cached.State, "reason", g.cached.Reason)
		return g.cached
	}
	closeFn()

	g.cached = AccessStatus{State: AccessGranted}
	return g.cached
}

// normalizeDeviceError maps the capture stack's untyped errors onto the
// AccessStatus taxonomy. mediadevices and its drivers report failures as
// wrapped syscall or string errors, so classification is by message.
func normalizeDeviceError(err error) AccessStatus {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "busy"):
		return AccessStatus{State: AccessDeviceBusy}
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "operation not permitted"),
		strings.Contains(msg, "access denied"):
		return AccessStatus{State: AccessDenied, Reason: err.Error()}
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "no such"),
		strings.Contains(msg, "failed to find"):
		return AccessStatus{State: AccessDeviceMissing}
	default:
		return AccessStatus{State: AccessDenied, Reason: err.Error()}
	}
}
