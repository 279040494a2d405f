package media

import (
	"errors"
	"testing"

	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func devices(kinds ...mediadevices.MediaDeviceType) []mediadevices.MediaDeviceInfo {
	out := make([]mediadevices.MediaDeviceInfo, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, mediadevices.MediaDeviceInfo{Kind: k})
	}
	return out
}

func testGuard(devs []mediadevices.MediaDeviceInfo, acquireErr error) *Guard {
	return &Guard{
		enumerate: func() []mediadevices.MediaDeviceInfo { return devs },
		acquire: func(video, audio bool) (func(), error) {
			if acquireErr != nil {
				return nil, acquireErr
			}
			return func() {}, nil
		},
	}
}

func TestGuardGrantsWhenProbeSucceeds(t *testing.T) {
	g := testGuard(devices(mediadevices.VideoInput, mediadevices.AudioInput), nil)

	st := g.Request()
	require.True(t, st.Granted())

	// The outcome is cached for Status without re-probing.
	require.Equal(t, AccessGranted, g.Status().State)
}

func TestGuardNoDevices(t *testing.T) {
	g := testGuard(nil, nil)
	st := g.Probe()
	require.Equal(t, AccessDeviceMissing, st.State)
	require.False(t, st.Granted())
}

func TestGuardAudioOnlyStillProbes(t *testing.T) {
	var video, audio bool
	g := &Guard{
		enumerate: func() []mediadevices.MediaDeviceInfo {
			return devices(mediadevices.AudioInput)
		},
		acquire: func(v, a bool) (func(), error) {
			video, audio = v, a
			return func() {}, nil
		},
	}
	require.True(t, g.Probe().Granted())
	assert.False(t, video)
	assert.True(t, audio)
}

func TestGuardStatusStartsUnknown(t *testing.T) {
	g := testGuard(devices(mediadevices.VideoInput), nil)
	require.Equal(t, AccessUnknown, g.Status().State)
}

func TestNormalizeDeviceError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want AccessState
	}{
		{"busy device", errors.New("failed to open /dev/video0: device or resource busy"), AccessDeviceBusy},
		{"permission denied", errors.New("open /dev/video0: permission denied"), AccessDenied},
		{"not permitted", errors.New("operation not permitted"), AccessDenied},
		{"missing device", errors.New("failed to find the best driver that fits the constraints"), AccessDeviceMissing},
		{"no such device", errors.New("no such device"), AccessDeviceMissing},
		{"anything else", errors.New("v4l2: unexpected ioctl failure"), AccessDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := testGuard(devices(mediadevices.VideoInput), tc.err)
			st := g.Request()
			require.Equal(t, tc.want, st.State)
			require.False(t, st.Granted())
			if tc.want == AccessDenied {
				require.NotEmpty(t, st.Reason)
			}
		})
	}
}

func TestGuardRecoversAfterTransientFailure(t *testing.T) {
	err := errors.New("device or resource busy")
	g := testGuard(devices(mediadevices.VideoInput, mediadevices.AudioInput), nil)
	g.acquire = func(video, audio bool) (func(), error) { return nil, err }

	require.Equal(t, AccessDeviceBusy, g.Request().State)

	// The other app released the camera; the next request must not be
	// poisoned by the cached failure.
	g.acquire = func(video, audio bool) (func(), error) { return func() {}, nil }
	require.True(t, g.Request().Granted())
}
