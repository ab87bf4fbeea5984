package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.NewDefaultConfig().Media, zap.NewNop())
	require.NoError(t, err)
	return m
}

func TestTogglesAreReversible(t *testing.T) {
	m := newTestManager(t)

	assert.True(t, m.VideoEnabled())
	assert.True(t, m.AudioEnabled())

	assert.False(t, m.ToggleVideo())
	assert.False(t, m.VideoEnabled())
	// Audio gate is independent of the video gate.
	assert.True(t, m.AudioEnabled())

	assert.True(t, m.ToggleVideo())
	assert.True(t, m.VideoEnabled())

	assert.False(t, m.ToggleAudio())
	assert.True(t, m.ToggleAudio())
	assert.True(t, m.AudioEnabled())
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	m.Release()
	m.Release()

	// A released manager refuses late acquisition.
	assert.ErrorIs(t, m.Acquire(), ErrNotAcquired)
	_, err := m.Tracks()
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestTracksBeforeAcquire(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Tracks()
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestClassifyCaptureError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"permission", errors.New("video capture: permission denied by user"), ErrPermissionDenied},
		{"missing device", errors.New("failed to find the best driver"), ErrDeviceUnavailable},
		{"not found", errors.New("device not found"), ErrDeviceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyCaptureError(tt.in), tt.want)
		})
	}

	generic := classifyCaptureError(errors.New("encoder init failed"))
	assert.NotErrorIs(t, generic, ErrPermissionDenied)
	assert.NotErrorIs(t, generic, ErrDeviceUnavailable)
}

func TestNewOutboundTracks(t *testing.T) {
	tracks, err := NewOutboundTracks()
	require.NoError(t, err)

	assert.Equal(t, webrtc.MimeTypeVP8, tracks.Video.Codec().MimeType)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks.Video.Kind())
	assert.Equal(t, webrtc.MimeTypeOpus, tracks.Audio.Codec().MimeType)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks.Audio.Kind())
}

func TestGateForSelectsByKind(t *testing.T) {
	m := newTestManager(t)

	m.ToggleVideo()
	assert.False(t, m.gateFor(webrtc.RTPCodecTypeVideo).Load())
	assert.True(t, m.gateFor(webrtc.RTPCodecTypeAudio).Load())
}
