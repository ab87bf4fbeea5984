// Package media owns local capture: device acquisition, encoder setup, the
// RTP forwarding loops, and the mute gates that silence a kind without
// renegotiating.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/config"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE
)

var (
	// ErrPermissionDenied means the platform refused access to a capture
	// device. Recovery requires user action, not a retry.
	ErrPermissionDenied = errors.New("capture device permission denied")
	// ErrDeviceUnavailable means no usable camera or microphone was found.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrNotAcquired is returned by operations that need a live stream.
	ErrNotAcquired = errors.New("media stream not acquired")
)

// Manager holds the capture pipeline for one session. Acquire is called at
// most once per session; after Release the manager is spent.
type Manager struct {
	log      *zap.Logger
	cfg      config.MediaConfig
	selector *mediadevices.CodecSelector

	mu       sync.Mutex
	stream   mediadevices.MediaStream
	released bool

	videoEnabled atomic.Bool
	audioEnabled atomic.Bool
}

// NewManager builds the VP8 and Opus encoder parameters and the codec
// selector. No device is touched until Acquire.
func NewManager(cfg config.MediaConfig, log *zap.Logger) (*Manager, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	m := &Manager{
		log: log,
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}
	m.videoEnabled.Store(true)
	m.audioEnabled.Store(true)
	return m, nil
}

// PopulateMediaEngine registers the selected encoders' codecs.
func (m *Manager) PopulateMediaEngine(engine *webrtc.MediaEngine) error {
	m.selector.Populate(engine)
	return nil
}

// Acquire opens the camera and microphone. Failures are classified so the
// caller can distinguish a permission refusal from a missing device.
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrNotAcquired
	}
	if m.stream != nil {
		return nil
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(m.cfg.Width)
			c.Height = prop.Int(m.cfg.Height)
			c.FrameRate = prop.Float(float32(m.cfg.Framerate))
			c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
		},
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
			c.IsFloat = prop.BoolExact(false)
			c.IsBigEndian = prop.BoolExact(false)
			c.IsInterleaved = prop.BoolExact(true)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: m.selector,
	})
	if err != nil {
		return classifyCaptureError(err)
	}

	m.stream = stream
	return nil
}

func classifyCaptureError(err error) error {
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "permission") || strings.Contains(text, "denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(text, "failed to find") || strings.Contains(text, "no device") || strings.Contains(text, "not found"):
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	default:
		return fmt.Errorf("failed to get user media: %w", err)
	}
}

// Tracks returns the acquired capture tracks, video first.
func (m *Manager) Tracks() ([]mediadevices.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil, ErrNotAcquired
	}
	tracks := append([]mediadevices.Track{}, m.stream.GetVideoTracks()...)
	return append(tracks, m.stream.GetAudioTracks()...), nil
}

// VideoTrack returns the acquired camera track.
func (m *Manager) VideoTrack() (mediadevices.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil, ErrNotAcquired
	}
	tracks := m.stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}
	return tracks[0], nil
}

// AudioTrack returns the acquired microphone track.
func (m *Manager) AudioTrack() (mediadevices.Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil, ErrNotAcquired
	}
	tracks := m.stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrDeviceUnavailable
	}
	return tracks[0], nil
}

// ToggleVideo flips the video gate and returns the new enabled state.
func (m *Manager) ToggleVideo() bool {
	for {
		old := m.videoEnabled.Load()
		if m.videoEnabled.CompareAndSwap(old, !old) {
			m.log.Info("video toggled", zap.Bool("enabled", !old))
			return !old
		}
	}
}

// ToggleAudio flips the audio gate and returns the new enabled state.
func (m *Manager) ToggleAudio() bool {
	for {
		old := m.audioEnabled.Load()
		if m.audioEnabled.CompareAndSwap(old, !old) {
			m.log.Info("audio toggled", zap.Bool("enabled", !old))
			return !old
		}
	}
}

// VideoEnabled reports the current video gate state.
func (m *Manager) VideoEnabled() bool { return m.videoEnabled.Load() }

// AudioEnabled reports the current audio gate state.
func (m *Manager) AudioEnabled() bool { return m.audioEnabled.Load() }

func (m *Manager) gateFor(kind webrtc.RTPCodecType) *atomic.Bool {
	if kind == webrtc.RTPCodecTypeVideo {
		return &m.videoEnabled
	}
	return &m.audioEnabled
}

// packetReader is the part of mediadevices.RTPReadCloser the pump needs.
type packetReader interface {
	Read() (pkts []*rtp.Packet, release func(), err error)
}

// packetWriter is the part of webrtc.TrackLocalStaticRTP the pump needs.
type packetWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// Forward pumps RTP packets from a capture track into an outbound track
// until the context is cancelled or the track ends. While the kind's gate
// is off, packets are read and dropped so the encoder keeps running and
// unmuting needs no renegotiation.
func (m *Manager) Forward(ctx context.Context, track mediadevices.Track, out *webrtc.TrackLocalStaticRTP, ssrc uint32, mtu int) {
	kind := out.Kind()

	rtpReader, err := track.NewRTPReader(out.Codec().MimeType, ssrc, mtu)
	if err != nil {
		m.log.Error("failed to create RTP reader",
			zap.String("kind", kind.String()), zap.Error(err))
		return
	}
	defer rtpReader.Close()

	m.pump(ctx, rtpReader, out, m.gateFor(kind), kind.String())
}

func (m *Manager) pump(ctx context.Context, reader packetReader, writer packetWriter, gate *atomic.Bool, kind string) {
	for {
		select {
		case <-ctx.Done():
			m.log.Debug("stopping packet forwarder", zap.String("kind", kind))
			return
		default:
		}

		packets, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				m.log.Info("capture track ended", zap.String("kind", kind))
				return
			}
			m.log.Warn("failed to read RTP packet",
				zap.String("kind", kind), zap.Error(err))
			continue
		}

		if gate.Load() {
			for _, packet := range packets {
				if err := writer.WriteRTP(packet); err != nil {
					if strings.Contains(err.Error(), "closed") {
						return
					}
					m.log.Warn("failed to write RTP packet",
						zap.String("kind", kind), zap.Error(err))
				}
			}
		}

		if release != nil {
			release()
		}
	}
}

// Release closes all capture tracks. Safe to call multiple times.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	m.released = true
	if m.stream == nil {
		return
	}
	for _, track := range m.stream.GetTracks() {
		if err := track.Close(); err != nil {
			m.log.Warn("failed to close capture track", zap.Error(err))
		}
	}
	m.stream = nil
}
