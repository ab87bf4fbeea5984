package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// OutboundTracks are the local RTP tracks attached to the peer connection.
type OutboundTracks struct {
	Video *webrtc.TrackLocalStaticRTP
	Audio *webrtc.TrackLocalStaticRTP
}

// NewOutboundTracks creates the VP8 video and Opus audio tracks the capture
// pipeline writes into.
func NewOutboundTracks() (*OutboundTracks, error) {
	videoTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeVP8,
		ClockRate:   90000,
		Channels:    0,
		SDPFmtpLine: "",
	}, "video", "roomlink-video")
	if err != nil {
		return nil, fmt.Errorf("failed to create video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    1,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}, "audio", "roomlink-audio")
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	return &OutboundTracks{Video: videoTrack, Audio: audioTrack}, nil
}
