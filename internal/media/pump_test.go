package media

import (
	"context"
	"io"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
)

// scriptedReader returns one packet per Read call, then EOF.
type scriptedReader struct {
	remaining int
	released  int
}

func (r *scriptedReader) Read() ([]*rtp.Packet, func(), error) {
	if r.remaining == 0 {
		return nil, nil, io.EOF
	}
	r.remaining--
	pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: uint16(r.remaining)}}
	return []*rtp.Packet{pkt}, func() { r.released++ }, nil
}

type countingWriter struct {
	written int
}

func (w *countingWriter) WriteRTP(*rtp.Packet) error {
	w.written++
	return nil
}

func TestPumpForwardsWhileEnabled(t *testing.T) {
	m := newTestManager(t)
	reader := &scriptedReader{remaining: 5}
	writer := &countingWriter{}

	m.pump(context.Background(), reader, writer, &m.videoEnabled, "video")

	assert.Equal(t, 5, writer.written)
	assert.Equal(t, 5, reader.released)
}

func TestPumpDropsWhileMuted(t *testing.T) {
	m := newTestManager(t)
	m.ToggleVideo()
	reader := &scriptedReader{remaining: 5}
	writer := &countingWriter{}

	m.pump(context.Background(), reader, writer, &m.videoEnabled, "video")

	// Packets are consumed and released but never written while muted, so
	// the encoder keeps running and unmute is instant.
	assert.Equal(t, 0, writer.written)
	assert.Equal(t, 5, reader.released)
}

func TestPumpStopsOnContextCancel(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reader := &scriptedReader{remaining: 100}
	writer := &countingWriter{}
	m.pump(ctx, reader, writer, &m.videoEnabled, "video")

	assert.Zero(t, writer.written)
}
