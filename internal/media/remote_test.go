package media

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestRemoteStreamSnapshotsAreImmutable(t *testing.T) {
	r := NewRemoteStream()

	trackA := &webrtc.TrackRemote{}
	trackB := &webrtc.TrackRemote{}

	r.Add(trackA)
	first := r.Snapshot()
	assert.Len(t, first, 1)

	r.Add(trackB)
	second := r.Snapshot()
	assert.Len(t, second, 2)

	// The earlier snapshot must be untouched by the later add, while the
	// track pointers themselves are shared between snapshots.
	assert.Len(t, first, 1)
	assert.Same(t, first[0], second[0])
}

func TestRemoteStreamNotifiesObserver(t *testing.T) {
	r := NewRemoteStream()

	var got [][]*webrtc.TrackRemote
	r.OnUpdate(func(tracks []*webrtc.TrackRemote) {
		got = append(got, tracks)
	})

	r.Add(&webrtc.TrackRemote{})
	r.Add(&webrtc.TrackRemote{})
	r.Clear()

	assert.Len(t, got, 3)
	assert.Len(t, got[0], 1)
	assert.Len(t, got[1], 2)
	assert.Empty(t, got[2])
	assert.Empty(t, r.Snapshot())
}
