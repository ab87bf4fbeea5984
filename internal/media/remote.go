package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// RemoteStream collects the tracks received from the peer. Every mutation
// produces a fresh snapshot slice so observers can hold a snapshot without
// locking; the track pointers themselves are shared.
type RemoteStream struct {
	mu       sync.Mutex
	tracks   []*webrtc.TrackRemote
	onUpdate func([]*webrtc.TrackRemote)
}

// NewRemoteStream returns an empty remote stream.
func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// OnUpdate registers the observer called with a snapshot after every change.
func (r *RemoteStream) OnUpdate(f func([]*webrtc.TrackRemote)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onUpdate = f
}

// Add appends a received track and notifies the observer.
func (r *RemoteStream) Add(track *webrtc.TrackRemote) {
	r.mu.Lock()
	next := make([]*webrtc.TrackRemote, len(r.tracks), len(r.tracks)+1)
	copy(next, r.tracks)
	next = append(next, track)
	r.tracks = next
	h := r.onUpdate
	r.mu.Unlock()

	if h != nil {
		h(next)
	}
}

// Snapshot returns the current track list. The returned slice is never
// mutated afterwards.
func (r *RemoteStream) Snapshot() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracks
}

// Clear drops all tracks, as on connection teardown, and notifies the
// observer with an empty snapshot.
func (r *RemoteStream) Clear() {
	r.mu.Lock()
	r.tracks = nil
	h := r.onUpdate
	r.mu.Unlock()

	if h != nil {
		h(nil)
	}
}
