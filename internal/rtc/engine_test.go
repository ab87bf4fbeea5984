package rtc

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/signaling"
)

const testStunURL = "stun:stun.l.google.com:19302"

// capture collects every message an engine tries to send. ICE candidates
// arrive from the gathering goroutines, so access is locked.
type capture struct {
	mu  sync.Mutex
	sdp []signaling.SDPMessage
	ice []signaling.ICEMessage
}

func (c *capture) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg := v.(type) {
	case signaling.SDPMessage:
		c.sdp = append(c.sdp, msg)
	case signaling.ICEMessage:
		c.ice = append(c.ice, msg)
	}
	return nil
}

func (c *capture) sdpMessages() []signaling.SDPMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signaling.SDPMessage(nil), c.sdp...)
}

func newTestEngine(t *testing.T, out *capture) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		RoomID:        "room-1",
		StunServerURL: testStunURL,
	}, out.send, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCandidateBeforeRemoteDescriptionIsQueued(t *testing.T) {
	var offererOut, answererOut capture
	offerer := newTestEngine(t, &offererOut)
	answerer := newTestEngine(t, &answererOut)

	// A candidate arriving before any SDP must be held, not applied.
	err := answerer.HandleRemoteCandidate(signaling.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, answerer.PendingCandidates())

	require.NoError(t, offerer.StartOffer())
	require.Len(t, offererOut.sdpMessages(), 1)
	assert.Equal(t, "offer", offererOut.sdpMessages()[0].Type)

	// Applying the offer must drain the queue exactly once, and must
	// produce an answer.
	require.NoError(t, answerer.HandleRemoteSDP(offererOut.sdpMessages()[0]))
	assert.Equal(t, 0, answerer.PendingCandidates())
	require.Len(t, answererOut.sdpMessages(), 1)
	assert.Equal(t, "answer", answererOut.sdpMessages()[0].Type)

	require.NoError(t, offerer.HandleRemoteSDP(answererOut.sdpMessages()[0]))
}

func TestCandidateAfterRemoteDescriptionIsAppliedImmediately(t *testing.T) {
	var offererOut, answererOut capture
	offerer := newTestEngine(t, &offererOut)
	answerer := newTestEngine(t, &answererOut)

	require.NoError(t, offerer.StartOffer())
	require.NoError(t, answerer.HandleRemoteSDP(offererOut.sdpMessages()[0]))

	err := answerer.HandleRemoteCandidate(signaling.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, answerer.PendingCandidates())
}

func TestStartOfferRequiresStableState(t *testing.T) {
	var out capture
	e := newTestEngine(t, &out)

	require.NoError(t, e.StartOffer())
	// The local offer is pending, so a second offer cycle must be refused.
	err := e.StartOffer()
	assert.ErrorIs(t, err, ErrNotStable)
	assert.Len(t, out.sdpMessages(), 1)
}

func TestOperationsAfterClose(t *testing.T) {
	var out capture
	e := newTestEngine(t, &out)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.StartOffer(), ErrClosed)
	assert.ErrorIs(t, e.HandleRemoteCandidate(signaling.ICECandidateInit{}), ErrClosed)
	assert.ErrorIs(t, e.HandleRemoteSDP(signaling.SDPMessage{Type: "offer"}), ErrClosed)
}

func TestFullOfferAnswerReachesStable(t *testing.T) {
	var offererOut, answererOut capture
	offerer := newTestEngine(t, &offererOut)
	answerer := newTestEngine(t, &answererOut)

	require.NoError(t, offerer.StartOffer())
	require.NoError(t, answerer.HandleRemoteSDP(offererOut.sdpMessages()[0]))
	require.NoError(t, offerer.HandleRemoteSDP(answererOut.sdpMessages()[0]))

	assert.Equal(t, webrtc.SignalingStateStable, offerer.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, answerer.SignalingState())
}
