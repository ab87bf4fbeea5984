// Package rtc owns the peer media negotiation: the offer/answer exchange,
// trickle ICE, and the candidate queue that keeps out-of-order signaling
// from racing the remote description.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/signaling"
)

var (
	// ErrClosed is returned by operations on a torn-down engine.
	ErrClosed = errors.New("negotiation engine is closed")
	// ErrNotStable is returned when an offer is requested while a previous
	// offer cycle is still in flight.
	ErrNotStable = errors.New("signaling state is not stable")
)

// SendFunc forwards an outbound control message to the signaling transport.
type SendFunc func(v interface{}) error

// Config carries what the engine needs to build its peer connection.
type Config struct {
	RoomID        string
	StunServerURL string
	// PopulateMediaEngine registers additional codecs (the local capture
	// encoders) on top of the defaults. Optional.
	PopulateMediaEngine func(*webrtc.MediaEngine) error
}

// Engine drives one peer connection for a session's media concern.
//
// Remote ICE candidates that arrive before the remote description are
// queued in arrival order and drained exactly once, FIFO, immediately after
// the remote description is applied. A candidate is never applied before a
// remote description exists; a candidate that fails to apply is logged and
// skipped, never fatal.
type Engine struct {
	log    *zap.Logger
	roomID string
	send   SendFunc

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	pending []webrtc.ICECandidateInit
	closed  bool

	onRemoteTrack func(*webrtc.TrackRemote)
	onICEState    func(webrtc.ICEConnectionState)
	onConnState   func(webrtc.PeerConnectionState)
}

// NewEngine builds the peer connection and wires its callbacks.
func NewEngine(cfg Config, send SendFunc, log *zap.Logger) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	if cfg.PopulateMediaEngine != nil {
		if err := cfg.PopulateMediaEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("failed to populate media engine: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{cfg.StunServerURL}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	e := &Engine{
		log:    log.With(zap.String("roomID", cfg.RoomID)),
		roomID: cfg.RoomID,
		send:   send,
		pc:     pc,
	}
	e.setupCallbacks()
	return e, nil
}

// OnRemoteTrack registers the inbound track handler. Must be set before the
// first offer cycle.
func (e *Engine) OnRemoteTrack(f func(*webrtc.TrackRemote)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRemoteTrack = f
}

// OnICEConnectionStateChange registers the ICE state observer.
func (e *Engine) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onICEState = f
}

// OnConnectionStateChange registers the overall connection state observer.
func (e *Engine) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onConnState = f
}

func (e *Engine) setupCallbacks() {
	e.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering completed.
			return
		}
		init := candidate.ToJSON()
		msg := signaling.ICEMessage{
			Type: "ice_candidate",
			Candidate: signaling.ICECandidateInit{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			},
			RoomID: e.roomID,
		}
		if err := e.send(msg); err != nil {
			e.log.Warn("failed to send ICE candidate", zap.Error(err))
		}
	})

	e.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info("received remote track",
			zap.String("trackID", track.ID()),
			zap.String("kind", track.Kind().String()))
		e.mu.Lock()
		h := e.onRemoteTrack
		e.mu.Unlock()
		if h != nil {
			h(track)
		}
	})

	e.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.log.Info("ICE connection state changed", zap.String("state", state.String()))
		e.mu.Lock()
		h := e.onICEState
		e.mu.Unlock()
		if h != nil {
			h(state)
		}
	})

	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Info("peer connection state changed", zap.String("state", state.String()))
		e.mu.Lock()
		h := e.onConnState
		e.mu.Unlock()
		if h != nil {
			h(state)
		}
	})
}

// AddTrack attaches a local outbound track to the peer connection.
func (e *Engine) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	sender, err := e.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}
	return sender, nil
}

// StartOffer creates and sends an offer. It is the entry point for the peer
// that finds the signaling channel open first, and for renegotiation: a
// second offer cycle follows exactly the same rules.
func (e *Engine) StartOffer() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.pc.SignalingState() != webrtc.SignalingStateStable {
		return ErrNotStable
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	return e.send(signaling.SDPMessage{
		Type:   "offer",
		SDP:    offer.SDP,
		RoomID: e.roomID,
	})
}

// HandleRemoteSDP applies a remote offer or answer. For an offer it
// immediately creates, sets, and sends the answer. Either way the ICE
// candidate queue is drained afterwards, in arrival order.
func (e *Engine) HandleRemoteSDP(msg signaling.SDPMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(msg.Type),
		SDP:  msg.SDP,
	}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := e.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}
		if err := e.send(signaling.SDPMessage{
			Type:   "answer",
			SDP:    answer.SDP,
			RoomID: e.roomID,
		}); err != nil {
			return fmt.Errorf("failed to send answer: %w", err)
		}
	}

	e.drainCandidatesLocked()
	return nil
}

// HandleRemoteCandidate applies a trickled candidate, or queues it when no
// remote description has been set yet.
func (e *Engine) HandleRemoteCandidate(candidate signaling.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	init := webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}

	if e.pc.RemoteDescription() == nil {
		e.pending = append(e.pending, init)
		return nil
	}

	if err := e.pc.AddICECandidate(init); err != nil {
		// Degraded, not fatal: the negotiation continues with fewer
		// candidate paths.
		e.log.Warn("failed to add ICE candidate", zap.Error(err))
	}
	return nil
}

// drainCandidatesLocked flushes the queue FIFO. Individual failures are
// logged and skipped so one bad candidate cannot block the rest.
func (e *Engine) drainCandidatesLocked() {
	for len(e.pending) > 0 {
		init := e.pending[0]
		e.pending = e.pending[1:]
		if err := e.pc.AddICECandidate(init); err != nil {
			e.log.Warn("failed to add queued ICE candidate", zap.Error(err))
		}
	}
}

// PendingCandidates reports how many remote candidates are queued waiting
// for a remote description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// SignalingState exposes the underlying signaling state.
func (e *Engine) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return webrtc.SignalingStateClosed
	}
	return e.pc.SignalingState()
}

// Close tears down the peer connection. Safe to call multiple times.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	pc := e.pc
	e.pending = nil
	e.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}
