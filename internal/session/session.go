// Package session ties the concerns of one interview room together: four
// signaling sockets, the peer media negotiation, local capture, and the
// collaborative controllers, each failing independently of the others.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/backoff"
	"github.com/codepair/roomlink/internal/config"
	"github.com/codepair/roomlink/internal/media"
	"github.com/codepair/roomlink/internal/rooms"
	"github.com/codepair/roomlink/internal/rtc"
	"github.com/codepair/roomlink/internal/signaling"
)

var (
	// ErrRoomInactive means the room has been ended and cannot be joined.
	ErrRoomInactive = errors.New("room is not active")
	// ErrMissingRoom means no usable room was supplied.
	ErrMissingRoom = errors.New("room with id and token required")
)

// Role distinguishes the two participants. The interviewer side initiates
// the media offer; the candidate side answers.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
)

const rtpMTU = 1200

// Session is one participant's connection to one room. Build it with New,
// start it with Start, and tear it down with Close. All callbacks are
// serialized per concern by the underlying transports.
type Session struct {
	log      *zap.Logger
	cfg      *config.Config
	room     *rooms.Room
	role     Role
	clientID string

	projector *projector

	transports map[signaling.Concern]*signaling.Transport
	engine     *rtc.Engine
	mediaMgr   *media.Manager
	remote     *media.RemoteStream

	editor *Editor
	notes  *Notes
	chat   *Chat

	ctx       context.Context
	cancel    context.CancelFunc
	mediaOnce sync.Once
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// Options carries the per-participant inputs to New.
type Options struct {
	Room     *rooms.Room
	Token    string
	Role     Role
	UserName string
	OnStatus func(Status)
}

// New validates the room, builds the transports and the peer engine, and
// wires everything together. Nothing connects until Start.
func New(cfg *config.Config, opts Options, log *zap.Logger) (*Session, error) {
	if opts.Room == nil || opts.Room.ID == "" || opts.Token == "" {
		return nil, ErrMissingRoom
	}
	if !opts.Room.IsActive {
		return nil, ErrRoomInactive
	}
	if opts.Role == "" {
		opts.Role = RoleCandidate
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:       log.With(zap.String("roomID", opts.Room.ID), zap.String("role", string(opts.Role))),
		cfg:       cfg,
		room:      opts.Room,
		role:      opts.Role,
		clientID:  uuid.NewString(),
		projector: newProjector(opts.OnStatus),
		remote:    media.NewRemoteStream(),
		ctx:       ctx,
		cancel:    cancel,
	}

	policy := backoff.Policy(cfg.Reconnect)
	s.transports = make(map[signaling.Concern]*signaling.Transport, 4)
	for _, concern := range []signaling.Concern{
		signaling.ConcernMedia,
		signaling.ConcernEditor,
		signaling.ConcernNotes,
		signaling.ConcernChat,
	} {
		s.transports[concern] = signaling.NewTransport(
			concern,
			concernURL(cfg.Server.PeerBaseURL, concern, opts.Room.ID, opts.Token, s.clientID),
			policy,
			cfg.Server.DialTimeout,
			s.log,
		)
	}

	mediaMgr, err := media.NewManager(cfg.Media, s.log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build media manager: %w", err)
	}
	s.mediaMgr = mediaMgr

	engine, err := rtc.NewEngine(rtc.Config{
		RoomID:              opts.Room.ID,
		StunServerURL:       cfg.Server.StunServerURL,
		PopulateMediaEngine: mediaMgr.PopulateMediaEngine,
	}, s.transports[signaling.ConcernMedia].Send, s.log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to build negotiation engine: %w", err)
	}
	s.engine = engine

	s.editor = newEditor(s.transports[signaling.ConcernEditor], opts.Room.ID,
		s.concernStateHandler(signaling.ConcernEditor), s.log)
	s.notes = newNotes(s.transports[signaling.ConcernNotes],
		s.concernStateHandler(signaling.ConcernNotes), s.log)
	s.chat = newChat(s.transports[signaling.ConcernChat], opts.UserName,
		s.concernStateHandler(signaling.ConcernChat), s.log)

	s.wireMedia()
	return s, nil
}

// concernURL builds the per-concern socket URL:
// <base>/<concern>/<roomID>?token=<token>&clientId=<uuid>.
func concernURL(base string, concern signaling.Concern, roomID, token, clientID string) string {
	query := url.Values{}
	query.Set("token", token)
	query.Set("clientId", clientID)
	return fmt.Sprintf("%s/%s/%s?%s", base, concern, url.PathEscape(roomID), query.Encode())
}

// concernStateHandler feeds a sub-channel's terminal failure into the
// projected status, so a dead editor, notes or chat socket is visible
// without touching the media concern.
func (s *Session) concernStateHandler(concern signaling.Concern) signaling.StateHandler {
	return func(state signaling.State, err error) {
		if s.isClosed() {
			return
		}
		if state == signaling.StateClosed && errors.Is(err, backoff.ErrBudgetExhausted) {
			s.log.Error("sub-channel failed terminally",
				zap.String("concern", string(concern)), zap.Error(err))
			s.projector.failConcern(concern, err)
		}
	}
}

func (s *Session) wireMedia() {
	transport := s.transports[signaling.ConcernMedia]

	s.engine.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		if s.isClosed() {
			return
		}
		s.remote.Add(track)
	})

	s.engine.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if s.isClosed() {
			return
		}
		s.projector.setICEState(state.String())
		switch state {
		case webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateClosed:
			s.remote.Clear()
		}
	})

	s.engine.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if s.isClosed() {
			return
		}
		s.projector.setConnState(state.String())
	})

	transport.OnStateChange(func(state signaling.State, err error) {
		if s.isClosed() {
			return
		}
		s.projector.setSocketState(state)
		switch state {
		case signaling.StateOpen:
			go s.onMediaSocketOpen()
		case signaling.StateClosed:
			if errors.Is(err, backoff.ErrBudgetExhausted) {
				s.projector.setTerminal()
			}
			s.remote.Clear()
		}
	})

	transport.OnMessage(func(data []byte) {
		if s.isClosed() {
			return
		}
		s.handleMediaMessage(data)
	})
}

// onMediaSocketOpen runs once per socket open: the first open acquires the
// devices and attaches the outbound tracks; every open starts an offer
// cycle when this side is the initiator.
func (s *Session) onMediaSocketOpen() {
	started := true
	s.mediaOnce.Do(func() {
		started = s.startMediaPipeline()
	})
	if !started {
		return
	}

	if s.role != RoleInterviewer {
		return
	}
	if err := s.engine.StartOffer(); err != nil {
		if errors.Is(err, rtc.ErrNotStable) || errors.Is(err, rtc.ErrClosed) {
			return
		}
		s.log.Error("failed to start offer", zap.Error(err))
		s.projector.fail(statusSDPError, err)
	}
}

// startMediaPipeline acquires capture devices and wires them to the peer
// connection. Any pipeline failure takes down the media concern only, socket
// included; the editor, notes and chat sockets keep running.
func (s *Session) startMediaPipeline() bool {
	if err := s.buildMediaPipeline(); err != nil {
		s.log.Error("failed to start media pipeline", zap.Error(err))
		s.projector.fail(statusMediaError, err)
		_ = s.transports[signaling.ConcernMedia].Close()
		return false
	}
	return true
}

func (s *Session) buildMediaPipeline() error {
	if err := s.mediaMgr.Acquire(); err != nil {
		return err
	}

	outbound, err := media.NewOutboundTracks()
	if err != nil {
		return err
	}

	if err := s.attachAndForward(outbound.Video, s.mediaMgr.VideoTrack); err != nil {
		return fmt.Errorf("failed to attach video track: %w", err)
	}
	if err := s.attachAndForward(outbound.Audio, s.mediaMgr.AudioTrack); err != nil {
		return fmt.Errorf("failed to attach audio track: %w", err)
	}
	return nil
}

func (s *Session) attachAndForward(out *webrtc.TrackLocalStaticRTP, capture func() (mediadevices.Track, error)) error {
	sender, err := s.engine.AddTrack(out)
	if err != nil {
		return err
	}

	track, err := capture()
	if err != nil {
		return err
	}

	params := sender.GetParameters()
	if len(params.Encodings) == 0 {
		return fmt.Errorf("sender for %s has no encodings", out.Kind())
	}
	ssrc := uint32(params.Encodings[0].SSRC)

	go s.mediaMgr.Forward(s.ctx, track, out, ssrc, rtpMTU)
	return nil
}

func (s *Session) handleMediaMessage(data []byte) {
	msgType, err := signaling.ParseType(data)
	if err != nil {
		s.log.Warn("unparseable media message", zap.Error(err))
		return
	}

	switch msgType {
	case "offer", "answer":
		var msg signaling.SDPMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed SDP message", zap.Error(err))
			return
		}
		if err := s.engine.HandleRemoteSDP(msg); err != nil {
			s.log.Error("failed to apply remote SDP", zap.Error(err))
			s.projector.fail(statusSDPError, err)
		}
	case "ice_candidate":
		var msg signaling.ICEMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("malformed ICE message", zap.Error(err))
			return
		}
		if err := s.engine.HandleRemoteCandidate(msg.Candidate); err != nil {
			s.log.Error("failed to apply remote candidate", zap.Error(err))
			s.projector.fail(statusICEError, err)
		}
	default:
		s.log.Debug("ignoring media message", zap.String("type", msgType))
	}
}

// Start connects every concern's socket.
func (s *Session) Start() {
	for _, transport := range s.transports {
		transport.Connect()
	}
}

// Editor returns the shared code editor controller.
func (s *Session) Editor() *Editor { return s.editor }

// Notes returns the shared notes controller.
func (s *Session) Notes() *Notes { return s.notes }

// Chat returns the chat controller.
func (s *Session) Chat() *Chat { return s.chat }

// RemoteTracks returns the current snapshot of received media tracks.
func (s *Session) RemoteTracks() []*webrtc.TrackRemote { return s.remote.Snapshot() }

// OnRemoteTracks registers the observer for remote track changes.
func (s *Session) OnRemoteTracks(f func([]*webrtc.TrackRemote)) { s.remote.OnUpdate(f) }

// ToggleVideo flips the outgoing video gate and returns the new state.
func (s *Session) ToggleVideo() bool { return s.mediaMgr.ToggleVideo() }

// ToggleAudio flips the outgoing audio gate and returns the new state.
func (s *Session) ToggleAudio() bool { return s.mediaMgr.ToggleAudio() }

// Status returns the current projected status line.
func (s *Session) Status() Status { return s.projector.Current() }

// ClientID returns this participant's connection identity.
func (s *Session) ClientID() string { return s.clientID }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: capture released, peer connection and all
// sockets closed. Safe to call multiple times.
func (s *Session) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		for _, transport := range s.transports {
			if err := transport.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if err := s.engine.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.mediaMgr.Release()
		s.remote.Clear()
		s.log.Info("session closed")
	})
	return firstErr
}
