package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/backoff"
	"github.com/codepair/roomlink/internal/config"
	"github.com/codepair/roomlink/internal/rooms"
	"github.com/codepair/roomlink/internal/signaling"
)

func activeRoom() *rooms.Room {
	return &rooms.Room{ID: "room-1", CandidateName: "Ada", IsActive: true}
}

func newSession(t *testing.T, opts Options) *Session {
	t.Helper()
	return newSessionWith(t, config.NewDefaultConfig(), opts)
}

func newSessionWith(t *testing.T, cfg *config.Config, opts Options) *Session {
	t.Helper()
	s, err := New(cfg, opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewValidatesRoom(t *testing.T) {
	cfg := config.NewDefaultConfig()
	log := zap.NewNop()

	_, err := New(cfg, Options{Token: "tok"}, log)
	assert.ErrorIs(t, err, ErrMissingRoom)

	_, err = New(cfg, Options{Room: &rooms.Room{IsActive: true}, Token: "tok"}, log)
	assert.ErrorIs(t, err, ErrMissingRoom)

	_, err = New(cfg, Options{Room: activeRoom()}, log)
	assert.ErrorIs(t, err, ErrMissingRoom)

	_, err = New(cfg, Options{Room: &rooms.Room{ID: "room-1", IsActive: false}, Token: "tok"}, log)
	assert.ErrorIs(t, err, ErrRoomInactive)
}

func TestConcernURL(t *testing.T) {
	got := concernURL("ws://peer.example:8001", signaling.ConcernEditor, "room-1", "tok", "client-9")
	assert.Equal(t, "ws://peer.example:8001/editor/room-1?clientId=client-9&token=tok", got)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s := newSession(t, Options{Room: activeRoom(), Token: "tok", Role: RoleInterviewer})

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSendBeforeConnectIsReported(t *testing.T) {
	s := newSession(t, Options{Room: activeRoom(), Token: "tok", UserName: "Ada"})

	assert.ErrorIs(t, s.Editor().SetCode("x"), signaling.ErrNotOpen)
	assert.ErrorIs(t, s.Notes().SetContent("n", "<p>n</p>"), signaling.ErrNotOpen)
	assert.ErrorIs(t, s.Chat().Send("hello"), signaling.ErrNotOpen)
}

func TestProjectorPrecedence(t *testing.T) {
	p := newProjector(nil)
	assert.Equal(t, statusDisconnected, p.Current().Text)

	p.setSocketState(signaling.StateOpen)
	assert.Equal(t, statusSocketConnected, p.Current().Text)

	p.setICEState("checking")
	assert.Equal(t, "ICE: checking", p.Current().Text)

	p.setConnState("connecting")
	assert.Equal(t, "Connection: connecting", p.Current().Text)

	p.setTerminal()
	assert.Equal(t, statusConnectionFailed, p.Current().Text)

	cause := assert.AnError
	p.fail(statusMediaError, cause)
	assert.Equal(t, statusMediaError, p.Current().Text)
	assert.Equal(t, cause, p.Current().Err)

	// The first recorded error keeps priority over later ones.
	p.fail(statusSDPError, nil)
	assert.Equal(t, statusMediaError, p.Current().Text)
}

func TestProjectorEmitsOnEveryChange(t *testing.T) {
	var seen []string
	p := newProjector(func(s Status) { seen = append(seen, s.Text) })

	p.setSocketState(signaling.StateConnecting)
	p.setSocketState(signaling.StateOpen)
	p.setICEState("connected")

	assert.Equal(t, []string{statusDisconnected, statusSocketConnected, "ICE: connected"}, seen)
}

var testPolicy = backoff.Policy{
	BaseDelay:   10 * time.Millisecond,
	MaxDelay:    50 * time.Millisecond,
	Multiplier:  2.0,
	MaxAttempts: 2,
}

// wsURL rewrites an httptest server URL to the websocket scheme.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestEditorSyncsOverSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotSync := make(chan signaling.EditorMessage, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		// First frame must be the sync request sent on open.
		var req signaling.EditorMessage
		require.NoError(t, conn.ReadJSON(&req))
		gotSync <- req

		require.NoError(t, conn.WriteJSON(signaling.EditorMessage{
			Type:     "sync",
			Code:     "package main",
			Language: "go",
			RoomID:   req.RoomID,
		}))

		// Hold the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	transport := signaling.NewTransport(signaling.ConcernEditor, wsURL(srv), testPolicy, time.Second, zap.NewNop())
	updates := make(chan EditorState, 4)
	editor := newEditor(transport, "room-1", nil, zap.NewNop())
	editor.OnChange(func(s EditorState) { updates <- s })

	transport.Connect()
	defer transport.Close()

	select {
	case req := <-gotSync:
		assert.Equal(t, "sync", req.Type)
		assert.Equal(t, "room-1", req.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the sync request")
	}

	select {
	case state := <-updates:
		assert.Equal(t, "package main", state.Code)
		assert.Equal(t, "go", state.Language)
	case <-time.After(2 * time.Second):
		t.Fatal("editor never applied the sync reply")
	}
	assert.Equal(t, "package main", editor.State().Code)
}

func TestChatAppliesBroadcastAndHistory(t *testing.T) {
	transport := signaling.NewTransport(signaling.ConcernChat, "ws://unused.invalid", testPolicy, time.Second, zap.NewNop())
	chat := newChat(transport, "Ada", nil, zap.NewNop())

	var snapshots [][]signaling.ChatMessage
	chat.OnChange(func(msgs []signaling.ChatMessage) { snapshots = append(snapshots, msgs) })

	broadcast, _ := json.Marshal(signaling.ChatEvent{
		Type:    "chat",
		Message: signaling.ChatMessage{ID: "m1", UserName: "Bob", Content: "hi"},
	})
	chat.handleMessage(broadcast)

	history, _ := json.Marshal(signaling.ChatEvent{
		Type: "history",
		Messages: []signaling.ChatMessage{
			{ID: "m0", UserName: "Ada", Content: "hello"},
			{ID: "m1", UserName: "Bob", Content: "hi"},
		},
	})
	chat.handleMessage(history)

	msgs := chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m0", msgs[0].ID)
	assert.Equal(t, "m1", msgs[1].ID)
	require.Len(t, snapshots, 2)
	assert.Len(t, snapshots[0], 1)
}

func TestProjectorSubChannelFailure(t *testing.T) {
	p := newProjector(nil)
	p.setSocketState(signaling.StateOpen)
	p.setConnState("connected")

	p.failConcern(signaling.ConcernChat, assert.AnError)
	st := p.Current()
	assert.Equal(t, "chat: Connection Failed", st.Text)
	assert.Equal(t, assert.AnError, st.Err)

	// A dead editor outranks a dead chat in the fixed projection order.
	p.failConcern(signaling.ConcernEditor, nil)
	assert.Equal(t, "editor: Connection Failed", p.Current().Text)

	// Media-level errors still outrank dead sub-channels.
	p.fail(statusMediaError, nil)
	assert.Equal(t, statusMediaError, p.Current().Text)
}

// concernServer upgrades and holds a socket per concern, except the concerns
// it is told to refuse (HTTP 500, so every dial fails fast) or stall (no
// response until the client gives up on the handshake).
func concernServer(t *testing.T, refuse, stall map[signaling.Concern]bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		concern := signaling.Concern(strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)[0])
		switch {
		case stall[concern]:
			<-r.Context().Done()
		case refuse[concern]:
			http.Error(w, "unavailable", http.StatusInternalServerError)
		default:
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sessionConfig(srv *httptest.Server) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Server.PeerBaseURL = wsURL(srv)
	cfg.Server.DialTimeout = 200 * time.Millisecond
	cfg.Reconnect = config.ReconnectConfig(testPolicy)
	return cfg
}

func TestSubChannelBudgetExhaustionIsProjected(t *testing.T) {
	// Chat dials are refused until its budget runs out; the media socket
	// stalls so no media-level state can mask the chat failure.
	srv := concernServer(t,
		map[signaling.Concern]bool{signaling.ConcernChat: true},
		map[signaling.Concern]bool{signaling.ConcernMedia: true})

	statuses := make(chan Status, 64)
	s := newSessionWith(t, sessionConfig(srv), Options{
		Room:     activeRoom(),
		Token:    "tok",
		UserName: "Ada",
		OnStatus: func(st Status) { statuses <- st },
	})
	s.Start()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-statuses:
			if st.Text != "chat: Connection Failed" {
				continue
			}
			assert.ErrorIs(t, st.Err, backoff.ErrBudgetExhausted)
			// The dead chat concern leaves the editor socket untouched.
			assert.Eventually(t, func() bool {
				return s.Editor().SetCode("x") == nil
			}, 2*time.Second, 20*time.Millisecond)
			return
		case <-deadline:
			t.Fatal("chat budget exhaustion never reached the projected status")
		}
	}
}

func TestMediaPipelineFailureKillsOnlyMediaConcern(t *testing.T) {
	srv := concernServer(t, nil, nil)

	statuses := make(chan Status, 64)
	s := newSessionWith(t, sessionConfig(srv), Options{
		Room:     activeRoom(),
		Token:    "tok",
		UserName: "Ada",
		OnStatus: func(st Status) { statuses <- st },
	})
	// Devices already released, so the pipeline cannot start.
	s.mediaMgr.Release()
	s.Start()

	deadline := time.After(3 * time.Second)
waitStatus:
	for {
		select {
		case st := <-statuses:
			if st.Text == statusMediaError {
				break waitStatus
			}
		case <-deadline:
			t.Fatal("media pipeline failure never reached the projected status")
		}
	}

	// The dead pipeline takes its own socket with it.
	assert.Eventually(t, func() bool {
		return s.transports[signaling.ConcernMedia].State() == signaling.StateClosed
	}, 2*time.Second, 20*time.Millisecond)

	// The collaborative concerns keep working.
	assert.Eventually(t, func() bool {
		return s.Editor().SetCode("x") == nil
	}, 2*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return s.Chat().Send("hi") == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNotesApplyRemoteContent(t *testing.T) {
	transport := signaling.NewTransport(signaling.ConcernNotes, "ws://unused.invalid", testPolicy, time.Second, zap.NewNop())
	notes := newNotes(transport, nil, zap.NewNop())

	var got NotesState
	notes.OnChange(func(s NotesState) { got = s })

	msg, _ := json.Marshal(signaling.NotesMessage{Type: "content", Content: "plan", HTML: "<p>plan</p>"})
	notes.handleMessage(msg)

	assert.Equal(t, "plan", got.Content)
	assert.Equal(t, "<p>plan</p>", notes.State().HTML)
}
