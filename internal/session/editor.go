package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/signaling"
)

// EditorState is the shared code editor's content snapshot.
type EditorState struct {
	Code     string
	Language string
}

// Editor keeps the shared code buffer in sync over its own socket. A send
// while the socket is down is dropped and reported; the sync reply after
// reconnect restores the authoritative state.
type Editor struct {
	transport *signaling.Transport
	roomID    string
	log       *zap.Logger

	mu       sync.Mutex
	state    EditorState
	onChange func(EditorState)
}

func newEditor(transport *signaling.Transport, roomID string, onState signaling.StateHandler, log *zap.Logger) *Editor {
	e := &Editor{
		transport: transport,
		roomID:    roomID,
		log:       log,
		state:     EditorState{Language: "javascript"},
	}

	transport.OnMessage(e.handleMessage)
	transport.OnStateChange(func(state signaling.State, err error) {
		if onState != nil {
			onState(state, err)
		}
		if state != signaling.StateOpen {
			return
		}
		// Ask the server for the current buffer on every (re)connect.
		if err := transport.Send(signaling.EditorMessage{Type: "sync", RoomID: roomID}); err != nil {
			log.Warn("failed to request editor sync", zap.Error(err))
		}
	})
	return e
}

// OnChange registers the observer called after every remote update.
func (e *Editor) OnChange(f func(EditorState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = f
}

// SetCode publishes a local edit. The local state updates even when the
// send fails, so the next sync reconciles.
func (e *Editor) SetCode(code string) error {
	e.mu.Lock()
	e.state.Code = code
	language := e.state.Language
	e.mu.Unlock()

	return e.transport.Send(signaling.EditorMessage{
		Type:     "code",
		Code:     code,
		Language: language,
		RoomID:   e.roomID,
	})
}

// SetLanguage publishes a language switch.
func (e *Editor) SetLanguage(language string) error {
	e.mu.Lock()
	e.state.Language = language
	code := e.state.Code
	e.mu.Unlock()

	return e.transport.Send(signaling.EditorMessage{
		Type:     "code",
		Code:     code,
		Language: language,
		RoomID:   e.roomID,
	})
}

// State returns the current buffer snapshot.
func (e *Editor) State() EditorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Editor) handleMessage(data []byte) {
	var msg signaling.EditorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		e.log.Warn("malformed editor message", zap.Error(err))
		return
	}
	if msg.Type != "code" && msg.Type != "sync" {
		return
	}

	e.mu.Lock()
	e.state.Code = msg.Code
	if msg.Language != "" {
		e.state.Language = msg.Language
	}
	state := e.state
	h := e.onChange
	e.mu.Unlock()

	if h != nil {
		h(state)
	}
}
