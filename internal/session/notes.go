package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/signaling"
)

// NotesState is the shared notes pad's content snapshot, kept as both the
// plain text and the rendered HTML the server stores.
type NotesState struct {
	Content string
	HTML    string
}

// Notes keeps the shared notes pad in sync over its own socket.
type Notes struct {
	transport *signaling.Transport
	log       *zap.Logger

	mu       sync.Mutex
	state    NotesState
	onChange func(NotesState)
}

func newNotes(transport *signaling.Transport, onState signaling.StateHandler, log *zap.Logger) *Notes {
	n := &Notes{transport: transport, log: log}

	transport.OnMessage(n.handleMessage)
	transport.OnStateChange(func(state signaling.State, err error) {
		if onState != nil {
			onState(state, err)
		}
		if state != signaling.StateOpen {
			return
		}
		if err := transport.Send(signaling.NotesMessage{Type: "sync"}); err != nil {
			log.Warn("failed to request notes sync", zap.Error(err))
		}
	})
	return n
}

// OnChange registers the observer called after every remote update.
func (n *Notes) OnChange(f func(NotesState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onChange = f
}

// SetContent publishes a local edit.
func (n *Notes) SetContent(content, html string) error {
	n.mu.Lock()
	n.state = NotesState{Content: content, HTML: html}
	n.mu.Unlock()

	return n.transport.Send(signaling.NotesMessage{
		Type:    "content",
		Content: content,
		HTML:    html,
	})
}

// State returns the current notes snapshot.
func (n *Notes) State() NotesState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Notes) handleMessage(data []byte) {
	var msg signaling.NotesMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		n.log.Warn("malformed notes message", zap.Error(err))
		return
	}
	if msg.Type != "content" && msg.Type != "sync" {
		return
	}

	n.mu.Lock()
	n.state = NotesState{Content: msg.Content, HTML: msg.HTML}
	state := n.state
	h := n.onChange
	n.mu.Unlock()

	if h != nil {
		h(state)
	}
}
