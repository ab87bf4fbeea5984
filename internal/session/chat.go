package session

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/signaling"
)

// Chat keeps the room's message log over its own socket. The server replays
// history on connect, so the log survives reconnects.
type Chat struct {
	transport *signaling.Transport
	userName  string
	log       *zap.Logger

	mu       sync.Mutex
	messages []signaling.ChatMessage
	onChange func([]signaling.ChatMessage)
}

func newChat(transport *signaling.Transport, userName string, onState signaling.StateHandler, log *zap.Logger) *Chat {
	c := &Chat{transport: transport, userName: userName, log: log}
	transport.OnMessage(c.handleMessage)
	if onState != nil {
		transport.OnStateChange(onState)
	}
	return c
}

// OnChange registers the observer called with a snapshot after every change.
func (c *Chat) OnChange(f func([]signaling.ChatMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = f
}

// Send publishes a chat message. The entry appears in Messages only once
// the server broadcasts it back with its id and timestamp.
func (c *Chat) Send(content string) error {
	return c.transport.Send(signaling.ChatEvent{
		Type:     "chat",
		UserName: c.userName,
		Content:  content,
	})
}

// Messages returns the current log snapshot.
func (c *Chat) Messages() []signaling.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signaling.ChatMessage, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Chat) handleMessage(data []byte) {
	var event signaling.ChatEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.log.Warn("malformed chat message", zap.Error(err))
		return
	}

	c.mu.Lock()
	switch event.Type {
	case "chat":
		c.messages = append(c.messages, event.Message)
	case "history":
		// History replaces the log wholesale; the server is authoritative.
		c.messages = append([]signaling.ChatMessage(nil), event.Messages...)
	default:
		c.mu.Unlock()
		return
	}
	snapshot := make([]signaling.ChatMessage, len(c.messages))
	copy(snapshot, c.messages)
	h := c.onChange
	c.mu.Unlock()

	if h != nil {
		h(snapshot)
	}
}
