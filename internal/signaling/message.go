package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Concern is one independently synchronized real-time sub-channel of a room.
type Concern string

const (
	ConcernMedia  Concern = "videochat"
	ConcernEditor Concern = "editor"
	ConcernNotes  Concern = "notes"
	ConcernChat   Concern = "chat"
)

// Envelope carries just enough of any inbound message to route it.
type Envelope struct {
	Type string `json:"type"`
}

// SDPMessage exchanges an offer or answer on the media concern.
type SDPMessage struct {
	Type   string `json:"type"` // "offer" or "answer"
	SDP    string `json:"sdp"`
	RoomID string `json:"roomId"`
}

// ICECandidateInit mirrors the browser-side RTCIceCandidateInit shape so the
// candidate survives a round trip through the signaling server untouched.
type ICECandidateInit struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICEMessage carries one trickled candidate, tagged with the room so the
// receiving end can route it.
type ICEMessage struct {
	Type      string           `json:"type"` // "ice_candidate"
	Candidate ICECandidateInit `json:"candidate"`
	RoomID    string           `json:"roomId"`
}

// EditorMessage synchronizes the shared code editor.
type EditorMessage struct {
	Type     string `json:"type"` // "code" or "sync"
	Code     string `json:"code"`
	Language string `json:"language"`
	RoomID   string `json:"roomId"`
}

// NotesMessage synchronizes the shared rich-text notes.
type NotesMessage struct {
	Type    string `json:"type"` // "content" or "sync"
	Content string `json:"content"`
	HTML    string `json:"html"`
}

// ChatMessage is one chat entry as stored and broadcast by the server.
type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatEvent is the chat concern's wire envelope. Outbound events carry
// UserName+Content; inbound "chat" events carry Message, and "history"
// events carry Messages.
type ChatEvent struct {
	Type     string        `json:"type"`
	UserName string        `json:"userName,omitempty"`
	Content  string        `json:"content,omitempty"`
	Message  ChatMessage   `json:"message,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
}

// ParseType extracts the routing type from a raw inbound frame.
func ParseType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("failed to parse message envelope: %w", err)
	}
	return env.Type, nil
}
