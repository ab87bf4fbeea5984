package session

import (
	"sync"

	"github.com/codepair/roomlink/internal/signaling"
)

// Status is the single human-readable line describing where the session is,
// plus the underlying error when one ended it.
type Status struct {
	Text string
	Err  error
}

// Status strings surfaced to the UI layer.
const (
	statusDisconnected     = "Disconnected"
	statusSocketConnected  = "WebSocket Connected"
	statusConnectionFailed = "Connection Failed"

	statusMediaError = "MediaStream Error"
	statusSDPError   = "SDP Error"
	statusICEError   = "ICE Error"
)

// concernOrder fixes which dead sub-channel is projected first.
var concernOrder = []signaling.Concern{
	signaling.ConcernEditor,
	signaling.ConcernNotes,
	signaling.ConcernChat,
}

// projector folds the independent state sources, media socket, ICE, peer
// connection, and the sub-channel sockets, into one status line.
// Precedence, highest first: an explicit error, media terminal failure, a
// dead sub-channel, peer connection state, ICE state, socket state.
type projector struct {
	mu sync.Mutex

	socketState signaling.State
	iceState    string
	connState   string
	errText     string
	err         error
	terminal    bool
	concernErrs map[signaling.Concern]error

	onStatus func(Status)
}

func newProjector(onStatus func(Status)) *projector {
	return &projector{onStatus: onStatus}
}

func (p *projector) setSocketState(s signaling.State) {
	p.mu.Lock()
	p.socketState = s
	p.publishLocked()
}

func (p *projector) setICEState(s string) {
	p.mu.Lock()
	p.iceState = s
	p.publishLocked()
}

func (p *projector) setConnState(s string) {
	p.mu.Lock()
	p.connState = s
	p.publishLocked()
}

// fail records an error status. The first error wins; later ones keep the
// original text so the root cause is not overwritten.
func (p *projector) fail(text string, err error) {
	p.mu.Lock()
	if p.errText == "" {
		p.errText = text
		p.err = err
	}
	p.publishLocked()
}

func (p *projector) setTerminal() {
	p.mu.Lock()
	p.terminal = true
	p.publishLocked()
}

// failConcern records a sub-channel whose reconnect budget ran out. The
// media concern keeps its own error and terminal paths; this one is for
// editor, notes and chat.
func (p *projector) failConcern(concern signaling.Concern, err error) {
	p.mu.Lock()
	if p.concernErrs == nil {
		p.concernErrs = make(map[signaling.Concern]error)
	}
	if _, ok := p.concernErrs[concern]; !ok {
		p.concernErrs[concern] = err
	}
	p.publishLocked()
}

// publishLocked computes the status and emits it. Unlocks before calling
// the observer so the observer may query the session.
func (p *projector) publishLocked() {
	status := p.projectLocked()
	h := p.onStatus
	p.mu.Unlock()
	if h != nil {
		h(status)
	}
}

func (p *projector) projectLocked() Status {
	if p.errText != "" {
		return Status{Text: p.errText, Err: p.err}
	}
	if p.terminal {
		return Status{Text: statusConnectionFailed}
	}
	for _, concern := range concernOrder {
		if err, ok := p.concernErrs[concern]; ok {
			return Status{Text: string(concern) + ": " + statusConnectionFailed, Err: err}
		}
	}
	switch {
	case p.connState != "" && p.connState != "new":
		return Status{Text: "Connection: " + p.connState}
	case p.iceState != "" && p.iceState != "new":
		return Status{Text: "ICE: " + p.iceState}
	case p.socketState == signaling.StateOpen:
		return Status{Text: statusSocketConnected}
	default:
		return Status{Text: statusDisconnected}
	}
}

// Current returns the projected status without emitting it.
func (p *projector) Current() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.projectLocked()
}
