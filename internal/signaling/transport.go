package signaling

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codepair/roomlink/internal/backoff"
)

const (
	defaultDialTimeout = 10 * time.Second
	writeWait          = 10 * time.Second
)

// ErrNotOpen is reported when a send is attempted while the socket is not
// open. The message is dropped, never queued: a code or note edit that is
// superseded by a later edit has no value in being replayed.
var ErrNotOpen = errors.New("signaling transport is not open")

// State is the transport's socket state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MessageHandler receives one raw inbound frame.
type MessageHandler func(data []byte)

// StateHandler observes socket state transitions. err is non-nil only for
// terminal failures (budget exhaustion, fatal dial errors).
type StateHandler func(state State, err error)

// Transport is a reconnecting websocket bound to one (room, concern) pair.
// At most one live socket exists per transport: the run loop fully tears
// down the previous socket before dialing a new one, so a stale socket can
// never feed messages or reconnect attempts it no longer owns. All handlers
// are invoked from a single goroutine, in transport order.
type Transport struct {
	concern Concern
	url     string
	dialer  *websocket.Dialer
	policy  backoff.Policy
	log     *zap.Logger

	onMessage MessageHandler
	onState   StateHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	started bool
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewTransport builds an unconnected transport. Handlers must be registered
// before Connect.
func NewTransport(concern Concern, url string, policy backoff.Policy, dialTimeout time.Duration, log *zap.Logger) *Transport {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Transport{
		concern: concern,
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
		policy:  policy,
		log:     log.With(zap.String("concern", string(concern))),
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// OnMessage registers the inbound frame handler.
func (t *Transport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

// OnStateChange registers the socket state observer.
func (t *Transport) OnStateChange(h StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = h
}

// Connect starts the connection loop. Calling it more than once is a no-op.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.run()
}

// State returns the current socket state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Send marshals v as JSON onto the socket. While the socket is not open the
// message is dropped and ErrNotOpen reported.
func (t *Transport) Send(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateOpen || t.conn == nil {
		return ErrNotOpen
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write signaling message: %w", err)
	}
	return nil
}

// Close tears the transport down for good: it sends a normal close frame,
// stops any pending reconnect, and is safe to call any number of times.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		started := t.started
		conn := t.conn
		t.conn = nil
		if started {
			t.state = StateClosing
		} else {
			// Run loop never started; nothing will emit the final Closed.
			t.state = StateClosed
		}
		t.mu.Unlock()

		close(t.done)

		if conn != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		}
	})
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// run owns the socket lifecycle. It is the only goroutine that dials,
// reads, and invokes handlers, which keeps callback delivery serialized.
func (t *Transport) run() {
	retrier := t.policy.NewRetrier()

	for {
		if t.isClosed() {
			t.finish(nil)
			return
		}

		t.setState(StateConnecting, nil)

		conn, _, err := t.dialer.Dial(t.url, nil)
		if err != nil {
			t.log.Warn("signaling dial failed",
				zap.Int("attempt", retrier.Attempt()),
				zap.Error(err))
			if !t.wait(retrier) {
				return
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			t.finish(nil)
			return
		}
		t.conn = conn
		t.state = StateOpen
		t.mu.Unlock()

		retrier.Reset()
		t.emit(StateOpen, nil)
		t.log.Info("signaling connected")

		closeCode := t.readLoop(conn)

		// Detach before any replacement: drop the conn reference first so
		// Send can never touch the dying socket, then close it.
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()

		if t.isClosed() {
			t.finish(nil)
			return
		}

		if !t.policy.Retryable(closeCode) {
			t.log.Info("signaling closed by peer", zap.Int("code", closeCode))
			t.finish(nil)
			return
		}

		t.log.Warn("signaling connection lost", zap.Int("code", closeCode))
		if !t.wait(retrier) {
			return
		}
	}
}

// readLoop delivers inbound frames until the socket dies, then reports the
// close code (CloseAbnormal when the failure carried none).
func (t *Transport) readLoop(conn *websocket.Conn) int {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return backoff.CloseAbnormal
		}

		t.mu.Lock()
		h := t.onMessage
		closed := t.closed
		t.mu.Unlock()

		if closed {
			return backoff.CloseNormal
		}
		if h != nil {
			h(data)
		}
	}
}

// wait blocks for the next backoff delay. It returns false when the budget
// is exhausted or the transport was closed, finishing the run loop.
func (t *Transport) wait(retrier *backoff.Retrier) bool {
	delay, ok := retrier.Next()
	if !ok {
		t.log.Error("signaling reconnect budget exhausted",
			zap.Int("attempts", retrier.Attempt()))
		t.finish(backoff.ErrBudgetExhausted)
		return false
	}

	t.log.Info("signaling reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", retrier.Attempt()))

	select {
	case <-t.done:
		t.finish(nil)
		return false
	case <-time.After(delay):
		return true
	}
}

func (t *Transport) setState(s State, err error) {
	t.mu.Lock()
	if t.closed && s != StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.emit(s, err)
}

func (t *Transport) emit(s State, err error) {
	t.mu.Lock()
	h := t.onState
	t.mu.Unlock()
	if h != nil {
		h(s, err)
	}
}

// finish marks the transport terminally closed. err is non-nil only when
// the reconnect budget ran out.
func (t *Transport) finish(err error) {
	t.mu.Lock()
	t.state = StateClosed
	t.mu.Unlock()
	t.emit(StateClosed, err)
}
