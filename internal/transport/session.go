// Package transport manages the single logical push-channel connection of a
// conversation session: connect, authenticate, subscribe to one topic, emit
// incoming messages, and reconnect with a bounded, attempt-scaled delay.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/qmuntal/stateless"

	"github.com/edumarket/chatcore/internal/logger"
	"github.com/edumarket/chatcore/internal/message"
	"github.com/edumarket/chatcore/pkg/apperrors"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize   = 64 * 1024
	handshakeTimeout = 10 * time.Second
)

// State is the connection state, queryable at any time.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	// StateFailed means the reconnect budget is exhausted; only an explicit
	// Connect leaves it.
	StateFailed State = "FAILED"
)

type fsmTrigger string

const (
	triggerDial     fsmTrigger = "Dial"
	triggerOpened   fsmTrigger = "Opened"
	triggerFailed   fsmTrigger = "DialFailed"
	triggerLost     fsmTrigger = "ConnectionLost"
	triggerGiveUp   fsmTrigger = "GiveUp"
	triggerShutdown fsmTrigger = "Shutdown"
)

// Config parameterizes a Session.
type Config struct {
	URL                  string
	Token                string
	SubscribeTimeout     time.Duration // bounded wait for the subscribe ack
	ReconnectDelay       time.Duration // scaled by the attempt count
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = 5 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	return c
}

// Session owns one websocket connection subscribed to one conversation
// topic. It is owned exclusively by a conversation session and must not be
// shared.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer

	mu             sync.Mutex
	fsm            *stateless.StateMachine
	conn           *websocket.Conn
	topic          string
	gen            int // invalidates read/ping loops of a torn-down conn
	attempts       int
	closed         bool
	reconnectTimer *time.Timer
	ready          chan struct{}

	writeMu sync.Mutex // serializes writes to conn

	handler func(message.Message)
	stateCh chan State
	subAck  chan string
}

// New builds a disconnected session. handler receives every pushed message
// in receipt order; delivery is at-least-once and deduplication belongs to
// the reconciler.
func New(cfg Config, handler func(message.Message)) *Session {
	s := &Session{
		cfg:     cfg.withDefaults(),
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		handler: handler,
		stateCh: make(chan State, 16),
		subAck:  make(chan string, 4),
		ready:   make(chan struct{}),
	}
	s.fsm = newConnFSM(s)
	return s
}

func newConnFSM(s *Session) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateDisconnected)

	fsm.Configure(StateDisconnected).
		Permit(triggerDial, StateConnecting).
		Permit(triggerGiveUp, StateFailed).
		PermitReentry(triggerShutdown).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.notifyState(StateDisconnected)
			return nil
		})

	fsm.Configure(StateConnecting).
		Permit(triggerOpened, StateConnected).
		Permit(triggerFailed, StateDisconnected).
		Permit(triggerShutdown, StateDisconnected).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.notifyState(StateConnecting)
			return nil
		})

	fsm.Configure(StateConnected).
		Permit(triggerLost, StateDisconnected).
		Permit(triggerShutdown, StateDisconnected).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.notifyState(StateConnected)
			return nil
		})

	fsm.Configure(StateFailed).
		Permit(triggerDial, StateConnecting).
		Permit(triggerShutdown, StateDisconnected).
		OnEntry(func(_ context.Context, _ ...any) error {
			s.notifyState(StateFailed)
			return nil
		})

	return fsm
}

func (s *Session) fire(t fsmTrigger) {
	if err := s.fsm.Fire(t); err != nil {
		logger.L.Warn("connection fsm rejected trigger", "trigger", string(t), "state", s.fsm.MustState(), "error", err)
	}
}

func (s *Session) readyCloseLocked() {
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

func (s *Session) notifyState(st State) {
	select {
	case s.stateCh <- st:
	default: // slow consumer; drop rather than block the state machine
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.MustState().(State)
}

// StateChanges exposes connection-state transitions so the owner can render
// a persistent connection indicator.
func (s *Session) StateChanges() <-chan State {
	return s.stateCh
}

// Ready returns a channel closed once the session is connected and
// subscribed. It is replaced on every disconnect, so callers should fetch it
// each time they need to wait.
func (s *Session) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Connect establishes the connection, authenticates with the bearer
// credential and subscribes to the conversation's message topic. It returns
// once the subscription is acknowledged or fails within the bounded
// subscribe timeout. A rejected credential is fatal and never retried.
func (s *Session) Connect(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.New(apperrors.CodeConnect, "session is torn down")
	}
	if s.fsm.MustState().(State) == StateConnected {
		s.mu.Unlock()
		return s.SwitchTopic(conversationID)
	}
	if err := s.fsm.Fire(triggerDial); err != nil {
		// Already CONNECTING: a second dial would open a duplicate socket.
		s.mu.Unlock()
		return apperrors.New(apperrors.CodeConnect, "connect already in progress")
	}
	s.topic = TopicFor(conversationID)
	topic := s.topic
	s.mu.Unlock()

	if err := s.dial(ctx, topic); err != nil {
		s.mu.Lock()
		s.fire(triggerFailed)
		s.mu.Unlock()
		return err
	}
	return nil
}

// dial performs one connect+subscribe attempt. Callers drive the FSM around
// it.
func (s *Session) dial(ctx context.Context, topic string) error {
	header := http.Header{"Authorization": {"Bearer " + s.cfg.Token}}
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return apperrors.Wrap(apperrors.CodeAuthRejected, "push credential rejected", err)
		}
		return apperrors.Wrap(apperrors.CodeConnect, "push transport dial failed", err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.conn = conn
	s.mu.Unlock()

	done := make(chan struct{})
	go s.readLoop(conn, gen, done)
	go s.pingLoop(conn, done)

	if err := s.subscribe(conn, topic); err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.gen++ // silence the read loop's failure path
		}
		s.mu.Unlock()
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.attempts = 0
	s.fire(triggerOpened)
	s.readyCloseLocked()
	s.mu.Unlock()
	logger.L.Info("push session connected", "topic", topic)
	return nil
}

// subscribe writes the SUBSCRIBE action and waits for the gateway ack. The
// ack is an event from the read loop, not a polling loop; exceeding the
// bounded timeout fails the attempt rather than hanging.
func (s *Session) subscribe(conn *websocket.Conn, topic string) error {
	if err := s.writeFrame(conn, frame{Action: actionSubscribe, Topic: topic}); err != nil {
		return apperrors.Wrap(apperrors.CodeConnect, "subscribe write failed", err)
	}
	timer := time.NewTimer(s.cfg.SubscribeTimeout)
	defer timer.Stop()
	for {
		select {
		case acked := <-s.subAck:
			if acked == topic {
				return nil
			}
			// ack for a topic we already left; keep waiting
		case <-timer.C:
			return apperrors.New(apperrors.CodeSubscribeTimeout,
				fmt.Sprintf("no subscribe ack for %s within %s", topic, s.cfg.SubscribeTimeout))
		}
	}
}

func (s *Session) writeFrame(conn *websocket.Conn, f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (s *Session) readLoop(conn *websocket.Conn, gen int, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleReadFailure(gen, err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.L.Warn("dropping unparseable frame", "error", err)
			continue
		}
		switch f.Type {
		case frameSubscribed:
			select {
			case s.subAck <- f.Topic:
			default:
			}
		case frameMessage:
			m, err := message.Decode(f.Payload)
			if err != nil {
				// Bad payload: drop it, keep the connection alive.
				logger.L.Warn("dropping malformed push message", "topic", f.Topic, "error", err)
				continue
			}
			if s.handler != nil {
				s.handler(m)
			}
		case frameError:
			logger.L.Warn("push gateway error frame", "reason", f.Reason)
		default:
			logger.L.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return // the read loop surfaces the failure
			}
		}
	}
}

func (s *Session) handleReadFailure(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return // stale loop from a connection we already replaced
	}
	logger.L.Warn("push connection lost", "error", err)
	s.conn = nil
	s.ready = make(chan struct{})
	s.fire(triggerLost)
	s.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the next reconnect attempt. Delay scales with
// the attempt count; the counter resets on a successful connect and the
// bound surfaces a persistent FAILED state instead of retrying forever.
func (s *Session) scheduleReconnectLocked() {
	s.attempts++
	if s.attempts > s.cfg.MaxReconnectAttempts {
		logger.L.Error("reconnect budget exhausted", "attempts", s.cfg.MaxReconnectAttempts)
		s.fire(triggerGiveUp)
		return
	}
	delay := s.cfg.ReconnectDelay * time.Duration(s.attempts)
	logger.L.Info("scheduling reconnect", "attempt", s.attempts, "delay", delay)
	s.reconnectTimer = time.AfterFunc(delay, s.reconnect)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	if s.closed || s.fsm.MustState().(State) != StateDisconnected {
		s.mu.Unlock()
		return
	}
	topic := s.topic
	s.fire(triggerDial)
	s.mu.Unlock()

	err := s.dial(context.Background(), topic)
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire(triggerFailed)
	if apperrors.CodeOf(err) == apperrors.CodeAuthRejected {
		// A rejected credential will not heal on its own.
		logger.L.Error("credential rejected during reconnect; giving up", "error", err)
		s.fire(triggerGiveUp)
		return
	}
	s.scheduleReconnectLocked()
}

// SwitchTopic moves the subscription to another conversation without
// tearing down the connection. When disconnected it only records the topic
// for the next (re)connect.
func (s *Session) SwitchTopic(conversationID string) error {
	newTopic := TopicFor(conversationID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperrors.New(apperrors.CodeConnect, "session is torn down")
	}
	oldTopic := s.topic
	s.topic = newTopic
	conn := s.conn
	s.mu.Unlock()

	if conn == nil || oldTopic == newTopic {
		return nil
	}
	if err := s.writeFrame(conn, frame{Action: actionUnsubscribe, Topic: oldTopic}); err != nil {
		return apperrors.Wrap(apperrors.CodeConnect, "unsubscribe write failed", err)
	}
	return s.subscribe(conn, newTopic)
}

// Disconnect unsubscribes and deactivates the connection. It is idempotent
// and cancels any pending reconnect timer so no attempt leaks into a
// torn-down session.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	conn := s.conn
	topic := s.topic
	s.conn = nil
	s.gen++
	s.fire(triggerShutdown)
	s.mu.Unlock()

	if conn != nil {
		// Best effort: the connection is going away either way.
		s.writeFrame(conn, frame{Action: actionUnsubscribe, Topic: topic})
		s.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	}
	logger.L.Info("push session closed", "topic", topic)
	return nil
}
