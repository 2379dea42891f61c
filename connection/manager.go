package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-widget/metrics"
	"chat-widget/models"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectInterval = 2 * time.Second

	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Time allowed for the opening handshake
	handshakeTimeout = 10 * time.Second

	// Maximum inbound frame size
	maxMessageSize = 1024 * 1024
)

var (
	ErrNotConnected       = errors.New("websocket is not connected")
	ErrReconnectExhausted = errors.New("max reconnection attempts reached")
)

// ParseError reports an inbound payload that was not valid JSON. The frame is
// dropped; the connection stays up.
type ParseError struct {
	Data []byte
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("malformed inbound frame: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Handlers receive connection events. Any field may be nil. Calls are
// serialized: no two handlers run at the same time. A handler must not call
// Disconnect or Teardown synchronously.
type Handlers struct {
	OnOpen      func()
	OnMessage   func(models.InboundFrame)
	OnClose     func(code int)
	OnError     func(error)
	OnReconnect func(attempt int, delay time.Duration)
}

type Options struct {
	// URL is the service base address, e.g. "wss://example.com/ws/chat/".
	URL       string
	SessionID string

	// Zero values select DefaultReconnectAttempts and DefaultReconnectInterval.
	ReconnectAttempts int
	ReconnectInterval time.Duration

	// Enabled gates Connect. A disabled manager never dials.
	Enabled bool

	Dialer Dialer
	Logger *zap.Logger
}

// Manager owns the single websocket of one widget session.
type Manager struct {
	target string
	opts   Options
	dialer Dialer
	log    *zap.Logger

	// handlers is read at call time so SetHandlers takes effect for the
	// connection that is already running.
	handlers atomic.Pointer[Handlers]

	// cbMu serializes handler invocations.
	cbMu    sync.Mutex
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	gen           uint64
	attempts      int
	timer         *time.Timer
	cancelDial    context.CancelFunc
	enabled       bool
	mounted       bool
	disconnecting bool
	exhausted     bool
}

func New(opts Options, handlers Handlers) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("websocket URL is required")
	}
	target, err := BuildURL(opts.URL, opts.SessionID)
	if err != nil {
		return nil, err
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		target:  target,
		opts:    opts,
		dialer:  opts.Dialer,
		log:     opts.Logger.With(zap.String("component", "connection"), zap.String("session_id", opts.SessionID)),
		enabled: opts.Enabled,
		mounted: true,
	}
	m.SetHandlers(handlers)
	return m, nil
}

// SetHandlers swaps the event handlers.
func (m *Manager) SetHandlers(h Handlers) {
	m.handlers.Store(&h)
}

// Target is the full address dialed, session id included.
func (m *Manager) Target() string {
	return m.target
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnects since the last successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// SetEnabled toggles whether the manager may connect. Disabling cancels a
// pending reconnect but leaves an open connection alone.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	if !enabled {
		m.stopTimerLocked()
	}
}

// Connect starts a connection attempt unless one is already connecting or
// open, the manager is disabled, or it has been torn down. It also restarts
// the reconnect budget.
func (m *Manager) Connect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canConnectLocked() {
		return
	}
	m.attempts = 0
	m.exhausted = false
	m.dialLocked()
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.timer == nil {
		return
	}
	m.timer = nil
	if !m.canConnectLocked() {
		return
	}
	m.attempts++
	m.log.Info("reconnecting", zap.Int("attempt", m.attempts))
	m.dialLocked()
}

func (m *Manager) canConnectLocked() bool {
	return m.mounted && m.enabled && !m.disconnecting && m.state == StateDisconnected
}

func (m *Manager) dialLocked() {
	m.stopTimerLocked()
	m.state = StateConnecting
	m.gen++
	gen := m.gen

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	m.cancelDial = cancel
	go m.run(ctx, cancel, gen)
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	conn, _, err := m.dialer.DialContext(ctx, m.target, nil)
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		if !m.current(gen) {
			return
		}
		m.log.Warn("websocket dial failed", zap.Error(err))
		m.deliver(gen, func(h *Handlers) { h.fail(fmt.Errorf("failed to connect: %w", err)) })
		m.handleClose(gen, websocket.CloseAbnormalClosure)
		return
	}

	conn.SetReadLimit(maxMessageSize)

	m.mu.Lock()
	if gen != m.gen || !m.mounted {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	m.exhausted = false
	m.cancelDial = nil
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("open").Inc()
	metrics.ConnectionsOpen.Inc()
	m.log.Info("websocket connected")

	m.deliver(gen, func(h *Handlers) { h.open() })
	m.readLoop(gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := closeCode(err)
			if code != websocket.CloseNormalClosure && m.current(gen) {
				m.log.Warn("websocket closed unexpectedly", zap.Int("code", code), zap.Error(err))
				m.deliver(gen, func(h *Handlers) { h.fail(fmt.Errorf("connection lost: %w", err)) })
			}
			m.handleClose(gen, code)
			return
		}
		metrics.FramesTotal.WithLabelValues("inbound").Inc()

		frame, err := models.DecodeInbound(data)
		if err != nil {
			metrics.FrameParseErrors.Inc()
			m.log.Warn("dropping malformed frame", zap.Error(err))
			perr := &ParseError{Data: data, Err: err}
			m.deliver(gen, func(h *Handlers) { h.fail(perr) })
			continue
		}
		m.deliver(gen, func(h *Handlers) { h.message(frame) })
	}
}

// handleClose runs once per connection generation, after the socket died or
// the dial failed.
func (m *Manager) handleClose(gen uint64, code int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	wasOpen := m.state == StateOpen
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.state = StateDisconnected
	m.cancelDial = nil

	var (
		retry     bool
		exhausted bool
		attempt   int
		delay     time.Duration
	)
	if code != websocket.CloseNormalClosure && m.enabled && m.mounted && !m.disconnecting {
		if m.attempts < m.opts.ReconnectAttempts {
			retry = true
			attempt = m.attempts + 1
			delay = Backoff(m.opts.ReconnectInterval, m.attempts)
		} else if !m.exhausted {
			m.exhausted = true
			exhausted = true
		}
	}
	m.mu.Unlock()

	if wasOpen {
		metrics.ConnectionsOpen.Dec()
	}
	m.log.Info("websocket disconnected", zap.Int("code", code))
	m.notify(func(h *Handlers) { h.close(code) })

	if exhausted {
		metrics.ReconnectsExhausted.Inc()
		m.log.Warn("max reconnection attempts reached", zap.Int("attempts", m.opts.ReconnectAttempts))
		m.notify(func(h *Handlers) { h.fail(ErrReconnectExhausted) })
		return
	}
	if !retry {
		return
	}

	metrics.ReconnectsScheduled.Inc()
	metrics.ReconnectBackoff.Observe(delay.Seconds())
	m.log.Info("scheduling reconnect", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	m.notify(func(h *Handlers) { h.reconnect(attempt, delay) })

	// Armed after the handlers ran so the close is always reported before
	// the next open.
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.gen && m.state == StateDisconnected && m.mounted && m.enabled && !m.disconnecting {
		m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
	}
}

// Disconnect closes the connection with a normal closure, cancels any pending
// reconnect or dial and resets the reconnect budget. Repeated and concurrent
// calls collapse into one.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.disconnecting {
		m.mu.Unlock()
		return
	}
	m.disconnecting = true
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	if conn != nil {
		m.state = StateClosing
	}
	// Anything still running for the old connection is now stale.
	m.gen++
	m.attempts = 0
	m.exhausted = false
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Normal closure")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			m.log.Debug("failed to send close frame", zap.Error(err))
		}
		conn.Close()
		metrics.ConnectionsOpen.Dec()
		m.log.Info("websocket closed by client")
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.disconnecting = false
	m.mu.Unlock()

	if conn != nil {
		m.notify(func(h *Handlers) { h.close(websocket.CloseNormalClosure) })
	}
}

// Teardown disconnects and marks the manager unmounted. Events that arrive
// afterwards are dropped and Connect becomes a no-op.
func (m *Manager) Teardown() {
	m.mu.Lock()
	m.mounted = false
	m.mu.Unlock()
	m.Disconnect()
}

// Send writes an outbound frame carrying text.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateOpen || conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(models.OutboundFrame{Message: text}); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	metrics.FramesTotal.WithLabelValues("outbound").Inc()
	return nil
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted && gen == m.gen
}

// deliver invokes fn for events belonging to connection generation gen.
func (m *Manager) deliver(gen uint64, fn func(*Handlers)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	if !m.current(gen) {
		return
	}
	if h := m.handlers.Load(); h != nil {
		fn(h)
	}
}

// notify invokes fn unless the manager was torn down.
func (m *Manager) notify(fn func(*Handlers)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.mu.Lock()
	mounted := m.mounted
	m.mu.Unlock()
	if !mounted {
		return
	}
	if h := m.handlers.Load(); h != nil {
		fn(h)
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (h *Handlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h *Handlers) message(frame models.InboundFrame) {
	if h.OnMessage != nil {
		h.OnMessage(frame)
	}
}

func (h *Handlers) close(code int) {
	if h.OnClose != nil {
		h.OnClose(code)
	}
}

func (h *Handlers) fail(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h *Handlers) reconnect(attempt int, delay time.Duration) {
	if h.OnReconnect != nil {
		h.OnReconnect(attempt, delay)
	}
}
