package widget

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chat-widget/connection"
	"chat-widget/metrics"
	"chat-widget/models"
	"chat-widget/prompts"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrSendInFlight = errors.New("a message is already being sent")
	ErrClosed       = errors.New("widget has been shut down")
)

// Connection error texts shown in place of the connection-error placeholder.
const (
	MsgReconnecting    = "Connection lost. Reconnecting..."
	MsgRefreshRequired = "Connection lost. Refresh to reconnect."
	MsgSendOffline     = "Unable to send message. Reconnecting..."
)

// connector is the part of *connection.Manager the controller drives.
type connector interface {
	Connect()
	Disconnect()
	Send(text string) error
	SetEnabled(enabled bool)
	Teardown()
}

// Snapshot is the complete UI state at one point in time.
type Snapshot struct {
	SessionID       string
	Title           string
	Placeholder     string
	IsOpen          bool
	Online          bool
	Loading         bool
	Context         prompts.Context
	SelectedProduct *models.Product
	ConnectionError string
	Messages        []DisplayMessage
}

// Controller owns the conversation state of one widget. Every mutation runs on
// its event loop; connection events are posted there and user intents wait
// for their turn.
type Controller struct {
	cfg      Config
	conn     connector
	log      *zap.Logger
	loop     *loop
	notifier *loop
	now      func() time.Time

	// Owned by the loop goroutine.
	history  []entry
	context  prompts.Context
	lastSent prompts.Context
	selected *models.Product
	loading  bool
	connErr  string
	isOpen   bool
	online   bool
	sending  bool
	closed   bool

	final atomic.Pointer[Snapshot]
}

func newController(cfg Config, conn connector) *Controller {
	c := &Controller{
		cfg:      cfg,
		conn:     conn,
		log:      cfg.Logger.With(zap.String("component", "widget"), zap.String("session_id", cfg.SessionID)),
		loop:     newLoop(),
		notifier: newLoop(),
		now:      time.Now,
		context:  prompts.ContextInitial,
		lastSent: prompts.ContextInitial,
	}
	c.history = c.seed()
	return c
}

func (c *Controller) seed() []entry {
	now := c.now()
	history := make([]entry, 0, len(c.cfg.InitialMessages))
	for _, f := range c.cfg.InitialMessages {
		history = append(history, entry{frame: f, received: now})
	}
	return history
}

func (c *Controller) handlers() connection.Handlers {
	return connection.Handlers{
		OnOpen:      func() { c.loop.post(c.handleOpen) },
		OnMessage:   func(f models.InboundFrame) { c.loop.post(func() { c.handleFrame(f) }) },
		OnClose:     func(code int) { c.loop.post(func() { c.handleClose(code) }) },
		OnError:     func(err error) { c.loop.post(func() { c.handleError(err) }) },
		OnReconnect: func(attempt int, delay time.Duration) { c.loop.post(func() { c.handleReconnect(attempt, delay) }) },
	}
}

func (c *Controller) SessionID() string {
	return c.cfg.SessionID
}

// Open shows the widget and connects.
func (c *Controller) Open() error {
	return c.do(func() {
		c.isOpen = true
		c.conn.SetEnabled(true)
		c.conn.Connect()
	})
}

// Close hides the widget. The connection stays up.
func (c *Controller) Close() error {
	return c.do(func() {
		c.isOpen = false
	})
}

// Refresh drops the conversation back to its seed and reconnects.
func (c *Controller) Refresh() error {
	return c.do(func() {
		c.log.Info("refreshing conversation")
		c.conn.Disconnect()
		c.history = c.seed()
		c.context = prompts.ContextInitial
		c.lastSent = prompts.ContextInitial
		c.selected = nil
		c.loading = false
		c.connErr = ""
		c.online = false
		c.conn.SetEnabled(true)
		c.conn.Connect()
	})
}

// SelectProduct focuses the conversation on p.
func (c *Controller) SelectProduct(p models.Product) error {
	return c.do(func() {
		c.selected = &p
		c.setContext(prompts.ContextProductDetail)
	})
}

// SendUserText transmits text typed by the user. Any instruction the text
// calls for is sent first. The user's message enters history when the service
// echoes it back.
func (c *Controller) SendUserText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	var (
		instruction string
		sentCtx     prompts.Context
		prevSent    prompts.Context
		err         error
	)
	ok := c.loop.call(func() {
		switch {
		case c.closed:
			err = ErrClosed
		case c.sending:
			err = ErrSendInFlight
		case !c.online:
			c.log.Warn("send attempted while disconnected")
			c.connErr = MsgSendOffline
			c.conn.Connect()
			c.changed()
			err = connection.ErrNotConnected
		default:
			c.sending = true
			if ctx, changed := prompts.ClassifyUserText(text); changed && ctx != c.context {
				c.context = ctx
			}
			if c.context != c.lastSent {
				instruction = prompts.Instruction(c.context)
				sentCtx = c.context
				prevSent = c.lastSent
				c.lastSent = c.context
			}
		}
	})
	if !ok {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	// The socket write happens off the loop so inbound events keep flowing;
	// sending stays set until it completes.
	sentInstruction := instruction == ""
	if instruction != "" {
		if err = c.conn.Send(instruction); err == nil {
			sentInstruction = true
		}
	}
	if err == nil {
		err = c.conn.Send(text)
	}

	c.loop.post(func() {
		c.sending = false
		if c.closed {
			return
		}
		if instruction != "" {
			if sentInstruction {
				metrics.InstructionsSent.WithLabelValues(string(sentCtx)).Inc()
			} else if c.lastSent == sentCtx {
				c.lastSent = prevSent
			}
		}
		if err != nil {
			c.log.Warn("failed to send message", zap.Error(err))
			c.connErr = MsgSendOffline
			c.conn.Connect()
		} else {
			c.loading = true
			c.connErr = ""
			// Frames handled during the write may have moved the context on.
			c.syncInstruction()
		}
		c.changed()
	})
	return err
}

// Snapshot returns the current UI state. After Shutdown it returns the last
// state before teardown.
func (c *Controller) Snapshot() Snapshot {
	var s Snapshot
	if c.loop.call(func() { s = c.snapshot() }) {
		return s
	}
	if f := c.final.Load(); f != nil {
		return *f
	}
	return Snapshot{SessionID: c.cfg.SessionID}
}

// DisplayMessages returns history followed by the loading and connection
// error placeholders.
func (c *Controller) DisplayMessages() []DisplayMessage {
	return c.Snapshot().Messages
}

// Shutdown tears the connection down. Events still in flight are dropped.
func (c *Controller) Shutdown() {
	c.loop.call(func() {
		if c.closed {
			return
		}
		c.closed = true
		s := c.snapshot()
		c.final.Store(&s)
		c.conn.Teardown()
		c.log.Info("widget shut down")
	})
	c.loop.stop()
	c.notifier.stop()
}

func (c *Controller) do(fn func()) error {
	var closed bool
	ok := c.loop.call(func() {
		if c.closed {
			closed = true
			return
		}
		fn()
		c.changed()
	})
	if !ok || closed {
		return ErrClosed
	}
	return nil
}

func (c *Controller) handleOpen() {
	if c.closed {
		return
	}
	c.online = true
	c.connErr = ""
	c.syncInstruction()
	c.changed()
}

func (c *Controller) handleClose(code int) {
	if c.closed {
		return
	}
	c.log.Debug("connection closed", zap.Int("code", code))
	c.online = false
	// A pending reply does not survive the connection.
	c.loading = false
	c.changed()
}

func (c *Controller) handleReconnect(attempt int, delay time.Duration) {
	if c.closed {
		return
	}
	c.log.Info("reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	c.connErr = MsgReconnecting
	c.changed()
}

func (c *Controller) handleError(err error) {
	if c.closed {
		return
	}
	var perr *connection.ParseError
	switch {
	case errors.As(err, &perr):
		c.log.Warn("ignoring malformed frame", zap.Error(err))
		return
	case errors.Is(err, connection.ErrReconnectExhausted):
		c.connErr = MsgRefreshRequired
	default:
		c.log.Warn("connection error", zap.Error(err))
		c.connErr = MsgReconnecting
	}
	c.loading = false
	c.changed()
}

func (c *Controller) handleFrame(f models.InboundFrame) {
	if c.closed {
		return
	}
	// Frames queued by a connection that has since gone away.
	if !c.online {
		c.log.Debug("dropping frame received while offline", zap.String("type", f.Type))
		return
	}
	if !f.Displayable() {
		c.log.Debug("ignoring frame", zap.String("type", f.Type))
		return
	}
	if prompts.IsInstruction(f.Message) {
		return
	}

	c.history = append(c.history, entry{frame: f, received: c.now()})
	c.loading = false

	if ctx, ok := prompts.Classify(f, c.selected != nil); ok {
		c.setContext(ctx)
	}
	c.changed()
}

func (c *Controller) setContext(ctx prompts.Context) {
	if ctx == c.context {
		return
	}
	c.log.Debug("context changed", zap.String("from", string(c.context)), zap.String("to", string(ctx)))
	c.context = ctx
	c.syncInstruction()
}

// syncInstruction sends the instruction for the active context unless it was
// already the last one sent. Nothing is sent while offline; the next open
// catches up.
func (c *Controller) syncInstruction() {
	if !c.online || c.sending || c.context == c.lastSent {
		return
	}
	if err := c.conn.Send(prompts.Instruction(c.context)); err != nil {
		c.log.Warn("failed to send instruction", zap.String("context", string(c.context)), zap.Error(err))
		return
	}
	c.lastSent = c.context
	metrics.InstructionsSent.WithLabelValues(string(c.context)).Inc()
}

// changed hands a snapshot to OnChange on the notifier goroutine.
func (c *Controller) changed() {
	if c.cfg.OnChange == nil {
		return
	}
	s := c.snapshot()
	c.notifier.post(func() { c.cfg.OnChange(s) })
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		SessionID:       c.cfg.SessionID,
		Title:           c.cfg.Title,
		Placeholder:     c.cfg.Placeholder,
		IsOpen:          c.isOpen,
		Online:          c.online,
		Loading:         c.loading,
		Context:         c.context,
		ConnectionError: c.connErr,
		Messages:        c.displayMessages(),
	}
	if c.selected != nil {
		p := *c.selected
		s.SelectedProduct = &p
	}
	return s
}

func (c *Controller) displayMessages() []DisplayMessage {
	now := c.now()
	msgs := make([]DisplayMessage, 0, len(c.history)+2)
	for i, e := range c.history {
		msgs = append(msgs, e.display(i))
	}
	if c.loading {
		msgs = append(msgs, loadingMessage(now))
	}
	if c.connErr != "" {
		msgs = append(msgs, connectionErrorMessage(c.connErr, now))
	}
	return msgs
}
