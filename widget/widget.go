package widget

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-widget/connection"
	"chat-widget/models"
)

const (
	DefaultTitle       = "Chat Assistant"
	DefaultPlaceholder = "Type a message..."
	DefaultGreeting    = "👋 Hi there! I'm your product search assistant. I can help you find exactly what you're looking for in our catalog."
)

// Config is everything a host page hands to Init.
type Config struct {
	// SessionID is generated when empty.
	SessionID string
	// URL is the websocket base address of the conversational service.
	URL string

	Title       string
	Placeholder string

	// InitialMessages seed the history. Defaults to a single greeting.
	InitialMessages []models.InboundFrame

	ReconnectAttempts int
	ReconnectInterval time.Duration

	// ConnectEagerly dials at Init instead of waiting for Open.
	ConnectEagerly bool

	// OnSessionID is called once with the finalized session id.
	OnSessionID func(sessionID string)

	// OnChange receives a snapshot after every handled event. It runs on its
	// own goroutine and may call back into the Controller.
	OnChange func(Snapshot)

	Logger *zap.Logger
	Dialer connection.Dialer
}

func (c Config) withDefaults() (Config, error) {
	if c.URL == "" {
		return c, errors.New("widget URL is required")
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	if c.Placeholder == "" {
		c.Placeholder = DefaultPlaceholder
	}
	if len(c.InitialMessages) == 0 {
		c.InitialMessages = []models.InboundFrame{{
			Type:    models.FrameTypeMessage,
			Role:    models.RoleAssistant,
			Message: DefaultGreeting,
		}}
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = connection.DefaultReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = connection.DefaultReconnectInterval
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c, nil
}

// Init builds a self-contained widget controller: it finalizes the session,
// wires the connection manager to the conversation state and, when
// configured, connects right away.
func Init(cfg Config) (*Controller, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	mgr, err := connection.New(connection.Options{
		URL:               cfg.URL,
		SessionID:         cfg.SessionID,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectInterval: cfg.ReconnectInterval,
		Enabled:           cfg.ConnectEagerly,
		Dialer:            cfg.Dialer,
		Logger:            cfg.Logger,
	}, connection.Handlers{})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	c := newController(cfg, mgr)
	mgr.SetHandlers(c.handlers())

	if cfg.OnSessionID != nil {
		cfg.OnSessionID(cfg.SessionID)
	}
	c.log.Info("widget initialized", zap.String("url", mgr.Target()))

	if cfg.ConnectEagerly {
		mgr.Connect()
	}
	return c, nil
}
