package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chat-widget/adapters"
	"chat-widget/metrics"
	"chat-widget/models"
	"chat-widget/prompts"
)

const (
	DefaultReplyTimeout = 60 * time.Second
	DefaultSearchLimit  = 5

	writeWait = 10 * time.Second
)

type Options struct {
	Store   Store
	Catalog *Catalog
	Logger  *zap.Logger

	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string

	// ReplyDelay simulates model latency before each reply.
	ReplyDelay   time.Duration
	ReplyTimeout time.Duration
	SearchLimit  int
}

// Handler is a stand-in conversational service. It speaks the widget's wire
// protocol: instructions switch the session prompt, user text is echoed and
// answered with product search results.
type Handler struct {
	opts           Options
	log            *zap.Logger
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
}

func NewHandler(opts Options) *Handler {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultSearchLimit
	}

	origins := make(map[string]bool)
	for _, o := range opts.AllowedOrigins {
		origins[strings.TrimSpace(o)] = true
	}
	h := &Handler{
		opts:           opts,
		log:            opts.Logger.With(zap.String("component", "peer")),
		allowedOrigins: origins,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // allow non-browser clients
	}
	return h.allowedOrigins[origin]
}

// session is one live socket.
type session struct {
	id         string
	conn       *websocket.Conn
	writeMu    sync.Mutex
	processing atomic.Bool
	wg         sync.WaitGroup
}

func (s *session) write(frame models.InboundFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s := &session{id: sessionID, conn: conn}
	log := h.log.With(zap.String("session_id", sessionID))
	metrics.PeerSessions.Inc()
	defer metrics.PeerSessions.Dec()
	log.Info("session connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.wg.Wait()
		log.Info("session disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		h.receive(ctx, s, log, data)
	}
}

func (h *Handler) receive(ctx context.Context, s *session, log *zap.Logger, data []byte) {
	if s.processing.Load() {
		log.Warn("ignoring message while processing")
		return
	}

	var content map[string]json.RawMessage
	if err := json.Unmarshal(data, &content); err != nil || content == nil {
		log.Warn("invalid message format", zap.Error(err))
		h.sendError(s, log, "Invalid message format")
		return
	}
	raw, ok := content["message"]
	var text string
	if ok {
		ok = json.Unmarshal(raw, &text) == nil && strings.TrimSpace(text) != ""
	}
	if !ok {
		h.sendError(s, log, "Message content required")
		return
	}

	if prompts.IsInstruction(text) {
		h.setPrompt(ctx, s, log, text)
		return
	}

	if err := s.write(models.InboundFrame{
		Type:      models.FrameTypeMessage,
		Role:      models.RoleUser,
		Message:   text,
		Timestamp: timestamp(),
	}); err != nil {
		log.Warn("failed to echo message", zap.Error(err))
		return
	}

	s.processing.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.reply(ctx, s, log, text)
	}()
}

func (h *Handler) setPrompt(ctx context.Context, s *session, log *zap.Logger, text string) {
	prompt := strings.TrimSpace(strings.TrimPrefix(text, strings.TrimSpace(prompts.Tag)))

	sess, err := h.opts.Store.Load(ctx, s.id)
	if err != nil {
		log.Error("failed to load session", zap.Error(err))
		h.sendError(s, log, err.Error())
		return
	}
	if !sess.SetPrompt(prompt) {
		return
	}
	if err := h.opts.Store.Save(ctx, s.id, sess); err != nil {
		log.Error("failed to save session", zap.Error(err))
		h.sendError(s, log, err.Error())
		return
	}
	log.Debug("session prompt updated")
}

func (h *Handler) reply(ctx context.Context, s *session, log *zap.Logger, text string) {
	defer s.processing.Store(false)
	ctx, cancel := context.WithTimeout(ctx, h.opts.ReplyTimeout)
	defer cancel()

	frame, err := h.answer(ctx, s.id, text)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		log.Error("reply timed out")
		metrics.PeerSearches.WithLabelValues("error").Inc()
		frame = failure(models.RoleAssistant, models.ErrorTimeout,
			"I apologize, but the search took too long. Please try again with a more specific query.")
	case errors.Is(err, context.Canceled):
		log.Warn("reply cancelled")
		return
	case err != nil:
		log.Error("failed to answer message", zap.Error(err))
		metrics.PeerSearches.WithLabelValues("error").Inc()
		frame = failure(models.RoleSystem, models.ErrorSystem, "Error: "+err.Error())
	}

	// Accept the next message before the client can react to this reply.
	s.processing.Store(false)
	if err := s.write(frame); err != nil {
		log.Warn("failed to send reply", zap.Error(err))
	}
}

func (h *Handler) answer(ctx context.Context, sessionID, text string) (models.InboundFrame, error) {
	if h.opts.ReplyDelay > 0 {
		select {
		case <-time.After(h.opts.ReplyDelay):
		case <-ctx.Done():
			return models.InboundFrame{}, ctx.Err()
		}
	}

	sess, err := h.opts.Store.Load(ctx, sessionID)
	if err != nil {
		return models.InboundFrame{}, err
	}

	var products []models.Product
	if h.opts.Catalog != nil {
		products = h.opts.Catalog.Search(text, h.opts.SearchLimit)
	}
	if products == nil {
		products = []models.Product{}
	}
	result := adapters.ProductSearch{
		Data: products,
		Metadata: adapters.SearchMetadata{
			SearchType:   "hybrid",
			TotalResults: len(products),
			Query:        text,
		},
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return models.InboundFrame{}, fmt.Errorf("failed to marshal search result: %w", err)
	}
	// The payload travels as a JSON string inside the tool result.
	encoded, err := json.Marshal(string(payload))
	if err != nil {
		return models.InboundFrame{}, fmt.Errorf("failed to encode search result: %w", err)
	}

	message := summarize(text, products)
	sess.Append(
		Message{Role: string(models.RoleUser), Content: text},
		Message{Role: string(models.RoleAssistant), Content: message},
	)
	if err := h.opts.Store.Save(ctx, sessionID, sess); err != nil {
		return models.InboundFrame{}, err
	}

	if len(products) == 0 {
		metrics.PeerSearches.WithLabelValues("empty").Inc()
	} else {
		metrics.PeerSearches.WithLabelValues("hit").Inc()
	}

	contextUsed, confidence := true, 1.0
	return models.InboundFrame{
		Type:      models.FrameTypeMessage,
		Role:      models.RoleAssistant,
		Message:   message,
		Timestamp: timestamp(),
		Metadata: &models.FrameMetadata{
			ContextUsed: &contextUsed,
			Confidence:  &confidence,
			ToolResults: []models.ToolResult{{Tool: string(adapters.KindProductSearch), Result: encoded}},
		},
	}, nil
}

func summarize(query string, products []models.Product) string {
	if len(products) == 0 {
		return "No matching products were found."
	}
	var b strings.Builder
	b.WriteString("Here are some products that might interest you:\n\n")
	for i, p := range products {
		fmt.Fprintf(&b, "%d. %s - %s Price: $%.2f\n", i+1, p.Name, p.Description, p.Price)
	}
	fmt.Fprintf(&b, "\nThese results are based on the search term '%s'.", query)
	return b.String()
}

func (h *Handler) sendError(s *session, log *zap.Logger, text string) {
	if err := s.write(failure(models.RoleSystem, models.ErrorSystem, "Error: "+text)); err != nil {
		log.Warn("failed to send error", zap.Error(err))
	}
}

// failure builds an error reply. The empty search result is inline rather
// than string-encoded.
func failure(role models.Role, kind models.ErrorKind, text string) models.InboundFrame {
	result := json.RawMessage(fmt.Sprintf(`{"data":[],"metadata":{"search_type":"hybrid","total_results":0,"error":%q}}`, kind))
	return models.InboundFrame{
		Type:      models.FrameTypeMessage,
		Role:      role,
		Message:   text,
		Timestamp: timestamp(),
		Metadata: &models.FrameMetadata{
			Error:       kind,
			ToolResults: []models.ToolResult{{Tool: string(adapters.KindProductSearch), Result: result}},
		},
	}
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
