package widget

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-widget/adapters"
	"chat-widget/connection"
	"chat-widget/models"
	"chat-widget/prompts"
)

type fakeConn struct {
	mu          sync.Mutex
	sent        []string
	connects    int
	disconnects int
	teardowns   int
	enabled     bool
	sendErr     error

	// onDisconnect runs inside Disconnect, before it returns.
	onDisconnect func()

	// When block is set, Send signals entered and waits for block to close.
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeConn) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	hook := f.onDisconnect
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (f *fakeConn) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
}

func (f *fakeConn) SetEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeConn) Send(text string) error {
	f.mu.Lock()
	block, entered, err := f.block, f.entered, f.sendErr
	f.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeConn) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeConn) counts() (connects, disconnects, teardowns int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, f.teardowns
}

func newTestController(t *testing.T, cfg Config) (*Controller, *fakeConn) {
	t.Helper()
	if cfg.URL == "" {
		cfg.URL = "ws://chat.example.test/ws/chat/"
	}
	cfg, err := cfg.withDefaults()
	require.NoError(t, err)

	fc := &fakeConn{}
	c := newController(cfg, fc)
	t.Cleanup(c.Shutdown)
	return c, fc
}

// online opens the widget and reports the connection as established.
func online(t *testing.T, c *Controller) connection.Handlers {
	t.Helper()
	require.NoError(t, c.Open())
	h := c.handlers()
	h.OnOpen()
	require.True(t, c.Snapshot().Online)
	return h
}

func assistant(text string) models.InboundFrame {
	return models.InboundFrame{Type: models.FrameTypeMessage, Role: models.RoleAssistant, Message: text}
}

func userEcho(text string) models.InboundFrame {
	return models.InboundFrame{Type: models.FrameTypeMessage, Role: models.RoleUser, Message: text}
}

// searchReply carries a product_search result encoded as a JSON string, the
// way the service sends it.
func searchReply(t *testing.T, products ...models.Product) models.InboundFrame {
	t.Helper()
	if products == nil {
		products = []models.Product{}
	}
	payload, err := json.Marshal(adapters.ProductSearch{
		Data:     products,
		Metadata: adapters.SearchMetadata{SearchType: "hybrid", TotalResults: len(products)},
	})
	require.NoError(t, err)
	result, err := json.Marshal(string(payload))
	require.NoError(t, err)

	f := assistant("Here are some products that might interest you.")
	f.Metadata = &models.FrameMetadata{
		ToolResults: []models.ToolResult{{Tool: "product_search", Result: result}},
	}
	return f
}

var laptop = models.Product{
	Category:    "Electronics",
	Name:        "Ultralight Laptop",
	Description: "13 inch, 1.1 kg",
	Price:       999.99,
	Scores:      models.ProductScores{Hybrid: 0.92},
}

func TestInitAppliesDefaults(t *testing.T) {
	var got string
	c, err := Init(Config{
		URL:         "ws://127.0.0.1:1/ws/chat/",
		OnSessionID: func(id string) { got = id },
	})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	_, err = uuid.Parse(c.SessionID())
	require.NoError(t, err)
	assert.Equal(t, c.SessionID(), got)

	s := c.Snapshot()
	assert.Equal(t, DefaultTitle, s.Title)
	assert.Equal(t, DefaultPlaceholder, s.Placeholder)
	assert.Equal(t, prompts.ContextInitial, s.Context)
	assert.False(t, s.IsOpen)
	assert.False(t, s.Online)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, DefaultGreeting, s.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, s.Messages[0].Sender)
	assert.Equal(t, "0", s.Messages[0].ID)
}

func TestInitKeepsProvidedSession(t *testing.T) {
	c, err := Init(Config{URL: "https://chat.example.test/ws/chat/", SessionID: "abc"})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	assert.Equal(t, "abc", c.SessionID())
}

func TestInitValidatesURL(t *testing.T) {
	_, err := Init(Config{})
	require.Error(t, err)

	_, err = Init(Config{URL: "ftp://chat.example.test/"})
	require.Error(t, err)
}

func TestConversationScenario(t *testing.T) {
	c, fc := newTestController(t, Config{})
	h := online(t, c)

	assert.Empty(t, fc.sentFrames())

	require.NoError(t, c.SendUserText("find me a laptop"))
	s := c.Snapshot()
	assert.Equal(t, prompts.ContextProductSearch, s.Context)
	assert.True(t, s.Loading)
	assert.Equal(t, []string{
		prompts.Instruction(prompts.ContextProductSearch),
		"find me a laptop",
	}, fc.sentFrames())

	h.OnMessage(userEcho("find me a laptop"))
	h.OnMessage(searchReply(t, laptop))

	s = c.Snapshot()
	assert.Equal(t, prompts.ContextResultInteraction, s.Context)
	assert.False(t, s.Loading)
	require.Len(t, s.Messages, 3)
	assert.Equal(t, models.RoleUser, s.Messages[1].Sender)
	reply := s.Messages[2]
	require.Len(t, reply.Metadata.ToolResults, 1)
	ps, ok := reply.Metadata.ToolResults[0].(*adapters.ProductSearch)
	require.True(t, ok)
	require.Len(t, ps.Data, 1)
	assert.Equal(t, laptop.Name, ps.Data[0].Name)

	require.NoError(t, c.SelectProduct(ps.Data[0]))
	s = c.Snapshot()
	assert.Equal(t, prompts.ContextProductDetail, s.Context)
	require.NotNil(t, s.SelectedProduct)
	assert.Equal(t, laptop.Name, s.SelectedProduct.Name)

	sent := fc.sentFrames()
	assert.Equal(t, []string{
		prompts.Instruction(prompts.ContextResultInteraction),
		prompts.Instruction(prompts.ContextProductDetail),
	}, sent[2:])
}

func TestServerErrorFrame(t *testing.T) {
	c, fc := newTestController(t, Config{})
	h := online(t, c)

	f := assistant("The request timed out.")
	f.Metadata = &models.FrameMetadata{Error: models.ErrorTimeout}
	h.OnMessage(f)

	s := c.Snapshot()
	assert.Equal(t, prompts.ContextError, s.Context)
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, StatusError, last.Status)
	assert.Equal(t, models.ErrorTimeout, last.Metadata.Error)
	assert.Contains(t, fc.sentFrames(), prompts.Instruction(prompts.ContextError))
}

func TestErrorTypedFrameRendersAsSystemError(t *testing.T) {
	c, _ := newTestController(t, Config{})
	h := online(t, c)

	h.OnMessage(models.InboundFrame{Type: models.FrameTypeError, Message: "Failed to process message"})

	msgs := c.DisplayMessages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.RoleSystem, last.Sender)
	assert.Equal(t, StatusError, last.Status)
	assert.Equal(t, "Failed to process message", last.Content)
}

func TestSearchOutcomes(t *testing.T) {
	broken := assistant("Search failed.")
	broken.Metadata = &models.FrameMetadata{
		ToolResults: []models.ToolResult{{Tool: "product_search", Result: json.RawMessage(`"{not json"`)}},
	}
	codeOnly := assistant("Here is a snippet.")
	codeOnly.Metadata = &models.FrameMetadata{
		ToolResults: []models.ToolResult{{Tool: "code", Result: json.RawMessage(`{"code":"x := 1","language":"go"}`)}},
	}

	tests := []struct {
		name  string
		frame func(t *testing.T) models.InboundFrame
		want  prompts.Context
	}{
		{"results", func(t *testing.T) models.InboundFrame { return searchReply(t, laptop) }, prompts.ContextResultInteraction},
		{"empty", func(t *testing.T) models.InboundFrame { return searchReply(t) }, prompts.ContextNoResults},
		{"undecodable", func(*testing.T) models.InboundFrame { return broken }, prompts.ContextError},
		{"other tool", func(*testing.T) models.InboundFrame { return codeOnly }, prompts.ContextInitial},
		{"plain reply", func(*testing.T) models.InboundFrame { return assistant("Hello!") }, prompts.ContextInitial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t, Config{})
			h := online(t, c)
			h.OnMessage(tt.frame(t))
			assert.Equal(t, tt.want, c.Snapshot().Context)
		})
	}
}

func TestInstructionSentOncePerContext(t *testing.T) {
	c, fc := newTestController(t, Config{})
	h := online(t, c)

	h.OnMessage(searchReply(t))
	h.OnMessage(searchReply(t))
	h.OnMessage(searchReply(t))

	count := 0
	for _, text := range fc.sentFrames() {
		if text == prompts.Instruction(prompts.ContextNoResults) {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, c.DisplayMessages(), 4)
}

func TestInstructionEchoIsSuppressed(t *testing.T) {
	c, _ := newTestController(t, Config{})
	h := online(t, c)

	echo := userEcho(prompts.Instruction(prompts.ContextProductSearch))
	h.OnMessage(echo)

	s := c.Snapshot()
	assert.Len(t, s.Messages, 1)
	assert.Equal(t, prompts.ContextInitial, s.Context)
}

func TestInstructionWaitsUntilOnline(t *testing.T) {
	c, fc := newTestController(t, Config{})

	require.NoError(t, c.SelectProduct(laptop))
	assert.Equal(t, prompts.ContextProductDetail, c.Snapshot().Context)
	assert.Empty(t, fc.sentFrames())

	c.handlers().OnOpen()
	c.Snapshot()
	assert.Equal(t, []string{prompts.Instruction(prompts.ContextProductDetail)}, fc.sentFrames())
}

func TestUnknownFrameTypesAreIgnored(t *testing.T) {
	c, _ := newTestController(t, Config{})
	h := online(t, c)

	h.OnMessage(models.InboundFrame{Type: "typing", Role: models.RoleAssistant, Message: "..."})
	assert.Len(t, c.DisplayMessages(), 1)
}

func TestSendRejectsBlankText(t *testing.T) {
	c, fc := newTestController(t, Config{})
	online(t, c)

	assert.ErrorIs(t, c.SendUserText("   \n\t"), ErrEmptyMessage)
	assert.Empty(t, fc.sentFrames())
}

func TestSendWhileOffline(t *testing.T) {
	c, fc := newTestController(t, Config{})

	err := c.SendUserText("hello")
	assert.ErrorIs(t, err, connection.ErrNotConnected)

	s := c.Snapshot()
	assert.Equal(t, MsgSendOffline, s.ConnectionError)
	assert.False(t, s.Loading)
	assert.Empty(t, fc.sentFrames())
	connects, _, _ := fc.counts()
	assert.Equal(t, 1, connects)

	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, ConnectionErrorID, last.ID)
	assert.Equal(t, StatusError, last.Status)
}

func TestSendInFlightGuard(t *testing.T) {
	c, fc := newTestController(t, Config{})
	online(t, c)

	fc.mu.Lock()
	fc.block = make(chan struct{})
	fc.entered = make(chan struct{}, 4)
	fc.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- c.SendUserText("hello") }()

	select {
	case <-fc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("send never reached the connection")
	}

	assert.ErrorIs(t, c.SendUserText("hello again"), ErrSendInFlight)

	fc.mu.Lock()
	close(fc.block)
	fc.block = nil
	fc.mu.Unlock()

	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
	}

	require.NoError(t, c.SendUserText("hello again"))
	assert.Equal(t, []string{"hello", "hello again"}, fc.sentFrames())
}

func TestSendFailureReportsAndReconnects(t *testing.T) {
	c, fc := newTestController(t, Config{})
	online(t, c)

	fc.mu.Lock()
	fc.sendErr = errors.New("broken pipe")
	fc.mu.Unlock()

	err := c.SendUserText("show me headphones")
	require.Error(t, err)

	s := c.Snapshot()
	assert.Equal(t, MsgSendOffline, s.ConnectionError)
	assert.False(t, s.Loading)
	connects, _, _ := fc.counts()
	assert.Equal(t, 2, connects)

	fc.mu.Lock()
	fc.sendErr = nil
	fc.mu.Unlock()

	require.NoError(t, c.SendUserText("show me headphones"))
	assert.Equal(t, []string{
		prompts.Instruction(prompts.ContextProductSearch),
		"show me headphones",
	}, fc.sentFrames())
}

func TestDisplayMessageOrdering(t *testing.T) {
	c, _ := newTestController(t, Config{})
	h := online(t, c)

	require.NoError(t, c.SendUserText("hello"))
	h.OnReconnect(1, 2*time.Second)

	msgs := c.DisplayMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "0", msgs[0].ID)
	assert.Equal(t, LoadingID, msgs[1].ID)
	assert.Equal(t, DisplayTypeLoading, msgs[1].Type)
	assert.Equal(t, StatusSending, msgs[1].Status)
	assert.Equal(t, ConnectionErrorID, msgs[2].ID)
	assert.Equal(t, MsgReconnecting, msgs[2].Content)
}

func TestConnectionErrorLifecycle(t *testing.T) {
	c, _ := newTestController(t, Config{})
	h := online(t, c)

	require.NoError(t, c.SendUserText("hello there"))
	require.True(t, c.Snapshot().Loading)

	h.OnError(&connection.ParseError{Data: []byte("{"), Err: errors.New("unexpected end")})
	s := c.Snapshot()
	assert.Empty(t, s.ConnectionError)
	assert.True(t, s.Loading)

	h.OnError(errors.New("connection lost: EOF"))
	h.OnClose(1006)
	s = c.Snapshot()
	assert.Equal(t, MsgReconnecting, s.ConnectionError)
	assert.False(t, s.Online)
	assert.False(t, s.Loading)

	h.OnError(connection.ErrReconnectExhausted)
	assert.Equal(t, MsgRefreshRequired, c.Snapshot().ConnectionError)

	h.OnReconnect(1, 2*time.Second)
	h.OnOpen()
	s = c.Snapshot()
	assert.Empty(t, s.ConnectionError)
	assert.True(t, s.Online)
	assert.False(t, s.Loading)
	for _, m := range s.Messages {
		assert.NotEqual(t, LoadingID, m.ID)
	}
}

func TestCloseDropsPendingReply(t *testing.T) {
	c, _ := newTestController(t, Config{})
	h := online(t, c)

	require.NoError(t, c.SendUserText("hello there"))
	h.OnClose(1000)
	assert.False(t, c.Snapshot().Loading)
}

func TestCloseKeepsConnection(t *testing.T) {
	c, fc := newTestController(t, Config{})
	online(t, c)

	require.NoError(t, c.Close())
	s := c.Snapshot()
	assert.False(t, s.IsOpen)
	assert.True(t, s.Online)
	_, disconnects, _ := fc.counts()
	assert.Zero(t, disconnects)
}

func TestRefreshResetsConversation(t *testing.T) {
	c, fc := newTestController(t, Config{})
	h := online(t, c)

	require.NoError(t, c.SendUserText("find me a laptop"))
	h.OnMessage(searchReply(t, laptop))
	require.NoError(t, c.SelectProduct(laptop))

	require.NoError(t, c.Refresh())
	s := c.Snapshot()
	assert.Equal(t, prompts.ContextInitial, s.Context)
	assert.Nil(t, s.SelectedProduct)
	assert.False(t, s.Loading)
	assert.Empty(t, s.ConnectionError)
	assert.False(t, s.Online)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, DefaultGreeting, s.Messages[0].Content)

	connects, disconnects, _ := fc.counts()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, disconnects)

	before := len(fc.sentFrames())
	h.OnOpen()
	c.Snapshot()
	assert.Len(t, fc.sentFrames(), before)

	h.OnMessage(searchReply(t))
	sent := fc.sentFrames()
	require.Len(t, sent, before+1)
	assert.Equal(t, prompts.Instruction(prompts.ContextNoResults), sent[before])
}

func TestRefreshDropsFramesFromOldConnection(t *testing.T) {
	c, fc := newTestController(t, Config{})
	h := online(t, c)

	h.OnMessage(assistant("Hello!"))
	require.Len(t, c.DisplayMessages(), 2)

	// A frame the old connection delivered just before it was torn down.
	fc.mu.Lock()
	fc.onDisconnect = func() { h.OnMessage(assistant("stale reply from old connection")) }
	fc.mu.Unlock()

	require.NoError(t, c.Refresh())
	msgs := c.DisplayMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, DefaultGreeting, msgs[0].Content)

	h.OnOpen()
	h.OnMessage(assistant("fresh"))
	msgs = c.DisplayMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "fresh", msgs[1].Content)
}

func TestFirstOpenSendsNoInstruction(t *testing.T) {
	c, fc := newTestController(t, Config{})
	h := online(t, c)

	h.OnMessage(assistant("Hello!"))
	h.OnClose(1006)
	h.OnOpen()
	c.Snapshot()
	assert.Empty(t, fc.sentFrames())
}

func TestShutdownSilencesLateEvents(t *testing.T) {
	c, fc := newTestController(t, Config{})
	h := online(t, c)

	c.Shutdown()
	_, _, teardowns := fc.counts()
	assert.Equal(t, 1, teardowns)

	h.OnMessage(assistant("too late"))
	h.OnError(errors.New("connection lost"))
	h.OnClose(1006)

	s := c.Snapshot()
	assert.Len(t, s.Messages, 1)
	assert.Empty(t, s.ConnectionError)
	assert.True(t, s.Online)

	assert.ErrorIs(t, c.Open(), ErrClosed)
	assert.ErrorIs(t, c.SendUserText("hello"), ErrClosed)

	c.Shutdown()
	_, _, teardowns = fc.counts()
	assert.Equal(t, 1, teardowns)
}

func TestOnChangeMayCallBack(t *testing.T) {
	var c *Controller
	seen := make(chan Snapshot, 16)
	c, _ = newTestController(t, Config{
		OnChange: func(s Snapshot) {
			// Listeners run off the loop and can query the controller.
			c.Snapshot()
			seen <- s
		},
	})

	require.NoError(t, c.Open())
	select {
	case s := <-seen:
		assert.True(t, s.IsOpen)
	case <-time.After(2 * time.Second):
		t.Fatal("OnChange was not called")
	}
}
