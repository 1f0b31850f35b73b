package console

import (
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/alexsjones/sympozium-dashboard/internal/protocol"
	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

const (
	defaultMailboxSize = 64

	// ErrNotConnected is the session error recorded when a message is sent
	// without a live connection.
	ErrNotConnected = "Not connected to agent"
	// ErrUnknown is used for error frames that carry no message.
	ErrUnknown = "Unknown error"

	msgDisconnected = "Disconnected from agent"
)

// Factory creates the Connection a Console binds to on Connect.
type Factory func() (transport.Connection, error)

// Observer is told about finished transcript entries and status changes.
// Calls are made from the console's apply goroutine or the caller of
// SendMessage and must not block.
type Observer interface {
	StatusChanged(key string, status Status, errMsg string)
	MessageCompleted(key string, msg Message)
}

// Handler opens Consoles over a shared Store.
type Handler struct {
	store       *Store
	factory     Factory
	observer    Observer
	mailboxSize int
	log         logr.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithObserver registers an Observer for every Console the handler opens.
func WithObserver(o Observer) HandlerOption {
	return func(h *Handler) { h.observer = o }
}

// WithMailboxSize bounds the per-connection frame queue.
func WithMailboxSize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.mailboxSize = n
		}
	}
}

// NewHandler creates a Handler. factory is the default connection factory
// for Consoles opened without WithFactory.
func NewHandler(store *Store, factory Factory, log logr.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:       store,
		factory:     factory,
		mailboxSize: defaultMailboxSize,
		log:         log.WithName("console"),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Store returns the session store the handler writes to.
func (h *Handler) Store() *Store { return h.store }

// OpenOption configures a Console.
type OpenOption func(*Console)

// WithFactory overrides the connection factory for one Console.
func WithFactory(f Factory) OpenOption {
	return func(c *Console) { c.factory = f }
}

// Open binds a new Console to the session stored under key. Several
// Consoles may be open on the same key; they share the transcript.
func (h *Handler) Open(key string, opts ...OpenOption) *Console {
	c := &Console{
		key:         key,
		store:       h.store,
		factory:     h.factory,
		observer:    h.observer,
		mailboxSize: h.mailboxSize,
		log:         h.log.WithValues("sessionKey", key),
	}
	for _, o := range opts {
		o(c)
	}
	h.store.Get(key)
	return c
}

// Console is one consumer's handle on a session: it owns at most one
// Connection and applies that connection's events to the session.
type Console struct {
	key         string
	store       *Store
	factory     Factory
	observer    Observer
	mailboxSize int
	log         logr.Logger

	mu         sync.Mutex
	conn       transport.Connection
	registered bool
	box        *mailbox
}

// Key returns the session key the console is bound to.
func (c *Console) Key() string { return c.key }

// Snapshot returns the current session state.
func (c *Console) Snapshot() Session { return c.store.Get(c.key) }

// Connected reports whether the console currently owns a Connection.
func (c *Console) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect creates the Connection on first use, registers the event
// callbacks once for that Connection and asks it to connect.
func (c *Console) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if c.factory == nil {
			c.applyStatus(transport.StatusError, "no connection factory configured")
			return
		}
		conn, err := c.factory()
		if err != nil {
			c.log.Error(err, "failed to create connection")
			c.applyStatus(transport.StatusError, err.Error())
			return
		}
		c.conn = conn
		c.registered = false
	}

	if !c.registered {
		box := newMailbox(c.mailboxSize)
		go c.run(box)
		c.conn.OnMessage(func(f protocol.Frame) { box.push(event{frame: f}) })
		c.conn.OnStatusChange(func(s transport.Status, msg string) {
			box.push(event{isStatus: true, status: s, errMsg: msg})
		})
		c.box = box
		c.registered = true
		activeConnections.Inc()
	}

	c.conn.Connect()
}

// Disconnect tears down the Connection. The transcript is kept. Events the
// connection delivered before it closed are applied before Disconnect
// returns.
func (c *Console) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	c.conn.Disconnect()
	if c.box != nil {
		c.box.close()
		<-c.box.done
		activeConnections.Dec()
	}
	c.conn = nil
	c.box = nil
	c.registered = false

	// Collaborators are expected to report the disconnect themselves; this
	// covers ones that do not. It is a no-op when already disconnected.
	c.applyStatus(transport.StatusDisconnected, "")
}

// Close releases the console. The session remains in the store.
func (c *Console) Close() { c.Disconnect() }

// ClearMessages empties the session transcript.
func (c *Console) ClearMessages() { c.store.ClearMessages(c.key) }

// SendMessage records a user turn and hands it to the Connection.
// Whitespace-only content without attachments is ignored. A reply still
// streaming is closed off before the user turn is appended.
func (c *Console) SendMessage(content string, attachments []FileAttachment) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" && len(attachments) == 0 {
		return
	}

	msg := Message{
		ID:          NewID(),
		Role:        RoleUser,
		Content:     trimmed,
		Timestamp:   time.Now(),
		Attachments: attachments,
	}
	var settled []Message
	c.store.Update(c.key, func(s Session) Session {
		settled = settleStreams(&s)
		s.Messages = append(s.Messages, msg)
		return s
	})
	c.notifyMessages(settled)
	c.notifyMessage(msg)

	parts := AttachmentsToParts(attachments, c.log)

	// Holding mu keeps a concurrent Disconnect from tearing the
	// connection down between the check and Send.
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		messagesSent.WithLabelValues("not_connected").Inc()
		c.store.SetStatus(c.key, transport.StatusError, ErrNotConnected)
		c.notifyStatus(transport.StatusError, ErrNotConnected)
		return
	}

	messagesSent.WithLabelValues("sent").Inc()
	c.conn.Send(trimmed, transport.SendOptions{Parts: parts})
}

// run applies queued events in arrival order until the mailbox is closed.
func (c *Console) run(box *mailbox) {
	defer close(box.done)
	for ev := range box.ch {
		if ev.isStatus {
			c.applyStatus(ev.status, ev.errMsg)
			continue
		}
		c.applyFrame(ev.frame)
	}
}

func (c *Console) applyStatus(status Status, errMsg string) {
	var changed bool
	var system *Message

	c.store.Update(c.key, func(s Session) Session {
		prev := s.Status
		switch status {
		case transport.StatusError:
			if errMsg == "" {
				errMsg = ErrUnknown
			}
			if prev != transport.StatusError {
				m := systemMessage("Connection error: " + errMsg)
				s.Messages = append(s.Messages, m)
				system = &m
			}
			s.Error = errMsg
		case transport.StatusDisconnected:
			if prev == transport.StatusConnected {
				m := systemMessage(msgDisconnected)
				s.Messages = append(s.Messages, m)
				system = &m
			}
			s.Error = ""
		default:
			s.Error = ""
		}
		changed = prev != status
		s.Status = status
		return s
	})

	if changed {
		c.log.V(1).Info("Console status changed", "status", status, "error", errMsg)
		c.notifyStatus(status, errMsg)
	}
	if system != nil {
		c.notifyMessage(*system)
	}
}

func (c *Console) applyFrame(f protocol.Frame) {
	if f == nil {
		return
	}
	framesApplied.WithLabelValues(f.FrameType()).Inc()

	switch v := f.(type) {
	case protocol.Connected:
		if v.SessionID != "" {
			c.store.SetSessionID(c.key, v.SessionID)
		}
	case protocol.Chunk:
		c.applyChunk(v)
	case protocol.Done:
		c.applyDone(v)
	case protocol.ToolCall:
		c.applyToolCall(v)
	case protocol.ToolResult:
		c.applyToolResult(v)
	case protocol.Error:
		msg := v.Message
		if msg == "" {
			msg = ErrUnknown
		}
		c.applyStatus(transport.StatusError, msg)
	}
}

func (c *Console) applyChunk(f protocol.Chunk) {
	var settled []Message
	c.store.Update(c.key, func(s Session) Session {
		if last := lastMessage(s); last != nil && last.Role == RoleAssistant && last.IsStreaming {
			last.Content += f.Content
			return s
		}
		settled = settleStreams(&s)
		s.Messages = append(s.Messages, assistantMessage(f.Content, f.Timestamp))
		return s
	})
	c.notifyMessages(settled)
}

func (c *Console) applyDone(f protocol.Done) {
	var finished Message
	c.store.Update(c.key, func(s Session) Session {
		// The reply being finished is the open stream, even when a system
		// note was appended after it.
		last := streamingMessage(s)
		if last == nil {
			last = lastMessage(s)
		}
		if last == nil || last.Role != RoleAssistant {
			// A reply that was never streamed arrives whole.
			s.Messages = append(s.Messages, assistantMessage("", f.Timestamp))
			last = lastMessage(s)
		}
		last.IsStreaming = false

		if len(f.Parts) > 0 {
			text := ExtractText(f.Parts)
			if text == "" && f.Content != nil {
				text = *f.Content
			}
			if text != "" {
				last.Content = text
			}
			if atts := PartsToAttachments(f.Parts); len(atts) > 0 {
				last.Attachments = append(last.Attachments, atts...)
			}
		} else if f.Content != nil {
			last.Content = *f.Content
		}
		finished = last.clone()
		return s
	})
	c.notifyMessage(finished)
}

func (c *Console) applyToolCall(f protocol.ToolCall) {
	if f.Call == nil {
		return
	}
	call := ToolCall{
		ID:        f.Call.ID,
		Name:      f.Call.Name,
		Arguments: f.Call.Arguments,
		Status:    ToolCallPending,
	}
	var settled []Message
	c.store.Update(c.key, func(s Session) Session {
		last := lastMessage(s)
		if last == nil || last.Role != RoleAssistant {
			settled = settleStreams(&s)
			s.Messages = append(s.Messages, assistantMessage("", f.Timestamp))
			last = lastMessage(s)
		}
		last.ToolCalls = append(last.ToolCalls, call)
		return s
	})
	c.notifyMessages(settled)
}

func (c *Console) applyToolResult(f protocol.ToolResult) {
	if f.Result == nil {
		return
	}
	matched := false
	c.store.UpdateLastMessage(c.key, func(m Message) Message {
		for i := range m.ToolCalls {
			// A call settles once; later results for its id are ignored.
			if m.ToolCalls[i].ID != f.Result.ID || m.ToolCalls[i].Status != ToolCallPending {
				continue
			}
			if f.Result.Error != "" {
				m.ToolCalls[i].Status = ToolCallError
				m.ToolCalls[i].Error = f.Result.Error
			} else {
				m.ToolCalls[i].Status = ToolCallSuccess
				m.ToolCalls[i].Result = f.Result.ResultText()
			}
			matched = true
			break
		}
		return m
	})
	if !matched {
		c.log.V(1).Info("Ignoring tool result with no pending call", "toolCallID", f.Result.ID)
	}
}

func (c *Console) notifyStatus(status Status, errMsg string) {
	if c.observer != nil {
		c.observer.StatusChanged(c.key, status, errMsg)
	}
}

func (c *Console) notifyMessage(m Message) {
	if c.observer != nil {
		c.observer.MessageCompleted(c.key, m)
	}
}

func (c *Console) notifyMessages(msgs []Message) {
	for _, m := range msgs {
		c.notifyMessage(m)
	}
}

func lastMessage(s Session) *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// streamingMessage returns the most recent message still streaming.
func streamingMessage(s Session) *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].IsStreaming {
			return &s.Messages[i]
		}
	}
	return nil
}

// settleStreams ends every open stream in s and returns copies of the
// messages it closed.
func settleStreams(s *Session) []Message {
	var settled []Message
	for i := range s.Messages {
		if s.Messages[i].IsStreaming {
			s.Messages[i].IsStreaming = false
			settled = append(settled, s.Messages[i].clone())
		}
	}
	return settled
}

func assistantMessage(content string, ts time.Time) Message {
	if ts.IsZero() {
		ts = time.Now()
	}
	return Message{
		ID:          NewID(),
		Role:        RoleAssistant,
		Content:     content,
		Timestamp:   ts,
		IsStreaming: true,
		ToolCalls:   []ToolCall{},
	}
}

func systemMessage(content string) Message {
	return Message{
		ID:        NewID(),
		Role:      RoleSystem,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// event is one queued callback from the Connection.
type event struct {
	frame    protocol.Frame
	isStatus bool
	status   transport.Status
	errMsg   string
}

// mailbox is the bounded, ordered queue between a Connection's callbacks
// and the console's apply goroutine. Pushes block while the queue is full
// so no frame is dropped; pushes after close are discarded.
type mailbox struct {
	mu     sync.Mutex
	closed bool
	ch     chan event
	done   chan struct{}
}

func newMailbox(size int) *mailbox {
	return &mailbox{
		ch:   make(chan event, size),
		done: make(chan struct{}),
	}
}

func (b *mailbox) push(ev event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.ch <- ev
}

func (b *mailbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}
