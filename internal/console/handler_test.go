package console

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexsjones/sympozium-dashboard/internal/protocol"
	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

// fakeConn is a Connection driven directly by the test.
type fakeConn struct {
	mu        sync.Mutex
	onMessage func(protocol.Frame)
	onStatus  func(transport.Status, string)
	registers int
	connects  int
	sent      []string
	sentParts [][]protocol.ContentPart
	closed    bool
}

func (f *fakeConn) Connect() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.status(transport.StatusConnecting, "")
	f.status(transport.StatusConnected, "")
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.status(transport.StatusDisconnected, "")
}

func (f *fakeConn) Send(content string, opts transport.SendOptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	f.sentParts = append(f.sentParts, opts.Parts)
}

func (f *fakeConn) OnMessage(fn func(protocol.Frame)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onMessage = fn
	f.registers++
}

func (f *fakeConn) OnStatusChange(fn func(transport.Status, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStatus = fn
}

func (f *fakeConn) emit(frames ...protocol.Frame) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	for _, fr := range frames {
		fn(fr)
	}
}

func (f *fakeConn) status(s transport.Status, msg string) {
	f.mu.Lock()
	fn := f.onStatus
	f.mu.Unlock()
	if fn != nil {
		fn(s, msg)
	}
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// recordingObserver captures observer notifications.
type recordingObserver struct {
	mu       sync.Mutex
	statuses []transport.Status
	messages []Message
}

func (o *recordingObserver) StatusChanged(_ string, s Status, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func (o *recordingObserver) MessageCompleted(_ string, m Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, m)
}

func newConsole(t *testing.T, opts ...HandlerOption) (*Console, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	h := NewHandler(NewStore(logr.Discard()), func() (transport.Connection, error) { return conn, nil }, logr.Discard(), opts...)
	c := h.Open("default/agent")
	t.Cleanup(c.Close)
	return c, conn
}

func connect(t *testing.T, c *Console) {
	t.Helper()
	c.Connect()
	waitStatus(t, c, transport.StatusConnected)
}

func waitStatus(t *testing.T, c *Console, want transport.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Snapshot().Status == want }, time.Second, time.Millisecond)
}

func waitMessages(t *testing.T, c *Console, cond func([]Message) bool) []Message {
	t.Helper()
	var msgs []Message
	require.Eventually(t, func() bool {
		msgs = c.Snapshot().Messages
		return cond(msgs)
	}, time.Second, time.Millisecond)
	return msgs
}

func countRole(msgs []Message, role Role) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}

func TestConsole_ChunksConcatenateIntoOneStreamingMessage(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(protocol.Chunk{Content: "Hel"}, protocol.Chunk{Content: "lo"})

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 1 && m[0].Content == "Hello" })
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.True(t, msgs[0].IsStreaming)
	assert.NotNil(t, msgs[0].ToolCalls)
}

func TestConsole_DoneWithPartsReplacesContentAndAddsAttachments(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(
		protocol.Chunk{Content: "partial"},
		protocol.Done{Parts: []protocol.ContentPart{
			{Type: protocol.PartText, Text: "A"},
			{Type: protocol.PartImage, Media: &protocol.Media{Data: "X", MimeType: "image/png", Filename: "x.png"}},
		}},
	)

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 1 && !m[0].IsStreaming })
	assert.Equal(t, "A", msgs[0].Content)
	require.Len(t, msgs[0].Attachments, 1)
	att := msgs[0].Attachments[0]
	assert.Equal(t, "x.png", att.Name)
	assert.Equal(t, "image/png", att.Type)
	assert.Equal(t, "data:image/png;base64,X", att.DataURL)
}

func TestConsole_DoneWithContentOverridesStreamedText(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	final := "Final answer"
	conn.emit(protocol.Chunk{Content: "Fin"}, protocol.Done{Content: &final})

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 1 && !m[0].IsStreaming })
	assert.Equal(t, final, msgs[0].Content)
}

func TestConsole_DoneWithoutPayloadKeepsStreamedText(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(protocol.Chunk{Content: "kept"}, protocol.Done{})

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 1 && !m[0].IsStreaming })
	assert.Equal(t, "kept", msgs[0].Content)
}

func TestConsole_DoneWithoutChunksAppendsAssistantReply(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)
	c.SendMessage("hi", nil)

	reply := "whole reply"
	conn.emit(protocol.Done{Content: &reply})

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 2 })
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	assert.Equal(t, reply, msgs[1].Content)
	assert.False(t, msgs[1].IsStreaming)
}

func TestConsole_ChunkAfterDoneStartsNewMessage(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(protocol.Chunk{Content: "one"}, protocol.Done{}, protocol.Chunk{Content: "two"})

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 2 })
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[1].Content)
	assert.True(t, msgs[1].IsStreaming)
}

func TestConsole_ToolResultMatchesCallByID(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(
		protocol.Chunk{Content: "checking"},
		protocol.ToolCall{Call: &protocol.ToolCallRequest{ID: "t1", Name: "get_weather", Arguments: []byte(`{"city":"Oslo"}`)}},
		protocol.ToolCall{Call: &protocol.ToolCallRequest{ID: "t2", Name: "list_pods"}},
		protocol.ToolResult{Result: &protocol.ToolResultPayload{ID: "t1", Result: []byte(`"sunny"`)}},
		protocol.ToolResult{Result: &protocol.ToolResultPayload{ID: "t2", Error: "forbidden"}},
	)

	msgs := waitMessages(t, c, func(m []Message) bool {
		return len(m) == 1 && len(m[0].ToolCalls) == 2 && m[0].ToolCalls[1].Status != ToolCallPending
	})
	calls := msgs[0].ToolCalls
	assert.Equal(t, ToolCallSuccess, calls[0].Status)
	assert.Equal(t, "sunny", calls[0].Result)
	assert.JSONEq(t, `{"city":"Oslo"}`, string(calls[0].Arguments))
	assert.Equal(t, ToolCallError, calls[1].Status)
	assert.Equal(t, "forbidden", calls[1].Error)
}

func TestConsole_ToolResultWithUnknownIDChangesNothing(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(
		protocol.Chunk{Content: "x"},
		protocol.ToolCall{Call: &protocol.ToolCallRequest{ID: "t1", Name: "n"}},
		protocol.ToolResult{Result: &protocol.ToolResultPayload{ID: "t9", Result: []byte(`"r"`)}},
		protocol.ToolResult{},
		protocol.ToolCall{},
		protocol.Chunk{Content: "y"},
	)

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 1 && m[0].Content == "xy" })
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, ToolCallPending, msgs[0].ToolCalls[0].Status)
	assert.Empty(t, msgs[0].ToolCalls[0].Result)
}

func TestConsole_ToolCallSettlesOnlyOnce(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(
		protocol.Chunk{Content: "checking"},
		protocol.ToolCall{Call: &protocol.ToolCallRequest{ID: "t1", Name: "get_weather"}},
		protocol.ToolResult{Result: &protocol.ToolResultPayload{ID: "t1", Result: []byte(`"ok"`)}},
		protocol.ToolResult{Result: &protocol.ToolResultPayload{ID: "t1", Error: "late failure"}},
		protocol.Chunk{Content: "."},
	)

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 1 && m[0].Content == "checking." })
	require.Len(t, msgs[0].ToolCalls, 1)
	call := msgs[0].ToolCalls[0]
	assert.Equal(t, ToolCallSuccess, call.Status)
	assert.Equal(t, "ok", call.Result)
	assert.Empty(t, call.Error)
}

func TestConsole_ToolResultsResolveCallsSharingAnID(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(
		protocol.Chunk{Content: "twice"},
		protocol.ToolCall{Call: &protocol.ToolCallRequest{ID: "t1", Name: "retry"}},
		protocol.ToolCall{Call: &protocol.ToolCallRequest{ID: "t1", Name: "retry"}},
		protocol.ToolResult{Result: &protocol.ToolResultPayload{ID: "t1", Error: "timeout"}},
		protocol.ToolResult{Result: &protocol.ToolResultPayload{ID: "t1", Result: []byte(`"fine"`)}},
	)

	msgs := waitMessages(t, c, func(m []Message) bool {
		return len(m) == 1 && len(m[0].ToolCalls) == 2 && m[0].ToolCalls[1].Status != ToolCallPending
	})
	calls := msgs[0].ToolCalls
	assert.Equal(t, ToolCallError, calls[0].Status)
	assert.Equal(t, "timeout", calls[0].Error)
	assert.Equal(t, ToolCallSuccess, calls[1].Status)
	assert.Equal(t, "fine", calls[1].Result)
}

func TestConsole_DoneAfterErrorFinishesOpenStream(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	final := "Hello"
	conn.emit(
		protocol.Chunk{Content: "Hel"},
		protocol.Error{Message: "blip"},
		protocol.Done{Content: &final},
	)

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 2 && !m[0].IsStreaming })
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, RoleSystem, msgs[1].Role)
	assert.Equal(t, "Connection error: blip", msgs[1].Content)
	assert.Equal(t, 1, countRole(msgs, RoleAssistant))
}

func TestConsole_ChunkAfterErrorKeepsOneStream(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(
		protocol.Chunk{Content: "first"},
		protocol.Error{Message: "blip"},
		protocol.Chunk{Content: "second"},
	)

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 3 })
	assert.False(t, msgs[0].IsStreaming)
	assert.Equal(t, "second", msgs[2].Content)
	assert.True(t, msgs[2].IsStreaming)
}

func TestConsole_SendWhileStreamingClosesOpenReply(t *testing.T) {
	obs := &recordingObserver{}
	c, conn := newConsole(t, WithObserver(obs))
	connect(t, c)

	conn.emit(protocol.Chunk{Content: "still typing"})
	waitMessages(t, c, func(m []Message) bool { return len(m) == 1 })

	c.SendMessage("interrupt", nil)
	conn.emit(protocol.Chunk{Content: "new reply"})

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 3 })
	assert.False(t, msgs[0].IsStreaming)
	assert.Equal(t, RoleUser, msgs[1].Role)
	assert.Equal(t, "new reply", msgs[2].Content)
	assert.True(t, msgs[2].IsStreaming)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.messages, 2)
	assert.Equal(t, "still typing", obs.messages[0].Content)
	assert.Equal(t, RoleUser, obs.messages[1].Role)
}

func TestConsole_SendRacingDisconnectIsNeverLost(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, conn := newConsole(t)
		connect(t, c)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); c.Disconnect() }()
		go func() { defer wg.Done(); c.SendMessage("hi", nil) }()
		wg.Wait()

		if conn.sentCount() == 0 {
			s := c.Snapshot()
			assert.Equal(t, transport.StatusError, s.Status)
			assert.Equal(t, ErrNotConnected, s.Error)
		}
	}
}

func TestConsole_ToolCallBeforeTextOpensAssistantMessage(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)
	c.SendMessage("run it", nil)

	conn.emit(
		protocol.ToolCall{Call: &protocol.ToolCallRequest{ID: "t1", Name: "run"}},
		protocol.Chunk{Content: "done running"},
	)

	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 2 && m[1].Content == "done running" })
	assert.Empty(t, msgs[0].ToolCalls)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
}

func TestConsole_ConnectedFrameRecordsSessionID(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(protocol.Connected{SessionID: "s-1"})
	require.Eventually(t, func() bool {
		id := c.Snapshot().SessionID
		return id != nil && *id == "s-1"
	}, time.Second, time.Millisecond)

	conn.emit(protocol.Connected{}, protocol.Chunk{Content: "z"})
	waitMessages(t, c, func(m []Message) bool { return len(m) == 1 })
	assert.Equal(t, "s-1", *c.Snapshot().SessionID)
}

func TestConsole_ErrorFrameEntersErrorWithSystemMessage(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	conn.emit(protocol.Error{Code: "X", Message: "boom"}, protocol.Error{})

	waitStatus(t, c, transport.StatusError)
	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) >= 1 })
	time.Sleep(10 * time.Millisecond)
	msgs = c.Snapshot().Messages
	require.Len(t, msgs, 1, "repeated errors append one system message")
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "Connection error: boom", msgs[0].Content)
	assert.Equal(t, ErrUnknown, c.Snapshot().Error)
}

func TestConsole_SendMessageIgnoresBlankInput(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	c.SendMessage("", nil)
	c.SendMessage("  \n\t ", nil)

	assert.Empty(t, c.Snapshot().Messages)
	assert.Equal(t, 0, conn.sentCount())
}

func TestConsole_SendMessageTrimsAndForwardsAttachments(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	atts := []FileAttachment{
		{ID: "a1", Name: "pic.png", Type: "image/png", Size: 2, DataURL: "data:image/png;base64,aGk="},
		{ID: "a2", Name: "bad", DataURL: "not-a-data-url"},
	}
	c.SendMessage("  look at this  ", atts)

	msgs := c.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "look at this", msgs[0].Content)
	assert.Len(t, msgs[0].Attachments, 2)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Equal(t, []string{"look at this"}, conn.sent)
	require.Len(t, conn.sentParts[0], 1)
	assert.Equal(t, protocol.PartImage, conn.sentParts[0][0].Type)
	assert.Equal(t, "aGk=", conn.sentParts[0][0].Media.Data)
}

func TestConsole_SendMessageAttachmentOnly(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)

	c.SendMessage(" ", []FileAttachment{{Name: "f.txt", DataURL: "data:text/plain;base64,eA=="}})
	assert.Len(t, c.Snapshot().Messages, 1)
	assert.Equal(t, 1, conn.sentCount())
}

func TestConsole_SendBeforeConnectRecordsNotConnected(t *testing.T) {
	c, conn := newConsole(t)

	c.SendMessage("hi", nil)

	s := c.Snapshot()
	require.Len(t, s.Messages, 1)
	assert.Equal(t, RoleUser, s.Messages[0].Role)
	assert.Equal(t, transport.StatusError, s.Status)
	assert.Equal(t, ErrNotConnected, s.Error)
	assert.Equal(t, 0, conn.sentCount())
}

func TestConsole_ConnectDisconnectAppendsOneSystemMessage(t *testing.T) {
	c, _ := newConsole(t)
	connect(t, c)
	assert.Empty(t, c.Snapshot().Messages)

	c.Disconnect()

	s := c.Snapshot()
	assert.Equal(t, transport.StatusDisconnected, s.Status)
	require.Len(t, s.Messages, 1)
	assert.Equal(t, RoleSystem, s.Messages[0].Role)
	assert.Equal(t, "Disconnected from agent", s.Messages[0].Content)
	assert.False(t, c.Connected())

	c.Disconnect()
	assert.Len(t, c.Snapshot().Messages, 1)
}

func TestConsole_CallbacksRegisteredOncePerConnection(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)
	c.Connect()
	c.Connect()

	conn.mu.Lock()
	assert.Equal(t, 1, conn.registers)
	assert.Equal(t, 3, conn.connects)
	conn.mu.Unlock()

	conn.emit(protocol.Chunk{Content: "once"})
	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 1 })
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, "once", msgs[0].Content)
	assert.Equal(t, "once", c.Snapshot().Messages[0].Content)
}

func TestConsole_ClearMessagesIsIdempotent(t *testing.T) {
	c, conn := newConsole(t)
	connect(t, c)
	conn.emit(protocol.Connected{SessionID: "keep"}, protocol.Chunk{Content: "x"})
	waitMessages(t, c, func(m []Message) bool { return len(m) == 1 })

	c.ClearMessages()
	c.ClearMessages()

	s := c.Snapshot()
	assert.Empty(t, s.Messages)
	assert.NotNil(t, s.Messages)
	require.NotNil(t, s.SessionID)
	assert.Equal(t, "keep", *s.SessionID)
	assert.Equal(t, transport.StatusConnected, s.Status)
}

func TestConsole_FactoryErrorEntersErrorState(t *testing.T) {
	h := NewHandler(NewStore(logr.Discard()), func() (transport.Connection, error) {
		return nil, errors.New("no such agent")
	}, logr.Discard())
	c := h.Open("k")

	c.Connect()

	s := c.Snapshot()
	assert.Equal(t, transport.StatusError, s.Status)
	assert.Equal(t, "no such agent", s.Error)
	assert.False(t, c.Connected())
}

func TestConsole_TranscriptSurvivesReopen(t *testing.T) {
	store := NewStore(logr.Discard())
	conn := &fakeConn{}
	h := NewHandler(store, func() (transport.Connection, error) { return conn, nil }, logr.Discard())

	first := h.Open("ns/a")
	connect(t, first)
	first.SendMessage("remember me", nil)
	first.Close()

	second := h.Open("ns/a")
	msgs := second.Snapshot().Messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, "remember me", msgs[0].Content)
}

func TestConsole_ObserverSeesCompletedMessagesAndStatus(t *testing.T) {
	obs := &recordingObserver{}
	c, conn := newConsole(t, WithObserver(obs))
	connect(t, c)

	c.SendMessage("q", nil)
	conn.emit(protocol.Chunk{Content: "a"}, protocol.Done{})
	waitMessages(t, c, func(m []Message) bool { return len(m) == 2 && !m[1].IsStreaming })
	c.Disconnect()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []transport.Status{
		transport.StatusConnecting, transport.StatusConnected, transport.StatusDisconnected,
	}, obs.statuses)
	require.Len(t, obs.messages, 3)
	assert.Equal(t, RoleUser, obs.messages[0].Role)
	assert.Equal(t, "a", obs.messages[1].Content)
	assert.Equal(t, RoleSystem, obs.messages[2].Role)
}

func TestConsole_WithSimulator(t *testing.T) {
	timing := transport.SimulatorTiming{ConnectDelay: 2 * time.Millisecond, ChunkDelay: time.Millisecond, ToolDelay: time.Millisecond}
	h := NewHandler(NewStore(logr.Discard()), nil, logr.Discard())
	c := h.Open("demo/agent", WithFactory(func() (transport.Connection, error) {
		return transport.NewSimulator(nil, timing, logr.Discard()), nil
	}))
	defer c.Close()

	connect(t, c)
	require.Eventually(t, func() bool { return c.Snapshot().SessionID != nil }, time.Second, time.Millisecond)
	assert.True(t, strings.HasPrefix(*c.Snapshot().SessionID, "demo-"))

	c.SendMessage("list the pods", nil)
	msgs := waitMessages(t, c, func(m []Message) bool { return len(m) == 2 && !m[1].IsStreaming })

	reply := msgs[1]
	assert.Equal(t, transport.DefaultScript().Pick("pods").Text, reply.Content)
	require.NotEmpty(t, reply.ToolCalls)
	for _, tc := range reply.ToolCalls {
		assert.NotEqual(t, ToolCallPending, tc.Status)
	}

	c.Disconnect()
	s := c.Snapshot()
	assert.Equal(t, transport.StatusDisconnected, s.Status)
	assert.Equal(t, RoleSystem, s.Messages[len(s.Messages)-1].Role)
}
