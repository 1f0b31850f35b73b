package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/alexsjones/sympozium-dashboard/internal/protocol"
)

const writeWait = 10 * time.Second

// WebSocket is the live Connection to an agent facade.
type WebSocket struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	pingInterval time.Duration
	log          logr.Logger

	mu        sync.Mutex
	cb        callbacks
	conn      *websocket.Conn
	status    Status
	sessionID string
	cancel    context.CancelFunc

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewWebSocket creates a live connection for the given facade URL. A nil
// dialer uses websocket.DefaultDialer.
func NewWebSocket(url string, header http.Header, dialer *websocket.Dialer, pingInterval time.Duration, log logr.Logger) *WebSocket {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocket{
		url:          url,
		header:       header,
		dialer:       dialer,
		pingInterval: pingInterval,
		log:          log.WithValues("url", url),
		status:       StatusDisconnected,
	}
}

// OnMessage implements Connection.
func (w *WebSocket) OnMessage(cb func(protocol.Frame)) {
	w.mu.Lock()
	w.cb.onMessage = cb
	w.mu.Unlock()
}

// OnStatusChange implements Connection.
func (w *WebSocket) OnStatusChange(cb func(Status, string)) {
	w.mu.Lock()
	w.cb.onStatus = cb
	w.mu.Unlock()
}

// Connect implements Connection. The dial happens in the background.
func (w *WebSocket) Connect() {
	w.mu.Lock()
	if w.status == StatusConnecting || w.status == StatusConnected {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.status = StatusConnecting
	w.mu.Unlock()

	w.emitStatus(StatusConnecting, "")

	w.wg.Add(1)
	go w.dial(ctx)
}

func (w *WebSocket) dial(ctx context.Context) {
	defer w.wg.Done()

	conn, resp, err := w.dialer.DialContext(ctx, w.url, w.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.log.Error(err, "failed to dial agent facade")
		w.fail(fmt.Sprintf("connecting to agent: %v", err))
		return
	}

	w.mu.Lock()
	if ctx.Err() != nil {
		w.mu.Unlock()
		conn.Close()
		return
	}
	w.conn = conn
	w.status = StatusConnected
	w.mu.Unlock()

	w.log.Info("Connected to agent facade")
	w.emitStatus(StatusConnected, "")

	if w.pingInterval > 0 {
		w.wg.Add(1)
		go w.keepAlive(ctx, conn)
	}

	w.readPump(ctx, conn)
}

// readPump decodes frames in arrival order and hands them to the message
// callback on this goroutine, so ordering is preserved end to end.
func (w *WebSocket) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.mu.Lock()
			w.conn = nil
			w.mu.Unlock()
			conn.Close()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Info("Agent facade closed the connection")
				w.setStatus(StatusDisconnected)
				w.emitStatus(StatusDisconnected, "")
				return
			}
			w.log.Error(err, "websocket read failed")
			w.fail(fmt.Sprintf("connection lost: %v", err))
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			w.log.V(1).Info("Dropping undecodable frame", "error", err.Error())
			continue
		}
		if c, ok := frame.(protocol.Connected); ok && c.SessionID != "" {
			w.mu.Lock()
			w.sessionID = c.SessionID
			w.mu.Unlock()
		}
		w.emitFrame(frame)
	}
}

func (w *WebSocket) keepAlive(ctx context.Context, conn *websocket.Conn) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			w.writeMu.Unlock()
			if err != nil {
				w.log.V(1).Info("Ping failed", "error", err.Error())
				return
			}
		}
	}
}

// Disconnect implements Connection.
func (w *WebSocket) Disconnect() {
	w.mu.Lock()
	if w.status == StatusDisconnected {
		w.mu.Unlock()
		return
	}
	conn := w.conn
	if w.cancel != nil {
		w.cancel()
	}
	w.conn = nil
	w.status = StatusDisconnected
	w.sessionID = ""
	w.mu.Unlock()

	if conn != nil {
		w.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		w.writeMu.Unlock()
		conn.Close()
	}

	w.wg.Wait()
	w.emitStatus(StatusDisconnected, "")
}

// Send implements Connection.
func (w *WebSocket) Send(content string, opts SendOptions) {
	w.mu.Lock()
	conn := w.conn
	msg := protocol.ClientMessage{
		Type:      "message",
		SessionID: w.sessionID,
		Content:   content,
		Parts:     opts.Parts,
	}
	w.mu.Unlock()

	if conn == nil {
		w.fail("connection is not open")
		return
	}

	w.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.WriteJSON(msg)
	w.writeMu.Unlock()
	if err != nil {
		w.log.Error(err, "failed to send message")
		w.fail(fmt.Sprintf("sending message: %v", err))
	}
}

func (w *WebSocket) fail(msg string) {
	w.setStatus(StatusError)
	w.emitStatus(StatusError, msg)
}

func (w *WebSocket) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *WebSocket) emitStatus(status Status, errMsg string) {
	w.mu.Lock()
	cb := w.cb.onStatus
	w.mu.Unlock()
	if cb != nil {
		cb(status, errMsg)
	}
}

func (w *WebSocket) emitFrame(f protocol.Frame) {
	w.mu.Lock()
	cb := w.cb.onMessage
	w.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}
