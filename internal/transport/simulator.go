package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/alexsjones/sympozium-dashboard/internal/protocol"
)

// SimulatorTiming controls the pacing of simulated events.
type SimulatorTiming struct {
	ConnectDelay time.Duration
	ChunkDelay   time.Duration
	ToolDelay    time.Duration
}

// DefaultSimulatorTiming roughly matches a real facade over a LAN.
func DefaultSimulatorTiming() SimulatorTiming {
	return SimulatorTiming{
		ConnectDelay: 500 * time.Millisecond,
		ChunkDelay:   40 * time.Millisecond,
		ToolDelay:    300 * time.Millisecond,
	}
}

// Simulator is a scripted Connection. It emits the same event shapes as a
// live facade: a connect delay, streamed chunks, tool call/result pairs and
// a final done frame.
type Simulator struct {
	script func() *Script
	timing SimulatorTiming
	log    logr.Logger

	mu        sync.Mutex
	cb        callbacks
	status    Status
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	turns     int

	// turnMu keeps replies from interleaving when Send is called again
	// before the previous reply finished.
	turnMu sync.Mutex
	wg     sync.WaitGroup
}

// NewSimulator creates a simulator. A nil script func uses DefaultScript and
// zero timing fields fall back to DefaultSimulatorTiming.
func NewSimulator(script func() *Script, timing SimulatorTiming, log logr.Logger) *Simulator {
	if script == nil {
		def := DefaultScript()
		script = func() *Script { return def }
	}
	defaults := DefaultSimulatorTiming()
	if timing.ConnectDelay <= 0 {
		timing.ConnectDelay = defaults.ConnectDelay
	}
	if timing.ChunkDelay <= 0 {
		timing.ChunkDelay = defaults.ChunkDelay
	}
	if timing.ToolDelay <= 0 {
		timing.ToolDelay = defaults.ToolDelay
	}
	return &Simulator{
		script: script,
		timing: timing,
		log:    log,
		status: StatusDisconnected,
	}
}

// OnMessage implements Connection.
func (s *Simulator) OnMessage(cb func(protocol.Frame)) {
	s.mu.Lock()
	s.cb.onMessage = cb
	s.mu.Unlock()
}

// OnStatusChange implements Connection.
func (s *Simulator) OnStatusChange(cb func(Status, string)) {
	s.mu.Lock()
	s.cb.onStatus = cb
	s.mu.Unlock()
}

// Connect implements Connection.
func (s *Simulator) Connect() {
	s.mu.Lock()
	if s.status == StatusConnecting || s.status == StatusConnected {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.status = StatusConnecting
	ctx := s.ctx
	s.mu.Unlock()

	s.emitStatus(StatusConnecting, "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !sleep(ctx, s.timing.ConnectDelay) {
			return
		}

		prefix := s.script().SessionPrefix
		if prefix == "" {
			prefix = "demo"
		}
		id := fmt.Sprintf("%s-%s", prefix, uuid.NewString())

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.status = StatusConnected
		s.sessionID = id
		s.mu.Unlock()

		s.log.V(1).Info("Simulated connection established", "sessionID", id)
		s.emitStatus(StatusConnected, "")
		s.emitFrame(protocol.Connected{Timestamp: time.Now(), SessionID: id})
	}()
}

// Disconnect implements Connection.
func (s *Simulator) Disconnect() {
	s.mu.Lock()
	if s.status == StatusDisconnected {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.status = StatusDisconnected
	s.sessionID = ""
	s.mu.Unlock()

	// Let in-flight emitters observe the cancellation before reporting the
	// final status so nothing is delivered after it.
	s.wg.Wait()

	s.emitStatus(StatusDisconnected, "")
}

// Send implements Connection.
func (s *Simulator) Send(content string, opts SendOptions) {
	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		s.emitFrame(protocol.Error{Timestamp: time.Now(), Code: "NOT_CONNECTED", Message: "simulator is not connected"})
		return
	}
	s.turns++
	turn := s.turns
	ctx := s.ctx
	s.mu.Unlock()

	reply := s.script().Pick(content)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.turnMu.Lock()
		defer s.turnMu.Unlock()
		s.play(ctx, turn, reply, opts.Parts)
	}()
}

func (s *Simulator) play(ctx context.Context, turn int, reply Reply, inbound []protocol.ContentPart) {
	for _, piece := range strings.SplitAfter(reply.Text, " ") {
		if piece == "" {
			continue
		}
		if !sleep(ctx, s.timing.ChunkDelay) {
			return
		}
		s.emitFrame(protocol.Chunk{Timestamp: time.Now(), Content: piece})
	}

	for i, tool := range reply.Tools {
		id := fmt.Sprintf("call-%d-%d", turn, i)
		args, err := json.Marshal(tool.Arguments)
		if err != nil || tool.Arguments == nil {
			args = json.RawMessage(`{}`)
		}
		if !sleep(ctx, s.timing.ChunkDelay) {
			return
		}
		s.emitFrame(protocol.ToolCall{
			Timestamp: time.Now(),
			Call:      &protocol.ToolCallRequest{ID: id, Name: tool.Name, Arguments: args},
		})

		if !sleep(ctx, s.timing.ToolDelay) {
			return
		}
		result := &protocol.ToolResultPayload{ID: id, Error: tool.Error}
		if tool.Error == "" {
			raw, _ := json.Marshal(tool.Result)
			result.Result = raw
		}
		s.emitFrame(protocol.ToolResult{Timestamp: time.Now(), Result: result})
	}

	if !sleep(ctx, s.timing.ChunkDelay) {
		return
	}
	text := reply.Text
	done := protocol.Done{Timestamp: time.Now(), Content: &text}
	if media := mediaParts(inbound); len(media) > 0 {
		ack := fmt.Sprintf("%s\n\nReceived %d attachment(s).", reply.Text, len(media))
		done.Parts = append([]protocol.ContentPart{{Type: protocol.PartText, Text: ack}}, media...)
	}
	s.emitFrame(done)
}

func mediaParts(parts []protocol.ContentPart) []protocol.ContentPart {
	var out []protocol.ContentPart
	for _, p := range parts {
		if p.Type != protocol.PartText && p.Media != nil {
			out = append(out, p)
		}
	}
	return out
}

func (s *Simulator) emitStatus(status Status, errMsg string) {
	s.mu.Lock()
	cb := s.cb.onStatus
	s.mu.Unlock()
	if cb != nil {
		cb(status, errMsg)
	}
}

func (s *Simulator) emitFrame(f protocol.Frame) {
	s.mu.Lock()
	cb := s.cb.onMessage
	s.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// sleep waits for d or until ctx is done. It reports whether the wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}
