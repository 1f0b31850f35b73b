// Package console implements the agent console: a per-key session store and
// the protocol handler that turns a transport's streamed frames into a
// coherent conversation transcript.
package console

import (
	"encoding/json"
	"time"

	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

// Role is the author of a console message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ToolCallStatus tracks a tool invocation through its lifecycle.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall is one tool invocation requested by the agent.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Status    ToolCallStatus  `json:"status"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// FileAttachment is the UI-facing form of a multi-modal attachment.
type FileAttachment struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"` // mime type
	Size    int64  `json:"size"`
	DataURL string `json:"dataUrl"`
}

// Message is one turn in the console transcript.
type Message struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Content     string           `json:"content"`
	Timestamp   time.Time        `json:"timestamp"`
	IsStreaming bool             `json:"isStreaming,omitempty"`
	ToolCalls   []ToolCall       `json:"toolCalls,omitempty"`
	Attachments []FileAttachment `json:"attachments,omitempty"`
}

// Status is the console connection status.
type Status = transport.Status

// Session is the state held for one session key.
type Session struct {
	// SessionID is assigned by the transport; nil until connected.
	SessionID *string   `json:"sessionId"`
	Status    Status    `json:"status"`
	Messages  []Message `json:"messages"`
	Error     string    `json:"error,omitempty"`
}

func newSession() Session {
	return Session{Status: transport.StatusDisconnected, Messages: []Message{}}
}

func (m Message) clone() Message {
	if m.ToolCalls != nil {
		m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Attachments != nil {
		m.Attachments = append([]FileAttachment(nil), m.Attachments...)
	}
	return m
}

func (s Session) clone() Session {
	msgs := make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		msgs[i] = m.clone()
	}
	s.Messages = msgs
	if s.SessionID != nil {
		id := *s.SessionID
		s.SessionID = &id
	}
	return s
}
