// Package protocol defines the wire types exchanged between the dashboard
// console and an agent facade: server frames, content parts and the client
// message envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Frame types sent by the agent facade.
const (
	TypeConnected  = "connected"
	TypeChunk      = "chunk"
	TypeDone       = "done"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
	TypeError      = "error"
)

// Content part types.
const (
	PartText  = "text"
	PartImage = "image"
	PartAudio = "audio"
	PartVideo = "video"
	PartFile  = "file"
)

// ErrUnknownFrame is returned by Decode for frames with an unrecognised type.
var ErrUnknownFrame = errors.New("unknown frame type")

// Media is the payload of a non-text content part.
type Media struct {
	Data      string `json:"data,omitempty"` // base64
	MimeType  string `json:"mime_type"`
	Filename  string `json:"filename,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentPart is one unit of a multi-modal message.
type ContentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Media *Media `json:"media,omitempty"`
}

// Frame is one decoded server message. Each frame type carries only the
// fields it uses.
type Frame interface {
	FrameType() string
}

// Connected is sent once the facade has assigned a session.
type Connected struct {
	Timestamp time.Time
	SessionID string
}

// Chunk is one fragment of a streamed assistant reply.
type Chunk struct {
	Timestamp time.Time
	Content   string
}

// Done marks the end of a streamed reply. Parts, when present, supersede
// the streamed text.
type Done struct {
	Timestamp time.Time
	Content   *string
	Parts     []ContentPart
}

// ToolCallRequest is the payload of a tool_call frame.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCall announces that the agent invoked a tool. Call is nil when the
// frame arrived without a payload.
type ToolCall struct {
	Timestamp time.Time
	Call      *ToolCallRequest
}

// ToolResultPayload is the payload of a tool_result frame.
type ToolResultPayload struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ToolResult reports the outcome of an earlier tool call.
type ToolResult struct {
	Timestamp time.Time
	Result    *ToolResultPayload
}

// Error is a server-signalled failure.
type Error struct {
	Timestamp time.Time
	Code      string
	Message   string
}

func (Connected) FrameType() string  { return TypeConnected }
func (Chunk) FrameType() string      { return TypeChunk }
func (Done) FrameType() string       { return TypeDone }
func (ToolCall) FrameType() string   { return TypeToolCall }
func (ToolResult) FrameType() string { return TypeToolResult }
func (Error) FrameType() string      { return TypeError }

// ServerMessage is the JSON envelope on the wire.
type ServerMessage struct {
	Type       string             `json:"type"`
	Timestamp  time.Time          `json:"timestamp"`
	SessionID  string             `json:"session_id,omitempty"`
	Content    *string            `json:"content,omitempty"`
	Parts      []ContentPart      `json:"parts,omitempty"`
	ToolCall   *ToolCallRequest   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPayload `json:"tool_result,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
}

// ErrorPayload is the error object of an error frame.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientMessage is what the console sends to the facade for a user turn.
type ClientMessage struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Content   string        `json:"content"`
	Parts     []ContentPart `json:"parts,omitempty"`
}

// Decode parses one server message into its typed frame.
func Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decoding frame: invalid JSON")
	}
	typ := gjson.GetBytes(data, "type").String()
	switch typ {
	case TypeConnected, TypeChunk, TypeDone, TypeToolCall, TypeToolResult, TypeError:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, typ)
	}

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding %s frame: %w", typ, err)
	}
	return msg.Frame(), nil
}

// Frame converts the envelope into its typed variant.
func (m ServerMessage) Frame() Frame {
	switch m.Type {
	case TypeConnected:
		return Connected{Timestamp: m.Timestamp, SessionID: m.SessionID}
	case TypeChunk:
		var content string
		if m.Content != nil {
			content = *m.Content
		}
		return Chunk{Timestamp: m.Timestamp, Content: content}
	case TypeDone:
		return Done{Timestamp: m.Timestamp, Content: m.Content, Parts: m.Parts}
	case TypeToolCall:
		return ToolCall{Timestamp: m.Timestamp, Call: m.ToolCall}
	case TypeToolResult:
		return ToolResult{Timestamp: m.Timestamp, Result: m.ToolResult}
	case TypeError:
		e := Error{Timestamp: m.Timestamp}
		if m.Error != nil {
			e.Code = m.Error.Code
			e.Message = m.Error.Message
		}
		return e
	}
	return nil
}

// Encode converts a typed frame back into its wire envelope. The simulator
// and tests use it to produce frames the same way a facade would.
func Encode(f Frame) ServerMessage {
	switch v := f.(type) {
	case Connected:
		return ServerMessage{Type: TypeConnected, Timestamp: v.Timestamp, SessionID: v.SessionID}
	case Chunk:
		content := v.Content
		return ServerMessage{Type: TypeChunk, Timestamp: v.Timestamp, Content: &content}
	case Done:
		return ServerMessage{Type: TypeDone, Timestamp: v.Timestamp, Content: v.Content, Parts: v.Parts}
	case ToolCall:
		return ServerMessage{Type: TypeToolCall, Timestamp: v.Timestamp, ToolCall: v.Call}
	case ToolResult:
		return ServerMessage{Type: TypeToolResult, Timestamp: v.Timestamp, ToolResult: v.Result}
	case Error:
		return ServerMessage{Type: TypeError, Timestamp: v.Timestamp, Error: &ErrorPayload{Code: v.Code, Message: v.Message}}
	}
	return ServerMessage{}
}

// ResultText renders the tool result for display. JSON strings are unquoted;
// any other JSON value is returned as-is.
func (p ToolResultPayload) ResultText() string {
	if len(p.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.Result, &s); err == nil {
		return s
	}
	return string(p.Result)
}
