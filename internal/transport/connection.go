// Package transport provides the connections the agent console talks
// through: a live WebSocket client for an agent facade and a scripted
// simulator that emits the same event sequence for offline demo use.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/alexsjones/sympozium-dashboard/internal/protocol"
)

// Status is the connection-level state reported through OnStatusChange.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// SendOptions carries the optional payload of a user turn.
type SendOptions struct {
	Parts []protocol.ContentPart
}

// Connection is the capability the console handler binds to. Connect and
// Send never block on the network and never return errors: completion and
// failures are reported through the registered callbacks. After Disconnect
// returns no further callbacks are delivered.
type Connection interface {
	// Connect starts establishing the channel.
	Connect()
	// Disconnect tears the channel down. It is idempotent.
	Disconnect()
	// Send transmits a user turn.
	Send(content string, opts SendOptions)
	// OnMessage registers the frame callback, replacing any previous one.
	OnMessage(cb func(protocol.Frame))
	// OnStatusChange registers the status callback, replacing any previous one.
	OnStatusChange(cb func(status Status, errMsg string))
}

// Mode selects the Connection variant built by New.
type Mode string

const (
	// ModeLive dials the agent facade over WebSocket.
	ModeLive Mode = "live"
	// ModeDemo uses the scripted simulator.
	ModeDemo Mode = "demo"
)

// Options configures New.
type Options struct {
	Mode Mode

	// URL is the facade WebSocket URL (live mode).
	URL string
	// Header is sent with the WebSocket handshake (live mode).
	Header http.Header
	// Dialer overrides websocket.DefaultDialer (live mode).
	Dialer *websocket.Dialer
	// PingInterval enables keep-alive pings when non-zero (live mode).
	PingInterval time.Duration

	// Script returns the current simulator script (demo mode). Nil uses
	// DefaultScript.
	Script func() *Script
	// Timing controls simulator delays (demo mode).
	Timing SimulatorTiming

	Log logr.Logger
}

// New builds the Connection variant selected by opts.Mode.
func New(opts Options) (Connection, error) {
	switch opts.Mode {
	case ModeDemo:
		return NewSimulator(opts.Script, opts.Timing, opts.Log), nil
	case ModeLive, "":
		if opts.URL == "" {
			return nil, errors.New("live transport requires an agent URL")
		}
		return NewWebSocket(opts.URL, opts.Header, opts.Dialer, opts.PingInterval, opts.Log), nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", opts.Mode)
	}
}

// callbacks holds the registered listeners. Access is guarded by the owning
// connection's mutex; emit helpers copy the function out before calling it.
type callbacks struct {
	onMessage func(protocol.Frame)
	onStatus  func(Status, string)
}
