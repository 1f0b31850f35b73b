// Package apiserver provides the HTTP + WebSocket API for the agent console.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	sympoziumv1alpha1 "github.com/alexsjones/sympozium-dashboard/api/v1alpha1"
	"github.com/alexsjones/sympozium-dashboard/internal/agents"
	"github.com/alexsjones/sympozium-dashboard/internal/console"
	"github.com/alexsjones/sympozium-dashboard/internal/observability"
	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	maxRequestBody = 32 << 20
)

// Connector builds the Connection for an agent. It is called each time a
// console connects.
type Connector func(ctx context.Context, namespace, agent string) (transport.Connection, error)

// AgentLister lists the agents a console can connect to.
type AgentLister interface {
	List(ctx context.Context, namespace string) ([]sympoziumv1alpha1.AgentRuntime, error)
}

// Options configures a Server.
type Options struct {
	// Agents backs GET /api/v1/agents; nil disables agent discovery.
	Agents AgentLister
	// AllowedOrigins restricts websocket upgrades; empty allows any origin.
	AllowedOrigins []string
	// ConnectTimeout bounds endpoint resolution inside Connector.
	ConnectTimeout time.Duration
}

// binding is the console served for one session key and the agent it
// connects to.
type binding struct {
	console   *console.Console
	mu        sync.Mutex
	namespace string
	agent     string
	// spanCtx is the span of the connect request, parent of the dial.
	spanCtx trace.SpanContext
}

// Server is the console API server.
type Server struct {
	handler   *console.Handler
	connector Connector
	opts      Options
	log       logr.Logger
	upgrader  websocket.Upgrader
	tracer    trace.Tracer
	requests  metric.Int64Counter

	mu       sync.Mutex
	bindings map[string]*binding
	ready    atomic.Bool
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(h *console.Handler, connector Connector, opts Options, log logr.Logger) *Server {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	s := &Server{
		handler:   h,
		connector: connector,
		opts:      opts,
		log:       log.WithName("apiserver"),
		tracer:    observability.Tracer(),
		bindings:  make(map[string]*binding),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	requests, err := otel.Meter(observability.InstrumentationName).Int64Counter("sympozium.console.requests")
	if err != nil {
		s.log.Error(err, "failed creating metric sympozium.console.requests")
	}
	s.requests = requests
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/console", s.traced("console.list", s.listConsoles))
	mux.HandleFunc("GET /api/v1/agents", s.traced("agents.list", s.listAgents))

	mux.HandleFunc("GET /api/v1/console/{key}", s.traced("console.get", s.getConsole))
	mux.HandleFunc("DELETE /api/v1/console/{key}", s.traced("console.reset", s.resetConsole))
	mux.HandleFunc("POST /api/v1/console/{key}/connect", s.traced("console.connect", s.connectConsole))
	mux.HandleFunc("POST /api/v1/console/{key}/disconnect", s.traced("console.disconnect", s.disconnectConsole))
	mux.HandleFunc("POST /api/v1/console/{key}/messages", s.traced("console.send", s.sendMessage))
	mux.HandleFunc("DELETE /api/v1/console/{key}/messages", s.traced("console.clear", s.clearMessages))

	// WebSocket streaming
	mux.HandleFunc("GET /ws/console/{key}", s.handleStream)

	// Health & metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start serves on addr until ctx is done, then shuts down gracefully and
// disconnects every console.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting API server", "addr", addr)
		s.SetReady(true)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close disconnects every console the server opened.
func (s *Server) Close() {
	s.mu.Lock()
	bindings := make([]*binding, 0, len(s.bindings))
	for _, b := range s.bindings {
		bindings = append(bindings, b)
	}
	s.mu.Unlock()

	for _, b := range bindings {
		b.console.Close()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, r.Header.Get("Origin"))
}

// traced wraps a console route in a span carrying the session key.
func (s *Server) traced(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		ctx, span := s.tracer.Start(r.Context(), name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("sympozium.console.key", key)),
		)
		defer span.End()
		if s.requests != nil {
			s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("route", name)))
		}
		next(w, r.WithContext(ctx))
	}
}

// binding returns the binding for key, opening its console on first use.
func (s *Server) binding(key string) *binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bindings[key]; ok {
		return b
	}
	b := &binding{}
	b.console = s.handler.Open(key, console.WithFactory(func() (transport.Connection, error) {
		b.mu.Lock()
		ns, agent, sc := b.namespace, b.agent, b.spanCtx
		b.mu.Unlock()
		ctx := trace.ContextWithSpanContext(context.Background(), sc)
		ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
		return s.connector(ctx, ns, agent)
	}))
	s.bindings[key] = b
	return b
}

// --- Agent handlers ---

type agentSummary struct {
	Namespace  string                              `json:"namespace"`
	Name       string                              `json:"name"`
	Phase      sympoziumv1alpha1.AgentRuntimePhase `json:"phase,omitempty"`
	Endpoint   string                              `json:"endpoint,omitempty"`
	SessionKey string                              `json:"sessionKey"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Agents == nil {
		http.Error(w, "agent discovery is not enabled", http.StatusNotImplemented)
		return
	}
	namespace := r.URL.Query().Get("namespace")
	if namespace == "" {
		namespace = "default"
	}

	list, err := s.opts.Agents.List(r.Context(), namespace)
	if err != nil {
		observability.MarkSpanError(trace.SpanFromContext(r.Context()), err)
		s.log.Error(err, "failed to list agents", "namespace", namespace)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]agentSummary, 0, len(list))
	for _, rt := range list {
		out = append(out, agentSummary{
			Namespace:  rt.Namespace,
			Name:       rt.Name,
			Phase:      rt.Status.Phase,
			Endpoint:   rt.Status.Endpoint,
			SessionKey: agents.SessionKey(rt.Namespace, rt.Name),
		})
	}
	writeJSON(w, http.StatusOK, map[string][]agentSummary{"agents": out})
}

// --- Console handlers ---

func (s *Server) listConsoles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"keys": s.handler.Store().Keys()})
}

func (s *Server) getConsole(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handler.Store().Get(r.PathValue("key")))
}

type connectRequest struct {
	Namespace string `json:"namespace"`
	Agent     string `json:"agent"`
}

func (s *Server) connectConsole(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req connectRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Namespace == "" || req.Agent == "" {
		ns, agent, ok := strings.Cut(key, "/")
		if !ok || ns == "" || agent == "" {
			http.Error(w, "namespace and agent are required when the key is not <namespace>/<agent>", http.StatusBadRequest)
			return
		}
		req.Namespace, req.Agent = ns, agent
	}

	b := s.binding(key)
	b.mu.Lock()
	b.namespace, b.agent = req.Namespace, req.Agent
	b.spanCtx = trace.SpanContextFromContext(r.Context())
	b.mu.Unlock()

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("sympozium.agent.namespace", req.Namespace),
		attribute.String("sympozium.agent.name", req.Agent),
	)
	s.log.Info("Connecting console", "key", key, "namespace", req.Namespace, "agent", req.Agent)
	b.console.Connect()

	snap := b.console.Snapshot()
	if snap.Status == transport.StatusError {
		observability.MarkSpanError(trace.SpanFromContext(r.Context()), errors.New(snap.Error))
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) disconnectConsole(w http.ResponseWriter, r *http.Request) {
	b := s.binding(r.PathValue("key"))
	b.console.Disconnect()
	writeJSON(w, http.StatusOK, b.console.Snapshot())
}

type sendRequest struct {
	Content     string                   `json:"content"`
	Attachments []console.FileAttachment `json:"attachments,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	b := s.binding(r.PathValue("key"))
	b.console.SendMessage(req.Content, req.Attachments)
	writeJSON(w, http.StatusAccepted, b.console.Snapshot())
}

// resetConsole disconnects the key's console and drops its session.
func (s *Server) resetConsole(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	s.mu.Lock()
	b, ok := s.bindings[key]
	delete(s.bindings, key)
	s.mu.Unlock()

	if ok {
		b.console.Close()
	}
	s.handler.Store().Reset(key)
	s.log.Info("Reset console", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearMessages(w http.ResponseWriter, r *http.Request) {
	s.binding(r.PathValue("key")).console.ClearMessages()
	w.WriteHeader(http.StatusNoContent)
}

// --- WebSocket streaming ---

// handleStream pushes a session snapshot to the client after every change.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error(err, "failed to upgrade websocket")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshots := s.handler.Store().Subscribe(ctx, key)

	// Read loop (detects client close)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	// Write loop (forward snapshots to client)
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session store closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.log.V(1).Info("Console stream closed", "key", key, "error", err.Error())
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
