package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	sympoziumv1alpha1 "github.com/alexsjones/sympozium-dashboard/api/v1alpha1"
	"github.com/alexsjones/sympozium-dashboard/internal/console"
	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

type connectCall struct{ namespace, agent string }

type testEnv struct {
	srv   *httptest.Server
	api   *Server
	mu    sync.Mutex
	calls []connectCall
}

func newTestEnv(t *testing.T, connectErr error) *testEnv {
	t.Helper()
	return newTestEnvWithOptions(t, connectErr, Options{})
}

func newTestEnvWithOptions(t *testing.T, connectErr error, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{}
	timing := transport.SimulatorTiming{ConnectDelay: time.Millisecond, ChunkDelay: time.Millisecond, ToolDelay: time.Millisecond}
	connector := func(_ context.Context, ns, agent string) (transport.Connection, error) {
		env.mu.Lock()
		env.calls = append(env.calls, connectCall{ns, agent})
		env.mu.Unlock()
		if connectErr != nil {
			return nil, connectErr
		}
		return transport.NewSimulator(nil, timing, logr.Discard()), nil
	}

	h := console.NewHandler(console.NewStore(logr.Discard()), nil, logr.Discard())
	env.api = NewServer(h, connector, opts, logr.Discard())
	env.srv = httptest.NewServer(env.api.Handler())
	t.Cleanup(func() {
		env.srv.Close()
		env.api.Close()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) snapshot(t *testing.T, key string) console.Session {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/v1/console/"+key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var s console.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}

func TestConsoleLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	const key = "team-a%2Fhelper"

	resp := env.do(t, http.MethodPost, "/api/v1/console/"+key+"/connect", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		s := env.snapshot(t, key)
		return s.Status == transport.StatusConnected && s.SessionID != nil
	}, 2*time.Second, 5*time.Millisecond)

	env.mu.Lock()
	assert.Equal(t, []connectCall{{"team-a", "helper"}}, env.calls)
	env.mu.Unlock()

	resp = env.do(t, http.MethodPost, "/api/v1/console/"+key+"/messages", sendRequest{Content: "how are the pods?"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var s console.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	require.NotEmpty(t, s.Messages)
	assert.Equal(t, console.RoleUser, s.Messages[0].Role)

	require.Eventually(t, func() bool {
		msgs := env.snapshot(t, key).Messages
		return len(msgs) == 2 && !msgs[1].IsStreaming
	}, 2*time.Second, 5*time.Millisecond)

	resp = env.do(t, http.MethodGet, "/api/v1/console", nil)
	var list map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, []string{"team-a/helper"}, list["keys"])

	resp = env.do(t, http.MethodPost, "/api/v1/console/"+key+"/disconnect", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	s = env.snapshot(t, key)
	assert.Equal(t, transport.StatusDisconnected, s.Status)
	assert.Equal(t, console.RoleSystem, s.Messages[len(s.Messages)-1].Role)

	resp = env.do(t, http.MethodDelete, "/api/v1/console/"+key+"/messages", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, env.snapshot(t, key).Messages)
}

func TestConnect_ExplicitAgent(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/v1/console/tab-1/connect", connectRequest{Namespace: "ns", Agent: "bot"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	env.mu.Lock()
	defer env.mu.Unlock()
	assert.Equal(t, []connectCall{{"ns", "bot"}}, env.calls)
}

func TestConnect_RequiresAgent(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/v1/console/tab-1/connect", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/console/tab-1/connect", strings.NewReader("{"))
	require.NoError(t, err)
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestConnect_ConnectorErrorSurfacesInSession(t *testing.T) {
	env := newTestEnv(t, errors.New("agent runtime not found: ns/ghost"))

	resp := env.do(t, http.MethodPost, "/api/v1/console/ns%2Fghost/connect", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var s console.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, transport.StatusError, s.Status)
	assert.Contains(t, s.Error, "not found")
}

func TestSendBeforeConnect(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, http.MethodPost, "/api/v1/console/k/messages", sendRequest{Content: "hi"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	s := env.snapshot(t, "k")
	assert.Len(t, s.Messages, 1)
	assert.Equal(t, transport.StatusError, s.Status)
	assert.Equal(t, console.ErrNotConnected, s.Error)
}

func TestSendMessage_BadBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/v1/console/k/messages", strings.NewReader("nope"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_PushesSnapshots(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/console/ns%2Fa"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var initial console.Session
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, transport.StatusDisconnected, initial.Status)

	env.do(t, http.MethodPost, "/api/v1/console/ns%2Fa/connect", nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var s console.Session
		require.NoError(t, conn.ReadJSON(&s))
		if s.Status == transport.StatusConnected {
			break
		}
	}
}

func TestStream_RejectsDisallowedOrigin(t *testing.T) {
	h := console.NewHandler(console.NewStore(logr.Discard()), nil, logr.Discard())
	api := NewServer(h, nil, Options{AllowedOrigins: []string{"https://dash.example.com"}}, logr.Discard())
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/console/k"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://dash.example.com"}})
	require.NoError(t, err)
	conn.Close()
}

type stubLister struct {
	mu        sync.Mutex
	namespace string
	items     []sympoziumv1alpha1.AgentRuntime
	err       error
}

func (l *stubLister) List(_ context.Context, namespace string) ([]sympoziumv1alpha1.AgentRuntime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.namespace = namespace
	return l.items, l.err
}

func TestListAgents(t *testing.T) {
	lister := &stubLister{items: []sympoziumv1alpha1.AgentRuntime{{
		ObjectMeta: metav1.ObjectMeta{Name: "helper", Namespace: "team-a"},
		Status: sympoziumv1alpha1.AgentRuntimeStatus{
			Phase:    sympoziumv1alpha1.AgentRuntimePhaseRunning,
			Endpoint: "ws://helper.team-a.svc:8080/ws",
		},
	}}}
	env := newTestEnvWithOptions(t, nil, Options{Agents: lister})

	resp := env.do(t, http.MethodGet, "/api/v1/agents?namespace=team-a", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string][]agentSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body["agents"], 1)
	got := body["agents"][0]
	assert.Equal(t, "helper", got.Name)
	assert.Equal(t, sympoziumv1alpha1.AgentRuntimePhaseRunning, got.Phase)
	assert.Equal(t, "team-a/helper", got.SessionKey)

	lister.mu.Lock()
	assert.Equal(t, "team-a", lister.namespace)
	lister.mu.Unlock()

	env.do(t, http.MethodGet, "/api/v1/agents", nil)
	lister.mu.Lock()
	assert.Equal(t, "default", lister.namespace)
	lister.mu.Unlock()
}

func TestListAgents_Errors(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusNotImplemented, env.do(t, http.MethodGet, "/api/v1/agents", nil).StatusCode)

	env = newTestEnvWithOptions(t, nil, Options{Agents: &stubLister{err: errors.New("forbidden")}})
	assert.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodGet, "/api/v1/agents", nil).StatusCode)
}

func TestResetConsole(t *testing.T) {
	env := newTestEnv(t, nil)
	const key = "team-a%2Fhelper"

	env.do(t, http.MethodPost, "/api/v1/console/"+key+"/connect", nil)
	require.Eventually(t, func() bool {
		return env.snapshot(t, key).Status == transport.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)
	env.do(t, http.MethodPost, "/api/v1/console/"+key+"/messages", sendRequest{Content: "hello"})

	resp := env.do(t, http.MethodDelete, "/api/v1/console/"+key, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	env.api.mu.Lock()
	_, bound := env.api.bindings["team-a/helper"]
	env.api.mu.Unlock()
	assert.False(t, bound)

	s := env.snapshot(t, key)
	assert.Equal(t, transport.StatusDisconnected, s.Status)
	assert.Nil(t, s.SessionID)
	assert.Empty(t, s.Messages)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/healthz", nil).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/readyz", nil).StatusCode)

	env.api.SetReady(true)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/readyz", nil).StatusCode)

	resp := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sympozium_console_sessions")
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	h := console.NewHandler(console.NewStore(logr.Discard()), nil, logr.Discard())
	api := NewServer(h, nil, Options{}, logr.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- api.Start(ctx, "127.0.0.1:0") }()

	require.Eventually(t, func() bool { return api.ready.Load() }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
