package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/transport"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/agentuity/feedback-bridge/sys"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	name string
	data string
}

func readEvents(body io.Reader) <-chan event {
	ch := make(chan event, 16)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(body)
		var current event
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if current.name != "" || current.data != "" {
					ch <- current
				}
				current = event{}
			case strings.HasPrefix(line, "event: "):
				current.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return ch
}

func nextMessage(t *testing.T, ch <-chan event) *types.JSONRPCMessage {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		require.Equal(t, "message", ev.name)
		var msg types.JSONRPCMessage
		require.NoError(t, json.Unmarshal([]byte(ev.data), &msg))
		return &msg
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return nil
}

type client struct {
	t        *testing.T
	base     string
	endpoint string
	events   <-chan event
	cancel   context.CancelFunc
}

func connect(t *testing.T, s *Server) *client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(resp.Body)
	var ev event
	select {
	case ev = <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for endpoint")
	}
	require.Equal(t, "endpoint", ev.name)
	return &client{
		t:        t,
		base:     strings.TrimSuffix(s.URL(), StreamPath),
		endpoint: ev.data,
		events:   events,
		cancel:   cancel,
	}
}

func (c *client) post(body string) *http.Response {
	c.t.Helper()
	resp, err := http.Post(c.base+c.endpoint, "application/json", strings.NewReader(body))
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c *client) call(id int, method string, params string) *types.JSONRPCMessage {
	c.t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q}`, id, method)
	if params != "" {
		body = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":%q,"params":%s}`, id, method, params)
	}
	resp := c.post(body)
	require.Equal(c.t, http.StatusAccepted, resp.StatusCode)
	return nextMessage(c.t, c.events)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startServer(t *testing.T, reg *Registry, options ...ServerOption) *Server {
	t.Helper()
	port := freePort(t)
	options = append([]ServerOption{WithHost("127.0.0.1"), WithPort(port), WithMaxPortAttempts(10)}, options...)
	s := NewServer(reg, logger.NewTestLogger(), options...)
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	s := startServer(t, newEchoRegistry(t), WithInfo(types.Implementation{Name: "test", Version: "1.0"}))
	c := connect(t, s)

	msg := c.call(1, types.MethodInitialize, `{"protocolVersion":"2025-03-26","clientInfo":{"name":"cursor","version":"1"}}`)
	require.Nil(t, msg.Error)
	var res types.InitializeResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	assert.Equal(t, "2025-03-26", res.ProtocolVersion)
	assert.Equal(t, "test", res.ServerInfo.Name)
	assert.NotNil(t, res.Capabilities.Tools)

	msg = c.call(2, types.MethodInitialize, `{"protocolVersion":"1999-01-01"}`)
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	assert.Equal(t, types.DefaultProtocolVersion, res.ProtocolVersion)
}

func TestToolsListAndCall(t *testing.T) {
	s := startServer(t, newEchoRegistry(t))
	c := connect(t, s)

	msg := c.call(1, types.MethodToolsList, "")
	assert.JSONEq(t, "1", string(msg.ID))
	var list types.ListToolsResult
	require.NoError(t, json.Unmarshal(msg.Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)

	msg = c.call(2, types.MethodToolsCall, `{"name":"nope","arguments":{}}`)
	require.Nil(t, msg.Error)
	var res types.ToolResult
	require.NoError(t, json.Unmarshal(msg.Result, &res))
	assert.True(t, res.IsError)
	assert.Equal(t, "Unknown tool: nope", res.Content[0].Text)
}

func TestUnknownMethodAndPing(t *testing.T) {
	s := startServer(t, newEchoRegistry(t))
	c := connect(t, s)

	msg := c.call(1, "resources/list", "")
	require.NotNil(t, msg.Error)
	assert.Equal(t, types.CodeMethodNotFound, msg.Error.Code)

	msg = c.call(2, types.MethodPing, "")
	assert.Nil(t, msg.Error)
	assert.JSONEq(t, "{}", string(msg.Result))

	// notifications get no answer, the next response is for the following request
	resp := c.post(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	msg = c.call(3, types.MethodPing, "")
	assert.JSONEq(t, "3", string(msg.ID))
}

func TestSuspendedCallDoesNotBlockSession(t *testing.T) {
	reg := newEchoRegistry(t)
	release := make(chan struct{})
	require.NoError(t, reg.Register(types.Tool{Name: "wait"}, func(ctx context.Context, args map[string]any) (*types.ToolResult, error) {
		<-release
		return &types.ToolResult{Content: []types.Content{types.TextContent("done")}}, nil
	}))
	s := startServer(t, reg)
	c := connect(t, s)

	resp := c.post(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"wait"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg := c.call(2, types.MethodPing, "")
	assert.JSONEq(t, "2", string(msg.ID))

	close(release)
	msg = nextMessage(t, c.events)
	assert.JSONEq(t, "1", string(msg.ID))
}

func TestDisconnectCancelsToolContext(t *testing.T) {
	reg := newEchoRegistry(t)
	started := make(chan struct{})
	causes := make(chan error, 1)
	require.NoError(t, reg.Register(types.Tool{Name: "wait"}, func(ctx context.Context, args map[string]any) (*types.ToolResult, error) {
		id, ok := transport.SessionIDFromContext(ctx)
		if !ok || id == "" {
			causes <- errors.New("missing session id")
			return nil, nil
		}
		close(started)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, context.Cause(ctx)
	}))
	s := startServer(t, reg)
	c := connect(t, s)

	c.post(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"wait"}}`)
	select {
	case <-started:
	case err := <-causes:
		t.Fatal(err)
	case <-time.After(3 * time.Second):
		t.Fatal("tool never started")
	}
	c.cancel()

	select {
	case cause := <-causes:
		assert.True(t, errors.Is(cause, transport.ErrSessionClosed))
	case <-time.After(3 * time.Second):
		t.Fatal("tool context was not cancelled")
	}
	require.Eventually(t, func() bool { return len(s.Sessions()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestStopCancelsInFlightCalls(t *testing.T) {
	reg := newEchoRegistry(t)
	causes := make(chan error, 1)
	started := make(chan struct{})
	stopped := make(chan struct{})
	require.NoError(t, reg.Register(types.Tool{Name: "wait"}, func(ctx context.Context, args map[string]any) (*types.ToolResult, error) {
		close(started)
		<-ctx.Done()
		causes <- context.Cause(ctx)
		return nil, nil
	}))
	s := startServer(t, reg, WithStopHook(func(ctx context.Context) { close(stopped) }))
	c := connect(t, s)
	c.post(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"wait"}}`)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, errors.Is(<-causes, ErrServerStopped))
	<-stopped
	assert.False(t, s.Running())
	assert.Equal(t, 0, s.Port())
	assert.NoError(t, s.Stop(ctx))
}

func TestStartRetriesNextPort(t *testing.T) {
	first := startServer(t, newEchoRegistry(t))

	second := NewServer(newEchoRegistry(t), logger.NewTestLogger(),
		WithHost("127.0.0.1"), WithPort(first.Port()), WithMaxPortAttempts(10))
	port, err := second.Start(context.Background())
	if err != nil {
		t.Skipf("no free port near %d: %s", first.Port(), err)
	}
	defer second.Stop(context.Background())
	assert.Greater(t, port, first.Port())
	assert.Equal(t, port, second.Port())

	third := NewServer(newEchoRegistry(t), logger.NewTestLogger(),
		WithHost("127.0.0.1"), WithPort(first.Port()), WithMaxPortAttempts(1))
	_, err = third.Start(context.Background())
	require.Error(t, err)
	assert.True(t, sys.IsAddrInUse(err))
	assert.False(t, third.Running())
}

func TestStartTwiceAndRestart(t *testing.T) {
	s := startServer(t, newEchoRegistry(t))
	_, err := s.Start(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	old := connect(t, s)
	require.NoError(t, s.Stop(context.Background()))

	_, err = s.Start(context.Background())
	require.NoError(t, err)

	// sessions from the previous run are gone
	resp := old.post(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	c := connect(t, s)
	msg := c.call(1, types.MethodPing, "")
	assert.Nil(t, msg.Error)
}

func TestPreflightAndCORS(t *testing.T) {
	s := startServer(t, newEchoRegistry(t))
	base := strings.TrimSuffix(s.URL(), StreamPath)

	for _, path := range []string{"/messages", "/sse", "/anything"} {
		req, err := http.NewRequest(http.MethodOptions, base+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Empty(t, body)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "GET, POST, PUT, DELETE, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
		assert.Equal(t, "Content-Type, Authorization", resp.Header.Get("Access-Control-Allow-Headers"))
	}

	resp, err := http.Post(base+"/messages?sessionId=missing", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "No transport found for sessionId")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPanicBecomesEnvelope(t *testing.T) {
	s := startServer(t, newEchoRegistry(t), WithMount("/boom", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})))
	resp, err := http.Get(strings.TrimSuffix(s.URL(), StreamPath) + "/boom")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var envelope types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, types.CodeInternalError, envelope.Error.Code)
	assert.Nil(t, envelope.ID)
}
