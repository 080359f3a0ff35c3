package panel

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentuity/feedback-bridge/feedback"
	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type viewer struct {
	t      *testing.T
	events chan *types.JSONRPCMessage
}

func attach(t *testing.T, srv *httptest.Server) *viewer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/panel/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v := &viewer{t: t, events: make(chan *types.JSONRPCMessage, 16)}
	go func() {
		defer close(v.events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		var name string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && name == "message":
				var msg types.JSONRPCMessage
				if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg) == nil {
					v.events <- &msg
				}
			}
		}
	}()
	return v
}

func (v *viewer) next(method string) *types.JSONRPCMessage {
	v.t.Helper()
	for {
		select {
		case msg, ok := <-v.events:
			require.True(v.t, ok, "stream closed")
			if msg.Method == method {
				return msg
			}
		case <-time.After(2 * time.Second):
			v.t.Fatalf("timeout waiting for %s", method)
			return nil
		}
	}
}

func newTestPanel(t *testing.T, options ...Option) (*Panel, *feedback.Bridge, *httptest.Server) {
	bridge := feedback.New(logger.NewTestLogger())
	p := New(bridge, "/panel", logger.NewTestLogger(), options...)
	bridge.SetCollaborator(p)
	r := chi.NewRouter()
	r.Mount("/panel", p.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		p.Close()
		srv.Close()
	})
	return p, bridge, srv
}

func post(t *testing.T, srv *httptest.Server, body string) (int, reply) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/panel/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var r reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return resp.StatusCode, r
}

func TestNotReadyWithoutViewers(t *testing.T) {
	p, bridge, _ := newTestPanel(t)
	assert.True(t, errors.Is(p.EnsureVisible(context.Background()), ErrNotReady))
	assert.True(t, errors.Is(p.ShowMessage(context.Background(), feedback.LevelInfo, "hi"), ErrNotReady))

	_, err := bridge.Solicit(context.Background(), "work", 0)
	assert.True(t, errors.Is(err, feedback.ErrCollaboratorUnavailable))
	assert.Contains(t, err.Error(), "panel view not ready")
}

func TestSubmitSettlesSolicitation(t *testing.T) {
	p, bridge, srv := newTestPanel(t, WithStatus(func() (bool, int) { return true, 3100 }))
	v := attach(t, srv)

	status := v.next(EventServerStatus)
	assert.JSONEq(t, `{"running":true,"port":3100}`, string(status.Params))
	require.Eventually(t, func() bool { return p.Viewers() == 1 }, time.Second, 10*time.Millisecond)

	type outcome struct {
		res *feedback.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := bridge.Solicit(context.Background(), "added tests", 0)
		done <- outcome{res, err}
	}()

	v.next(EventFocus)
	dialog := v.next(EventShowDialog)
	var payload dialogPayload
	require.NoError(t, json.Unmarshal(dialog.Params, &payload))
	assert.Equal(t, "added tests", payload.WorkSummary)
	assert.Empty(t, payload.Deadline)

	img := base64.StdEncoding.EncodeToString([]byte("png"))
	code, r := post(t, srv, `{"type":"feedbackSubmit","operationId":"`+payload.OperationID+`","data":{"textFeedback":"nice","images":["`+img+`"]}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, r.OK)

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, "nice", o.res.TextFeedback)
		assert.Equal(t, [][]byte{[]byte("png")}, o.res.Images)
	case <-time.After(2 * time.Second):
		t.Fatal("solicitation did not finish")
	}

	dismissed := v.next(EventDismissDialog)
	assert.Contains(t, string(dismissed.Params), payload.OperationID)

	code, _ = post(t, srv, `{"type":"feedbackCancel","operationId":"`+payload.OperationID+`"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestCancelRejectsSolicitation(t *testing.T) {
	_, bridge, srv := newTestPanel(t)
	v := attach(t, srv)
	v.next(EventServerStatus)

	done := make(chan error, 1)
	go func() {
		_, err := bridge.Solicit(context.Background(), "", 0)
		done <- err
	}()
	dialog := v.next(EventShowDialog)
	var payload dialogPayload
	require.NoError(t, json.Unmarshal(dialog.Params, &payload))

	code, _ := post(t, srv, `{"type":"feedbackCancel","operationId":"`+payload.OperationID+`","data":{"reason":"not now"}}`)
	assert.Equal(t, http.StatusOK, code)
	err := <-done
	assert.True(t, errors.Is(err, feedback.ErrCancelled))
	assert.Contains(t, err.Error(), "not now")
}

func TestMalformedMessages(t *testing.T) {
	_, _, srv := newTestPanel(t)
	for _, body := range []string{
		`not json`,
		`{"type":"feedbackSubmit"}`,
		`{"type":"explode","operationId":"x"}`,
		`{"type":"feedbackSubmit","operationId":"x","data":{"images":["!!"]}}`,
	} {
		code, r := post(t, srv, body)
		assert.Equal(t, http.StatusBadRequest, code, body)
		assert.NotEmpty(t, r.Error)
	}
	code, _ := post(t, srv, `{"type":"feedbackSubmit","operationId":"missing"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestLateViewerSeesPendingDialogs(t *testing.T) {
	p, bridge, srv := newTestPanel(t)
	first := attach(t, srv)
	first.next(EventServerStatus)

	go bridge.Solicit(context.Background(), "waiting", 0)
	first.next(EventShowDialog)

	second := attach(t, srv)
	second.next(EventServerStatus)
	dialog := second.next(EventShowDialog)
	assert.Contains(t, string(dialog.Params), "waiting")

	resp, err := http.Get(srv.URL + "/panel/pending")
	require.NoError(t, err)
	defer resp.Body.Close()
	var pending []feedback.Pending
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "waiting", pending[0].WorkSummary)

	assert.Equal(t, 1, bridge.CancelAll("test over"))
	p.DisconnectViewers()
	_, ok := <-first.events
	for ok {
		_, ok = <-first.events
	}
}

func TestShowMessageAndStatus(t *testing.T) {
	p, _, srv := newTestPanel(t)
	v := attach(t, srv)
	v.next(EventServerStatus)

	require.NoError(t, p.ShowMessage(context.Background(), feedback.LevelWarning, "disk almost full"))
	msg := v.next(EventShowMessage)
	assert.JSONEq(t, `{"level":"warning","message":"disk almost full"}`, string(msg.Params))

	p.NotifyStatus(context.Background(), true, 3101)
	msg = v.next(EventServerStatus)
	assert.JSONEq(t, `{"running":true,"port":3101}`, string(msg.Params))

	resp, err := http.Get(srv.URL + "/panel/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"running":false,"port":0}`, string(body))
}

func TestCORSOrigins(t *testing.T) {
	_, _, srv := newTestPanel(t, WithOrigins("vscode-webview://allowed"))

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, srv.URL+"/panel/messages", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", "POST")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}
	assert.Equal(t, "vscode-webview://allowed", preflight("vscode-webview://allowed").Header.Get("Access-Control-Allow-Origin"))
	assert.Empty(t, preflight("https://evil.example").Header.Get("Access-Control-Allow-Origin"))
}

type backlogBridge struct {
	pending []feedback.Pending
}

func (b *backlogBridge) Settle(operationID string, resp feedback.Response) bool { return false }
func (b *backlogBridge) Cancel(operationID string, reason string) bool          { return false }
func (b *backlogBridge) Pending() []feedback.Pending                            { return b.pending }

func TestViewerCatchUpLargerThanStreamQueue(t *testing.T) {
	backlog := &backlogBridge{}
	for i := 0; i < 250; i++ {
		backlog.pending = append(backlog.pending, feedback.Pending{
			OperationID: fmt.Sprintf("op-%03d", i),
			WorkSummary: "waiting",
		})
	}
	p := New(backlog, "/panel", logger.NewTestLogger())
	r := chi.NewRouter()
	r.Mount("/panel", p.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	v := attach(t, srv)
	v.next(EventServerStatus)
	for i := range backlog.pending {
		dialog := v.next(EventShowDialog)
		var payload dialogPayload
		require.NoError(t, json.Unmarshal(dialog.Params, &payload))
		assert.Equal(t, backlog.pending[i].OperationID, payload.OperationID)
	}

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked")
	}
}

func TestCloseWhileViewerIsBehind(t *testing.T) {
	backlog := &backlogBridge{}
	for i := 0; i < 250; i++ {
		backlog.pending = append(backlog.pending, feedback.Pending{OperationID: fmt.Sprintf("op-%03d", i)})
	}
	p := New(backlog, "/panel", logger.NewTestLogger())
	r := chi.NewRouter()
	r.Mount("/panel", p.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	// headers arrive even though nobody reads the backlog
	attach(t, srv)
	require.Eventually(t, func() bool { return p.Viewers() == 1 }, time.Second, 10*time.Millisecond)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked")
	}
	assert.Equal(t, 0, p.Viewers())
}
