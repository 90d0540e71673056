/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/liuxd6825/sider/testutils"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"
)

type cdpCall struct {
	method string
	params easyjson.RawMessage
}

// fakeSession records the commands it executes and delivers events
// synchronously to its subscribers.
type fakeSession struct {
	BaseEventEmitter

	id target.SessionID

	mu       sync.Mutex
	cdpCalls []cdpCall
	results  map[string]func(params easyjson.RawMessage) (string, error)
	signal   chan struct{}
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		id:      "S-fake",
		results: make(map[string]func(easyjson.RawMessage) (string, error)),
		signal:  make(chan struct{}, 1),
	}
}

func (s *fakeSession) ID() target.SessionID {
	return s.id
}

func (s *fakeSession) Execute(
	ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.cdpCalls = append(s.cdpCalls, cdpCall{method: method, params: buf})
	fn := s.results[method]
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}

	if fn == nil {
		return nil
	}
	result, err := fn(buf)
	if err != nil {
		return err
	}
	if res != nil && result != "" {
		return easyjson.Unmarshal([]byte(result), res)
	}
	return nil
}

func (s *fakeSession) respond(method string, fn func(params easyjson.RawMessage) (string, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[method] = fn
}

func (s *fakeSession) calls() []cdpCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cdpCall(nil), s.cdpCalls...)
}

func (s *fakeSession) callsTo(method string) []cdpCall {
	var cs []cdpCall
	for _, c := range s.calls() {
		if c.method == method {
			cs = append(cs, c)
		}
	}
	return cs
}

// waitForCall blocks until method was executed n times.
func (s *fakeSession) waitForCall(tb testing.TB, method string, n int) []cdpCall {
	tb.Helper()

	timeout := time.After(5 * time.Second)
	for {
		if cs := s.callsTo(method); len(cs) >= n {
			return cs
		}
		select {
		case <-s.signal:
		case <-timeout:
			tb.Fatalf("timed out waiting for %d %s calls, got %d", n, method, len(s.callsTo(method)))
			return nil
		}
	}
}

// event decodes params like a Session would and emits the event.
func (s *fakeSession) event(tb testing.TB, method, params string) {
	tb.Helper()

	msg := &cdproto.Message{Method: cdproto.MethodType(method), Params: easyjson.RawMessage(params)}
	ev, err := cdproto.UnmarshalMessage(msg)
	require.NoError(tb, err)
	s.emitEvent(Event{Type: method, Data: ev, Params: msg.Params})
}

type faultRecorder struct {
	mu     sync.Mutex
	faults []error
}

func (r *faultRecorder) report(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, err)
}

func (r *faultRecorder) all() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.faults...)
}

func newTestNetworkManager(tb testing.TB, opts Options) (*NetworkManager, *fakeSession, *faultRecorder, *testutils.SimpleLogrusHook) {
	tb.Helper()

	s := newFakeSession()
	logger, hook := newTestLogger(tb)
	faults := &faultRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)

	m := NewNetworkManager(ctx, s, logger, opts, faults.report)
	require.NoError(tb, m.Initialize(testContext(tb)))

	return m, s, faults, hook
}

func requestPausedJSON(id, url string) string {
	return fmt.Sprintf(`{"requestId":%q,"request":{"url":%q,"method":"GET","headers":{},"initialPriority":"High","referrerPolicy":"no-referrer"},"frameId":"F1","resourceType":"Document"}`, id, url)
}

func responsePausedJSON(id, url string, status int) string {
	return fmt.Sprintf(`{"requestId":%q,"request":{"url":%q,"method":"GET","headers":{},"initialPriority":"High","referrerPolicy":"no-referrer"},"frameId":"F1","resourceType":"XHR","responseStatusCode":%d,"responseHeaders":[{"name":"Content-Type","value":"application/json"}]}`, id, url, status)
}

func TestNetworkManagerInitialize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		websockets  bool
		auth        bool
		wantMethods []string
	}{
		{
			name:        "interception_only",
			auth:        true,
			wantMethods: []string{cdproto.CommandFetchEnable},
		},
		{
			name:        "with_websockets",
			websockets:  true,
			wantMethods: []string{cdproto.CommandFetchEnable, cdproto.CommandNetworkEnable},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := NewOptions()
			opts.HandleWebSocketRequests = null.BoolFrom(tt.websockets)
			opts.HandleAuthRequests = null.BoolFrom(tt.auth)
			_, s, _, _ := newTestNetworkManager(t, opts)

			var methods []string
			for _, c := range s.calls() {
				methods = append(methods, c.method)
			}
			assert.Equal(t, tt.wantMethods, methods)

			var p fetch.EnableParams
			require.NoError(t, easyjson.Unmarshal(s.calls()[0].params, &p))
			assert.Equal(t, tt.auth, p.HandleAuthRequests)
			require.Len(t, p.Patterns, 2)
			assert.Equal(t, fetch.RequestStageRequest, p.Patterns[0].RequestStage)
			assert.Equal(t, fetch.RequestStageResponse, p.Patterns[1].RequestStage)
		})
	}
}

func TestNetworkManagerSetNetworkEnabledIsIdempotent(t *testing.T) {
	t.Parallel()

	m, s, _, _ := newTestNetworkManager(t, NewOptions())
	ctx := testContext(t)

	require.NoError(t, m.SetNetworkEnabled(ctx, true))
	require.NoError(t, m.SetNetworkEnabled(ctx, true))
	require.NoError(t, m.SetNetworkEnabled(ctx, false))
	require.NoError(t, m.SetNetworkEnabled(ctx, false))

	assert.Len(t, s.callsTo(cdproto.CommandNetworkEnable), 1)
	assert.Len(t, s.callsTo(cdproto.CommandNetworkDisable), 1)
}

func TestPausedStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params string
		want   Stage
	}{
		{"request", requestPausedJSON("1", "http://a"), StageRequest},
		{"status_code", responsePausedJSON("1", "http://a", 200), StageResponse},
		{"error_reason", `{"requestId":"1","responseErrorReason":"Failed"}`, StageResponse},
		{"status_text_only", `{"requestId":"1","responseStatusText":""}`, StageResponse},
		{"headers_only", `{"requestId":"1","responseHeaders":[]}`, StageResponse},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var ev fetch.EventRequestPaused
			require.NoError(t, easyjson.Unmarshal([]byte(tt.params), &ev))
			assert.Equal(t, tt.want, pausedStage(&ev, easyjson.RawMessage(tt.params)))
		})
	}

	t.Run("typed_fallback", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, StageRequest, pausedStage(&fetch.EventRequestPaused{}, nil))
		assert.Equal(t, StageResponse, pausedStage(&fetch.EventRequestPaused{ResponseStatusCode: 404}, nil))
	})
}

func TestNetworkManagerRequestStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		filter     RequestFilter
		wantMethod string
	}{
		{
			name:       "no_filter_continues",
			wantMethod: cdproto.CommandFetchContinueRequest,
		},
		{
			name:       "passing_filter_continues",
			filter:     func(ex *InterceptedExchange) bool { return ex.URL() == "http://allowed/" },
			wantMethod: cdproto.CommandFetchContinueRequest,
		},
		{
			name:       "rejecting_filter_fails",
			filter:     func(*InterceptedExchange) bool { return false },
			wantMethod: cdproto.CommandFetchFailRequest,
		},
		{
			name:       "panicking_filter_continues",
			filter:     func(*InterceptedExchange) bool { panic("boom") },
			wantMethod: cdproto.CommandFetchContinueRequest,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, s, faults, _ := newTestNetworkManager(t, NewOptions())

			seen := make(chan *InterceptedExchange, 1)
			m.SetRequestHandler(func(_ context.Context, ex *InterceptedExchange) error {
				// the exchange is still paused while the handler runs
				assert.True(t, m.isPaused(ex.RequestID))
				assert.Empty(t, s.callsTo(cdproto.CommandFetchContinueRequest))
				seen <- ex
				return nil
			})
			if tt.filter != nil {
				m.SetRequestFilter(tt.filter)
			}

			s.event(t, cdproto.EventFetchRequestPaused, requestPausedJSON("r1", "http://allowed/"))

			ex := <-seen
			assert.Equal(t, StageRequest, ex.Stage)
			assert.Equal(t, "http://allowed/", ex.URL())
			assert.Equal(t, "GET", ex.Method())

			calls := s.waitForCall(t, tt.wantMethod, 1)
			require.Len(t, calls, 1)
			if tt.wantMethod == cdproto.CommandFetchFailRequest {
				var p fetch.FailRequestParams
				require.NoError(t, easyjson.Unmarshal(calls[0].params, &p))
				assert.Equal(t, fetch.RequestID("r1"), p.RequestID)
				assert.Equal(t, network.ErrorReasonFailed, p.ErrorReason)
				assert.Empty(t, s.callsTo(cdproto.CommandFetchContinueRequest))
			} else {
				assert.Empty(t, s.callsTo(cdproto.CommandFetchFailRequest))
			}
			assert.False(t, m.isPaused("r1"))
			assert.Empty(t, faults.all())
		})
	}
}

func TestNetworkManagerRequestHandlerErrorStillResolves(t *testing.T) {
	t.Parallel()

	m, s, faults, hook := newTestNetworkManager(t, NewOptions())
	m.SetRequestHandler(func(context.Context, *InterceptedExchange) error {
		return errors.New("handler broke")
	})

	s.event(t, cdproto.EventFetchRequestPaused, requestPausedJSON("r1", "http://a/"))
	s.waitForCall(t, cdproto.CommandFetchContinueRequest, 1)

	assert.Empty(t, faults.all())
	assert.Equal(t, 1, hook.Count(logrus.WarnLevel, "handler broke"))
}

func TestNetworkManagerResponseStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		handlerErr error
		panics     bool
	}{
		{name: "handler_ok"},
		{name: "handler_error", handlerErr: errors.New("parse failed")},
		{name: "handler_panic", panics: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, s, faults, _ := newTestNetworkManager(t, NewOptions())
			s.respond(cdproto.CommandFetchGetResponseBody, func(easyjson.RawMessage) (string, error) {
				body := base64.StdEncoding.EncodeToString([]byte(`{"ok":true,"n":2}`))
				return fmt.Sprintf(`{"body":%q,"base64Encoded":true}`, body), nil
			})
			paused := recordEvents(m, EventNetworkResponsePaused)

			var got interface{}
			m.SetResponseHandler(func(ctx context.Context, ex *InterceptedExchange) error {
				assert.Equal(t, StageResponse, ex.Stage)
				assert.Equal(t, int64(200), ex.ResponseStatusCode)
				ct, ok := ex.ResponseHeader("content-type")
				assert.True(t, ok)
				assert.Equal(t, "application/json", ct)

				var err error
				got, err = ex.JSON(ctx)
				require.NoError(t, err)
				if tt.panics {
					panic("handler panicked")
				}
				return tt.handlerErr
			})

			s.event(t, cdproto.EventFetchRequestPaused, responsePausedJSON("r1", "http://a/api", 200))

			// a response is always resumed with Fetch.continueRequest
			s.waitForCall(t, cdproto.CommandFetchContinueRequest, 1)
			assert.Empty(t, s.callsTo(cdproto.CommandFetchFailRequest))
			assert.Empty(t, s.callsTo("Fetch.continueResponse"))
			assert.Equal(t, map[string]interface{}{"ok": true, "n": float64(2)}, got)
			assert.Len(t, paused.ofType(EventNetworkResponsePaused), 1)
			assert.Empty(t, faults.all())
		})
	}
}

func TestNetworkManagerFilterDoesNotApplyToResponses(t *testing.T) {
	t.Parallel()

	m, s, _, _ := newTestNetworkManager(t, NewOptions())
	m.SetRequestFilter(func(*InterceptedExchange) bool { return false })

	s.event(t, cdproto.EventFetchRequestPaused, responsePausedJSON("r1", "http://a/", 500))
	s.waitForCall(t, cdproto.CommandFetchContinueRequest, 1)
	assert.Empty(t, s.callsTo(cdproto.CommandFetchFailRequest))
}

func TestNetworkManagerDoublePauseIsAFault(t *testing.T) {
	t.Parallel()

	m, s, faults, _ := newTestNetworkManager(t, NewOptions())
	release := make(chan struct{})
	m.SetRequestHandler(func(context.Context, *InterceptedExchange) error {
		<-release
		return nil
	})

	s.event(t, cdproto.EventFetchRequestPaused, requestPausedJSON("r1", "http://a/"))
	s.event(t, cdproto.EventFetchRequestPaused, requestPausedJSON("r1", "http://a/"))
	close(release)

	s.waitForCall(t, cdproto.CommandFetchContinueRequest, 1)
	fs := faults.all()
	require.Len(t, fs, 1)
	var fault *ConsistencyFault
	require.ErrorAs(t, fs[0], &fault)
	assert.Equal(t, FaultDoublePause, fault.Kind)
	assert.Equal(t, "r1", fault.ID)
}

func TestNetworkManagerResponseAfterRequestIsNotADoublePause(t *testing.T) {
	t.Parallel()

	_, s, faults, _ := newTestNetworkManager(t, NewOptions())

	// the browser pauses the response as soon as the request continues
	var once sync.Once
	s.respond(cdproto.CommandFetchContinueRequest, func(easyjson.RawMessage) (string, error) {
		once.Do(func() {
			s.event(t, cdproto.EventFetchRequestPaused, responsePausedJSON("r1", "http://a/", 200))
		})
		return "", nil
	})

	s.event(t, cdproto.EventFetchRequestPaused, requestPausedJSON("r1", "http://a/"))
	s.waitForCall(t, cdproto.CommandFetchContinueRequest, 2)
	assert.Empty(t, faults.all())
}

func TestNetworkManagerAbsorbsExpectedRaces(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		fault bool
	}{
		{name: "invalid_interception_id", err: &ProtocolError{Method: "Fetch.continueRequest", Code: -32602, Message: "Invalid InterceptionId."}},
		{name: "session_not_found", err: &ProtocolError{Method: "Fetch.continueRequest", Code: -32001, Message: "Session with given id not found."}},
		{name: "session_closed", err: fmt.Errorf("Fetch.continueRequest: %w", ErrSessionClosed)},
		{name: "transport_closed", err: fmt.Errorf("Fetch.continueRequest: %w", ErrTransportClosed)},
		{name: "other_protocol_error", err: &ProtocolError{Method: "Fetch.continueRequest", Code: -32000, Message: "Something else"}, fault: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, s, faults, hook := newTestNetworkManager(t, NewOptions())
			s.respond(cdproto.CommandFetchContinueRequest, func(easyjson.RawMessage) (string, error) {
				return "", tt.err
			})

			s.event(t, cdproto.EventFetchRequestPaused, requestPausedJSON("r1", "http://a/"))
			s.waitForCall(t, cdproto.CommandFetchContinueRequest, 1)
			s.event(t, cdproto.EventFetchRequestPaused, requestPausedJSON("r2", "http://a/"))
			s.waitForCall(t, cdproto.CommandFetchContinueRequest, 2)

			if tt.fault {
				require.Eventually(t, func() bool { return len(faults.all()) == 2 }, 5*time.Second, time.Millisecond)
				var perr *ProtocolError
				assert.ErrorAs(t, faults.all()[0], &perr)
				return
			}
			require.Eventually(t, func() bool {
				return hook.Count(logrus.DebugLevel, "Fetch.continueRequest rid:") == 1
			}, 5*time.Second, time.Millisecond)
			assert.Equal(t, 1, hook.Count(logrus.WarnLevel, "further occurrences"))
			assert.Empty(t, faults.all())
		})
	}
}

func TestNetworkManagerAuthRequired(t *testing.T) {
	t.Parallel()

	opts := NewOptions()
	opts.Username = null.StringFrom("alice")
	opts.Password = null.StringFrom("secret")
	m, s, _, _ := newTestNetworkManager(t, opts)

	s.event(t, cdproto.EventFetchAuthRequired,
		`{"requestId":"r1","request":{"url":"http://a/","method":"GET","headers":{},"initialPriority":"High","referrerPolicy":"no-referrer"},"frameId":"F1","resourceType":"Document","authChallenge":{"origin":"http://a","scheme":"basic","realm":"x"}}`)

	calls := s.waitForCall(t, cdproto.CommandFetchContinueWithAuth, 1)
	var p fetch.ContinueWithAuthParams
	require.NoError(t, easyjson.Unmarshal(calls[0].params, &p))
	assert.Equal(t, fetch.RequestID("r1"), p.RequestID)
	require.NotNil(t, p.AuthChallengeResponse)
	assert.Equal(t, fetch.AuthChallengeResponseResponseProvideCredentials, p.AuthChallengeResponse.Response)
	assert.Equal(t, "alice", p.AuthChallengeResponse.Username)
	assert.Equal(t, "secret", p.AuthChallengeResponse.Password)

	// updated credentials are used for the next challenge
	m.SetCredentials(Credentials{Username: "bob", Password: "hunter2"})
	s.event(t, cdproto.EventFetchAuthRequired,
		`{"requestId":"r2","request":{"url":"http://a/","method":"GET","headers":{},"initialPriority":"High","referrerPolicy":"no-referrer"},"frameId":"F1","resourceType":"Document","authChallenge":{"origin":"http://a","scheme":"basic","realm":"x"}}`)
	calls = s.waitForCall(t, cdproto.CommandFetchContinueWithAuth, 2)
	var p2 fetch.ContinueWithAuthParams
	for _, c := range calls {
		require.NoError(t, easyjson.Unmarshal(c.params, &p2))
		if p2.RequestID == "r2" {
			break
		}
	}
	assert.Equal(t, "bob", p2.AuthChallengeResponse.Username)
}

func TestParseJSONBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		want    interface{}
		wantErr bool
	}{
		{name: "empty", body: "", want: map[string]interface{}{}},
		{name: "whitespace", body: " \n", want: map[string]interface{}{}},
		{name: "object", body: `{"a":[1,"b"]}`, want: map[string]interface{}{"a": []interface{}{float64(1), "b"}}},
		{name: "array", body: `[true,null]`, want: []interface{}{true, nil}},
		{name: "invalid", body: `{"a":`, wantErr: true},
		{name: "html", body: `<html></html>`, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseJSONBody([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNetworkManagerWebSockets(t *testing.T) {
	t.Parallel()

	opts := NewOptions()
	opts.HandleWebSocketRequests = null.BoolFrom(true)
	m, s, faults, _ := newTestNetworkManager(t, opts)

	var (
		mu      sync.Mutex
		created []*WebSocket
		frames  []*WebSocketFrame
		closed  []*WebSocket
	)
	m.SetWebSocketHandlers(WebSocketHandlers{
		OnCreated: func(ws *WebSocket) { mu.Lock(); created = append(created, ws); mu.Unlock() },
		OnFrame:   func(f *WebSocketFrame) { mu.Lock(); frames = append(frames, f); mu.Unlock() },
		OnClosed:  func(ws *WebSocket) { mu.Lock(); closed = append(closed, ws); mu.Unlock() },
	})

	s.event(t, cdproto.EventNetworkWebSocketCreated, `{"requestId":"w1","url":"ws://a/socket"}`)
	s.event(t, cdproto.EventNetworkWebSocketFrameSent,
		`{"requestId":"w1","timestamp":1,"response":{"opcode":1,"mask":true,"payloadData":"hello"}}`)
	s.event(t, cdproto.EventNetworkWebSocketFrameReceived,
		fmt.Sprintf(`{"requestId":"w1","timestamp":2,"response":{"opcode":2,"mask":false,"payloadData":%q}}`,
			base64.StdEncoding.EncodeToString([]byte{0x01, 0x02})))
	s.event(t, cdproto.EventNetworkWebSocketClosed, `{"requestId":"w1","timestamp":3}`)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, created, 1)
	assert.Equal(t, "ws://a/socket", created[0].URL)
	require.Len(t, frames, 2)
	assert.True(t, frames[0].Sent)
	assert.True(t, frames[0].Mask)
	assert.Equal(t, []byte("hello"), frames[0].Payload)
	assert.False(t, frames[1].Sent)
	assert.Equal(t, int64(2), frames[1].Opcode)
	assert.Equal(t, []byte{0x01, 0x02}, frames[1].Payload)
	assert.Same(t, created[0], frames[1].Socket)
	require.Len(t, closed, 1)
	assert.Empty(t, faults.all())
}

func TestNetworkManagerWebSocketFaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		events [][2]string
		want   FaultKind
	}{
		{
			name: "duplicate_created",
			events: [][2]string{
				{cdproto.EventNetworkWebSocketCreated, `{"requestId":"w1","url":"ws://a"}`},
				{cdproto.EventNetworkWebSocketCreated, `{"requestId":"w1","url":"ws://a"}`},
			},
			want: FaultDuplicateWebSocket,
		},
		{
			name: "frame_for_unknown_socket",
			events: [][2]string{
				{cdproto.EventNetworkWebSocketFrameReceived, `{"requestId":"w9","timestamp":1,"response":{"opcode":1,"mask":false,"payloadData":"x"}}`},
			},
			want: FaultUnknownWebSocket,
		},
		{
			name: "close_for_unknown_socket",
			events: [][2]string{
				{cdproto.EventNetworkWebSocketClosed, `{"requestId":"w9","timestamp":1}`},
			},
			want: FaultUnknownWebSocket,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := NewOptions()
			opts.HandleWebSocketRequests = null.BoolFrom(true)
			_, s, faults, _ := newTestNetworkManager(t, opts)

			for _, ev := range tt.events {
				s.event(t, ev[0], ev[1])
			}

			fs := faults.all()
			require.Len(t, fs, 1)
			assert.ErrorIs(t, fs[0], ErrConsistencyFault)
			var fault *ConsistencyFault
			require.ErrorAs(t, fs[0], &fault)
			assert.Equal(t, tt.want, fault.Kind)
		})
	}
}

func TestNetworkManagerWebSocketsOffIgnoresEvents(t *testing.T) {
	t.Parallel()

	_, s, faults, _ := newTestNetworkManager(t, NewOptions())
	s.event(t, cdproto.EventNetworkWebSocketClosed, `{"requestId":"w9","timestamp":1}`)
	assert.Empty(t, faults.all())
}

func TestNetworkManagerDisposeUnsubscribes(t *testing.T) {
	t.Parallel()

	m, s, _, _ := newTestNetworkManager(t, NewOptions())
	require.Equal(t, 1, s.listenerCount(cdproto.EventFetchRequestPaused))

	m.dispose()
	assert.Zero(t, s.listenerCount(cdproto.EventFetchRequestPaused))
	assert.Zero(t, s.listenerCount(cdproto.EventFetchAuthRequired))
}
