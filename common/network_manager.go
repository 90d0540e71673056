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
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/liuxd6825/sider/log"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

// InterceptHandler observes a paused exchange. The exchange stays paused
// until the handler returns.
type InterceptHandler func(ctx context.Context, ex *InterceptedExchange) error

// RequestFilter decides whether a paused request may continue. Rejected
// requests fail with the "Failed" network error.
type RequestFilter func(ex *InterceptedExchange) bool

// Errors the browser reports when the exchange or session a resolve
// command refers to vanished in the meantime, typically because the page
// navigated away. They are expected and only logged.
var toleratedProtocolErrors = []string{
	"Invalid InterceptionId",
	"Session with given id not found",
}

// NetworkManager pauses every request and response of one target and
// resolves each of them after the configured handlers ran.
type NetworkManager struct {
	BaseEventEmitter

	ctx     context.Context
	logger  *log.Logger
	session session
	fault   func(error)

	handleAuthRequests      bool
	handleWebSocketRequests bool

	mu              sync.RWMutex
	credentials     Credentials
	requestHandler  InterceptHandler
	responseHandler InterceptHandler
	requestFilter   RequestFilter
	wsHandlers      WebSocketHandlers
	networkEnabled  bool

	pausedMu sync.Mutex
	paused   map[fetch.RequestID]Stage

	socketsMu sync.Mutex
	sockets   map[network.RequestID]*WebSocket

	absorbedMu sync.Mutex
	absorbed   map[string]bool

	listeners []ListenerID
	events    []string
}

// NewNetworkManager creates a network manager for the target behind s.
// Unexpected failures are passed to fault.
func NewNetworkManager(
	ctx context.Context, s session, logger *log.Logger, opts Options, fault func(error),
) *NetworkManager {
	if fault == nil {
		fault = func(err error) {
			logger.Errorf("Network:fault", "%v", err)
		}
	}
	return &NetworkManager{
		ctx:                     ctx,
		logger:                  logger,
		session:                 s,
		fault:                   fault,
		handleAuthRequests:      opts.HandleAuthRequests.Bool,
		handleWebSocketRequests: opts.HandleWebSocketRequests.Bool,
		credentials:             opts.Credentials(),
		paused:                  make(map[fetch.RequestID]Stage),
		sockets:                 make(map[network.RequestID]*WebSocket),
		absorbed:                make(map[string]bool),
	}
}

// Initialize subscribes to the interception events and then enables
// interception of both stages, so no pause can be missed.
func (m *NetworkManager) Initialize(ctx context.Context) error {
	m.initEvents()

	action := fetch.Enable().
		WithHandleAuthRequests(m.handleAuthRequests).
		WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
			{URLPattern: "*", RequestStage: fetch.RequestStageResponse},
		})
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("enabling request interception: %w", err)
	}

	if m.handleWebSocketRequests {
		if err := m.SetNetworkEnabled(ctx, true); err != nil {
			return err
		}
	}

	return nil
}

func (m *NetworkManager) initEvents() {
	handlers := map[string]EventHandler{
		cdproto.EventFetchRequestPaused: m.onRequestPaused,
		cdproto.EventFetchAuthRequired:  m.onAuthRequired,
	}
	if m.handleWebSocketRequests {
		handlers[cdproto.EventNetworkWebSocketCreated] = m.onWebSocketCreated
		handlers[cdproto.EventNetworkWebSocketClosed] = m.onWebSocketClosed
		handlers[cdproto.EventNetworkWebSocketFrameSent] = m.onWebSocketFrame
		handlers[cdproto.EventNetworkWebSocketFrameReceived] = m.onWebSocketFrame
	}
	for event, h := range handlers {
		m.events = append(m.events, event)
		m.listeners = append(m.listeners, m.session.On(event, h))
	}
}

// dispose removes the session subscriptions.
func (m *NetworkManager) dispose() {
	for i, id := range m.listeners {
		m.session.Off(m.events[i], id)
	}
	m.listeners, m.events = nil, nil
}

// SetCredentials replaces the credentials used for auth challenges.
func (m *NetworkManager) SetCredentials(c Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials = c
}

// SetRequestHandler sets the handler run for request stage pauses.
func (m *NetworkManager) SetRequestHandler(h InterceptHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHandler = h
}

// SetResponseHandler sets the handler run for response stage pauses.
func (m *NetworkManager) SetResponseHandler(h InterceptHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseHandler = h
}

// SetRequestFilter sets the filter deciding which requests may continue.
func (m *NetworkManager) SetRequestFilter(f RequestFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestFilter = f
}

// SetNetworkEnabled toggles the Network domain. It is a no-op when the
// domain already is in the requested state.
func (m *NetworkManager) SetNetworkEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.networkEnabled == enabled {
		return nil
	}
	var action Action = network.Enable()
	if !enabled {
		action = network.Disable()
	}
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("cannot execute %T: %w", action, err)
	}
	m.networkEnabled = enabled
	return nil
}

// isPaused reports whether requestID currently waits for a resolution.
func (m *NetworkManager) isPaused(requestID fetch.RequestID) bool {
	m.pausedMu.Lock()
	defer m.pausedMu.Unlock()
	_, ok := m.paused[requestID]
	return ok
}

func (m *NetworkManager) onRequestPaused(ev Event) {
	event, ok := ev.Data.(*fetch.EventRequestPaused)
	if !ok {
		return
	}
	stage := pausedStage(event, ev.Params)

	m.logger.Debugf("Network:onRequestPaused",
		"sid:%v rid:%v stage:%v url:%v", m.session.ID(), event.RequestID, stage, requestURL(event.Request))

	m.pausedMu.Lock()
	if _, ok := m.paused[event.RequestID]; ok {
		m.pausedMu.Unlock()
		m.fault(newFault(FaultDoublePause, string(event.RequestID)))
		return
	}
	m.paused[event.RequestID] = stage
	m.pausedMu.Unlock()

	ex := newInterceptedExchange(m, event, stage)
	if stage == StageResponse {
		m.emit(EventNetworkResponsePaused, ex)
		go m.handleResponse(ex)
		return
	}
	go m.handleRequest(ex)
}

// pausedStage tells the stages apart by the presence of response fields in
// the raw event; typed fields are the fallback when no raw params exist.
func pausedStage(event *fetch.EventRequestPaused, params easyjson.RawMessage) Stage {
	if len(params) > 0 {
		for _, r := range gjson.GetManyBytes(params,
			"responseErrorReason", "responseStatusCode", "responseStatusText", "responseHeaders") {
			if r.Exists() {
				return StageResponse
			}
		}
		return StageRequest
	}
	if event.ResponseErrorReason != "" || event.ResponseStatusCode != 0 ||
		event.ResponseStatusText != "" || event.ResponseHeaders != nil {
		return StageResponse
	}
	return StageRequest
}

func (m *NetworkManager) handleRequest(ex *InterceptedExchange) {
	m.mu.RLock()
	handler, filter := m.requestHandler, m.requestFilter
	m.mu.RUnlock()

	if handler != nil {
		if err := m.runHandler(handler, ex); err != nil {
			m.logger.Warnf("Network:handleRequest", "rid:%v url:%v handler: %v", ex.RequestID, ex.URL(), err)
		}
	}

	pass := true
	if filter != nil {
		pass = m.runFilter(filter, ex)
	}

	m.unpause(ex.RequestID)
	if pass {
		m.absorb(cdproto.CommandFetchContinueRequest, ex.RequestID,
			fetch.ContinueRequest(ex.RequestID).Do(cdp.WithExecutor(m.ctx, m.session)))
		return
	}

	m.logger.Debugf("Network:handleRequest", "rid:%v url:%v rejected by filter", ex.RequestID, ex.URL())
	m.absorb(cdproto.CommandFetchFailRequest, ex.RequestID,
		fetch.FailRequest(ex.RequestID, network.ErrorReasonFailed).Do(cdp.WithExecutor(m.ctx, m.session)))
}

// handleResponse always resumes the exchange, also when the handler
// failed. Fetch.continueResponse is not used since the browser rejects it
// in incognito contexts.
func (m *NetworkManager) handleResponse(ex *InterceptedExchange) {
	m.mu.RLock()
	handler := m.responseHandler
	m.mu.RUnlock()

	if handler != nil {
		if err := m.runHandler(handler, ex); err != nil {
			m.logger.Warnf("Network:handleResponse", "rid:%v url:%v handler: %v", ex.RequestID, ex.URL(), err)
		}
	}

	m.unpause(ex.RequestID)
	m.absorb(cdproto.CommandFetchContinueRequest, ex.RequestID,
		fetch.ContinueRequest(ex.RequestID).Do(cdp.WithExecutor(m.ctx, m.session)))
}

func (m *NetworkManager) runHandler(h InterceptHandler, ex *InterceptedExchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(m.ctx, ex)
}

func (m *NetworkManager) runFilter(f RequestFilter, ex *InterceptedExchange) (pass bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warnf("Network:runFilter", "rid:%v filter panicked: %v", ex.RequestID, r)
			pass = true
		}
	}()
	return f(ex)
}

// unpause clears the pending entry. It runs before the resolving command is
// written so that the response stage pause of the same request, which may
// arrive right after, is not taken for a second pause.
func (m *NetworkManager) unpause(requestID fetch.RequestID) {
	m.pausedMu.Lock()
	delete(m.paused, requestID)
	m.pausedMu.Unlock()
}

func (m *NetworkManager) onAuthRequired(ev Event) {
	event, ok := ev.Data.(*fetch.EventAuthRequired)
	if !ok {
		return
	}

	m.mu.RLock()
	creds := m.credentials
	m.mu.RUnlock()

	m.logger.Debugf("Network:onAuthRequired", "rid:%v url:%v", event.RequestID, requestURL(event.Request))

	go func() {
		err := fetch.ContinueWithAuth(
			event.RequestID,
			&fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: creds.Username,
				Password: creds.Password,
			},
		).Do(cdp.WithExecutor(m.ctx, m.session))
		m.absorb(cdproto.CommandFetchContinueWithAuth, event.RequestID, err)
	}()
}

// absorb reports err as a fault unless it is one of the races expected
// when pages go away mid interception. Each tolerated cause is logged at
// warning level once per network manager.
func (m *NetworkManager) absorb(method string, requestID fetch.RequestID, err error) {
	if err == nil {
		return
	}
	cause, ok := toleratedCause(err)
	if !ok {
		m.fault(fmt.Errorf("%s rid:%v: %w", method, requestID, err))
		return
	}

	m.absorbedMu.Lock()
	seen := m.absorbed[cause]
	m.absorbed[cause] = true
	m.absorbedMu.Unlock()

	if seen {
		m.logger.Debugf("Network:absorb", "%s rid:%v: %v", method, requestID, err)
		return
	}
	m.logger.Warnf("Network:absorb", "ignoring %q for %s rid:%v, further occurrences are logged at debug level",
		cause, method, requestID)
}

func toleratedCause(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return ErrSessionClosed.Error(), true
	case errors.Is(err, ErrTransportClosed):
		return ErrTransportClosed.Error(), true
	case errors.Is(err, context.Canceled):
		return context.Canceled.Error(), true
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		for _, c := range toleratedProtocolErrors {
			if strings.Contains(perr.Message, c) {
				return c, true
			}
		}
	}
	return "", false
}

// GetResponseBody returns the body of a response paused at the response
// stage, base64 decoded when the browser sent it encoded.
func (m *NetworkManager) GetResponseBody(ctx context.Context, requestID fetch.RequestID) ([]byte, error) {
	body, err := fetch.GetResponseBody(requestID).Do(cdp.WithExecutor(ctx, m.session))
	if err != nil {
		return nil, fmt.Errorf("getting response body of %v: %w", requestID, err)
	}
	return body, nil
}

// GetResponseJSON parses the response body as JSON. An empty body yields
// an empty object.
func (m *NetworkManager) GetResponseJSON(ctx context.Context, requestID fetch.RequestID) (interface{}, error) {
	body, err := m.GetResponseBody(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return parseJSONBody(body)
}

func parseJSONBody(body []byte) (interface{}, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]interface{}{}, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response body is not valid JSON")
	}
	return gjson.ParseBytes(body).Value(), nil
}

func requestURL(r *network.Request) string {
	if r == nil {
		return ""
	}
	return r.URL
}

// WebSocket is a socket observed while websocket capture is enabled.
type WebSocket struct {
	RequestID network.RequestID
	URL       string
	Initiator *network.Initiator
}

// WebSocketFrame is a single captured frame. Payload holds the text of
// text frames and the decoded bytes of every other opcode.
type WebSocketFrame struct {
	Socket  *WebSocket
	Sent    bool
	Opcode  int64
	Mask    bool
	Payload []byte
}

// WebSocketHandlers receive captured websocket traffic. Nil members are
// skipped.
type WebSocketHandlers struct {
	OnCreated func(*WebSocket)
	OnFrame   func(*WebSocketFrame)
	OnClosed  func(*WebSocket)
}

// SetWebSocketHandlers sets the receivers of captured websocket traffic.
func (m *NetworkManager) SetWebSocketHandlers(h WebSocketHandlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wsHandlers = h
}

func (m *NetworkManager) webSocketHandlers() WebSocketHandlers {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wsHandlers
}

func (m *NetworkManager) onWebSocketCreated(ev Event) {
	event, ok := ev.Data.(*network.EventWebSocketCreated)
	if !ok {
		return
	}

	m.socketsMu.Lock()
	if _, ok := m.sockets[event.RequestID]; ok {
		m.socketsMu.Unlock()
		m.fault(newFault(FaultDuplicateWebSocket, string(event.RequestID)))
		return
	}
	ws := &WebSocket{RequestID: event.RequestID, URL: event.URL, Initiator: event.Initiator}
	m.sockets[event.RequestID] = ws
	m.socketsMu.Unlock()

	m.logger.Debugf("Network:onWebSocketCreated", "rid:%v url:%v", ws.RequestID, ws.URL)
	if h := m.webSocketHandlers().OnCreated; h != nil {
		h(ws)
	}
}

func (m *NetworkManager) onWebSocketFrame(ev Event) {
	var (
		rid   network.RequestID
		frame *network.WebSocketFrame
		sent  bool
	)
	switch event := ev.Data.(type) {
	case *network.EventWebSocketFrameSent:
		rid, frame, sent = event.RequestID, event.Response, true
	case *network.EventWebSocketFrameReceived:
		rid, frame = event.RequestID, event.Response
	default:
		return
	}

	m.socketsMu.Lock()
	ws, ok := m.sockets[rid]
	m.socketsMu.Unlock()
	if !ok {
		m.fault(newFault(FaultUnknownWebSocket, string(rid)))
		return
	}
	if frame == nil {
		return
	}

	f := &WebSocketFrame{
		Socket: ws,
		Sent:   sent,
		Opcode: int64(frame.Opcode),
		Mask:   frame.Mask,
	}
	if f.Opcode == 1 {
		f.Payload = []byte(frame.PayloadData)
	} else {
		payload, err := base64.StdEncoding.DecodeString(frame.PayloadData)
		if err != nil {
			m.logger.Warnf("Network:onWebSocketFrame", "rid:%v opcode:%d undecodable payload: %v", rid, f.Opcode, err)
			payload = []byte(frame.PayloadData)
		}
		f.Payload = payload
	}

	if h := m.webSocketHandlers().OnFrame; h != nil {
		h(f)
	}
}

func (m *NetworkManager) onWebSocketClosed(ev Event) {
	event, ok := ev.Data.(*network.EventWebSocketClosed)
	if !ok {
		return
	}

	m.socketsMu.Lock()
	ws, ok := m.sockets[event.RequestID]
	delete(m.sockets, event.RequestID)
	m.socketsMu.Unlock()
	if !ok {
		m.fault(newFault(FaultUnknownWebSocket, string(event.RequestID)))
		return
	}

	m.logger.Debugf("Network:onWebSocketClosed", "rid:%v url:%v", ws.RequestID, ws.URL)
	if h := m.webSocketHandlers().OnClosed; h != nil {
		h(ws)
	}
}
