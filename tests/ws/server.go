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

// Package ws provides a WebSocket server speaking just enough of the
// remote debugging protocol for transport level tests.
package ws

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Server can be used as a test alternative to a real browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
}

// NewServer returns a running WS test server. It is closed on test cleanup.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the ws:// URL of path on the server.
func (s *Server) URL(path string) string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + path
}

// Commands records the methods of the commands a CDP handler received.
type Commands struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (c *Commands) add(m cdproto.MethodType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods = append(c.methods, m)
}

// Methods returns a copy of the recorded methods.
func (c *Commands) Methods() []cdproto.MethodType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]cdproto.MethodType(nil), c.methods...)
}

// WithClosureAbnormalHandler attaches a handler that drops the connection
// without a close handshake.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches a handler echoing the first message back.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		wc, err := conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithCDPHandler attaches a protocol handler. fn is called for every
// decoded message and replies by sending on writeCh.
func WithCDPHandler(
	path string,
	fn func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}),
	cmds *Commands,
) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			defer close(done)
			for {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					return
				}
				if msg.Method != "" && cmds != nil {
					cmds.add(msg.Method)
				}
				fn(conn, &msg, writeCh, done)
			}
		}()

		for {
			select {
			case msg := <-writeCh:
				encoder := jwriter.Writer{}
				msg.MarshalEasyJSON(&encoder)
				if encoder.Error != nil {
					continue
				}
				writer, err := conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				if _, err := encoder.DumpTo(writer); err != nil {
					return
				}
				if err := writer.Close(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// Fixture IDs used by CDPDefaultHandler.
const (
	DummyCDPSessionID = "session_id_0123456789"
	DummyCDPTargetID  = "target_id_0123456789"
)

// CDPDefaultHandler answers Target.attachToTarget with the attached event
// followed by the reply, and every other command with an empty result.
func CDPDefaultHandler(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
	const (
		targetAttachedToTargetEvent = `
		{
			"sessionId": "` + DummyCDPSessionID + `",
			"targetInfo": {
				"targetId": "` + DummyCDPTargetID + `",
				"type": "page",
				"title": "",
				"url": "about:blank",
				"attached": true,
				"browserContextId": "browser_context_id_0123456789"
			},
			"waitingForDebugger": false
		}`

		targetAttachedToTargetResult = `{"sessionId":"` + DummyCDPSessionID + `"}`
	)

	send := func(m cdproto.Message) bool {
		select {
		case writeCh <- m:
			return true
		case <-done:
			return false
		}
	}

	if msg.Method == "" {
		return
	}
	if msg.SessionID == "" && msg.Method == cdproto.MethodType(cdproto.CommandTargetAttachToTarget) {
		if !send(cdproto.Message{
			Method: cdproto.EventTargetAttachedToTarget,
			Params: easyjson.RawMessage(targetAttachedToTargetEvent),
		}) {
			return
		}
		send(cdproto.Message{
			ID:     msg.ID,
			Result: easyjson.RawMessage(targetAttachedToTargetResult),
		})
		return
	}
	send(cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage("{}"),
	})
}
