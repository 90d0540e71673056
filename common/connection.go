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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/liuxd6825/sider/log"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Ensure Connection implements the EventEmitter and Executor interfaces
var _ EventEmitter = &Connection{}
var _ cdp.Executor = &Connection{}

/*
Connection multiplexes every logical protocol session over one Transport.

A single goroutine reads messages off the transport. Replies are matched by
command ID against the pending table and handed to the waiting Execute call.
Events are queued on the mailbox of the session named by the message's
session ID; messages without a session ID belong to the root "browser"
session. Sessions are created when the root loop sees
Target.attachedToTarget, before anything addressed to them can be routed,
and closed after Target.detachedFromTarget was queued to its parent.
*/
type Connection struct {
	BaseEventEmitter

	transport Transport
	logger    *log.Logger
	msgID     int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session
	root       *Session

	// Only touched by recvLoop.
	decoder jlexer.Lexer
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewConnection starts reading from transport and returns the connection
// along with its root session.
func NewConnection(transport Transport, logger *log.Logger) *Connection {
	c := &Connection{
		transport: transport,
		logger:    logger,
		pending:   make(map[int64]chan *cdproto.Message),
		sessions:  make(map[target.SessionID]*Session),
		done:      make(chan struct{}),
	}
	c.root = NewSession(c, "", logger)
	c.sessions[""] = c.root

	go c.recvLoop()

	return c
}

// RootSession returns the browser level session.
func (c *Connection) RootSession() *Session {
	return c.root
}

// Done is closed once the connection is closed, for whatever reason.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection was closed, or nil while it is open.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Close tears down the transport. Every in-flight command fails with
// ErrTransportClosed. Calling Close more than once is a no-op.
func (c *Connection) Close() error {
	c.close(nil)
	return nil
}

// Execute implements cdp.Executor on the root session.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.root.Execute(ctx, method, params, res)
}

func (c *Connection) close(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			c.closeErr = ErrTransportClosed
		} else {
			c.closeErr = fmt.Errorf("%w: %v", ErrTransportClosed, cause)
			c.logger.Debugf("Connection:close", "transport failed: %v", cause)
		}

		c.pendingMu.Lock()
		close(c.done)
		c.pending = make(map[int64]chan *cdproto.Message)
		c.pendingMu.Unlock()

		if err := c.transport.Close(); err != nil {
			c.logger.Debugf("Connection:close", "closing transport: %v", err)
		}

		c.sessionsMu.Lock()
		for id, s := range c.sessions {
			s.close()
			delete(c.sessions, id)
		}
		c.sessionsMu.Unlock()

		c.emit(EventConnectionClose, c.closeErr)
	})
}

func (c *Connection) getSession(id target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[id]
}

func (c *Connection) closeSession(id target.SessionID) {
	c.sessionsMu.Lock()
	s, ok := c.sessions[id]
	delete(c.sessions, id)
	c.sessionsMu.Unlock()

	if ok {
		s.close()
	}
}

func (c *Connection) recvLoop() {
	for {
		buf, err := c.transport.Read()
		if err != nil {
			c.close(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)
		c.dispatch(buf)
	}
}

// dispatch routes a single inbound message. Nothing in here is fatal:
// messages that cannot be attributed are logged and dropped.
func (c *Connection) dispatch(buf []byte) {
	var msg cdproto.Message
	c.decoder = jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&c.decoder)
	if err := c.decoder.Error(); err != nil {
		c.logger.Errorf("cdp:recv", "dropping malformed message: %v", err)
		return
	}

	switch {
	case msg.ID != 0:
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debugf("cdp:recv", "dropping unmatched reply id:%d", msg.ID)
			return
		}
		ch <- &msg

	case msg.Method != "":
		c.routeEvent(&msg)

	default:
		c.logger.Errorf("cdp:recv", "dropping message without id or method: %s", buf)
	}
}

func (c *Connection) routeEvent(msg *cdproto.Message) {
	var detached target.SessionID
	switch msg.Method {
	case cdproto.EventTargetAttachedToTarget:
		var ev target.EventAttachedToTarget
		if err := easyjson.Unmarshal(msg.Params, &ev); err != nil {
			c.logger.Errorf("cdp:recv", "decoding %s: %v", msg.Method, err)
			return
		}
		c.sessionsMu.Lock()
		if _, ok := c.sessions[ev.SessionID]; !ok {
			c.sessions[ev.SessionID] = NewSession(c, ev.SessionID, c.logger)
		}
		c.sessionsMu.Unlock()
	case cdproto.EventTargetDetachedFromTarget:
		var ev target.EventDetachedFromTarget
		if err := easyjson.Unmarshal(msg.Params, &ev); err != nil {
			c.logger.Errorf("cdp:recv", "decoding %s: %v", msg.Method, err)
			return
		}
		detached = ev.SessionID
	}

	s := c.getSession(msg.SessionID)
	if s == nil || !s.enqueue(msg) {
		c.logger.Debugf("cdp:recv", "dropping %s for unknown session %q", msg.Method, msg.SessionID)
	}

	if detached != "" {
		c.closeSession(detached)
	}
}

// send writes one command and blocks until its reply, the end of ctx, the
// closing of sessionDone or the closing of the connection.
func (c *Connection) send(
	ctx context.Context, sessionID target.SessionID, sessionDone <-chan struct{},
	method string, params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	var buf []byte
	if params != nil {
		var err error
		if buf, err = easyjson.Marshal(params); err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{
		ID:        id,
		SessionID: sessionID,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}

	// The reply can only be routed once the pending entry exists, so it
	// must be registered before the write.
	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	select {
	case <-c.done:
		c.pendingMu.Unlock()
		return fmt.Errorf("%s: %w", method, c.closeErr)
	default:
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	var w jwriter.Writer
	msg.MarshalEasyJSON(&w)
	raw, err := w.BuildBytes()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	if err := c.write(raw); err != nil {
		c.dropPending(id)
		c.close(err)
		return fmt.Errorf("%s: %w", method, c.closeErr)
	}

	select {
	case reply := <-ch:
		return c.handleReply(method, reply, res)
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case <-sessionDone:
		c.dropPending(id)
		if err := c.Err(); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		return fmt.Errorf("%s: %w", method, ErrSessionClosed)
	case <-c.done:
		select {
		case reply := <-ch:
			return c.handleReply(method, reply, res)
		default:
		}
		return fmt.Errorf("%s: %w", method, c.closeErr)
	}
}

func (c *Connection) handleReply(method string, reply *cdproto.Message, res easyjson.Unmarshaler) error {
	if reply.Error != nil {
		return &ProtocolError{
			Method:  method,
			Code:    int64(reply.Error.Code),
			Message: reply.Error.Message,
		}
	}
	if res != nil && len(reply.Result) > 0 {
		if err := easyjson.Unmarshal(reply.Result, res); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// write issues exactly one transport write per command.
func (c *Connection) write(buf []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.logger.Debugf("cdp:send", "-> %s", buf)
	return c.transport.Write(buf)
}

func (c *Connection) dropPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Connection) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// isTransportClosed reports whether err was caused by the connection going away.
func isTransportClosed(err error) bool {
	return errors.Is(err, ErrTransportClosed)
}
