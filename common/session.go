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
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/liuxd6825/sider/log"
	"github.com/mailru/easyjson"
)

// Ensure Session implements the EventEmitter and Executor interfaces
var _ EventEmitter = &Session{}
var _ cdp.Executor = &Session{}

// session is what pages, workers and the network manager need from a
// protocol session. Tests substitute their own implementation.
type session interface {
	cdp.Executor
	On(event string, handler EventHandler) ListenerID
	Off(event string, id ListenerID)
	ID() target.SessionID
}

// Session is one logical protocol session multiplexed over a Connection.
// Events are delivered from the session's own goroutine, in wire order,
// so a slow subscriber never stalls the connection's read loop.
type Session struct {
	BaseEventEmitter

	conn   *Connection
	id     target.SessionID
	logger *log.Logger

	mu     sync.Mutex
	queue  []*cdproto.Message
	closed bool
	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// NewSession creates a new session and starts its event loop.
func NewSession(conn *Connection, id target.SessionID, logger *log.Logger) *Session {
	s := Session{
		conn:   conn,
		id:     id,
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.readLoop()
	return &s
}

// ID returns the protocol session ID. The root session has an empty ID.
func (s *Session) ID() target.SessionID {
	return s.id
}

// Done is closed when the session is detached or its connection closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IsClosed reports whether the session was closed.
func (s *Session) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Execute implements the cdp.Executor interface
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.IsClosed() {
		if err := s.conn.Err(); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		return fmt.Errorf("%s: %w", method, ErrSessionClosed)
	}
	return s.conn.send(ctx, s.id, s.done, method, params, res)
}

// enqueue appends msg to the mailbox. It reports false once the session
// is closed.
func (s *Session) enqueue(msg *cdproto.Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	s.wake()
	return true
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// close stops accepting events. Already queued events are still delivered
// before the close event is emitted.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wake()
}

func (s *Session) readLoop() {
	defer close(s.exited)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.emit(EventSessionClosed, nil)
				return
			}
			<-s.notify
			continue
		}
		msg := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); !ok { //nolint:errorlint
			s.logger.Errorf("Session:dispatch", "sid:%v decoding %s: %v", s.id, msg.Method, err)
			return
		}
		// Events unknown to cdproto are still delivered with their raw
		// params.
		ev = nil
	}
	s.emitEvent(Event{
		Type:   string(msg.Method),
		Data:   ev,
		Params: msg.Params,
	})
}
