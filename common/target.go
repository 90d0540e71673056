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

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/liuxd6825/sider/log"
)

// Target is a browsing target known from Target.targetCreated. It holds
// the child session while attached; attach and detach strictly alternate.
type Target struct {
	id     target.ID
	typ    string
	url    string
	conn   *Connection
	logger *log.Logger

	mu         sync.Mutex
	sessionID  target.SessionID
	session    *Session
	attached   bool
	attachedCh chan struct{}
}

func newTarget(conn *Connection, info *target.Info, logger *log.Logger) *Target {
	return &Target{
		id:         info.TargetID,
		typ:        info.Type,
		url:        info.URL,
		conn:       conn,
		logger:     logger,
		attachedCh: make(chan struct{}),
	}
}

// ID returns the target ID.
func (t *Target) ID() target.ID {
	return t.id
}

// Type returns the target kind, e.g. "page".
func (t *Target) Type() string {
	return t.typ
}

// Session returns the attached session or nil.
func (t *Target) Session() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// IsAttached reports whether a session is attached.
func (t *Target) IsAttached() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached
}

// handleAttached records the session announced by Target.attachedToTarget.
// s is nil when the session was detached again before the event got here.
func (t *Target) handleAttached(id target.SessionID, s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.attached {
		return newFault(FaultDoubleAttach, string(t.id))
	}
	t.attached = true
	t.sessionID = id
	t.session = s
	close(t.attachedCh)

	return nil
}

func (t *Target) handleDetached() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.attached {
		return newFault(FaultDetachWithoutSession, string(t.id))
	}
	t.attached = false
	t.sessionID = ""
	t.session = nil
	t.attachedCh = make(chan struct{})

	return nil
}

func (t *Target) attachedSignal() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attachedCh
}

// attach opens a flattened session to the target. It returns once both the
// reply and the Target.attachedToTarget event were processed.
func (t *Target) attach(ctx context.Context) (*Session, error) {
	signal := t.attachedSignal()

	action := target.AttachToTarget(t.id).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, t.conn))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %v: %w", t.id, err)
	}

	select {
	case <-signal:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.conn.Done():
		return nil, fmt.Errorf("attaching to target %v: %w", t.id, ErrTransportClosed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != sid || t.session == nil || t.session.IsClosed() {
		return nil, fmt.Errorf("attaching to target %v: %w", t.id, ErrSessionClosed)
	}
	t.logger.Debugf("Target:attach", "tid:%v sid:%v", t.id, sid)

	return t.session, nil
}

// registration tracks whether a page or worker was reported as added and
// whether it was removed, which may happen in either order.
type registration struct {
	mu      sync.Mutex
	added   bool
	removed bool
}

// markAdded reports false if the target was removed already.
func (r *registration) markAdded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return false
	}
	r.added = true
	return true
}

// markRemoved reports whether an added event was emitted before.
func (r *registration) markRemoved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = true
	return r.added
}

func (r *registration) isRemoved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

func (r *registration) isAdded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.added && !r.removed
}
