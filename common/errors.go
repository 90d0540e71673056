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
	"errors"
	"fmt"
)

var (
	// ErrTransportClosed is returned for commands that can no longer be
	// answered because the connection to the browser is gone.
	ErrTransportClosed = errors.New("transport closed")

	// ErrSessionClosed is returned for commands issued on a session that
	// was detached from its target.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoExecutionContext is returned when evaluating in a frame that
	// has no default execution context yet.
	ErrNoExecutionContext = errors.New("no execution context")

	// ErrNoFrame is returned when a frame lookup fails.
	ErrNoFrame = errors.New("frame not found")

	// ErrConsistencyFault is the target of errors.Is for every *ConsistencyFault.
	ErrConsistencyFault = errors.New("consistency fault")
)

// FaultKind names which bookkeeping invariant an event violated.
type FaultKind string

const (
	FaultDuplicateTarget      FaultKind = "duplicate target"
	FaultUnknownTarget        FaultKind = "unknown target"
	FaultDoubleAttach         FaultKind = "double attach"
	FaultDetachWithoutSession FaultKind = "detach without session"
	FaultDoublePause          FaultKind = "double pause"
	FaultDuplicateWebSocket   FaultKind = "duplicate websocket"
	FaultUnknownWebSocket     FaultKind = "unknown websocket"
)

// ConsistencyFault reports an event stream that contradicts the state built
// from earlier events. These indicate a protocol mismatch and are never
// retried.
type ConsistencyFault struct {
	Kind FaultKind
	ID   string
}

func (f *ConsistencyFault) Error() string {
	return fmt.Sprintf("%s: %s %q", ErrConsistencyFault, f.Kind, f.ID)
}

// Is makes errors.Is(err, ErrConsistencyFault) hold for every fault.
func (f *ConsistencyFault) Is(target error) bool {
	return target == ErrConsistencyFault //nolint:errorlint
}

func newFault(kind FaultKind, id string) *ConsistencyFault {
	return &ConsistencyFault{Kind: kind, ID: id}
}

// ProtocolError is the failure reply to a command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Method, e.Message, e.Code)
}

// ScriptEvaluationError carries the description the browser gave for a
// script that threw or evaluated to an Error object.
type ScriptEvaluationError struct {
	Description string
}

func (e *ScriptEvaluationError) Error() string {
	return "evaluating script: " + e.Description
}
