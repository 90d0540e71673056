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
	"sync"

	"github.com/mailru/easyjson"
)

// Ensure BaseEventEmitter implements the EventEmitter interface
var _ EventEmitter = &BaseEventEmitter{}

const (
	// Browser
	EventBrowserPageAdded            string = "pageAdded"
	EventBrowserPageRemoved          string = "pageRemoved"
	EventBrowserServiceWorkerAdded   string = "serviceWorkerAdded"
	EventBrowserServiceWorkerRemoved string = "serviceWorkerRemoved"
	EventBrowserClosed               string = "closed"
	EventBrowserError                string = "error"

	// Connection
	EventConnectionClose string = "close"

	// Page
	EventPageNavigated      string = "navigated"
	EventPageStartedLoading string = "startedLoading"
	EventPageLoaded         string = "loaded"

	// Network
	EventNetworkResponsePaused string = "responsePaused"

	// Session
	EventSessionClosed string = "close"
)

// Event as emitted by an EventEmitter.
// Events routed from a protocol session carry the decoded cdproto event in
// Data and the undecoded params in Params.
type Event struct {
	Type   string
	Data   interface{}
	Params easyjson.RawMessage
}

// ListenerID identifies a single subscription so it can be removed again.
type ListenerID uint64

// EventHandler is invoked synchronously, in subscription order, for every
// event of the type it was registered for.
type EventHandler func(Event)

type eventHandler struct {
	id ListenerID
	fn EventHandler
}

// EventEmitter that all event emitters need to implement
type EventEmitter interface {
	On(event string, handler EventHandler) ListenerID
	Off(event string, id ListenerID)
	emit(event string, data interface{})
}

// BaseEventEmitter emits events to registered handlers.
// The zero value is ready to use.
type BaseEventEmitter struct {
	mu       sync.Mutex
	nextID   ListenerID
	handlers map[string][]eventHandler
}

// On appends handler to the listeners of event.
func (e *BaseEventEmitter) On(event string, handler EventHandler) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[string][]eventHandler)
	}
	e.nextID++
	e.handlers[event] = append(e.handlers[event], eventHandler{id: e.nextID, fn: handler})

	return e.nextID
}

// Off removes the listener registered under id. Unknown ids are ignored.
func (e *BaseEventEmitter) Off(event string, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	hs := e.handlers[event]
	for i, h := range hs {
		if h.id != id {
			continue
		}
		// copy so that a concurrent emit iterating the old slice is unaffected
		nhs := make([]eventHandler, 0, len(hs)-1)
		nhs = append(nhs, hs[:i]...)
		nhs = append(nhs, hs[i+1:]...)
		if len(nhs) == 0 {
			delete(e.handlers, event)
		} else {
			e.handlers[event] = nhs
		}
		return
	}
}

func (e *BaseEventEmitter) emit(event string, data interface{}) {
	e.emitEvent(Event{Type: event, Data: data})
}

// emitEvent calls the handlers outside of the lock so that they can
// subscribe or unsubscribe without deadlocking.
func (e *BaseEventEmitter) emitEvent(ev Event) {
	e.mu.Lock()
	hs := e.handlers[ev.Type]
	e.mu.Unlock()

	for _, h := range hs {
		h.fn(ev)
	}
}

func (e *BaseEventEmitter) listenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[event])
}

func (e *BaseEventEmitter) removeAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}
