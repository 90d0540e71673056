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

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/liuxd6825/sider/log"
)

// FrameManager keeps the frame tree and the execution contexts of a page
// in step with the page session's events.
type FrameManager struct {
	page   *Page
	logger *log.Logger

	mu              sync.RWMutex
	mainFrameID     cdp.FrameID
	frames          map[cdp.FrameID]*Frame
	contexts        map[runtime.ExecutionContextID]*ExecutionContext
	defaultContexts map[cdp.FrameID]runtime.ExecutionContextID
}

// NewFrameManager creates a frame manager whose main frame has mainFrameID.
func NewFrameManager(p *Page, mainFrameID cdp.FrameID, logger *log.Logger) *FrameManager {
	return &FrameManager{
		page:            p,
		logger:          logger,
		mainFrameID:     mainFrameID,
		frames:          map[cdp.FrameID]*Frame{mainFrameID: {ID: mainFrameID}},
		contexts:        make(map[runtime.ExecutionContextID]*ExecutionContext),
		defaultContexts: make(map[cdp.FrameID]runtime.ExecutionContextID),
	}
}

func (m *FrameManager) initEvents(s session) []ListenerID {
	return []ListenerID{
		s.On(cdproto.EventPageFrameAttached, func(ev Event) {
			if e, ok := ev.Data.(*cdppage.EventFrameAttached); ok {
				m.frameAttached(e.FrameID, e.ParentFrameID)
			}
		}),
		s.On(cdproto.EventPageFrameDetached, func(ev Event) {
			if e, ok := ev.Data.(*cdppage.EventFrameDetached); ok {
				m.frameDetached(e.FrameID)
			}
		}),
		s.On(cdproto.EventPageFrameNavigated, func(ev Event) {
			if e, ok := ev.Data.(*cdppage.EventFrameNavigated); ok && e.Frame != nil {
				m.frameNavigated(e.Frame)
			}
		}),
		s.On(cdproto.EventPageNavigatedWithinDocument, func(ev Event) {
			if e, ok := ev.Data.(*cdppage.EventNavigatedWithinDocument); ok {
				m.frameNavigatedWithinDocument(e.FrameID, e.URL)
			}
		}),
		s.On(cdproto.EventRuntimeExecutionContextCreated, func(ev Event) {
			if e, ok := ev.Data.(*runtime.EventExecutionContextCreated); ok && e.Context != nil {
				m.executionContextCreated(e.Context)
			}
		}),
		s.On(cdproto.EventRuntimeExecutionContextDestroyed, func(ev Event) {
			if e, ok := ev.Data.(*runtime.EventExecutionContextDestroyed); ok {
				m.executionContextDestroyed(e.ExecutionContextID)
			}
		}),
		s.On(cdproto.EventRuntimeExecutionContextsCleared, func(ev Event) {
			m.executionContextsCleared()
		}),
	}
}

// frameEvents lists the events initEvents subscribes to, in order.
var frameEvents = []string{
	cdproto.EventPageFrameAttached,
	cdproto.EventPageFrameDetached,
	cdproto.EventPageFrameNavigated,
	cdproto.EventPageNavigatedWithinDocument,
	cdproto.EventRuntimeExecutionContextCreated,
	cdproto.EventRuntimeExecutionContextDestroyed,
	cdproto.EventRuntimeExecutionContextsCleared,
}

func (m *FrameManager) frameAttached(frameID, parentFrameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameAttached", "fid:%v pfid:%v", frameID, parentFrameID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.frames[frameID]; ok {
		return
	}
	m.frames[frameID] = &Frame{ID: frameID, ParentID: parentFrameID}
}

// frameDetached drops the frame only. Child frames get their own events.
func (m *FrameManager) frameDetached(frameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameDetached", "fid:%v", frameID)

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frames, frameID)
}

func (m *FrameManager) frameNavigated(cf *cdp.Frame) {
	m.logger.Debugf("FrameManager:frameNavigated", "fid:%v url:%v", cf.ID, cf.URL)

	m.mu.Lock()
	f, ok := m.frames[cf.ID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debugf("FrameManager:frameNavigated", "fid:%v untracked", cf.ID)
		return
	}
	f.navigated(cf)
	isMain := cf.ID == m.mainFrameID
	snapshot := *f
	m.mu.Unlock()

	if isMain {
		m.page.emit(EventPageNavigated, &snapshot)
	}
}

func (m *FrameManager) frameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.frames[frameID]; ok {
		f.URL = url
	}
}

func (m *FrameManager) executionContextCreated(desc *runtime.ExecutionContextDescription) {
	ec := newExecutionContext(desc)
	m.logger.Debugf("FrameManager:executionContextCreated",
		"ectxid:%d fid:%v default:%t", ec.ID, ec.FrameID, ec.IsDefault)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[ec.ID] = ec
	if ec.IsDefault && ec.FrameID != "" {
		m.defaultContexts[ec.FrameID] = ec.ID
	}
}

func (m *FrameManager) executionContextDestroyed(id runtime.ExecutionContextID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ec, ok := m.contexts[id]
	if !ok {
		m.logger.Debugf("FrameManager:executionContextDestroyed", "ectxid:%d unknown", id)
		return
	}
	delete(m.contexts, id)
	if ec.IsDefault && m.defaultContexts[ec.FrameID] == id {
		delete(m.defaultContexts, ec.FrameID)
	}
}

func (m *FrameManager) executionContextsCleared() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts = make(map[runtime.ExecutionContextID]*ExecutionContext)
	m.defaultContexts = make(map[cdp.FrameID]runtime.ExecutionContextID)
}

// MainFrame returns a snapshot of the main frame.
func (m *FrameManager) MainFrame() *Frame {
	return m.Frame(m.mainFrameID)
}

// Frame returns a snapshot of the frame or nil.
func (m *FrameManager) Frame(id cdp.FrameID) *Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.frames[id]
	if !ok {
		return nil
	}
	snapshot := *f
	return &snapshot
}

// Frames returns snapshots of the frames matching pred, all when pred is nil.
func (m *FrameManager) Frames(pred func(*Frame) bool) []*Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var frames []*Frame
	for _, f := range m.frames {
		snapshot := *f
		if pred == nil || pred(&snapshot) {
			frames = append(frames, &snapshot)
		}
	}
	return frames
}

// FindFrame returns the first frame matching pred.
func (m *FrameManager) FindFrame(pred func(*Frame) bool) *Frame {
	if frames := m.Frames(pred); len(frames) > 0 {
		return frames[0]
	}
	return nil
}

// ExecutionContext returns the context with id or nil.
func (m *FrameManager) ExecutionContext(id runtime.ExecutionContextID) *ExecutionContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ec, ok := m.contexts[id]
	if !ok {
		return nil
	}
	c := *ec
	return &c
}

// DefaultExecutionContext returns the default context of the frame.
func (m *FrameManager) DefaultExecutionContext(frameID cdp.FrameID) (runtime.ExecutionContextID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.defaultContexts[frameID]
	return id, ok
}
