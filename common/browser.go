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

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/liuxd6825/sider/errext"
	"github.com/liuxd6825/sider/log"
	"github.com/tidwall/gjson"
)

// Ensure Browser implements the EventEmitter interface
var _ EventEmitter = &Browser{}

// ErrBrowserClosed is returned by operations racing the browser shutdown.
var ErrBrowserClosed = errors.New("browser closed")

// BrowserProcess is the browser process when it was launched by this
// program.
type BrowserProcess interface {
	// Done is closed when the process exited.
	Done() <-chan struct{}
	Terminate() error
}

// PageEvent is the payload of the pageAdded and pageRemoved events.
type PageEvent struct {
	Page   *Page
	Reason Reason
}

// ServiceWorkerEvent is the payload of the service worker events.
type ServiceWorkerEvent struct {
	Worker *ServiceWorker
}

// Browser tracks the targets of a browser and attributes page opens and
// closes to this program or to the browser's user.
type Browser struct {
	BaseEventEmitter

	ctx    context.Context
	cancel context.CancelFunc

	conn    *Connection
	process BrowserProcess
	opts    Options
	logger  *log.Logger

	targetsMu           sync.RWMutex
	targets             map[target.ID]*Target
	sessionIDtoTargetID map[target.SessionID]target.ID
	pages               map[target.ID]*Page
	workers             map[target.ID]*ServiceWorker

	// Commands this program issued whose lifecycle events did not arrive
	// yet. The next matching event is attributed to the program.
	countersMu    sync.Mutex
	programOpens  int
	programCloses int
	programClose  bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBrowser creates a browser on top of conn. process is nil for a browser
// this program connected to but did not launch.
func NewBrowser(
	ctx context.Context, conn *Connection, process BrowserProcess, opts Options, logger *log.Logger,
) *Browser {
	b := &Browser{
		conn:                conn,
		process:             process,
		opts:                opts,
		logger:              logger,
		targets:             make(map[target.ID]*Target),
		sessionIDtoTargetID: make(map[target.SessionID]target.ID),
		pages:               make(map[target.ID]*Page),
		workers:             make(map[target.ID]*ServiceWorker),
		closed:              make(chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	if process != nil {
		// the startup tab of a launched browser
		b.programOpens = 1
	}
	return b
}

// Connect dials the browser at wsURL and initializes the target tree.
func Connect(ctx context.Context, wsURL string, opts Options, logger *log.Logger) (*Browser, error) {
	transport, err := NewWSTransport(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	b := NewBrowser(ctx, NewConnection(transport, logger), nil, opts, logger)
	if err := b.Initialize(ctx); err != nil {
		_ = b.conn.Close()
		return nil, err
	}
	return b, nil
}

// Initialize subscribes to the target lifecycle on the root session and
// then turns on target discovery.
func (b *Browser) Initialize(ctx context.Context) error {
	b.initEvents()

	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, b.conn)); err != nil {
		return fmt.Errorf("enabling target discovery: %w", err)
	}
	return nil
}

func (b *Browser) initEvents() {
	root := b.conn.RootSession()

	root.On(cdproto.EventTargetTargetCreated, func(ev Event) {
		if e, ok := ev.Data.(*target.EventTargetCreated); ok && e.TargetInfo != nil {
			b.reportFault(b.onTargetCreated(e.TargetInfo))
		}
	})
	root.On(cdproto.EventTargetTargetDestroyed, func(ev Event) {
		if e, ok := ev.Data.(*target.EventTargetDestroyed); ok {
			b.reportFault(b.onTargetDestroyed(e.TargetID))
		}
	})
	root.On(cdproto.EventTargetAttachedToTarget, func(ev Event) {
		if e, ok := ev.Data.(*target.EventAttachedToTarget); ok && e.TargetInfo != nil {
			b.reportFault(b.onAttachedToTarget(e))
		}
	})
	root.On(cdproto.EventTargetDetachedFromTarget, func(ev Event) {
		if e, ok := ev.Data.(*target.EventDetachedFromTarget); ok {
			b.reportFault(b.onDetachedFromTarget(e, ev.Params))
		}
	})

	b.conn.On(EventConnectionClose, func(Event) {
		b.didClose()
	})
	if b.process != nil {
		go func() {
			select {
			case <-b.process.Done():
				b.logger.Debugf("Browser:process", "browser process exited")
				_ = b.conn.Close()
				b.didClose()
			case <-b.closed:
			}
		}()
	}
}

func (b *Browser) onTargetCreated(info *target.Info) error {
	b.logger.Debugf("Browser:onTargetCreated", "tid:%v type:%s url:%q", info.TargetID, info.Type, info.URL)

	b.targetsMu.Lock()
	if _, ok := b.targets[info.TargetID]; ok {
		b.targetsMu.Unlock()
		return newFault(FaultDuplicateTarget, string(info.TargetID))
	}
	t := newTarget(b.conn, info, b.logger)
	b.targets[info.TargetID] = t

	switch {
	case info.Type == TargetTypePage:
		p := NewPage(b.ctx, t, b.opts, b.logger, b.reportFault)
		b.pages[info.TargetID] = p
		b.targetsMu.Unlock()
		go b.addPage(p)
	case info.Type == TargetTypeServiceWorker && b.opts.HandleServiceWorkers.Bool:
		w := NewServiceWorker(b.ctx, t, b.opts, b.logger, b.reportFault)
		b.workers[info.TargetID] = w
		b.targetsMu.Unlock()
		go b.addServiceWorker(w)
	default:
		b.targetsMu.Unlock()
	}

	return nil
}

// addPage initializes p off the root session's event loop, since attaching
// needs that loop to deliver Target.attachedToTarget.
func (b *Browser) addPage(p *Page) {
	// p.ctx ends when the target is destroyed, aborting the attach.
	ctx, cancel := context.WithTimeout(p.ctx, DefaultTimeout)
	defer cancel()

	err := p.initialize(ctx)
	// the open is consumed whatever the outcome
	reason := b.takeOpenReason()

	if err != nil {
		if p.isRemoved() {
			b.logger.Debugf("Browser:addPage", "tid:%v removed while initializing: %v", p.ID(), err)
			return
		}
		b.reportFault(fmt.Errorf("initializing page %v: %w", p.ID(), err))
		return
	}
	if !p.markAdded() {
		b.logger.Debugf("Browser:addPage", "tid:%v removed before it was added", p.ID())
		return
	}

	b.logger.Debugf("Browser:addPage", "tid:%v reason:%s", p.ID(), reason)
	b.emit(EventBrowserPageAdded, &PageEvent{Page: p, Reason: reason})
}

func (b *Browser) addServiceWorker(w *ServiceWorker) {
	ctx, cancel := context.WithTimeout(w.ctx, DefaultTimeout)
	defer cancel()

	if err := w.initialize(ctx); err != nil {
		if w.isRemoved() {
			b.logger.Debugf("Browser:addServiceWorker", "tid:%v removed while initializing: %v", w.ID(), err)
			return
		}
		b.reportFault(fmt.Errorf("initializing service worker %v: %w", w.ID(), err))
		return
	}
	if !w.markAdded() {
		return
	}

	b.emit(EventBrowserServiceWorkerAdded, &ServiceWorkerEvent{Worker: w})
}

func (b *Browser) onTargetDestroyed(id target.ID) error {
	b.logger.Debugf("Browser:onTargetDestroyed", "tid:%v", id)

	b.targetsMu.Lock()
	if _, ok := b.targets[id]; !ok {
		b.targetsMu.Unlock()
		return newFault(FaultUnknownTarget, string(id))
	}
	delete(b.targets, id)
	p := b.pages[id]
	delete(b.pages, id)
	w := b.workers[id]
	delete(b.workers, id)
	b.targetsMu.Unlock()

	if p != nil {
		reason := b.takeCloseReason()
		if p.markRemoved() {
			b.emit(EventBrowserPageRemoved, &PageEvent{Page: p, Reason: reason})
		}
		p.didClose()
	}
	if w != nil {
		if w.markRemoved() {
			b.emit(EventBrowserServiceWorkerRemoved, &ServiceWorkerEvent{Worker: w})
		}
		w.didClose()
	}

	return nil
}

func (b *Browser) onAttachedToTarget(ev *target.EventAttachedToTarget) error {
	tid := ev.TargetInfo.TargetID
	b.logger.Debugf("Browser:onAttachedToTarget", "sid:%v tid:%v", ev.SessionID, tid)

	b.targetsMu.Lock()
	t, ok := b.targets[tid]
	if ok {
		b.sessionIDtoTargetID[ev.SessionID] = tid
	}
	b.targetsMu.Unlock()
	if !ok {
		b.logger.Debugf("Browser:onAttachedToTarget", "sid:%v tid:%v untracked target", ev.SessionID, tid)
		return nil
	}

	return t.handleAttached(ev.SessionID, b.conn.getSession(ev.SessionID))
}

// onDetachedFromTarget resolves the target through the session it was
// attached with. A session without a mapping falls back to the targetId of
// the raw event, so a detach nothing was attached for is still reported.
func (b *Browser) onDetachedFromTarget(ev *target.EventDetachedFromTarget, params []byte) error {
	b.targetsMu.Lock()
	tid, mapped := b.sessionIDtoTargetID[ev.SessionID]
	delete(b.sessionIDtoTargetID, ev.SessionID)
	if !mapped {
		tid = target.ID(gjson.GetBytes(params, "targetId").String())
	}
	t := b.targets[tid]
	b.targetsMu.Unlock()

	b.logger.Debugf("Browser:onDetachedFromTarget", "sid:%v tid:%v", ev.SessionID, tid)
	if t == nil {
		if !mapped {
			return newFault(FaultDetachWithoutSession, string(ev.SessionID))
		}
		// destroyed before its session went away
		return nil
	}
	return t.handleDetached()
}

func (b *Browser) takeOpenReason() Reason {
	b.countersMu.Lock()
	defer b.countersMu.Unlock()
	if b.programOpens > 0 {
		b.programOpens--
		return ReasonProgram
	}
	return ReasonUser
}

func (b *Browser) takeCloseReason() Reason {
	b.countersMu.Lock()
	defer b.countersMu.Unlock()
	if b.programCloses > 0 {
		b.programCloses--
		return ReasonProgram
	}
	return ReasonUser
}

func (b *Browser) adjustCounter(counter *int, delta int) {
	b.countersMu.Lock()
	defer b.countersMu.Unlock()
	if *counter+delta >= 0 {
		*counter += delta
	}
}

// OpenPage opens a new tab at url and returns it once it was added.
func (b *Browser) OpenPage(ctx context.Context, url string) (*Page, error) {
	var (
		mu     sync.Mutex
		added  = make(map[target.ID]*Page)
		signal = make(chan struct{}, 1)
	)
	// subscribe first, the page may be added before the reply is read
	id := b.On(EventBrowserPageAdded, func(ev Event) {
		pe, ok := ev.Data.(*PageEvent)
		if !ok {
			return
		}
		mu.Lock()
		added[pe.Page.ID()] = pe.Page
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	defer b.Off(EventBrowserPageAdded, id)

	b.adjustCounter(&b.programOpens, 1)
	targetID, err := target.CreateTarget(url).Do(cdp.WithExecutor(ctx, b.conn))
	if err != nil {
		b.adjustCounter(&b.programOpens, -1)
		return nil, fmt.Errorf("opening page %q: %w", url, err)
	}

	for {
		mu.Lock()
		p := added[targetID]
		mu.Unlock()
		if p != nil {
			return p, nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.closed:
			return nil, fmt.Errorf("opening page %q: %w", url, ErrBrowserClosed)
		}
	}
}

// ClosePage closes the tab of p. The removal is reported by the
// pageRemoved event with the program reason.
func (b *Browser) ClosePage(ctx context.Context, p *Page) error {
	b.adjustCounter(&b.programCloses, 1)
	err := b.conn.Execute(ctx, target.CommandCloseTarget, target.CloseTarget(p.ID()), nil)
	if err != nil {
		b.adjustCounter(&b.programCloses, -1)
		return fmt.Errorf("closing page %v: %w", p.ID(), err)
	}
	return nil
}

// Close shuts the browser down. The closed event reports the program
// reason.
func (b *Browser) Close(ctx context.Context) error {
	b.countersMu.Lock()
	b.programClose = true
	b.countersMu.Unlock()

	if err := cdpbrowser.Close().Do(cdp.WithExecutor(ctx, b.conn)); err != nil && !isTransportClosed(err) {
		b.logger.Debugf("Browser:Close", "Browser.close: %v", err)
	}
	var procErr error
	if b.process != nil {
		if procErr = b.process.Terminate(); procErr != nil {
			procErr = fmt.Errorf("terminating browser process: %w", procErr)
		}
	}
	_ = b.conn.Close()
	b.didClose()

	return procErr
}

// Disconnect closes the connection and leaves the browser running. The
// closed event reports the program reason.
func (b *Browser) Disconnect() error {
	b.countersMu.Lock()
	b.programClose = true
	b.countersMu.Unlock()

	err := b.conn.Close()
	b.didClose()
	return err
}

// didClose emits the closed event once, whatever noticed the end first.
func (b *Browser) didClose() {
	b.closeOnce.Do(func() {
		b.countersMu.Lock()
		reason := ReasonUser
		if b.programClose {
			reason = ReasonProgram
		}
		b.countersMu.Unlock()

		b.logger.Debugf("Browser:didClose", "reason:%s", reason)
		b.cancel()
		close(b.closed)
		b.emit(EventBrowserClosed, reason)
	})
}

// reportFault logs err and emits it as an error event. nil is ignored.
func (b *Browser) reportFault(err error) {
	if err == nil {
		return
	}
	msg, fields := errext.Format(err)
	if hint, ok := fields["hint"]; ok {
		msg = fmt.Sprintf("%s (hint: %v)", msg, hint)
	}
	b.logger.Errorf("Browser:fault", "%s", msg)
	b.emit(EventBrowserError, err)
}

// IsClosed reports whether the browser closed.
func (b *Browser) IsClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Done is closed once the browser closed.
func (b *Browser) Done() <-chan struct{} {
	return b.closed
}

// Pages returns the pages that were added and not removed yet.
func (b *Browser) Pages() []*Page {
	return b.FindPages(nil)
}

// Page returns the page with the target ID or nil.
func (b *Browser) Page(id target.ID) *Page {
	b.targetsMu.RLock()
	p := b.pages[id]
	b.targetsMu.RUnlock()
	if p == nil || !p.isAdded() {
		return nil
	}
	return p
}

// FindPages returns the added pages matching pred, all when pred is nil.
func (b *Browser) FindPages(pred func(*Page) bool) []*Page {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()
	var pages []*Page
	for _, p := range b.pages {
		if p.isAdded() && (pred == nil || pred(p)) {
			pages = append(pages, p)
		}
	}
	return pages
}

// FindPage returns an added page matching pred or nil.
func (b *Browser) FindPage(pred func(*Page) bool) *Page {
	if pages := b.FindPages(pred); len(pages) > 0 {
		return pages[0]
	}
	return nil
}

// ServiceWorkers returns the service workers that were added and not
// removed yet.
func (b *Browser) ServiceWorkers() []*ServiceWorker {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()
	var workers []*ServiceWorker
	for _, w := range b.workers {
		if w.isAdded() {
			workers = append(workers, w)
		}
	}
	return workers
}

// OnPageAdded subscribes fn to added pages.
func (b *Browser) OnPageAdded(fn func(*Page, Reason)) ListenerID {
	return b.On(EventBrowserPageAdded, func(ev Event) {
		if pe, ok := ev.Data.(*PageEvent); ok {
			fn(pe.Page, pe.Reason)
		}
	})
}

// OnPageRemoved subscribes fn to removed pages.
func (b *Browser) OnPageRemoved(fn func(*Page, Reason)) ListenerID {
	return b.On(EventBrowserPageRemoved, func(ev Event) {
		if pe, ok := ev.Data.(*PageEvent); ok {
			fn(pe.Page, pe.Reason)
		}
	})
}

// OnClosed subscribes fn to the end of the browser.
func (b *Browser) OnClosed(fn func(Reason)) ListenerID {
	return b.On(EventBrowserClosed, func(ev Event) {
		if r, ok := ev.Data.(Reason); ok {
			fn(r)
		}
	})
}

// OnError subscribes fn to faults raised while processing events.
func (b *Browser) OnError(fn func(error)) ListenerID {
	return b.On(EventBrowserError, func(ev Event) {
		if err, ok := ev.Data.(error); ok {
			fn(err)
		}
	})
}
