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
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/liuxd6825/sider/log"
)

// Ensure Page implements the EventEmitter interface
var _ EventEmitter = &Page{}

// Page is a browser tab. Its main frame has the ID of its target.
type Page struct {
	BaseEventEmitter
	registration

	ctx    context.Context
	cancel context.CancelFunc

	// initMu orders initialize against a didClose racing it.
	initMu  sync.Mutex
	target  *Target
	session session
	logger  *log.Logger
	opts    Options
	fault   func(error)

	frameManager   *FrameManager
	networkManager *NetworkManager

	loadMu  sync.Mutex
	loading bool
	loaded  bool

	evalTimer evalTimer

	listeners []ListenerID
	events    []string
}

// NewPage creates the wrapper of a page target. It is usable once
// initialize returned.
func NewPage(ctx context.Context, t *Target, opts Options, logger *log.Logger, fault func(error)) *Page {
	p := Page{
		target: t,
		logger: logger,
		opts:   opts,
		fault:  fault,
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.frameManager = NewFrameManager(&p, cdp.FrameID(t.ID()), logger)
	return &p
}

// initialize attaches to the target, subscribes to the page events and
// enables the domains the page depends on, interception last.
func (p *Page) initialize(ctx context.Context) error {
	p.logger.Debugf("Page:initialize", "tid:%v", p.target.ID())

	s, err := p.target.attach(ctx)
	if err != nil {
		return err
	}
	p.initMu.Lock()
	p.session = s
	p.networkManager = NewNetworkManager(p.ctx, s, p.logger, p.opts, p.fault)
	p.initEvents()
	p.initMu.Unlock()

	actions := []Action{cdppage.Enable()}
	if p.opts.EnableRuntime.Bool {
		actions = append(actions, runtime.Enable())
	}
	for _, action := range actions {
		if err := action.Do(cdp.WithExecutor(ctx, p.session)); err != nil {
			return fmt.Errorf("initializing page %v: cannot execute %T: %w", p.target.ID(), action, err)
		}
	}

	return p.networkManager.Initialize(ctx)
}

func (p *Page) initEvents() {
	p.events = append(p.events, frameEvents...)
	p.listeners = append(p.listeners, p.frameManager.initEvents(p.session)...)

	p.events = append(p.events, cdproto.EventPageFrameStartedLoading, cdproto.EventPageLoadEventFired)
	p.listeners = append(p.listeners,
		p.session.On(cdproto.EventPageFrameStartedLoading, func(ev Event) {
			if e, ok := ev.Data.(*cdppage.EventFrameStartedLoading); ok {
				p.onFrameStartedLoading(e.FrameID)
			}
		}),
		p.session.On(cdproto.EventPageLoadEventFired, func(ev Event) {
			p.onLoadEventFired()
		}),
	)
}

func (p *Page) onFrameStartedLoading(frameID cdp.FrameID) {
	if frameID != cdp.FrameID(p.target.ID()) {
		return
	}
	p.loadMu.Lock()
	p.loading, p.loaded = true, false
	p.loadMu.Unlock()

	p.emit(EventPageStartedLoading, nil)
}

func (p *Page) onLoadEventFired() {
	p.loadMu.Lock()
	if !p.loading {
		p.loadMu.Unlock()
		return
	}
	p.loading, p.loaded = false, true
	p.loadMu.Unlock()

	p.emit(EventPageLoaded, nil)
}

// didClose runs once the target was destroyed.
func (p *Page) didClose() {
	p.cancel()

	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.session == nil {
		return
	}
	for i, id := range p.listeners {
		p.session.Off(p.events[i], id)
	}
	if p.networkManager != nil {
		p.networkManager.dispose()
	}
}

// ID returns the target ID of the page.
func (p *Page) ID() target.ID {
	return p.target.ID()
}

// Target returns the page target.
func (p *Page) Target() *Target {
	return p.target
}

// URL returns the URL of the main frame.
func (p *Page) URL() string {
	if f := p.frameManager.MainFrame(); f != nil {
		return f.URL
	}
	return ""
}

// Network returns the interception engine of the page.
func (p *Page) Network() *NetworkManager {
	return p.networkManager
}

// MainFrame returns a snapshot of the main frame.
func (p *Page) MainFrame() *Frame {
	return p.frameManager.MainFrame()
}

// Frames returns snapshots of the frames matching pred.
func (p *Page) Frames(pred func(*Frame) bool) []*Frame {
	return p.frameManager.Frames(pred)
}

// FindFrame returns the first frame matching pred or nil.
func (p *Page) FindFrame(pred func(*Frame) bool) *Frame {
	return p.frameManager.FindFrame(pred)
}

// ExecutionContext returns the execution context with id or nil.
func (p *Page) ExecutionContext(id runtime.ExecutionContextID) *ExecutionContext {
	return p.frameManager.ExecutionContext(id)
}

// IsLoading reports whether the main frame started loading and its load
// event did not fire yet.
func (p *Page) IsLoading() bool {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	return p.loading
}

// IsLoaded reports whether the load event of the current document fired.
func (p *Page) IsLoaded() bool {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	return p.loaded
}

// WaitForLoad blocks until the load event of the current document fired.
func (p *Page) WaitForLoad(ctx context.Context) error {
	ch, cancel := createWaitForEventHandler(p, []string{EventPageLoaded}, nil)
	defer cancel()

	if p.IsLoaded() {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("waiting for load: %w", ErrSessionClosed)
	}
}

// Evaluate calls a function in the default execution context of the main
// frame.
func (p *Page) Evaluate(ctx context.Context, opts EvalOptions) (interface{}, error) {
	return p.EvaluateInFrame(ctx, cdp.FrameID(p.target.ID()), opts)
}

// EvaluateInFrame calls a function in the default execution context of
// the frame.
func (p *Page) EvaluateInFrame(ctx context.Context, frameID cdp.FrameID, opts EvalOptions) (interface{}, error) {
	if p.frameManager.Frame(frameID) == nil {
		return nil, fmt.Errorf("evaluating in frame %v: %w", frameID, ErrNoFrame)
	}
	id, ok := p.frameManager.DefaultExecutionContext(frameID)
	if !ok {
		return nil, fmt.Errorf("evaluating in frame %v: %w", frameID, ErrNoExecutionContext)
	}
	return p.EvaluateInExecutionContext(ctx, id, opts)
}

// EvaluateInExecutionContext calls a function in the given context.
func (p *Page) EvaluateInExecutionContext(
	ctx context.Context, id runtime.ExecutionContextID, opts EvalOptions,
) (interface{}, error) {
	if p.session == nil {
		return nil, fmt.Errorf("evaluating in execution context (%d): %w", id, ErrSessionClosed)
	}
	defer p.evalTimer.track(time.Now())
	return evaluate(ctx, p.session, id, opts)
}

// LastEvaluateDuration returns how long the last evaluation took.
func (p *Page) LastEvaluateDuration() time.Duration {
	return p.evalTimer.lastDuration()
}

// Navigate loads url in the main frame. It returns once the browser
// committed to the navigation, see WaitForNavigation.
func (p *Page) Navigate(ctx context.Context, url string) error {
	_, _, errorText, err := cdppage.Navigate(url).Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		return fmt.Errorf("navigating to %q: %w", url, err)
	}
	if errorText != "" {
		return fmt.Errorf("navigating to %q: %s", url, errorText)
	}
	return nil
}

// Reload reloads the page.
func (p *Page) Reload(ctx context.Context) error {
	if err := cdppage.Reload().Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		return fmt.Errorf("reloading page: %w", err)
	}
	return nil
}

// WaitForNavigation returns a channel that receives the result of the next
// main frame navigation. A response for navURL paused with a network error
// resolves it with that error; URLs are compared the way the browser
// normalizes them. It must be called before the navigation is triggered.
func (p *Page) WaitForNavigation(ctx context.Context, navURL string) <-chan error {
	result := make(chan error, 1)
	fired := make(chan struct{})
	var once sync.Once
	done := func(err error) {
		once.Do(func() {
			result <- err
			close(fired)
		})
	}

	navID := p.On(EventPageNavigated, func(ev Event) {
		if _, ok := ev.Data.(*Frame); ok {
			done(nil)
		}
	})
	want := normalizeURL(navURL)
	var pausedID ListenerID
	if p.networkManager != nil {
		pausedID = p.networkManager.On(EventNetworkResponsePaused, func(ev Event) {
			ex, ok := ev.Data.(*InterceptedExchange)
			if !ok || ex.ResponseErrorReason == "" {
				return
			}
			if navURL != "" && normalizeURL(ex.URL()) != want {
				return
			}
			done(fmt.Errorf("navigating to %q: %s", ex.URL(), ex.ResponseErrorReason))
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			done(ctx.Err())
		case <-p.ctx.Done():
			done(fmt.Errorf("waiting for navigation: page closed: %w", context.Canceled))
		case <-fired:
		}
		p.Off(EventPageNavigated, navID)
		if p.networkManager != nil {
			p.networkManager.Off(EventNetworkResponsePaused, pausedID)
		}
	}()

	return result
}

// Close asks the page to close itself, running its unload handlers.
func (p *Page) Close(ctx context.Context) error {
	if err := cdppage.Close().Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		return fmt.Errorf("closing page %v: %w", p.target.ID(), err)
	}
	return nil
}

// BringToFront activates the page.
func (p *Page) BringToFront(ctx context.Context) error {
	if err := cdppage.BringToFront().Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		return fmt.Errorf("bringing page to front: %w", err)
	}
	return nil
}

// EvaluateOnNewDocument registers source to run in every new document
// before any of its own scripts.
func (p *Page) EvaluateOnNewDocument(ctx context.Context, source string) (cdppage.ScriptIdentifier, error) {
	id, err := cdppage.AddScriptToEvaluateOnNewDocument(source).Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		return "", fmt.Errorf("adding script to evaluate on new document: %w", err)
	}
	return id, nil
}

// Cookies returns the cookies visible to the page.
func (p *Page) Cookies(ctx context.Context) ([]*network.Cookie, error) {
	cookies, err := network.GetCookies().Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		return nil, fmt.Errorf("getting cookies: %w", err)
	}
	return cookies, nil
}

// Screenshot captures the viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	buf, err := cdppage.CaptureScreenshot().Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

// Snapshot captures the page as an MHTML document.
func (p *Page) Snapshot(ctx context.Context) (string, error) {
	data, err := cdppage.CaptureSnapshot().Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		return "", fmt.Errorf("capturing snapshot: %w", err)
	}
	return data, nil
}
