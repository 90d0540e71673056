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
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/liuxd6825/sider/log"
	"github.com/liuxd6825/sider/testutils"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// memTransport is an in-memory Transport. Everything written to it is
// handed to onWrite synchronously, messages pushed are read by the
// connection in order.
type memTransport struct {
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	onWrite func([]byte)

	mu   sync.Mutex
	sent [][]byte
}

func newMemTransport() *memTransport {
	return &memTransport{
		in:   make(chan []byte, 1024),
		done: make(chan struct{}),
	}
}

func (t *memTransport) Read() ([]byte, error) {
	select {
	case buf := <-t.in:
		return buf, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *memTransport) Write(buf []byte) error {
	select {
	case <-t.done:
		return errors.New("write on closed transport")
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), buf...))
	onWrite := t.onWrite
	t.mu.Unlock()

	if onWrite != nil {
		onWrite(buf)
	}
	return nil
}

func (t *memTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *memTransport) push(format string, args ...interface{}) {
	t.in <- []byte(fmt.Sprintf(format, args...))
}

func (t *memTransport) setOnWrite(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWrite = fn
}

// sentMessages decodes everything written so far.
func (t *memTransport) sentMessages(tb testing.TB) []*cdproto.Message {
	tb.Helper()

	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := make([]*cdproto.Message, 0, len(t.sent))
	for _, buf := range t.sent {
		var msg cdproto.Message
		require.NoError(tb, easyjson.Unmarshal(buf, &msg))
		msgs = append(msgs, &msg)
	}
	return msgs
}

// fakeBrowser answers commands written to a memTransport the way a real
// browser would for the target lifecycle, and with an empty result for
// everything else.
type fakeBrowser struct {
	t  testing.TB
	tr *memTransport

	mu        sync.Mutex
	nextID    int
	methods   []string
	overrides map[string]func(msg *cdproto.Message) bool
}

func newFakeBrowser(tb testing.TB, tr *memTransport) *fakeBrowser {
	fb := &fakeBrowser{
		t:         tb,
		tr:        tr,
		overrides: make(map[string]func(msg *cdproto.Message) bool),
	}
	tr.setOnWrite(fb.handle)
	return fb
}

// override installs fn for method. fn returns false to fall through to
// the default behaviour.
func (fb *fakeBrowser) override(method string, fn func(msg *cdproto.Message) bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.overrides[method] = fn
}

func (fb *fakeBrowser) received() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.methods...)
}

func (fb *fakeBrowser) handle(buf []byte) {
	var msg cdproto.Message
	if err := easyjson.Unmarshal(buf, &msg); err != nil {
		fb.t.Errorf("fake browser: decoding %s: %v", buf, err)
		return
	}
	method := string(msg.Method)

	fb.mu.Lock()
	fb.methods = append(fb.methods, method)
	fn := fb.overrides[method]
	fb.mu.Unlock()
	if fn != nil && fn(&msg) {
		return
	}

	switch method {
	case cdproto.CommandTargetCreateTarget:
		var p target.CreateTargetParams
		_ = easyjson.Unmarshal(msg.Params, &p)
		fb.mu.Lock()
		fb.nextID++
		id := fmt.Sprintf("T%d", fb.nextID)
		fb.mu.Unlock()
		fb.targetCreated(id, TargetTypePage, p.URL)
		fb.reply(&msg, `{"targetId":%q}`, id)
	case cdproto.CommandTargetAttachToTarget:
		var p target.AttachToTargetParams
		_ = easyjson.Unmarshal(msg.Params, &p)
		fb.attached(string(p.TargetID), TargetTypePage)
		fb.reply(&msg, `{"sessionId":%q}`, sessionIDFor(string(p.TargetID)))
	case cdproto.CommandTargetCloseTarget:
		var p target.CloseTargetParams
		_ = easyjson.Unmarshal(msg.Params, &p)
		fb.reply(&msg, `{"success":true}`)
		fb.detached(string(p.TargetID))
		fb.targetDestroyed(string(p.TargetID))
	default:
		fb.reply(&msg, `{}`)
	}
}

func sessionIDFor(targetID string) string {
	return "S-" + targetID
}

func (fb *fakeBrowser) reply(msg *cdproto.Message, format string, args ...interface{}) {
	result := fmt.Sprintf(format, args...)
	if msg.SessionID != "" {
		fb.tr.push(`{"id":%d,"sessionId":%q,"result":%s}`, msg.ID, msg.SessionID, result)
		return
	}
	fb.tr.push(`{"id":%d,"result":%s}`, msg.ID, result)
}

func (fb *fakeBrowser) replyError(msg *cdproto.Message, code int, message string) {
	if msg.SessionID != "" {
		fb.tr.push(`{"id":%d,"sessionId":%q,"error":{"code":%d,"message":%q}}`, msg.ID, msg.SessionID, code, message)
		return
	}
	fb.tr.push(`{"id":%d,"error":{"code":%d,"message":%q}}`, msg.ID, code, message)
}

func targetInfoJSON(id, typ, url string) string {
	return fmt.Sprintf(`{"targetId":%q,"type":%q,"title":"","url":%q,"attached":false,"canAccessOpener":false}`,
		id, typ, url)
}

func (fb *fakeBrowser) targetCreated(id, typ, url string) {
	fb.tr.push(`{"method":"Target.targetCreated","params":{"targetInfo":%s}}`, targetInfoJSON(id, typ, url))
}

func (fb *fakeBrowser) targetDestroyed(id string) {
	fb.tr.push(`{"method":"Target.targetDestroyed","params":{"targetId":%q}}`, id)
}

func (fb *fakeBrowser) attached(id, typ string) {
	fb.tr.push(`{"method":"Target.attachedToTarget","params":{"sessionId":%q,"targetInfo":%s,"waitingForDebugger":false}}`,
		sessionIDFor(id), targetInfoJSON(id, typ, "about:blank"))
}

func (fb *fakeBrowser) detached(id string) {
	fb.tr.push(`{"method":"Target.detachedFromTarget","params":{"sessionId":%q,"targetId":%q}}`,
		sessionIDFor(id), id)
}

// sessionEvent pushes an event for the session of target id.
func (fb *fakeBrowser) sessionEvent(id, method, params string) {
	fb.tr.push(`{"method":%q,"sessionId":%q,"params":%s}`, method, sessionIDFor(id), params)
}

// newTestLogger returns a debug level logger whose entries are captured
// by the returned hook.
func newTestLogger(tb testing.TB) (*log.Logger, *testutils.SimpleLogrusHook) {
	tb.Helper()

	hook := testutils.NewLogrusHook()
	backend := logrus.New()
	backend.SetOutput(io.Discard)
	backend.SetLevel(logrus.DebugLevel)
	backend.AddHook(hook)

	return log.New(backend, false, nil), hook
}

// newTestConnection returns a connection over an in-memory transport
// served by a fake browser. The connection is closed on cleanup.
func newTestConnection(tb testing.TB) (*Connection, *memTransport, *fakeBrowser) {
	tb.Helper()

	tr := newMemTransport()
	fb := newFakeBrowser(tb, tr)
	logger, _ := newTestLogger(tb)
	conn := NewConnection(tr, logger)
	tb.Cleanup(func() { _ = conn.Close() })

	return conn, tr, fb
}

// fakeProcess is a BrowserProcess that exits when terminated.
type fakeProcess struct {
	done       chan struct{}
	once       sync.Once
	terminated bool
	mu         sync.Mutex
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Done() <-chan struct{} {
	return p.done
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.once.Do(func() { close(p.done) })
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// eventRecorder collects the data of the events emitted by an emitter.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func recordEvents(e EventEmitter, events ...string) *eventRecorder {
	r := &eventRecorder{signal: make(chan struct{}, 1)}
	for _, event := range events {
		e.On(event, func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
			select {
			case r.signal <- struct{}{}:
			default:
			}
		})
	}
	return r
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) ofType(typ string) []Event {
	var evs []Event
	for _, ev := range r.all() {
		if ev.Type == typ {
			evs = append(evs, ev)
		}
	}
	return evs
}

// waitFor blocks until n events of typ were recorded.
func (r *eventRecorder) waitFor(tb testing.TB, typ string, n int) []Event {
	tb.Helper()

	timeout := time.After(5 * time.Second)
	for {
		if evs := r.ofType(typ); len(evs) >= n {
			return evs
		}
		select {
		case <-r.signal:
		case <-timeout:
			tb.Fatalf("timed out waiting for %d %q events, got %d", n, typ, len(r.ofType(typ)))
			return nil
		}
	}
}

func testContext(tb testing.TB) context.Context {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	tb.Cleanup(cancel)
	return ctx
}

func containsMethod(methods []string, prefix string) bool {
	for _, m := range methods {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}
