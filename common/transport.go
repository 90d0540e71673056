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
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/liuxd6825/sider/errext"
)

const wsWriteBufferSize = 1 << 20

// Transport is an already connected, message oriented duplex channel to the
// browser. Read blocks until a whole message is available. Implementations
// must allow Write and Close to be called concurrently with Read.
type Transport interface {
	Read() ([]byte, error)
	Write([]byte) error
	Close() error
}

// wsTransport is the Transport over the browser's remote debugging WebSocket.
type wsTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ Transport = &wsTransport{}

// NewWSTransport dials the browser's debugging endpoint.
func NewWSTransport(ctx context.Context, wsURL string) (Transport, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: 60 * time.Second,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errext.WithHint(
			fmt.Errorf("connecting to %s: %w", wsURL, err),
			"make sure the browser was started with --remote-debugging-port",
		)
	}

	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Read() ([]byte, error) {
	_, buf, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *wsTransport) Write(buf []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	writer, err := t.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := writer.Write(buf); err != nil {
		return err
	}
	return writer.Close()
}

// Close sends a close frame before tearing down the socket.
func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(10*time.Second),
		)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
