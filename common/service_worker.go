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
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/liuxd6825/sider/log"
)

// ServiceWorker is a service worker target. Only its network traffic is
// tracked.
type ServiceWorker struct {
	registration

	ctx    context.Context
	cancel context.CancelFunc

	initMu         sync.Mutex
	target         *Target
	logger         *log.Logger
	opts           Options
	fault          func(error)
	networkManager *NetworkManager
}

// NewServiceWorker creates the wrapper of a service worker target.
func NewServiceWorker(ctx context.Context, t *Target, opts Options, logger *log.Logger, fault func(error)) *ServiceWorker {
	w := &ServiceWorker{
		target: t,
		logger: logger,
		opts:   opts,
		fault:  fault,
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	return w
}

func (w *ServiceWorker) initialize(ctx context.Context) error {
	w.logger.Debugf("ServiceWorker:initialize", "tid:%v", w.target.ID())

	s, err := w.target.attach(ctx)
	if err != nil {
		return err
	}
	nm := NewNetworkManager(w.ctx, s, w.logger, w.opts, w.fault)
	w.initMu.Lock()
	w.networkManager = nm
	w.initMu.Unlock()

	return nm.Initialize(ctx)
}

func (w *ServiceWorker) didClose() {
	w.cancel()

	w.initMu.Lock()
	defer w.initMu.Unlock()
	if w.networkManager != nil {
		w.networkManager.dispose()
	}
}

// ID returns the target ID of the worker.
func (w *ServiceWorker) ID() target.ID {
	return w.target.ID()
}

// Target returns the worker target.
func (w *ServiceWorker) Target() *Target {
	return w.target
}

// Network returns the interception engine of the worker.
func (w *ServiceWorker) Network() *NetworkManager {
	return w.networkManager
}
