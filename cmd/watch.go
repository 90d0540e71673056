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

package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/liuxd6825/sider/common"
	"github.com/liuxd6825/sider/errext"
	"github.com/spf13/cobra"
)

// watchPrinter writes one line per browser event.
type watchPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	added   *color.Color
	removed *color.Color
	failed  *color.Color
}

func newWatchPrinter(w io.Writer, noColor bool) *watchPrinter {
	p := &watchPrinter{
		w:       w,
		added:   color.New(color.FgGreen),
		removed: color.New(color.FgYellow),
		failed:  color.New(color.FgRed),
	}
	if noColor {
		for _, c := range []*color.Color{p.added, p.removed, p.failed} {
			c.DisableColor()
		}
	}
	return p
}

func (p *watchPrinter) printf(c *color.Color, format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = c.Fprintf(p.w, format+"\n", args...)
}

func getCmdWatch(c *rootCommand) *cobra.Command {
	var closeOnExit bool

	cmd := &cobra.Command{
		Use:   "watch <ws-url>",
		Short: "print the pages and service workers of a running browser",
		Long: `Connect to a browser started with --remote-debugging-port and print every
page and service worker as it is added or removed, until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := c.options()
			if err != nil {
				return err
			}
			logger, err := c.newLogger(opts)
			if err != nil {
				return err
			}

			b, err := common.Connect(c.ctx, args[0], opts, logger)
			if err != nil {
				msg, fields := errext.Format(err)
				if hint, ok := fields["hint"]; ok {
					return fmt.Errorf("%s (hint: %v)", msg, hint)
				}
				return err
			}

			p := newWatchPrinter(cmd.OutOrStdout(), c.noColor)
			p.printf(p.added, "connected to %s", args[0])
			b.OnPageAdded(func(page *common.Page, r common.Reason) {
				p.printf(p.added, "+ page %s (%s) %s", page.ID(), r, page.URL())
			})
			b.OnPageRemoved(func(page *common.Page, r common.Reason) {
				p.printf(p.removed, "- page %s (%s)", page.ID(), r)
			})
			b.On(common.EventBrowserServiceWorkerAdded, func(ev common.Event) {
				if e, ok := ev.Data.(*common.ServiceWorkerEvent); ok {
					p.printf(p.added, "+ service worker %s", e.Worker.ID())
				}
			})
			b.On(common.EventBrowserServiceWorkerRemoved, func(ev common.Event) {
				if e, ok := ev.Data.(*common.ServiceWorkerEvent); ok {
					p.printf(p.removed, "- service worker %s", e.Worker.ID())
				}
			})
			b.OnError(func(err error) {
				p.printf(p.failed, "! %v", err)
			})

			select {
			case <-c.ctx.Done():
			case <-b.Done():
				p.printf(p.removed, "browser closed")
				return nil
			}

			if closeOnExit {
				ctx, cancel := context.WithTimeout(context.Background(), common.DefaultTimeout)
				defer cancel()
				return b.Close(ctx)
			}
			return b.Disconnect()
		},
	}
	cmd.Flags().BoolVar(&closeOnExit, "close-on-exit", false, "close the browser when interrupted")

	return cmd
}
