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
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// Action is the general interface of a protocol action.
type Action interface {
	Do(context.Context) error
}

// convertArgument turns a Go value into a by-value call argument. Values
// JSON cannot carry are passed as unserializable values.
func convertArgument(arg interface{}) (*cdpruntime.CallArgument, error) {
	switch a := arg.(type) {
	case int64:
		if a > math.MaxInt32 || a < math.MinInt32 {
			return &cdpruntime.CallArgument{
				UnserializableValue: cdpruntime.UnserializableValue(fmt.Sprintf("%dn", a)),
			}, nil
		}
		b, err := json.Marshal(a)
		return &cdpruntime.CallArgument{Value: b}, err
	case float64:
		var unserVal string
		switch {
		case a == 0 && math.Signbit(a):
			unserVal = "-0"
		case math.IsInf(a, 1):
			unserVal = "Infinity"
		case math.IsInf(a, -1):
			unserVal = "-Infinity"
		case math.IsNaN(a):
			unserVal = "NaN"
		}

		if unserVal != "" {
			return &cdpruntime.CallArgument{
				UnserializableValue: cdpruntime.UnserializableValue(unserVal),
			}, nil
		}

		b, err := json.Marshal(a)
		if err != nil {
			err = fmt.Errorf("converting argument '%v': %w", arg, err)
		}

		return &cdpruntime.CallArgument{Value: b}, err
	default:
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("converting argument '%v': %w", arg, err)
		}
		return &cdpruntime.CallArgument{Value: b}, nil
	}
}

// createWaitForEventHandler subscribes to events on emitter and returns a
// channel receiving the data of the first event accepted by predicateFn.
// Subscribe before triggering the action that causes the event. The
// returned cancel func removes the subscription and must always be called.
func createWaitForEventHandler(
	emitter EventEmitter, events []string,
	predicateFn func(data interface{}) bool,
) (
	<-chan interface{}, func(),
) {
	ch := make(chan interface{}, 1)
	var once sync.Once

	ids := make([]ListenerID, len(events))
	for i, event := range events {
		ids[i] = emitter.On(event, func(ev Event) {
			if predicateFn != nil && !predicateFn(ev.Data) {
				return
			}
			once.Do(func() { ch <- ev.Data })
		})
	}

	cancel := func() {
		for i, event := range events {
			emitter.Off(event, ids[i])
		}
	}
	return ch, cancel
}

// normalizeURL returns raw the way the browser reports it, e.g. with the
// root path and without the default port. Input that does not parse as an
// absolute URL is returned unchanged.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	switch port := u.Port(); {
	case u.Scheme == "http" && port == "80", u.Scheme == "https" && port == "443":
		u.Host = strings.TrimSuffix(u.Host, ":"+port)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
