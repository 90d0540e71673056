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
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
)

// Credentials answer HTTP authentication challenges.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Stage is the point of an exchange at which it was paused.
type Stage int

const (
	StageRequest Stage = iota
	StageResponse
)

func (s Stage) String() string {
	if s == StageResponse {
		return "response"
	}
	return "request"
}

// InterceptedExchange is a paused request, or a paused response when Stage
// is StageResponse, as handed to interception handlers.
type InterceptedExchange struct {
	RequestID    fetch.RequestID
	Stage        Stage
	Request      *network.Request
	FrameID      cdp.FrameID
	ResourceType network.ResourceType

	ResponseStatusCode  int64
	ResponseStatusText  string
	ResponseHeaders     []*fetch.HeaderEntry
	ResponseErrorReason network.ErrorReason

	nm *NetworkManager
}

// URL of the request.
func (e *InterceptedExchange) URL() string {
	if e.Request == nil {
		return ""
	}
	return e.Request.URL
}

// Method of the request.
func (e *InterceptedExchange) Method() string {
	if e.Request == nil {
		return ""
	}
	return e.Request.Method
}

// ResponseHeader returns the first response header called name.
func (e *InterceptedExchange) ResponseHeader(name string) (string, bool) {
	for _, h := range e.ResponseHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Body fetches the paused response body. Only valid at the response stage
// and before the handler returns.
func (e *InterceptedExchange) Body(ctx context.Context) ([]byte, error) {
	return e.nm.GetResponseBody(ctx, e.RequestID)
}

// JSON parses the paused response body, see NetworkManager.GetResponseJSON.
func (e *InterceptedExchange) JSON(ctx context.Context) (interface{}, error) {
	return e.nm.GetResponseJSON(ctx, e.RequestID)
}

func newInterceptedExchange(nm *NetworkManager, ev *fetch.EventRequestPaused, stage Stage) *InterceptedExchange {
	return &InterceptedExchange{
		RequestID:           ev.RequestID,
		Stage:               stage,
		Request:             ev.Request,
		FrameID:             ev.FrameID,
		ResourceType:        ev.ResourceType,
		ResponseStatusCode:  ev.ResponseStatusCode,
		ResponseStatusText:  ev.ResponseStatusText,
		ResponseHeaders:     ev.ResponseHeaders,
		ResponseErrorReason: ev.ResponseErrorReason,
		nm:                  nm,
	}
}
