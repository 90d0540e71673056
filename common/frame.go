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
	"github.com/chromedp/cdproto/cdp"
)

// Frame is a snapshot of a frame's navigation state. The frame manager
// hands out copies; they are not updated after the fact.
type Frame struct {
	ID             cdp.FrameID
	ParentID       cdp.FrameID
	Name           string
	URL            string
	LoaderID       cdp.LoaderID
	SecurityOrigin string
	MimeType       string
	UnreachableURL string
}

// IsMain reports whether the frame is the top level frame of its page.
func (f *Frame) IsMain() bool {
	return f.ParentID == ""
}

// navigated replaces the navigation metadata wholesale. Identity and
// parent are kept.
func (f *Frame) navigated(cf *cdp.Frame) {
	f.Name = cf.Name
	f.URL = cf.URL
	f.LoaderID = cf.LoaderID
	f.SecurityOrigin = cf.SecurityOrigin
	f.MimeType = cf.MimeType
	f.UnreachableURL = cf.UnreachableURL
}
