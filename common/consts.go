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

import "time"

const (
	// DefaultTimeout bounds commands issued on behalf of event handlers,
	// which have no caller context of their own.
	DefaultTimeout time.Duration = 30 * time.Second
)

// Reason tells whether an open or close was requested by this program or
// happened in the browser on its own, e.g. a user closing a tab.
type Reason string

const (
	ReasonProgram Reason = "program"
	ReasonUser    Reason = "user"
)

// Target types the tree tracks. Everything else is ignored.
const (
	TargetTypePage          = "page"
	TargetTypeServiceWorker = "service_worker"
)
