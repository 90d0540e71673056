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

	"github.com/liuxd6825/sider/log"
	"github.com/mstoykov/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/guregu/null.v3"
)

// Options configures a Browser and every page and worker it tracks.
type Options struct {
	EnableRuntime           null.Bool `json:"enableRuntime" envconfig:"SIDER_ENABLE_RUNTIME"`
	HandleAuthRequests      null.Bool `json:"handleAuthRequests" envconfig:"SIDER_HANDLE_AUTH_REQUESTS"`
	HandleWebSocketRequests null.Bool `json:"handleWebSocketRequests" envconfig:"SIDER_HANDLE_WEBSOCKET_REQUESTS"`
	HandleServiceWorkers    null.Bool `json:"handleServiceWorkers" envconfig:"SIDER_HANDLE_SERVICE_WORKERS"`

	// Username and Password answer authentication challenges until a
	// page's network manager is given its own credentials.
	Username null.String `json:"username" envconfig:"SIDER_USERNAME"`
	Password null.String `json:"password" envconfig:"SIDER_PASSWORD"`

	// Debug is a comma separated list of log categories, e.g. "network,cdp".
	// Debug entries of those categories are printed whatever the log level.
	Debug    null.String `json:"debug" envconfig:"SIDER_DEBUG"`
	LogLevel null.String `json:"logLevel" envconfig:"SIDER_LOG_LEVEL"`
	LogFile  null.String `json:"logFile" envconfig:"SIDER_LOG_FILE"`
}

// NewOptions returns the default options.
func NewOptions() Options {
	return Options{
		EnableRuntime:           null.NewBool(true, false),
		HandleAuthRequests:      null.NewBool(true, false),
		HandleWebSocketRequests: null.NewBool(false, false),
		HandleServiceWorkers:    null.NewBool(false, false),
		LogLevel:                null.NewString("info", false),
	}
}

// Apply returns o overridden by every valid field of opts.
func (o Options) Apply(opts Options) Options {
	if opts.EnableRuntime.Valid {
		o.EnableRuntime = opts.EnableRuntime
	}
	if opts.HandleAuthRequests.Valid {
		o.HandleAuthRequests = opts.HandleAuthRequests
	}
	if opts.HandleWebSocketRequests.Valid {
		o.HandleWebSocketRequests = opts.HandleWebSocketRequests
	}
	if opts.HandleServiceWorkers.Valid {
		o.HandleServiceWorkers = opts.HandleServiceWorkers
	}
	if opts.Username.Valid {
		o.Username = opts.Username
	}
	if opts.Password.Valid {
		o.Password = opts.Password
	}
	if opts.Debug.Valid {
		o.Debug = opts.Debug
	}
	if opts.LogLevel.Valid && opts.LogLevel.String != "" {
		o.LogLevel = opts.LogLevel
	}
	if opts.LogFile.Valid {
		o.LogFile = opts.LogFile
	}
	return o
}

// GetConsolidatedOptions layers the defaults, the JSON options and the
// environment, in that order of increasing precedence.
func GetConsolidatedOptions(jsonRaw json.RawMessage, env map[string]string) (Options, error) {
	result := NewOptions()
	if jsonRaw != nil {
		jsonOpts := Options{}
		if err := json.Unmarshal(jsonRaw, &jsonOpts); err != nil {
			return result, fmt.Errorf("parsing options: %w", err)
		}
		result = result.Apply(jsonOpts)
	}

	envOpts := Options{}
	if err := envconfig.Process("", &envOpts, func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}); err != nil {
		return result, fmt.Errorf("parsing environment: %w", err)
	}

	return result.Apply(envOpts), nil
}

// Credentials returns the configured default credentials.
func (o Options) Credentials() Credentials {
	return Credentials{Username: o.Username.String, Password: o.Password.String}
}

// NewLogger builds the driver logger on top of backend. When a log file is
// configured its hook is flushed and closed once ctx is done.
func (o Options) NewLogger(ctx context.Context, backend *logrus.Logger) (*log.Logger, error) {
	filter, err := log.CategoryFilter(o.Debug.String)
	if err != nil {
		return nil, err
	}
	if o.LogLevel.String != "" {
		lvl, err := logrus.ParseLevel(o.LogLevel.String)
		if err != nil {
			return nil, fmt.Errorf("parsing log level: %w", err)
		}
		backend.SetLevel(lvl)
	}
	if o.LogFile.String != "" {
		hook, _, err := log.NewFileHook(ctx, backend, o.LogFile.String, o.LogLevel.String)
		if err != nil {
			return nil, err
		}
		backend.AddHook(hook)
	}

	return log.New(backend, filter != nil, filter), nil
}
