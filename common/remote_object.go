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
	"fmt"
	"math"
	"math/big"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"
)

// parseRemoteObject extracts the Go value of a by-value remote object.
// Undefined yields nil; bigints yield *big.Int.
func parseRemoteObject(obj *cdpruntime.RemoteObject) (interface{}, error) {
	if obj == nil {
		return nil, nil
	}
	if obj.UnserializableValue != "" {
		return parseUnserializable(obj.UnserializableValue.String())
	}
	if obj.Type == cdpruntime.TypeUndefined || len(obj.Value) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(obj.Value) {
		return nil, fmt.Errorf("remote object value is not valid JSON: %q", obj.Value)
	}
	return gjson.ParseBytes(obj.Value).Value(), nil
}

func parseUnserializable(v string) (interface{}, error) {
	switch v {
	case "-0": // To handle +0 divided by negative number
		return math.Copysign(0, -1), nil
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	if strings.HasSuffix(v, "n") {
		if n, ok := new(big.Int).SetString(strings.TrimSuffix(v, "n"), 10); ok {
			return n, nil
		}
	}
	return nil, fmt.Errorf("unsupported unserializable value: %s", v)
}

// parseExceptionDetails prefers the thrown object's description over the
// generic exception text.
func parseExceptionDetails(exc *cdpruntime.ExceptionDetails) string {
	if exc == nil {
		return ""
	}
	if exc.Exception != nil {
		if exc.Exception.Description != "" {
			return exc.Exception.Description
		}
		if o, _ := parseRemoteObject(exc.Exception); o != nil {
			return fmt.Sprintf("%v", o)
		}
	}
	return exc.Text
}
