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
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/tidwall/gjson"
)

// ExecutionContext is a script realm of a frame as announced by
// Runtime.executionContextCreated.
type ExecutionContext struct {
	ID        runtime.ExecutionContextID
	FrameID   cdp.FrameID
	IsDefault bool
	Origin    string
	Name      string
}

func newExecutionContext(desc *runtime.ExecutionContextDescription) *ExecutionContext {
	ec := &ExecutionContext{
		ID:     desc.ID,
		Origin: desc.Origin,
		Name:   desc.Name,
	}
	ec.IsDefault, ec.FrameID = parseAuxData(desc.AuxData)
	return ec
}

func parseAuxData(aux easyjson.RawMessage) (isDefault bool, frameID cdp.FrameID) {
	if len(aux) == 0 {
		return false, ""
	}
	r := gjson.GetManyBytes(aux, "isDefault", "frameId")
	return r[0].Bool(), cdp.FrameID(r[1].String())
}

// EvalOptions describes a function call in an execution context.
type EvalOptions struct {
	// Func is a function declaration, e.g. "(a, b) => a + b".
	Func string
	// Args are passed by value.
	Args []interface{}
	// ReturnHandle returns the *runtime.RemoteObject instead of its value.
	ReturnHandle bool
}

// evaluate calls opts.Func in the execution context id over s.
func evaluate(
	ctx context.Context, s session, id runtime.ExecutionContextID, opts EvalOptions,
) (interface{}, error) {
	arguments := make([]*runtime.CallArgument, 0, len(opts.Args))
	for _, arg := range opts.Args {
		a, err := convertArgument(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot convert argument (%v) in execution context (%d): %w", arg, id, err)
		}
		arguments = append(arguments, a)
	}

	action := runtime.CallFunctionOn(opts.Func).
		WithArguments(arguments).
		WithExecutionContextID(id).
		WithReturnByValue(!opts.ReturnHandle).
		WithAwaitPromise(true)

	remoteObject, exceptionDetails, err := action.Do(cdp.WithExecutor(ctx, s))
	if err != nil {
		return nil, fmt.Errorf("calling function in execution context (%d) with session (%v): %w",
			id, s.ID(), err)
	}
	if exceptionDetails != nil {
		return nil, &ScriptEvaluationError{Description: parseExceptionDetails(exceptionDetails)}
	}
	if remoteObject == nil {
		return nil, nil
	}
	if remoteObject.Subtype == runtime.SubtypeError {
		return nil, &ScriptEvaluationError{Description: remoteObject.Description}
	}
	if opts.ReturnHandle {
		return remoteObject, nil
	}

	res, err := parseRemoteObject(remoteObject)
	if err != nil {
		return nil, fmt.Errorf("extracting value in execution context (%d): %w", id, err)
	}
	return res, nil
}

// evalTimer records how long the last evaluation of a page took.
type evalTimer struct {
	last int64 // nanoseconds, accessed atomically
}

func (t *evalTimer) track(start time.Time) {
	atomic.StoreInt64(&t.last, int64(time.Since(start)))
}

func (t *evalTimer) lastDuration() time.Duration {
	return time.Duration(atomic.LoadInt64(&t.last))
}
