// Copyright 2024 The tinyflow.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package executor

import (
	"context"
	"fmt"
	"time"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/log"
)

// RegisterBuiltins installs the executors shipped with the engine. Embedders
// register their own on top.
func RegisterBuiltins(r *Registry) {
	r.Register("log", Log)
	r.Register("delay", Delay)
	r.Register("fail", Fail)
}

// Log prints the "message" parameter at info level and echoes it back.
func Log(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	msg := fmt.Sprintf("%v", params["message"])
	log.FromContextOrDiscard(ctx).Info("log executor", "message", msg)
	return map[string]interface{}{"message": msg}, nil
}

// Delay sleeps for the "seconds" parameter, honoring cancellation. It is the
// standard way to exercise timeouts and long-running attempts.
func Delay(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	seconds, ok := params["seconds"].(float64)
	if !ok {
		return nil, errkind.Validation("delay executor requires a numeric %q parameter", "seconds")
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return map[string]interface{}{"slept_seconds": seconds}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail always returns an execution error, carrying the "reason" parameter
// when present. Useful for retry and failure-path testing.
func Fail(_ context.Context, params map[string]interface{}) (interface{}, error) {
	reason := "fail executor invoked"
	if r, ok := params["reason"].(string); ok && r != "" {
		reason = r
	}
	return nil, errkind.Execution("%s", reason)
}
