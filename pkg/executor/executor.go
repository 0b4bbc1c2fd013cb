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

// Package executor holds the pluggable task execution functions the worker
// pool dispatches to. Executors are registered under the code a task type
// names in its Executor field.
package executor

import (
	"context"
	"sync"

	"tinyflow.io/tinyflow/pkg/errkind"
)

// Func runs one task attempt with its merged parameters. The context carries
// the attempt deadline when the task has a timeout; implementations should
// return ctx.Err() promptly on cancellation. The returned value is persisted
// as the attempt result.
type Func func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Registry maps executor codes to functions. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

// Register binds fn under code, replacing any previous binding.
func (r *Registry) Register(code string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[code] = fn
}

// Get resolves code to its function, or a NotFound error when no executor
// was registered under it.
func (r *Registry) Get(code string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[code]
	if !ok {
		return nil, errkind.NotFound("executor %q is not registered", code)
	}
	return fn, nil
}

// Codes lists the registered executor codes.
func (r *Registry) Codes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codes := make([]string, 0, len(r.funcs))
	for code := range r.funcs {
		codes = append(codes, code)
	}
	return codes
}
