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

// Package params merges layered task parameters and validates the result
// against the task type's json schema.
package params

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gorm.io/datatypes"

	"tinyflow.io/tinyflow/pkg/errkind"
)

// Decode parses a stored JSON column into a map. Empty or null columns
// decode to an empty map.
func Decode(raw datatypes.JSON) (map[string]interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]interface{}{}, nil
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errkind.Validation("invalid params json: %v", err)
	}
	return out, nil
}

// Encode marshals a merged parameter map back into a JSON column.
func Encode(m map[string]interface{}) (datatypes.JSON, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errkind.System(err, "encode params")
	}
	return datatypes.JSON(raw), nil
}

// Merge overlays parameter layers left to right: later layers win on key
// conflicts. The canonical ordering is task defaults, then node overrides,
// then per-trigger overrides. Inputs are not mutated.
func Merge(layers ...map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// MergeJSON is Merge over stored JSON columns.
func MergeJSON(layers ...datatypes.JSON) (map[string]interface{}, error) {
	decoded := make([]map[string]interface{}, 0, len(layers))
	for _, raw := range layers {
		m, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		decoded = append(decoded, m)
	}
	return Merge(decoded...), nil
}

// Validate checks merged params against a json schema. An empty schema
// accepts everything. Violations come back as a single ValidationError
// listing every failed field.
func Validate(schema datatypes.JSON, merged map[string]interface{}) error {
	if len(schema) == 0 || string(schema) == "null" {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(merged),
	)
	if err != nil {
		return errkind.Validation("invalid param schema: %v", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errkind.Validation("params do not match schema: %s", strings.Join(msgs, "; "))
}

// ResolveTimeout picks the effective timeout in seconds: node override, then
// task, then type default. Zero at every level means no timeout.
func ResolveTimeout(nodeSec, taskSec, typeSec int) int {
	if nodeSec > 0 {
		return nodeSec
	}
	if taskSec > 0 {
		return taskSec
	}
	return typeSec
}

// ResolveMaxRetry picks the effective retry bound with the same precedence
// as ResolveTimeout. Zero everywhere means no retries.
func ResolveMaxRetry(nodeRetry, taskRetry, typeRetry int) int {
	if nodeRetry > 0 {
		return nodeRetry
	}
	if taskRetry > 0 {
		return taskRetry
	}
	return typeRetry
}
