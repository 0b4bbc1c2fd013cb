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

package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"tinyflow.io/tinyflow/pkg/errkind"
)

func TestMergeJSON(t *testing.T) {
	taskDefaults := datatypes.JSON(`{"host":"db1","port":3306,"mode":"full"}`)
	nodeOverrides := datatypes.JSON(`{"mode":"incremental"}`)
	triggerOverrides := datatypes.JSON(`{"port":3307}`)

	merged, err := MergeJSON(taskDefaults, nodeOverrides, triggerOverrides)
	require.NoError(t, err)
	assert.Equal(t, "db1", merged["host"])
	assert.Equal(t, float64(3307), merged["port"])
	assert.Equal(t, "incremental", merged["mode"])
}

func TestMergeJSONEmptyLayers(t *testing.T) {
	merged, err := MergeJSON(nil, datatypes.JSON("null"), datatypes.JSON(`{"a":1}`))
	require.NoError(t, err)
	assert.Len(t, merged, 1)
}

func TestMergeJSONInvalid(t *testing.T) {
	_, err := MergeJSON(datatypes.JSON(`{not json`))
	require.Error(t, err)
	assert.True(t, errkind.IsValidation(err))
}

func TestValidate(t *testing.T) {
	schema := datatypes.JSON(`{
		"type": "object",
		"required": ["host"],
		"properties": {
			"host": {"type": "string"},
			"port": {"type": "integer"}
		}
	}`)

	tests := []struct {
		name    string
		merged  map[string]interface{}
		wantErr bool
	}{
		{
			name:   "valid",
			merged: map[string]interface{}{"host": "db1", "port": 3306},
		},
		{
			name:    "missing required",
			merged:  map[string]interface{}{"port": 3306},
			wantErr: true,
		},
		{
			name:    "wrong type",
			merged:  map[string]interface{}{"host": "db1", "port": "3306"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(schema, tt.merged)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errkind.IsValidation(err) {
				t.Errorf("Validate() error kind = %v, want validation", errkind.KindOf(err))
			}
		})
	}
}

func TestValidateEmptySchema(t *testing.T) {
	assert.NoError(t, Validate(nil, map[string]interface{}{"anything": true}))
	assert.NoError(t, Validate(datatypes.JSON("null"), nil))
}

func TestResolveTimeout(t *testing.T) {
	tests := []struct {
		name                      string
		nodeSec, taskSec, typeSec int
		want                      int
	}{
		{"node wins", 30, 60, 90, 30},
		{"task when node unset", 0, 60, 90, 60},
		{"type when both unset", 0, 0, 90, 90},
		{"all unset", 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveTimeout(tt.nodeSec, tt.taskSec, tt.typeSec); got != tt.want {
				t.Errorf("ResolveTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveMaxRetry(t *testing.T) {
	assert.Equal(t, 5, ResolveMaxRetry(5, 3, 1))
	assert.Equal(t, 3, ResolveMaxRetry(0, 3, 1))
	assert.Equal(t, 1, ResolveMaxRetry(0, 0, 1))
	assert.Equal(t, 0, ResolveMaxRetry(0, 0, 0))
}
