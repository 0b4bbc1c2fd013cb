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

package graph

import (
	"reflect"
	"testing"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
)

func TestRoots(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		edges []Edge
		want  []string
	}{
		{
			name:  "chain",
			nodes: []string{"a", "b", "c"},
			edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
			want:  []string{"a"},
		},
		{
			name:  "diamond",
			nodes: []string{"a", "b", "c", "d"},
			edges: []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}},
			want:  []string{"a"},
		},
		{
			name:  "disconnected",
			nodes: []string{"x", "a", "b"},
			edges: []Edge{{From: "a", To: "b"}},
			want:  []string{"a", "x"},
		},
		{
			name:  "no edges",
			nodes: []string{"b", "a"},
			edges: nil,
			want:  []string{"a", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Roots(tt.nodes, tt.edges); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Roots() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSatisfied(t *testing.T) {
	edges := []Edge{{From: "a", To: "c"}, {From: "b", To: "c"}}
	tests := []struct {
		name   string
		status map[string]models.InstanceStatus
		want   bool
	}{
		{
			name:   "all success",
			status: map[string]models.InstanceStatus{"a": models.InstanceSuccess, "b": models.InstanceSuccess},
			want:   true,
		},
		{
			name:   "one pending",
			status: map[string]models.InstanceStatus{"a": models.InstanceSuccess, "b": models.InstancePending},
			want:   false,
		},
		{
			name:   "one failed",
			status: map[string]models.InstanceStatus{"a": models.InstanceFailed, "b": models.InstanceSuccess},
			want:   false,
		},
		{
			name:   "upstream missing from lookup",
			status: map[string]models.InstanceStatus{"a": models.InstanceSuccess},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Satisfied("c", edges, tt.status); got != tt.want {
				t.Errorf("Satisfied() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectCycle(t *testing.T) {
	tests := []struct {
		name    string
		nodes   []string
		edges   []Edge
		wantErr bool
	}{
		{
			name:  "acyclic diamond",
			nodes: []string{"a", "b", "c", "d"},
			edges: []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}},
		},
		{
			name:    "self loop",
			nodes:   []string{"a"},
			edges:   []Edge{{From: "a", To: "a"}},
			wantErr: true,
		},
		{
			name:    "two node cycle",
			nodes:   []string{"a", "b"},
			edges:   []Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
			wantErr: true,
		},
		{
			name:    "cycle in edge-only nodes",
			nodes:   nil,
			edges:   []Edge{{From: "x", To: "y"}, {From: "y", To: "z"}, {From: "z", To: "x"}},
			wantErr: true,
		},
		{
			name:  "empty graph",
			nodes: nil,
			edges: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := DetectCycle(tt.nodes, tt.edges)
			if (err != nil) != tt.wantErr {
				t.Errorf("DetectCycle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errkind.IsValidation(err) {
				t.Errorf("DetectCycle() error kind = %v, want validation", errkind.KindOf(err))
			}
		})
	}
}

func TestDownstreams(t *testing.T) {
	edges := []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}}
	got := Downstreams("a", edges)
	want := []string{"b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Downstreams() = %v, want %v", got, want)
	}
}

func TestIsDownstream(t *testing.T) {
	edges := []Edge{{From: "a", To: "b"}, {From: "a", To: "c"}, {From: "b", To: "d"}, {From: "c", To: "d"}}
	tests := []struct {
		name     string
		from, to string
		want     bool
	}{
		{name: "direct", from: "a", to: "b", want: true},
		{name: "transitive", from: "a", to: "d", want: true},
		{name: "reverse", from: "d", to: "a", want: false},
		{name: "siblings", from: "b", to: "c", want: false},
		{name: "self", from: "a", to: "a", want: false},
		{name: "unknown node", from: "a", to: "z", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDownstream(tt.from, tt.to, edges); got != tt.want {
				t.Errorf("IsDownstream(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
