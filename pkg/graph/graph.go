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

// Package graph answers structural questions about a dag version's edge set:
// which nodes are roots, whether a node's upstreams are all satisfied, and
// whether the edges form a cycle. It is pure and holds no state.
package graph

import (
	"sort"

	"tinyflow.io/tinyflow/pkg/errkind"
	"tinyflow.io/tinyflow/pkg/models"
)

// Edge is a single from -> to dependency.
type Edge struct {
	From string
	To   string
}

// FromModels converts stored dag edges.
func FromModels(edges []models.DagEdge) []Edge {
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		out = append(out, Edge{From: e.FromNodeCode, To: e.ToNodeCode})
	}
	return out
}

// Roots returns the node codes with no inbound edge, sorted for stable
// iteration. Nodes that appear only as edge endpoints still count.
func Roots(nodes []string, edges []Edge) []string {
	hasIn := map[string]bool{}
	for _, e := range edges {
		hasIn[e.To] = true
	}
	roots := []string{}
	for _, n := range nodes {
		if !hasIn[n] {
			roots = append(roots, n)
		}
	}
	sort.Strings(roots)
	return roots
}

// Upstreams returns the direct upstream node codes of node.
func Upstreams(node string, edges []Edge) []string {
	ups := []string{}
	for _, e := range edges {
		if e.To == node {
			ups = append(ups, e.From)
		}
	}
	return ups
}

// Downstreams returns the direct downstream node codes of node.
func Downstreams(node string, edges []Edge) []string {
	downs := []string{}
	for _, e := range edges {
		if e.From == node {
			downs = append(downs, e.To)
		}
	}
	return downs
}

// IsDownstream reports whether to is reachable from from over the edge set,
// in one or more hops.
func IsDownstream(from, to string, edges []Edge) bool {
	seen := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, next := range Downstreams(node, edges) {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Satisfied reports whether every direct upstream of node has terminated
// successfully according to the supplied status lookup.
func Satisfied(node string, edges []Edge, status map[string]models.InstanceStatus) bool {
	for _, up := range Upstreams(node, edges) {
		if status[up] != models.InstanceSuccess {
			return false
		}
	}
	return true
}

// DetectCycle runs a depth-first search over the edge set and returns a
// ValidationError naming one node on a cycle, or nil when the graph is
// acyclic. Nodes referenced only by edges are included.
func DetectCycle(nodes []string, edges []Edge) error {
	adj := map[string][]string{}
	all := map[string]bool{}
	for _, n := range nodes {
		all[n] = true
	}
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
		all[e.From] = true
		all[e.To] = true
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(n string) string
	visit = func(n string) string {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[n] = black
		return ""
	}

	ordered := make([]string, 0, len(all))
	for n := range all {
		ordered = append(ordered, n)
	}
	sort.Strings(ordered)
	for _, n := range ordered {
		if color[n] == white {
			if hit := visit(n); hit != "" {
				return errkind.Validation("dag contains a cycle through node %q", hit)
			}
		}
	}
	return nil
}
