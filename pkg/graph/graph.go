// Copyright 2025 Kadir Pekel
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
	"fmt"
	"sort"
)

// Graph is the builder for a flow's static topology. Construct with New,
// declare nodes and edges, then Compile once at boot.
type Graph struct {
	name        string
	schema      Schema
	nodes       map[string]NodeFunc
	staticEdges map[string]string
	condEdges   map[string]ConditionalEdgeFunc
	condTargets map[string][]string
	entry       string
}

// New starts a Graph named name (used in logs and in GET /graph/structure)
// with the given reducer schema.
func New(name string, schema Schema) *Graph {
	return &Graph{
		name:        name,
		schema:      schema,
		nodes:       make(map[string]NodeFunc),
		staticEdges: make(map[string]string),
		condEdges:   make(map[string]ConditionalEdgeFunc),
		condTargets: make(map[string][]string),
	}
}

// AddNode registers a node's body under name.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// SetEntryPoint names the node that runs first, receiving the initial
// state with a nil payload.
func (g *Graph) SetEntryPoint(name string) *Graph {
	g.entry = name
	return g
}

// AddEdge declares a static successor: once src completes (and it has no
// conditional edge registered), dst runs next.
func (g *Graph) AddEdge(src, dst string) *Graph {
	g.staticEdges[src] = dst
	return g
}

// AddConditionalEdge registers fn as the router for src's output. A
// conditional edge takes precedence over a static edge on the same node.
// targets, if given, names the nodes fn may route or dispatch to; the
// runtime does not enforce the list, it only feeds Structure's
// synthesized edges for conditional dispatches.
func (g *Graph) AddConditionalEdge(src string, fn ConditionalEdgeFunc, targets ...string) *Graph {
	g.condEdges[src] = fn
	g.condTargets[src] = targets
	return g
}

// Compile validates the topology and returns an executable graph.
func (g *Graph) Compile(opts ...CompileOption) (*Compiled, error) {
	if g.entry == "" {
		return nil, fmt.Errorf("graph %q: no entry point set", g.name)
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, fmt.Errorf("graph %q: entry point %q has no registered node", g.name, g.entry)
	}
	for src, dst := range g.staticEdges {
		if _, ok := g.nodes[src]; !ok {
			return nil, fmt.Errorf("graph %q: static edge from unknown node %q", g.name, src)
		}
		if !IsEnd(dst) {
			if _, ok := g.nodes[dst]; !ok {
				return nil, fmt.Errorf("graph %q: static edge to unknown node %q", g.name, dst)
			}
		}
	}
	for src := range g.condEdges {
		if _, ok := g.nodes[src]; !ok {
			return nil, fmt.Errorf("graph %q: conditional edge from unknown node %q", g.name, src)
		}
	}

	c := &Compiled{
		name:         g.name,
		schema:       g.schema,
		nodes:        g.nodes,
		staticEdges:  g.staticEdges,
		condEdges:    g.condEdges,
		condTargets:  g.condTargets,
		entry:        g.entry,
		recursionCap: 50,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CompileOption configures a Compiled graph at Compile time.
type CompileOption func(*Compiled)

// WithRecursionLimit overrides the default 50 super-step cap.
func WithRecursionLimit(n int) CompileOption {
	return func(c *Compiled) {
		if n > 0 {
			c.recursionCap = n
		}
	}
}

// StructureNode describes one node for GET /graph/structure.
type StructureNode struct {
	Name string `json:"name"`
}

// StructureEdge describes one edge, static or synthesized from a
// conditional edge's observed targets, for GET /graph/structure.
type StructureEdge struct {
	Source      string `json:"source"`
	Target      string `json:"target"`
	Conditional bool   `json:"conditional"`
}

// Structure returns the static node/edge description of the graph.
// Conditional edges cannot enumerate every dynamic fan-out target the
// router might choose at runtime, so each appears as a synthesized edge
// to the targets declared at AddConditionalEdge time, or to "*" when
// none were declared.
func (g *Graph) Structure() ([]StructureNode, []StructureEdge) {
	return structureOf(g.nodes, g.staticEdges, g.condEdges, g.condTargets)
}

func structureOf(nodes map[string]NodeFunc, staticEdges map[string]string, condEdges map[string]ConditionalEdgeFunc, condTargets map[string][]string) ([]StructureNode, []StructureEdge) {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	outNodes := make([]StructureNode, 0, len(names))
	for _, name := range names {
		outNodes = append(outNodes, StructureNode{Name: name})
	}

	var edges []StructureEdge
	for _, src := range names {
		if dst, ok := staticEdges[src]; ok {
			edges = append(edges, StructureEdge{Source: src, Target: dst})
		}
		if _, ok := condEdges[src]; !ok {
			continue
		}
		targets := condTargets[src]
		if len(targets) == 0 {
			targets = []string{"*"}
		}
		for _, dst := range targets {
			edges = append(edges, StructureEdge{Source: src, Target: dst, Conditional: true})
		}
	}
	return outNodes, edges
}
