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
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/flowcore/pkg/cancelbus"
	"github.com/kadirpekel/flowcore/pkg/checkpoint"
)

// Compiled is an executable graph: the topology from Graph plus the
// reducer schema and recursion cap it was compiled with.
type Compiled struct {
	name         string
	schema       Schema
	nodes        map[string]NodeFunc
	staticEdges  map[string]string
	condEdges    map[string]ConditionalEdgeFunc
	condTargets  map[string][]string
	entry        string
	recursionCap int
}

// Name returns the flow name the graph was compiled with.
func (c *Compiled) Name() string { return c.name }

// Structure returns the same node/edge description Graph.Structure
// does, available after Compile for GET /graph/structure.
func (c *Compiled) Structure() ([]StructureNode, []StructureEdge) {
	return structureOf(c.nodes, c.staticEdges, c.condEdges, c.condTargets)
}

// RunContext is the handle a node body uses to emit raw runtime events
// and reach its own invocation identity. One RunContext is constructed
// per scheduled node instance (so parallel fan-out siblings each get a
// distinct RunID).
type RunContext struct {
	Ctx      context.Context
	ThreadID string
	RunID    string
	NodeName string

	emit func(RawEvent)
}

// Emit stamps ev with this instance's run id and forwards it to the
// Stream consumer. A nil emit func (Invoke, not Stream) makes this a
// no-op. Safe to call concurrently from sibling fan-out instances: the
// underlying channel send is the synchronization point, exactly like the
// sub-agent fan-out's resultsChan.
func (rc *RunContext) Emit(ev RawEvent) {
	if rc.emit == nil {
		return
	}
	ev.Run.ID = rc.RunID
	rc.emit(ev)
}

// Context returns the cancellation/deadline context for this node
// instance, satisfying context.Context-consuming callees directly.
func (rc *RunContext) Context() context.Context { return rc.Ctx }

// WithContext returns a copy of rc carrying ctx instead of the
// runtime's own, keeping the run identity and emit path. Node bodies
// use this to bound their own work with a deadline tighter than the
// super-step's.
func (rc *RunContext) WithContext(ctx context.Context) *RunContext {
	out := *rc
	out.Ctx = ctx
	return &out
}

// RunConfig carries the per-run dependencies, explicit and
// dependency-injected rather than ambient: the checkpoint store and
// the cancellation bus.
type RunConfig struct {
	ThreadID string

	// Checkpoints, if non-nil, is written to after every super-step.
	Checkpoints checkpoint.Store

	// Cancel, if non-nil, is consulted between super-steps; a cancelled
	// thread_id stops scheduling new nodes.
	Cancel *cancelbus.Bus

	// Resume, if non-nil, starts execution from this checkpoint's
	// next_nodes/tasks instead of the graph's entry point.
	Resume *checkpoint.Checkpoint
}

// GetState returns the thread's current checkpoint - the resume point
// a Stream or Invoke with cfg.Resume would continue from.
func (c *Compiled) GetState(ctx context.Context, cfg RunConfig) (checkpoint.Checkpoint, error) {
	if cfg.Checkpoints == nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("graph %q: no checkpoint store configured", c.name)
	}
	return cfg.Checkpoints.GetLatest(ctx, cfg.ThreadID)
}

// UpdateState folds delta into the thread's latest state through the
// schema's reducers and writes the result as a new leaf checkpoint,
// without running any node. A thread with no checkpoint yet gets a
// fresh root holding only the delta.
func (c *Compiled) UpdateState(ctx context.Context, cfg RunConfig, delta map[string]any) (checkpoint.Checkpoint, error) {
	if cfg.Checkpoints == nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("graph %q: no checkpoint store configured", c.name)
	}

	state := State{}
	parent := ""
	var nextNodes []string
	var tasks []checkpoint.Task
	cur, err := cfg.Checkpoints.GetLatest(ctx, cfg.ThreadID)
	switch {
	case err == nil:
		state = State(cur.Values).Clone()
		parent = cur.CheckpointID
		nextNodes = cur.NextNodes
		tasks = cur.Tasks
	case errors.Is(err, checkpoint.ErrNotFound):
	default:
		return checkpoint.Checkpoint{}, err
	}

	c.schema.Apply(state, delta)
	cp := checkpoint.New(cfg.ThreadID, parent, cloneAny(state), nextNodes, tasks)
	if err := cfg.Checkpoints.Put(ctx, cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("graph %q: checkpoint: %w", c.name, err)
	}
	return cp, nil
}

// GetStateHistory returns the thread's checkpoint ancestry, root first.
func (c *Compiled) GetStateHistory(ctx context.Context, cfg RunConfig) ([]checkpoint.Checkpoint, error) {
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("graph %q: no checkpoint store configured", c.name)
	}
	return cfg.Checkpoints.ListAncestry(ctx, cfg.ThreadID)
}

// frontierItem is one node instance scheduled to run in the current
// super-step.
type frontierItem struct {
	node    string
	payload any
}

// ErrRecursionLimit is returned when a run exceeds its recursion_limit.
type ErrRecursionLimit struct {
	Flow  string
	Limit int
}

func (e *ErrRecursionLimit) Error() string {
	return fmt.Sprintf("graph %q: exceeded recursion_limit of %d super-steps", e.Flow, e.Limit)
}

// Invoke runs the graph to completion and returns the final state.
func (c *Compiled) Invoke(ctx context.Context, initial State, cfg RunConfig) (State, error) {
	return c.runLoop(ctx, cfg, initial, func(RawEvent) {})
}

// Stream runs the graph, yielding every RawEvent as it is produced -
// node start/end, and any events nodes emit via RunContext.Emit for
// in-flight model/tool calls, in the order the runtime observes them.
// Siblings of a fan-out run concurrently; their events interleave in the
// stream tagged with distinct run_ids so a consumer can demux.
//
// Stream never exposes state directly: the Event Emitter (component F)
// only reads events plus checkpoints, per the design note that the
// dependency runs emitter → graph and never the reverse.
func (c *Compiled) Stream(ctx context.Context, initial State, cfg RunConfig) iter.Seq2[RawEvent, error] {
	return func(yield func(RawEvent, error) bool) {
		type outcome struct {
			err error
		}

		events := make(chan RawEvent)
		done := make(chan struct{})
		result := make(chan outcome, 1)

		go func() {
			defer close(events)
			_, err := c.runLoop(ctx, cfg, initial, func(re RawEvent) {
				select {
				case events <- re:
				case <-done:
				}
			})
			result <- outcome{err: err}
		}()

		defer close(done)

		for re := range events {
			if !yield(re, nil) {
				return
			}
		}

		if out := <-result; out.err != nil {
			yield(RawEvent{}, out.err)
		}
	}
}

// runLoop executes the super-step loop to completion, invoking emit for
// every RawEvent nodes and the scheduler produce.
func (c *Compiled) runLoop(ctx context.Context, cfg RunConfig, initial State, emit func(RawEvent)) (State, error) {
	state := initial.Clone()
	if state == nil {
		state = State{}
	}

	var frontier []frontierItem
	runIDSeq := 0
	nextRunID := func() string {
		runIDSeq++
		return fmt.Sprintf("run_%d", runIDSeq)
	}

	if cfg.Resume != nil {
		for k, v := range cfg.Resume.Values {
			state[k] = v
		}
		seen := map[string]bool{}
		for _, t := range cfg.Resume.Tasks {
			frontier = append(frontier, frontierItem{node: t.Name, payload: t.Input})
			seen[t.Name] = true
		}
		for _, n := range cfg.Resume.NextNodes {
			if !seen[n] {
				frontier = append(frontier, frontierItem{node: n})
				seen[n] = true
			}
		}
		// A quiescent checkpoint (no scheduled work) resumes at the
		// entry point over the restored state; how a chat thread's
		// next turn re-enters the agent node.
		if len(frontier) == 0 {
			frontier = []frontierItem{{node: c.entry}}
		}
	} else {
		frontier = []frontierItem{{node: c.entry}}
	}

	for step := 0; len(frontier) > 0; step++ {
		if step >= c.recursionCap {
			return nil, &ErrRecursionLimit{Flow: c.name, Limit: c.recursionCap}
		}

		if cfg.Cancel != nil && cfg.Cancel.IsCancelled(cfg.ThreadID) {
			break
		}

		results, err := c.runSuperstep(ctx, cfg, state, frontier, nextRunID, emit)
		if err != nil {
			return nil, err
		}

		seen := map[string]bool{}
		var nextFrontier []frontierItem

		for i, res := range results {
			if res.Delta != nil {
				c.schema.Apply(state, res.Delta)
			}

			node := frontier[i].node
			var route Route
			switch {
			case c.condEdges[node] != nil:
				route = c.condEdges[node](res, state)
			case len(res.Dispatches) > 0:
				route = ToDispatches(res.Dispatches...)
			default:
				if dst, ok := c.staticEdges[node]; ok {
					route = ToNode(dst)
				} else {
					route = ToNode(END)
				}
			}

			if len(route.Dispatches) > 0 {
				for _, d := range route.Dispatches {
					nextFrontier = append(nextFrontier, frontierItem{node: d.TargetNode, payload: d.Payload})
				}
				continue
			}

			if !IsEnd(route.Node) && !seen[route.Node] {
				seen[route.Node] = true
				nextFrontier = append(nextFrontier, frontierItem{node: route.Node})
			}
		}

		frontier = nextFrontier

		if cfg.Checkpoints != nil {
			nextNodes := make([]string, 0, len(frontier))
			tasks := make([]checkpoint.Task, 0, len(frontier))
			for _, f := range frontier {
				nextNodes = append(nextNodes, f.node)
				// Scheduled-but-not-started tasks have no run_id yet;
				// the runtime assigns one when the instance runs.
				tasks = append(tasks, checkpoint.Task{Name: f.node, Input: f.payload})
			}
			parent := ""
			if cfg.Resume != nil {
				parent = cfg.Resume.CheckpointID
			}
			cp := checkpoint.New(cfg.ThreadID, parent, cloneAny(state), nextNodes, tasks)
			if err := cfg.Checkpoints.Put(ctx, cp); err != nil {
				return nil, fmt.Errorf("graph %q: checkpoint: %w", c.name, err)
			}
			cfg.Resume = &cp
		}
	}

	return state, nil
}

// runSuperstep executes every frontier item in parallel: each gets its
// own RunContext (and therefore its own run_id), node bodies run
// concurrently over a shared read-only state snapshot, and the
// super-step completes only once every instance has returned; the
// reducer-wait join a fan-out's successor depends on. Same
// errgroup-plus-isolated-goroutine shape as the rest of this codebase's
// fan-outs.
func (c *Compiled) runSuperstep(
	ctx context.Context,
	cfg RunConfig,
	state State,
	frontier []frontierItem,
	nextRunID func() string,
	emit func(RawEvent),
) ([]NodeResult, error) {
	results := make([]NodeResult, len(frontier))

	var mu sync.Mutex
	snapshot := state.Clone()

	group, gctx := errgroup.WithContext(ctx)
	for i, item := range frontier {
		i, item := i, item
		fn, ok := c.nodes[item.node]
		if !ok {
			return nil, fmt.Errorf("graph %q: no node registered for %q", c.name, item.node)
		}

		runID := nextRunID()

		group.Go(func() error {
			rc := &RunContext{
				Ctx:      gctx,
				ThreadID: cfg.ThreadID,
				RunID:    runID,
				NodeName: item.node,
				emit:     emit,
			}

			rc.Emit(RawEvent{Type: RawChainStart, Name: item.node, Input: item.payload})
			res, err := fn(rc, snapshot, item.payload)
			if err != nil {
				rc.Emit(RawEvent{Type: RawChainEnd, Name: item.node, Input: item.payload, Output: err.Error()})
				return fmt.Errorf("node %q: %w", item.node, err)
			}

			mu.Lock()
			results[i] = res
			mu.Unlock()

			// Input rides along on the end event so consumers can match
			// a fan-out instance back to its dispatch payload.
			rc.Emit(RawEvent{Type: RawChainEnd, Name: item.node, Input: item.payload, Output: res.Delta})
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func cloneAny(state State) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
