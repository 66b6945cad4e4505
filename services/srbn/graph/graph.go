// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Graph
// =============================================================================

// Graph is the dependency graph of task nodes for a single session.
//
// Edges are stored as id sets on each node (Dependencies) plus a derived
// reverse index. The graph stays acyclic by construction: AddNode and
// AddDependency reject any edge that would close a cycle and leave the
// graph unchanged.
type Graph struct {
	mu         sync.RWMutex
	nodes      map[string]*Node
	dependents map[string]map[string]bool // dep id -> ids that depend on it
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*Node),
		dependents: make(map[string]map[string]bool),
	}
}

// AddNode inserts a node into the graph.
//
// Description:
//
//	Validates the node id, rejects duplicates, and verifies that every
//	declared dependency exists and that none of them would close a
//	cycle. On any failure the graph is unchanged.
//
// Inputs:
//   - n: The node to insert. Its Dependencies must already be in the graph.
//
// Outputs:
//   - error: ErrDuplicateNode, ErrNodeNotFound (unknown dependency), or
//     ErrCycle. Nil on success.
func (g *Graph) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("%w: empty node id", ErrNodeNotFound)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	for _, dep := range n.Dependencies {
		if dep == n.ID {
			return fmt.Errorf("%w: %s depends on itself", ErrCycle, n.ID)
		}
		if _, ok := g.nodes[dep]; !ok {
			return fmt.Errorf("%w: dependency %s of %s", ErrNodeNotFound, dep, n.ID)
		}
	}

	cp := *n
	if cp.Status == "" {
		cp.Status = StatusQueued
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	g.nodes[cp.ID] = &cp
	for _, dep := range cp.Dependencies {
		g.addDependentLocked(dep, cp.ID)
	}
	return nil
}

// AddDependency adds an ordering edge so that `to` must commit before `from`.
//
// Description:
//
//	Rejects edges that reference unknown nodes or that would create a
//	cycle. Cycle detection walks the existing edges before mutating, so
//	a rejected edge leaves the graph exactly as it was.
//
// Inputs:
//   - from: The dependent node id.
//   - to: The prerequisite node id.
//
// Outputs:
//   - error: ErrNodeNotFound, ErrCycle, or nil.
func (g *Graph) AddDependency(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, to)
	}
	if from == to {
		return fmt.Errorf("%w: %s depends on itself", ErrCycle, from)
	}
	for _, dep := range src.Dependencies {
		if dep == to {
			return nil // edge already present
		}
	}

	// Walk prerequisites of `to`; reaching `from` means the new edge
	// would close a cycle.
	if g.reachesLocked(to, from) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, from, to)
	}

	src.Dependencies = append(src.Dependencies, to)
	g.addDependentLocked(to, from)
	return nil
}

func (g *Graph) addDependentLocked(dep, id string) {
	set, ok := g.dependents[dep]
	if !ok {
		set = make(map[string]bool)
		g.dependents[dep] = set
	}
	set[id] = true
}

// reachesLocked reports whether target is reachable from start by
// following dependency edges. Caller holds the lock.
func (g *Graph) reachesLocked(start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			return true
		}
		node, ok := g.nodes[cur]
		if !ok {
			continue
		}
		for _, dep := range node.Dependencies {
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// Node returns a snapshot of the node with the given id.
func (g *Graph) Node(id string) (Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return *n, nil
}

// Nodes returns snapshots of all nodes, ordered by id.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// =============================================================================
// Ready set and status transitions
// =============================================================================

// ReadyNodes returns snapshots of all nodes that are queued and whose
// dependencies have all been committed. In-flight and terminal nodes
// are never included. Results are ordered by id for determinism.
func (g *Graph) ReadyNodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []Node
	for _, n := range g.nodes {
		if n.Status != StatusQueued {
			continue
		}
		if g.depsCommittedLocked(n) {
			ready = append(ready, *n)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

func (g *Graph) depsCommittedLocked(n *Node) bool {
	for _, dep := range n.Dependencies {
		d, ok := g.nodes[dep]
		if !ok || d.Status != StatusCommitted {
			return false
		}
	}
	return true
}

// Claim atomically moves a ready node from QUEUED to CODING.
//
// Description:
//
//	The check-and-set happens under the write lock, so two dispatchers
//	calling Claim for the same id see exactly one success.
//
// Outputs:
//   - error: ErrNodeNotFound, or ErrInvalidStatus when the node is not
//     queued or its dependencies are not all committed.
func (g *Graph) Claim(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Status != StatusQueued {
		return fmt.Errorf("%w: %s is %s, not %s", ErrInvalidStatus, id, n.Status, StatusQueued)
	}
	if !g.depsCommittedLocked(n) {
		return fmt.Errorf("%w: %s has uncommitted dependencies", ErrInvalidStatus, id)
	}
	n.Status = StatusCoding
	return nil
}

// nodeTransitions is the allowed per-node status machine.
var nodeTransitions = map[NodeStatus]map[NodeStatus]bool{
	StatusQueued:     {StatusCoding: true, StatusFailed: true},
	StatusCoding:     {StatusVerifying: true, StatusQueued: true, StatusEscalated: true, StatusFailed: true},
	StatusVerifying:  {StatusCoding: true, StatusCommitting: true, StatusQueued: true, StatusEscalated: true, StatusFailed: true},
	StatusCommitting: {StatusCommitted: true, StatusQueued: true, StatusFailed: true},
	StatusEscalated:  {StatusQueued: true},
}

// SetStatus transitions a node to the given status, enforcing the node
// status machine. COMMITTED and FAILED are terminal; ESCALATED can only
// return to QUEUED (operator resume).
func (g *Graph) SetStatus(id string, status NodeStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Status == status {
		return nil
	}
	if !nodeTransitions[n.Status][status] {
		return fmt.Errorf("%w: %s -> %s for node %s", ErrInvalidStatus, n.Status, status, id)
	}
	n.Status = status
	return nil
}

// RequeueInFlight returns every in-flight node to QUEUED. Used on abort
// and on resume so interrupted work is re-dispatched rather than lost.
// Returns the ids that were requeued.
func (g *Graph) RequeueInFlight() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var requeued []string
	for _, n := range g.nodes {
		if n.Status.InFlight() {
			n.Status = StatusQueued
			requeued = append(requeued, n.ID)
		}
	}
	sort.Strings(requeued)
	return requeued
}

// Complete reports whether every node is in a terminal state.
func (g *Graph) Complete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, n := range g.nodes {
		if !n.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// CountByStatus returns the number of nodes in each status.
func (g *Graph) CountByStatus() map[NodeStatus]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	counts := make(map[NodeStatus]int)
	for _, n := range g.nodes {
		counts[n.Status]++
	}
	return counts
}

// =============================================================================
// Validation and metrics
// =============================================================================

// Validate checks cross-node invariants that AddNode cannot see in
// isolation: any two nodes targeting the same file must be ordered by a
// dependency path in one direction or the other.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := g.nodes[ids[i]], g.nodes[ids[j]]
			file := sharedTarget(a, b)
			if file == "" {
				continue
			}
			if !g.reachesLocked(a.ID, b.ID) && !g.reachesLocked(b.ID, a.ID) {
				return fmt.Errorf("%w: %s and %s both target %s", ErrConflictingTargets, a.ID, b.ID, file)
			}
		}
	}
	return nil
}

func sharedTarget(a, b *Node) string {
	set := a.TargetSet()
	for _, f := range b.TargetFiles {
		if set[f] {
			return f
		}
	}
	return ""
}

// Metrics computes the complexity metrics of the current graph.
//
// Depth is the number of nodes on the longest dependency chain. Width
// is the largest number of nodes sharing a depth level, which bounds
// how many nodes can ever be dispatched together.
func (g *Graph) Metrics() Metrics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	depth := make(map[string]int, len(g.nodes))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		n := g.nodes[id]
		max := 0
		for _, dep := range n.Dependencies {
			if d := depthOf(dep); d > max {
				max = d
			}
		}
		depth[id] = max + 1
		return max + 1
	}

	m := Metrics{NodeCount: len(g.nodes)}
	levels := make(map[int]int)
	for id := range g.nodes {
		d := depthOf(id)
		levels[d]++
		if d > m.MaxDepth {
			m.MaxDepth = d
		}
	}
	for _, w := range levels {
		if w > m.MaxWidth {
			m.MaxWidth = w
		}
	}
	return m
}

// =============================================================================
// Serialization
// =============================================================================

// snapshot is the wire form of a graph for the ledger and resume path.
type snapshot struct {
	Nodes []Node `json:"nodes"`
}

// MarshalJSON serializes the graph as a stable, id-ordered node list.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshot{Nodes: g.Nodes()})
}

// UnmarshalJSON rebuilds a graph from its serialized node list. Node
// order in the payload does not matter; dependencies are re-linked
// after all nodes are loaded.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*Node, len(snap.Nodes))
	g.dependents = make(map[string]map[string]bool)

	for i := range snap.Nodes {
		n := snap.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidPlan)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		if n.Status == "" {
			n.Status = StatusQueued
		}
		g.nodes[n.ID] = &n
	}
	for id, n := range g.nodes {
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return fmt.Errorf("%w: dependency %s of %s", ErrNodeNotFound, dep, id)
			}
			g.addDependentLocked(dep, id)
		}
	}
	for id := range g.nodes {
		if g.reachesViaDepsLocked(id) {
			return fmt.Errorf("%w: involving %s", ErrCycle, id)
		}
	}
	return nil
}

// reachesViaDepsLocked reports whether id is on a dependency cycle.
func (g *Graph) reachesViaDepsLocked(id string) bool {
	seen := map[string]bool{}
	stack := []string{}
	for _, dep := range g.nodes[id].Dependencies {
		stack = append(stack, dep)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == id {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, dep := range g.nodes[cur].Dependencies {
			stack = append(stack, dep)
		}
	}
	return false
}
