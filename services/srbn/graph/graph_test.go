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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(id string, deps ...string) *Node {
	return &Node{
		ID:           id,
		Goal:         "goal for " + id,
		Kind:         KindModify,
		TargetFiles:  []string{id + ".go"},
		Dependencies: deps,
		Contract:     NewContract(),
	}
}

func TestAddNode_Duplicate(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(newTestNode("a")))

	err := g.AddNode(newTestNode("a"))
	assert.ErrorIs(t, err, ErrDuplicateNode)
	assert.Equal(t, 1, g.Len())
}

func TestAddNode_UnknownDependency(t *testing.T) {
	g := New()
	err := g.AddNode(newTestNode("a", "missing"))
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Equal(t, 0, g.Len())
}

func TestAddDependency_CycleRejected(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(newTestNode("a")))
	require.NoError(t, g.AddNode(newTestNode("b", "a")))
	require.NoError(t, g.AddNode(newTestNode("c", "b")))

	err := g.AddDependency("a", "c")
	require.ErrorIs(t, err, ErrCycle)

	// Graph unchanged: a still has no dependencies.
	a, err := g.Node("a")
	require.NoError(t, err)
	assert.Empty(t, a.Dependencies)
}

func TestAddDependency_SelfCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(newTestNode("a")))
	assert.ErrorIs(t, g.AddDependency("a", "a"), ErrCycle)
}

func TestReadyNodes_ExcludesInFlightAndBlocked(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(newTestNode("a")))
	require.NoError(t, g.AddNode(newTestNode("b")))
	require.NoError(t, g.AddNode(newTestNode("c", "a")))

	ready := g.ReadyNodes()
	require.Len(t, ready, 2)
	assert.Equal(t, "a", ready[0].ID)
	assert.Equal(t, "b", ready[1].ID)

	// Claim a: it leaves the ready set but c stays blocked.
	require.NoError(t, g.Claim("a"))
	ready = g.ReadyNodes()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)

	// Commit a: c becomes ready.
	require.NoError(t, g.SetStatus("a", StatusVerifying))
	require.NoError(t, g.SetStatus("a", StatusCommitting))
	require.NoError(t, g.SetStatus("a", StatusCommitted))
	ready = g.ReadyNodes()
	require.Len(t, ready, 2)
	assert.Equal(t, "b", ready[0].ID)
	assert.Equal(t, "c", ready[1].ID)
}

func TestClaim_SingleWinner(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(newTestNode("a")))

	const claimers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Claim("a") == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSetStatus_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []NodeStatus
		wantErr bool
	}{
		{
			name: "happy path to committed",
			path: []NodeStatus{StatusCoding, StatusVerifying, StatusCommitting, StatusCommitted},
		},
		{
			name: "retry loop",
			path: []NodeStatus{StatusCoding, StatusVerifying, StatusCoding, StatusVerifying, StatusEscalated},
		},
		{
			name: "escalated resumes to queued",
			path: []NodeStatus{StatusCoding, StatusVerifying, StatusEscalated, StatusQueued},
		},
		{
			name:    "queued cannot commit directly",
			path:    []NodeStatus{StatusCommitted},
			wantErr: true,
		},
		{
			name:    "committed is terminal",
			path:    []NodeStatus{StatusCoding, StatusVerifying, StatusCommitting, StatusCommitted, StatusQueued},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			require.NoError(t, g.AddNode(newTestNode("a")))

			var err error
			for _, s := range tt.path {
				err = g.SetStatus("a", s)
				if err != nil {
					break
				}
			}
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStatus)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequeueInFlight(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(newTestNode("a")))
	require.NoError(t, g.AddNode(newTestNode("b")))
	require.NoError(t, g.Claim("a"))
	require.NoError(t, g.Claim("b"))
	require.NoError(t, g.SetStatus("b", StatusVerifying))

	requeued := g.RequeueInFlight()
	assert.Equal(t, []string{"a", "b"}, requeued)
	for _, n := range g.Nodes() {
		assert.Equal(t, StatusQueued, n.Status)
	}
}

func TestValidate_ConflictingTargets(t *testing.T) {
	g := New()
	a := newTestNode("a")
	a.TargetFiles = []string{"shared.go"}
	b := newTestNode("b")
	b.TargetFiles = []string{"shared.go"}
	require.NoError(t, g.AddNode(a))
	require.NoError(t, g.AddNode(b))

	err := g.Validate()
	require.ErrorIs(t, err, ErrConflictingTargets)

	// An ordering edge resolves the conflict.
	require.NoError(t, g.AddDependency("b", "a"))
	assert.NoError(t, g.Validate())
}

func TestMetrics(t *testing.T) {
	g := New()
	// Diamond: a -> (b, c) -> d
	require.NoError(t, g.AddNode(newTestNode("a")))
	require.NoError(t, g.AddNode(newTestNode("b", "a")))
	require.NoError(t, g.AddNode(newTestNode("c", "a")))
	require.NoError(t, g.AddNode(newTestNode("d", "b", "c")))

	m := g.Metrics()
	assert.Equal(t, 4, m.NodeCount)
	assert.Equal(t, 3, m.MaxDepth)
	assert.Equal(t, 2, m.MaxWidth)

	assert.True(t, m.ExceedsThreshold(2))
	assert.False(t, m.ExceedsThreshold(3))
	assert.False(t, m.ExceedsThreshold(0))
}

func TestGraph_JSONRoundTrip(t *testing.T) {
	g := New()
	require.NoError(t, g.AddNode(newTestNode("a")))
	require.NoError(t, g.AddNode(newTestNode("b", "a")))
	require.NoError(t, g.Claim("a"))
	require.NoError(t, g.SetStatus("a", StatusVerifying))

	data, err := json.Marshal(g)
	require.NoError(t, err)

	restored := New()
	require.NoError(t, json.Unmarshal(data, restored))
	assert.Equal(t, 2, restored.Len())

	a, err := restored.Node("a")
	require.NoError(t, err)
	assert.Equal(t, StatusVerifying, a.Status)

	b, err := restored.Node("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, b.Dependencies)
}

func TestGraph_UnmarshalRejectsCycle(t *testing.T) {
	payload := `{"nodes":[
		{"id":"a","goal":"g","target_files":["a.go"],"dependencies":["b"]},
		{"id":"b","goal":"g","target_files":["b.go"],"dependencies":["a"]}
	]}`
	g := New()
	err := json.Unmarshal([]byte(payload), g)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestCriticalityWeights(t *testing.T) {
	assert.Equal(t, 10.0, CriticalityCritical.Weight())
	assert.Equal(t, 3.0, CriticalityHigh.Weight())
	assert.Equal(t, 1.0, CriticalityLow.Weight())
	assert.Equal(t, 3.0, Criticality("").Weight())
}

func TestContract_TestWeight(t *testing.T) {
	c := BehavioralContract{
		WeightedTests: []WeightedTest{
			{TestName: "TestAuth", Criticality: CriticalityCritical},
			{TestName: "TestFormat", Criticality: CriticalityLow},
		},
	}

	assert.Equal(t, 10.0, c.TestWeight("TestAuthLogin"))
	assert.Equal(t, 1.0, c.TestWeight("TestFormat"))
	// Unmatched failures default to High.
	assert.Equal(t, 3.0, c.TestWeight("TestSomethingElse"))
}
