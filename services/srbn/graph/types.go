// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph implements the task graph produced by the planning phase.
//
// A task graph is a set of nodes keyed by id with dependency edges stored
// as id sets, never pointers, so the graph is trivially serializable for
// the ledger and the resume path and cannot form reference cycles. The
// graph supplies the ready set (nodes whose dependencies have all been
// committed), complexity metrics for the approval gate, and atomic
// per-node status transitions.
//
// Thread Safety:
//
//	Graph is safe for concurrent use. Node values returned by accessors
//	are snapshots; status mutations go through Graph methods.
package graph

import (
	"strings"
	"time"
)

// NodeKind describes whether a node creates new files or modifies existing ones.
type NodeKind string

const (
	// KindCreate produces files that do not yet exist.
	KindCreate NodeKind = "create"

	// KindModify edits files that already exist in the workspace.
	KindModify NodeKind = "modify"
)

// NodeStatus is the execution status of a single node.
//
// Transitions are monotonic toward the terminal states: a node never
// re-enters StatusQueued after reaching StatusCommitted.
type NodeStatus string

const (
	// StatusQueued means the node is waiting for dispatch.
	StatusQueued NodeStatus = "QUEUED"

	// StatusCoding means a generation attempt is in flight.
	StatusCoding NodeStatus = "CODING"

	// StatusVerifying means diagnostics and tests are being evaluated.
	StatusVerifying NodeStatus = "VERIFYING"

	// StatusCommitting means the node stabilized and is being recorded.
	StatusCommitting NodeStatus = "COMMITTING"

	// StatusCommitted means the node's diff is in the ledger.
	StatusCommitted NodeStatus = "COMMITTED"

	// StatusEscalated means retries were exhausted and an operator
	// must decide. Terminal but resumable.
	StatusEscalated NodeStatus = "ESCALATED"

	// StatusFailed means the node failed unrecoverably.
	StatusFailed NodeStatus = "FAILED"
)

// String returns the string representation of the status.
func (s NodeStatus) String() string {
	return string(s)
}

// IsTerminal returns true for COMMITTED, ESCALATED, and FAILED.
func (s NodeStatus) IsTerminal() bool {
	return s == StatusCommitted || s == StatusEscalated || s == StatusFailed
}

// InFlight returns true while the node is dispatched and unresolved.
func (s NodeStatus) InFlight() bool {
	return s == StatusCoding || s == StatusVerifying || s == StatusCommitting
}

// Criticality ranks a weighted test by how much a failure destabilizes
// the node. The numeric weight only applies when the test fails.
type Criticality string

const (
	// CriticalityCritical carries the highest failure penalty.
	CriticalityCritical Criticality = "Critical"

	// CriticalityHigh is the default for unranked failures.
	CriticalityHigh Criticality = "High"

	// CriticalityLow carries the smallest failure penalty.
	CriticalityLow Criticality = "Low"
)

// Weight returns the energy multiplier for a failing test of this rank.
func (c Criticality) Weight() float64 {
	switch c {
	case CriticalityCritical:
		return 10.0
	case CriticalityLow:
		return 1.0
	default:
		return 3.0
	}
}

// WeightedTest names a test and the penalty rank applied when it fails.
type WeightedTest struct {
	// TestName is the test name or pattern to match against failures.
	TestName string `json:"test_name" yaml:"name"`

	// Criticality is the penalty rank. Defaults to High when empty.
	Criticality Criticality `json:"criticality" yaml:"criticality"`
}

// EnergyWeights are the (alpha, beta, gamma) coefficients for the
// syntactic, structural, and logic energy terms.
type EnergyWeights struct {
	Alpha float64 `json:"alpha" yaml:"alpha"`
	Beta  float64 `json:"beta" yaml:"beta"`
	Gamma float64 `json:"gamma" yaml:"gamma"`
}

// DefaultEnergyWeights returns the standard coefficients: logic failures
// weighted highest (2.0), structural signals lowest (0.5).
func DefaultEnergyWeights() EnergyWeights {
	return EnergyWeights{Alpha: 1.0, Beta: 0.5, Gamma: 2.0}
}

// BehavioralContract defines what "correct" means for a node beyond
// compiling cleanly.
type BehavioralContract struct {
	// InterfaceSignature is the required public API (hard constraint).
	InterfaceSignature string `json:"interface_signature,omitempty" yaml:"interface_signature"`

	// Invariants are semantic constraints the implementation must hold.
	Invariants []string `json:"invariants,omitempty" yaml:"invariants"`

	// ForbiddenPatterns are anti-patterns to reject in generated code.
	ForbiddenPatterns []string `json:"forbidden_patterns,omitempty" yaml:"forbidden_patterns"`

	// WeightedTests rank individual tests for the logic energy term.
	WeightedTests []WeightedTest `json:"weighted_tests,omitempty" yaml:"tests"`

	// Weights are the energy coefficients for this node.
	Weights EnergyWeights `json:"energy_weights" yaml:"energy_weights"`
}

// NewContract returns an empty contract with default energy weights.
func NewContract() BehavioralContract {
	return BehavioralContract{Weights: DefaultEnergyWeights()}
}

// TestWeight returns the failure weight for a test name, matching the
// contract's weighted tests by substring in either direction. Unmatched
// failures default to High.
func (c BehavioralContract) TestWeight(name string) float64 {
	for _, wt := range c.WeightedTests {
		if wt.TestName == "" {
			continue
		}
		if strings.Contains(name, wt.TestName) || strings.Contains(wt.TestName, name) {
			return wt.Criticality.Weight()
		}
	}
	return CriticalityHigh.Weight()
}

// Node is the fundamental unit of work in the task graph.
type Node struct {
	// ID uniquely identifies the node within the graph.
	ID string `json:"id"`

	// Goal is the high-level description handed to the generation model.
	Goal string `json:"goal"`

	// Kind says whether this node creates or modifies files.
	Kind NodeKind `json:"kind"`

	// ContextFiles are files the model must read for context.
	ContextFiles []string `json:"context_files,omitempty"`

	// TargetFiles are files the node is allowed to create or modify.
	TargetFiles []string `json:"target_files"`

	// Dependencies are node ids that must be committed first.
	Dependencies []string `json:"dependencies,omitempty"`

	// Contract defines correctness beyond clean diagnostics.
	Contract BehavioralContract `json:"contract"`

	// Status is the current execution status.
	Status NodeStatus `json:"status"`

	// CreatedAt is when the node was added to the graph.
	CreatedAt time.Time `json:"created_at"`
}

// TargetSet returns the node's target files as a set.
func (n *Node) TargetSet() map[string]bool {
	set := make(map[string]bool, len(n.TargetFiles))
	for _, f := range n.TargetFiles {
		set[f] = true
	}
	return set
}

// Metrics summarizes graph complexity for the approval gate.
type Metrics struct {
	// NodeCount is the total number of nodes.
	NodeCount int `json:"node_count"`

	// MaxDepth is the length of the longest dependency chain.
	MaxDepth int `json:"max_depth"`

	// MaxWidth is the largest number of nodes at a single depth level,
	// an upper bound on how many nodes can run concurrently.
	MaxWidth int `json:"max_width"`
}

// ExceedsThreshold reports whether either dimension is above k.
func (m Metrics) ExceedsThreshold(k int) bool {
	if k <= 0 {
		return false
	}
	return m.MaxDepth > k || m.MaxWidth > k
}
