// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stability computes the convergence energy for a node attempt.
//
// The energy is a weighted sum of three observable signals:
//
//	V(x) = alpha*V_syn + beta*V_str + gamma*V_log
//
// V_syn comes from compiler diagnostics, V_str from the structural
// scanner, V_log from weighted test failures. A node is stable when its
// energy drops to epsilon or below. Evaluation is pure: the monitor
// only accumulates history, it never triggers actions itself.
package stability

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/graph"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/lsp"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/testrun"
)

// DefaultEpsilon is the stability threshold.
const DefaultEpsilon = 0.1

// Severity weights for the syntactic term.
const (
	errorWeight   = 1.0
	warningWeight = 0.1
	hintWeight    = 0.01
)

// Evaluation is the energy breakdown for one attempt.
type Evaluation struct {
	VSyn   float64 `json:"v_syn"`
	VStr   float64 `json:"v_str"`
	VLog   float64 `json:"v_log"`
	Energy float64 `json:"energy"`
	Stable bool    `json:"stable"`
}

// String renders the breakdown for logs and prompts.
func (e Evaluation) String() string {
	return fmt.Sprintf("V=%.3f (syn=%.3f str=%.3f log=%.3f stable=%t)",
		e.Energy, e.VSyn, e.VStr, e.VLog, e.Stable)
}

// Evaluate computes the energy of one attempt.
//
// Description:
//
//	Pure function of the attempt's observables. Diagnostics contribute
//	errors at 1.0, warnings at 0.1, hints and infos at 0.01. Each
//	failing test contributes its contract criticality weight; failures
//	the contract does not rank count as High. The structural report
//	contributes its raw value. Weights and epsilon come from the
//	contract, falling back to the defaults when unset.
func Evaluate(diags []lsp.DiagnosticSet, report testrun.Report, structural StructuralReport, contract graph.BehavioralContract, epsilon float64) Evaluation {
	weights := contract.Weights
	if weights == (graph.EnergyWeights{}) {
		weights = graph.DefaultEnergyWeights()
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}

	var eval Evaluation
	for _, set := range diags {
		errs, warns, hints := set.Counts()
		eval.VSyn += float64(errs)*errorWeight + float64(warns)*warningWeight + float64(hints)*hintWeight
	}

	eval.VStr = structural.Value()

	for _, f := range report.Failed {
		eval.VLog += contract.TestWeight(f.Name)
	}

	eval.Energy = weights.Alpha*eval.VSyn + weights.Beta*eval.VStr + weights.Gamma*eval.VLog
	// Energy exactly at the threshold counts as stable.
	eval.Stable = eval.Energy <= epsilon
	return eval
}

// Monitor tracks the energy trajectory of one node across attempts.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	epsilon  float64
	history  []float64
	attempts int
}

// NewMonitor creates a monitor with the given threshold (<=0 uses the
// default).
func NewMonitor(epsilon float64) *Monitor {
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Monitor{epsilon: epsilon}
}

// Record appends an attempt's energy to the trajectory.
func (m *Monitor) Record(energy float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, energy)
	m.attempts++
}

// Attempts returns how many evaluations were recorded.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// CurrentEnergy returns the latest recorded energy, or +Inf-like
// sentinel when nothing was recorded yet.
func (m *Monitor) CurrentEnergy() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return 0, false
	}
	return m.history[len(m.history)-1], true
}

// Stable reports whether the latest energy is at or below epsilon.
func (m *Monitor) Stable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return false
	}
	return m.history[len(m.history)-1] <= m.epsilon
}

// IsConverging reports whether energy strictly decreased over the last
// few attempts. One data point is trivially converging.
func (m *Monitor) IsConverging() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) < 2 {
		return true
	}
	last := m.history[len(m.history)-1]
	prev := m.history[len(m.history)-2]
	return last < prev
}

// History returns a copy of the energy trajectory.
func (m *Monitor) History() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(m.history))
	copy(out, m.history)
	return out
}
