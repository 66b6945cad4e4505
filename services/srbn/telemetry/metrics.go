// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the SRBN agent.
//
// Description:
//
//	Provides counters and histograms covering the node lifecycle,
//	the energy loop, the ledger, and model usage. All metrics use
//	the "srbn_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Node Lifecycle Metrics ---

	// NodesCommittedTotal counts nodes that converged and were committed.
	NodesCommittedTotal metric.Int64Counter

	// NodeRetriesTotal counts retry attempts by error class.
	NodeRetriesTotal metric.Int64Counter

	// NodeEscalationsTotal counts nodes escalated to a human operator.
	NodeEscalationsTotal metric.Int64Counter

	// HazardPausesTotal counts session pauses caused by hazard errors.
	HazardPausesTotal metric.Int64Counter

	// NodeConvergenceDuration records the wall time from claim to
	// commit for one node, in seconds.
	NodeConvergenceDuration metric.Float64Histogram

	// --- Energy Metrics ---

	// EnergyEvaluationsTotal counts verification passes.
	EnergyEvaluationsTotal metric.Int64Counter

	// --- Ledger Metrics ---

	// LedgerCommitsTotal counts ledger commits.
	LedgerCommitsTotal metric.Int64Counter

	// LedgerRollbacksTotal counts ledger rollbacks.
	LedgerRollbacksTotal metric.Int64Counter

	// --- Model Metrics ---

	// LLMTokensTotal counts tokens consumed by model tier.
	LLMTokensTotal metric.Int64Counter

	// LLMRequestDuration records model call duration in seconds.
	LLMRequestDuration metric.Float64Histogram

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all instruments initialized.
//	error - Non-nil if metric registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- Node Lifecycle Metrics ---
	m.NodesCommittedTotal, err = meter.Int64Counter(
		"srbn_nodes_committed_total",
		metric.WithDescription("Nodes that converged and were committed"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create nodes_committed_total: %w", err)
	}

	m.NodeRetriesTotal, err = meter.Int64Counter(
		"srbn_node_retries_total",
		metric.WithDescription("Retry attempts by error class"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create node_retries_total: %w", err)
	}

	m.NodeEscalationsTotal, err = meter.Int64Counter(
		"srbn_node_escalations_total",
		metric.WithDescription("Nodes escalated to a human operator"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create node_escalations_total: %w", err)
	}

	m.HazardPausesTotal, err = meter.Int64Counter(
		"srbn_hazard_pauses_total",
		metric.WithDescription("Session pauses caused by hazard errors"),
		metric.WithUnit("{pause}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create hazard_pauses_total: %w", err)
	}

	m.NodeConvergenceDuration, err = meter.Float64Histogram(
		"srbn_node_convergence_duration_seconds",
		metric.WithDescription("Wall time from node claim to commit in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 120, 300, 600, 1200),
	)
	if err != nil {
		return nil, fmt.Errorf("create node_convergence_duration: %w", err)
	}

	// --- Energy Metrics ---
	m.EnergyEvaluationsTotal, err = meter.Int64Counter(
		"srbn_energy_evaluations_total",
		metric.WithDescription("Verification passes"),
		metric.WithUnit("{evaluation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create energy_evaluations_total: %w", err)
	}

	// --- Ledger Metrics ---
	m.LedgerCommitsTotal, err = meter.Int64Counter(
		"srbn_ledger_commits_total",
		metric.WithDescription("Ledger commits"),
		metric.WithUnit("{commit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ledger_commits_total: %w", err)
	}

	m.LedgerRollbacksTotal, err = meter.Int64Counter(
		"srbn_ledger_rollbacks_total",
		metric.WithDescription("Ledger rollbacks"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ledger_rollbacks_total: %w", err)
	}

	// --- Model Metrics ---
	m.LLMTokensTotal, err = meter.Int64Counter(
		"srbn_llm_tokens_total",
		metric.WithDescription("Tokens consumed by model tier"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_tokens_total: %w", err)
	}

	m.LLMRequestDuration, err = meter.Float64Histogram(
		"srbn_llm_request_duration_seconds",
		metric.WithDescription("Model call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm_request_duration: %w", err)
	}

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"srbn_errors_total",
		metric.WithDescription("Total errors by component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}
