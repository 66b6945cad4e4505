// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/graph"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/ledger"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/llm"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/lsp"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/policy"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/stability"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/testrun"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/tools"
)

// nodeRun is the mutable state of one node's generate/verify loop.
type nodeRun struct {
	node    graph.Node
	monitor *stability.Monitor
	// attempts counts consumed retries per error class; the policy
	// ceilings apply per class, not to the sum.
	attempts map[policy.ErrorClass]int
	history  []policy.AttemptRecord
	lastDiff string
	started  time.Time
}

func (r *nodeRun) recordAttempt(class policy.ErrorClass, energy float64, detail string) {
	r.attempts[class]++
	r.history = append(r.history, policy.AttemptRecord{
		Class:     class,
		Energy:    energy,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

// runNode drives one node from claim to commit, escalation, or a
// session-level stop. A nil return means the node resolved (committed
// or escalated); a *sessionStop or context error halts the whole
// session.
func (o *Orchestrator) runNode(ctx context.Context, sess *Session, nodeID string) error {
	if err := sess.Graph.Claim(nodeID); err != nil {
		// Another dispatch cycle already claimed it.
		return nil
	}
	node, err := sess.Graph.Node(nodeID)
	if err != nil {
		return err
	}

	run := &nodeRun{
		node:     node,
		monitor:  stability.NewMonitor(o.cfg.Epsilon),
		attempts: make(map[policy.ErrorClass]int),
		started:  time.Now(),
	}
	logger := o.logger.With(slog.String("node_id", nodeID))
	logger.Info("node claimed", slog.String("goal", node.Goal))

	var corr *correction
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		diff, patch, retry, err := o.generate(ctx, sess, run, corr, logger)
		if err != nil {
			return err
		}
		if retry != nil {
			corr = retry
			continue
		}
		run.lastDiff = diff

		if err := sess.Graph.SetStatus(nodeID, graph.StatusVerifying); err != nil {
			return err
		}

		diags, report, structural, stop := o.verify(ctx, sess, run, patch)
		if stop != nil {
			return stop
		}

		eval := stability.Evaluate(diags, report, structural, node.Contract, o.cfg.Epsilon)
		run.monitor.Record(eval.Energy)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.EnergyEvaluationsTotal.Add(ctx, 1)
		}
		logger.Info("verification pass",
			slog.Int("attempt", run.monitor.Attempts()),
			slog.Float64("energy", eval.Energy),
			slog.Bool("stable", eval.Stable),
		)

		if eval.Stable {
			corr, err = o.stabilized(ctx, sess, run, diff, patch, eval, logger)
			if err != nil || corr == nil {
				return err
			}
			// Review sent the node back for changes.
			if err := sess.Graph.SetStatus(nodeID, graph.StatusCoding); err != nil {
				return err
			}
			continue
		}

		// Every verification failure consumes the compilation-class
		// ceiling; tool and review failures are charged elsewhere.
		class := policy.ClassCompilation
		decision := o.cfg.Policy.Decide(class, run.attempts[class])
		run.recordAttempt(class, eval.Energy, eval.String())

		switch decision.Action {
		case policy.ActionRetry:
			if o.cfg.Metrics != nil {
				o.cfg.Metrics.NodeRetriesTotal.Add(ctx, 1)
			}
			logger.Info("retrying node", slog.String("reason", decision.Reason))
			if err := sess.Graph.SetStatus(nodeID, graph.StatusCoding); err != nil {
				return err
			}
			corr = &correction{
				Attempt:     run.monitor.Attempts(),
				Diagnostics: diags,
				Failures:    report.Failed,
				PatternHits: structural.PatternHits,
				Energy:      eval.Energy,
				Directions:  fixDirections(eval, diags, report, structural),
			}

		default:
			return o.escalate(sess, run, class, diags, report, logger)
		}
	}
}

// generate asks the actuator for a diff and applies it. Returns a
// correction when the attempt should be retried in place (unusable or
// unappliable diff), or an error that stops the session.
func (o *Orchestrator) generate(ctx context.Context, sess *Session, run *nodeRun, corr *correction, logger *slog.Logger) (string, tools.PatchResult, *correction, error) {
	prompt := buildNodePrompt(run.node, o.readContext(run.node), corr)
	resp, err := o.cfg.Provider.Complete(ctx, llm.TierActuator, llm.Request{
		System: actuatorSystem,
		Prompt: prompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", tools.PatchResult{}, nil, ctx.Err()
		}
		// The model backend is an environmental dependency; its loss
		// is a hazard, not a node failure.
		_ = sess.Graph.SetStatus(run.node.ID, graph.StatusQueued)
		return "", tools.PatchResult{}, nil, &sessionStop{
			state:        StatePaused,
			ledgerStatus: ledger.SessionActive,
			reason:       "model backend unavailable",
			cause:        err,
		}
	}
	o.recordUsage(sess, resp.Usage)

	diff, err := extractDiff(resp.Content)
	if err == nil {
		var patch tools.PatchResult
		patch, err = o.cfg.Toolbox.ApplyPatch(diff)
		if err == nil {
			return diff, patch, nil, nil
		}
	}

	class := policy.ClassToolFailure
	decision := o.cfg.Policy.Decide(class, run.attempts[class])
	run.recordAttempt(class, 0, err.Error())
	if decision.Action != policy.ActionRetry {
		return "", tools.PatchResult{}, nil, o.escalate(sess, run, class, nil, testrun.Report{}, logger)
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.NodeRetriesTotal.Add(ctx, 1)
	}
	logger.Warn("diff unusable, retrying", slog.String("error", err.Error()))
	return "", tools.PatchResult{}, &correction{
		Attempt: len(run.history),
		Note:    "your previous response could not be applied: " + err.Error(),
	}, nil
}

// verify pushes changed files to the diagnostic backend, runs the test
// suite, and scans structure. A dead backend or broken runner is a
// hazard that stops the session.
func (o *Orchestrator) verify(ctx context.Context, sess *Session, run *nodeRun, patch tools.PatchResult) ([]lsp.DiagnosticSet, testrun.Report, stability.StructuralReport, error) {
	var diags []lsp.DiagnosticSet
	changed := make(map[string]string)
	for path, content := range patch.Files {
		if content == nil {
			if o.cfg.Diagnostics != nil {
				_ = o.cfg.Diagnostics.Close(path)
			}
			continue
		}
		changed[path] = string(content)
	}

	if o.cfg.Diagnostics != nil {
		for path, content := range changed {
			if err := o.cfg.Diagnostics.Change(path, content); err != nil {
				return nil, testrun.Report{}, stability.StructuralReport{}, o.hazard(sess, run, policy.ClassBackendUnavailable, err)
			}
		}
		for path := range changed {
			set, err := o.cfg.Diagnostics.DiagnosticsFor(ctx, path)
			if err != nil {
				if ctx.Err() != nil {
					return nil, testrun.Report{}, stability.StructuralReport{}, ctx.Err()
				}
				return nil, testrun.Report{}, stability.StructuralReport{}, o.hazard(sess, run, policy.ClassBackendUnavailable, err)
			}
			diags = append(diags, set)
		}
	}

	var report testrun.Report
	if o.cfg.Tests != nil {
		var err error
		report, err = o.cfg.Tests.Run(ctx, o.cfg.Toolbox.WorkDir())
		if err != nil {
			if ctx.Err() != nil {
				return nil, testrun.Report{}, stability.StructuralReport{}, ctx.Err()
			}
			return nil, testrun.Report{}, stability.StructuralReport{}, o.hazard(sess, run, policy.ClassConfiguration, err)
		}
	}

	scanner := stability.NewScanner(o.cfg.Language)
	structural, err := scanner.Scan(ctx, changed, run.node.Contract.ForbiddenPatterns)
	if err != nil {
		if ctx.Err() != nil {
			return nil, testrun.Report{}, stability.StructuralReport{}, ctx.Err()
		}
		// A scanner fault degrades to a zero structural term.
		structural = stability.StructuralReport{}
	}

	return diags, report, structural, nil
}

// stabilized handles the review gate and commit for a stable node.
// Returns a non-nil correction when the reviewer requested changes and
// the node should loop back to coding.
func (o *Orchestrator) stabilized(ctx context.Context, sess *Session, run *nodeRun, diff string, patch tools.PatchResult, eval stability.Evaluation, logger *slog.Logger) (*correction, error) {
	metrics := sess.Graph.Metrics()
	gated := !o.cfg.AutoApprove &&
		o.cfg.ComplexityThreshold > 0 &&
		metrics.ExceedsThreshold(o.cfg.ComplexityThreshold)

	if gated {
		_ = sess.Transition(StateAwaitingReview, "complexity gate triggered")
		decision, err := o.cfg.Reviewer.Review(ctx, ReviewRequest{
			SessionID: sess.ID,
			NodeID:    run.node.ID,
			Goal:      run.node.Goal,
			Diff:      diff,
			Energy:    eval.Energy,
			Metrics:   metrics,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, o.hazard(sess, run, policy.ClassConfiguration, err)
		}

		if decision.Verdict != VerdictApprove {
			class := policy.ClassReviewRejection
			pd := o.cfg.Policy.Decide(class, run.attempts[class])
			run.recordAttempt(class, eval.Energy, decision.Comments)
			_ = sess.Transition(StateExecuting, "review "+decision.Verdict.String())

			if pd.Action != policy.ActionRetry {
				return nil, o.escalate(sess, run, class, nil, testrun.Report{}, logger)
			}
			if o.cfg.Metrics != nil {
				o.cfg.Metrics.NodeRetriesTotal.Add(ctx, 1)
			}
			logger.Info("review declined, reworking",
				slog.String("verdict", decision.Verdict.String()),
			)
			return &correction{
				Attempt: run.monitor.Attempts(),
				Energy:  eval.Energy,
				Note:    "a reviewer declined this diff: " + decision.Comments,
			}, nil
		}
		_ = sess.Transition(StateCommitting, "review approved")
	} else {
		_ = sess.Transition(StateCommitting, "stable, auto-approved")
	}

	files := make(map[string][]byte, len(patch.Files))
	for path, content := range patch.Files {
		if content != nil {
			files[path] = content
		}
	}
	commit, err := o.cfg.Ledger.Commit(sess.ID, run.node.ID, diff, files, eval.Energy)
	if err != nil {
		return nil, err
	}

	if err := sess.Graph.SetStatus(run.node.ID, graph.StatusCommitting); err != nil {
		return nil, err
	}
	if err := sess.Graph.SetStatus(run.node.ID, graph.StatusCommitted); err != nil {
		return nil, err
	}
	_ = sess.Transition(StateExecuting, "commit landed")

	o.mu.Lock()
	o.committed++
	o.mu.Unlock()

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.NodesCommittedTotal.Add(ctx, 1)
		o.cfg.Metrics.LedgerCommitsTotal.Add(ctx, 1)
		o.cfg.Metrics.NodeConvergenceDuration.Record(ctx, time.Since(run.started).Seconds())
	}
	logger.Info("node committed",
		slog.Uint64("seq", commit.Seq),
		slog.String("hash", commit.ContentHash[:12]),
		slog.Float64("energy", eval.Energy),
		slog.Duration("took", time.Since(run.started)),
	)
	return nil, nil
}

// escalate marks the node escalated and records the event. The session
// stops: an escalated node needs an operator before dependents can make
// meaningful progress.
func (o *Orchestrator) escalate(sess *Session, run *nodeRun, class policy.ErrorClass, diags []lsp.DiagnosticSet, report testrun.Report, logger *slog.Logger) error {
	_ = sess.Graph.SetStatus(run.node.ID, graph.StatusEscalated)

	event := policy.EscalationEvent{
		SessionID:    sess.ID,
		NodeID:       run.node.ID,
		Class:        class,
		Attempts:     run.history,
		FailingTests: report.FailedNames(),
		LastDiff:     run.lastDiff,
		Timestamp:    time.Now().UTC(),
	}
	for _, set := range diags {
		for _, d := range set.Diagnostics {
			event.LastDiagnostics = append(event.LastDiagnostics, set.URI+": "+d.Describe())
		}
	}

	o.mu.Lock()
	o.escalations = append(o.escalations, event)
	o.mu.Unlock()

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.NodeEscalationsTotal.Add(context.Background(), 1)
	}
	logger.Warn("node escalated", slog.String("summary", event.Summary()))

	return &sessionStop{
		state:        StateEscalated,
		ledgerStatus: ledger.SessionEscalated,
		reason:       event.Summary(),
	}
}

// hazard requeues the node and stops the session in the Paused state
// without consuming a retry.
func (o *Orchestrator) hazard(sess *Session, run *nodeRun, class policy.ErrorClass, cause error) error {
	_ = sess.Graph.SetStatus(run.node.ID, graph.StatusQueued)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.HazardPausesTotal.Add(context.Background(), 1)
	}
	o.logger.Warn("hazard pause",
		slog.String("node_id", run.node.ID),
		slog.String("class", string(class)),
		slog.String("error", cause.Error()),
	)
	return &sessionStop{
		state:        StatePaused,
		ledgerStatus: ledger.SessionActive,
		reason:       string(class),
		cause:        cause,
	}
}

// readContext loads the node's context and target files for the
// prompt. Missing files are simply omitted; a create node's targets
// do not exist yet.
func (o *Orchestrator) readContext(node graph.Node) map[string]string {
	out := make(map[string]string)
	seen := make(map[string]bool)
	for _, path := range append(append([]string{}, node.ContextFiles...), node.TargetFiles...) {
		if seen[path] {
			continue
		}
		seen[path] = true
		data, err := o.cfg.Toolbox.ReadFile(path)
		if err != nil {
			continue
		}
		out[path] = string(data)
	}
	return out
}
