// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator is the top-level control loop: it asks the
// architect tier for a task graph, drives each ready node through the
// generate/verify/stabilize cycle, and commits stabilized diffs to the
// ledger in convergence order.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/graph"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/ledger"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/llm"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/lsp"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/policy"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/stability"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/telemetry"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/testrun"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/tools"
)

// DiagnosticClient is the slice of the language-server client the
// control loop needs. Satisfied by *lsp.Client.
type DiagnosticClient interface {
	Open(path, content string) error
	Change(path, content string) error
	Close(path string) error
	DiagnosticsFor(ctx context.Context, path string) (lsp.DiagnosticSet, error)
	Alive() bool
	Shutdown() error
}

// TestRunner executes the workspace test suite. Satisfied by
// *testrun.Runner.
type TestRunner interface {
	Run(ctx context.Context, dir string) (testrun.Report, error)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	// WorkDir is the workspace root.
	WorkDir string

	// Language selects the structural scanner ("go", "python").
	Language string

	// Provider serves all four model tiers. Required.
	Provider llm.Provider

	// Ledger is the durable change record. Required.
	Ledger *ledger.Ledger

	// Toolbox applies edits and reads context. Required.
	Toolbox *tools.Toolbox

	// Diagnostics is the language-server client. Nil disables the
	// syntactic energy term.
	Diagnostics DiagnosticClient

	// Tests runs the suite each verification pass. Nil disables the
	// logical energy term.
	Tests TestRunner

	// Policy decides retry versus escalate. Defaults to policy.Default().
	Policy *policy.Policy

	// Reviewer is consulted when the complexity gate triggers.
	// Defaults to AutoApprover.
	Reviewer Reviewer

	// Epsilon is the convergence threshold. Defaults to
	// stability.DefaultEpsilon.
	Epsilon float64

	// ComplexityThreshold is K: a graph whose depth or width exceeds
	// it routes every commit through review. Zero disables the gate.
	ComplexityThreshold int

	// AutoApprove bypasses the review gate entirely.
	AutoApprove bool

	// Parallelism caps concurrently executing nodes. Defaults to 2.
	Parallelism int

	// MaxPlanAttempts bounds architect replans. Defaults to 3.
	MaxPlanAttempts int

	// Budget caps token and cost spend. Nil means unlimited.
	Budget *llm.TokenBudget

	// Metrics receives counters and histograms. Nil disables.
	Metrics *telemetry.Metrics

	// Logger receives orchestrator events. Defaults to slog.Default().
	Logger *slog.Logger
}

// Result summarizes a finished (or paused) session.
type Result struct {
	SessionID   string
	State       SessionState
	Committed   int
	Escalations []policy.EscalationEvent
	TokensUsed  int
	CostUSD     float64
	Duration    time.Duration
}

// Orchestrator drives one session at a time through the control loop.
//
// Thread Safety: a single Orchestrator must not run two sessions
// concurrently; within a session, node executions run concurrently and
// all shared state is guarded.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	escalations []policy.EscalationEvent
	committed   int
}

// New validates the configuration and creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, errors.New("Provider is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("Ledger is required")
	}
	if cfg.Toolbox == nil {
		return nil, errors.New("Toolbox is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.Default()
	}
	if cfg.Reviewer == nil {
		cfg.Reviewer = AutoApprover{}
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = stability.DefaultEpsilon
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.MaxPlanAttempts <= 0 {
		cfg.MaxPlanAttempts = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: logger.With(slog.String("subsystem", "orchestrator")),
	}, nil
}

// Run executes a new session for the given goal.
//
// Description:
//
//	Starts a ledger session, plans the task graph via the architect
//	tier, then executes ready nodes until the graph completes, a node
//	escalates, the budget runs out, or the context is cancelled. The
//	session record and graph snapshot are persisted after every
//	change so the session can be resumed.
//
// Outputs:
//   - *Result: Always non-nil when error is nil; State tells the caller
//     how the session ended.
//   - error: Non-nil only for failures outside the session lifecycle
//     (storage errors, invalid configuration).
func (o *Orchestrator) Run(ctx context.Context, goal string) (*Result, error) {
	ls, err := o.cfg.Ledger.StartSession(goal)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}

	sess := NewSession(ls.ID, goal, o.cfg.Budget)
	o.logger.Info("session started", slog.String("session_id", sess.ID), slog.String("goal", goal))

	if err := sess.Transition(StateSheafifying, "goal received"); err != nil {
		return nil, err
	}

	g, err := o.plan(ctx, sess)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			_ = sess.Transition(StateAborted, "cancelled during planning")
			return o.finish(sess, ledger.SessionAborted), nil
		}
		_ = sess.Transition(StateEscalated, err.Error())
		return o.finish(sess, ledger.SessionEscalated), nil
	}
	sess.Graph = g

	if err := sess.Transition(StateExecuting, "task graph built"); err != nil {
		return nil, err
	}
	o.persistSession(sess)

	return o.execute(ctx, sess)
}

// Resume continues a previously persisted session.
//
// Description:
//
//	Reloads the session record and graph snapshot from the ledger,
//	requeues any node that was in flight when the session stopped,
//	and re-enters the execution loop. Committed nodes are not
//	replayed.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*Result, error) {
	ls, err := o.cfg.Ledger.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if ls.Status == ledger.SessionCompleted {
		return nil, fmt.Errorf("%w: session %s already completed", ErrSessionNotResumable, sessionID)
	}
	if len(ls.GraphJSON) == 0 {
		return nil, fmt.Errorf("%w: session %s has no graph snapshot", ErrSessionNotResumable, sessionID)
	}

	g := graph.New()
	if err := json.Unmarshal(ls.GraphJSON, g); err != nil {
		return nil, fmt.Errorf("decode graph snapshot: %w", err)
	}
	requeued := g.RequeueInFlight()

	// Resuming an escalated session implies the operator intervened;
	// give escalated nodes their retries back.
	for _, n := range g.Nodes() {
		if n.Status == graph.StatusEscalated {
			if err := g.SetStatus(n.ID, graph.StatusQueued); err == nil {
				requeued = append(requeued, n.ID)
			}
		}
	}

	sess := NewSession(ls.ID, ls.Goal, o.cfg.Budget)
	sess.Graph = g
	_ = sess.Transition(StateSheafifying, "resume")
	_ = sess.Transition(StateExecuting, "resume")

	o.logger.Info("session resumed",
		slog.String("session_id", sessionID),
		slog.Int("requeued", len(requeued)),
	)
	return o.execute(ctx, sess)
}

// plan asks the architect tier for a task graph, feeding validation
// errors back into the reprompt. Falls back to a single-node plan when
// every attempt fails to parse or validate.
func (o *Orchestrator) plan(ctx context.Context, sess *Session) (*graph.Graph, error) {
	files, err := o.cfg.Toolbox.ListFiles(".")
	if err != nil {
		files = nil
	}

	var feedback string
	for attempt := 1; attempt <= o.cfg.MaxPlanAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := o.cfg.Provider.Complete(ctx, llm.TierArchitect, llm.Request{
			System: architectSystem,
			Prompt: buildPlanPrompt(sess.Goal, files, feedback),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			feedback = fmt.Sprintf("model call failed: %v", err)
			continue
		}
		o.recordUsage(sess, resp.Usage)

		plan, err := graph.ParsePlan(resp.Content)
		if err != nil {
			feedback = err.Error()
			o.logger.Warn("plan rejected", slog.Int("attempt", attempt), slog.String("reason", feedback))
			continue
		}
		g, err := plan.BuildGraph()
		if err != nil {
			feedback = err.Error()
			o.logger.Warn("plan rejected", slog.Int("attempt", attempt), slog.String("reason", feedback))
			continue
		}

		m := g.Metrics()
		o.logger.Info("task graph built",
			slog.Int("nodes", m.NodeCount),
			slog.Int("max_depth", m.MaxDepth),
			slog.Int("max_width", m.MaxWidth),
		)
		return g, nil
	}

	o.logger.Warn("planning exhausted, using fallback plan", slog.String("reason", feedback))
	return graph.FallbackPlan(sess.Goal, nil).BuildGraph()
}

// execute drives the graph to completion, escalation, pause, or abort.
func (o *Orchestrator) execute(ctx context.Context, sess *Session) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return o.abort(sess), nil
		}
		if sess.Budget.Exhausted() {
			_ = sess.Transition(StatePaused, "token budget exhausted")
			return o.finish(sess, ledger.SessionActive), nil
		}
		if sess.Graph.Complete() {
			_ = sess.Transition(StateCompleted, "all nodes committed")
			return o.finish(sess, ledger.SessionCompleted), nil
		}

		ready := sess.Graph.ReadyNodes()
		if len(ready) == 0 {
			// Nothing ready and nothing in flight: remaining nodes are
			// blocked behind escalated or failed ancestors.
			_ = sess.Transition(StateEscalated, "no runnable nodes remain")
			return o.finish(sess, ledger.SessionEscalated), nil
		}

		grp, grpCtx := errgroup.WithContext(ctx)
		grp.SetLimit(o.cfg.Parallelism)
		for _, node := range ready {
			node := node
			grp.Go(func() error {
				return o.runNode(grpCtx, sess, node.ID)
			})
		}
		err := grp.Wait()
		o.persistSession(sess)

		if err != nil {
			var stop *sessionStop
			if errors.As(err, &stop) {
				// Siblings cancelled mid-flight go back to the queue;
				// escalated nodes keep their status.
				sess.Graph.RequeueInFlight()
				_ = sess.Transition(stop.state, stop.reason)
				return o.finish(sess, stop.ledgerStatus), nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return o.abort(sess), nil
			}
			return nil, err
		}
	}
}

// abort requeues in-flight nodes, discards unstabilized work, and
// shuts the diagnostic backend down.
func (o *Orchestrator) abort(sess *Session) *Result {
	requeued := sess.Graph.RequeueInFlight()
	if len(requeued) > 0 {
		o.logger.Info("requeued in-flight nodes", slog.Int("count", len(requeued)))
	}
	if o.cfg.Diagnostics != nil {
		_ = o.cfg.Diagnostics.Shutdown()
	}
	_ = sess.Transition(StateAborted, "context cancelled")
	return o.finish(sess, ledger.SessionAborted)
}

// finish persists the terminal session record and builds the result.
func (o *Orchestrator) finish(sess *Session, status ledger.SessionStatus) *Result {
	o.persistSessionStatus(sess, status)

	o.mu.Lock()
	defer o.mu.Unlock()
	tokens, cost := sess.Budget.Used()
	res := &Result{
		SessionID:   sess.ID,
		State:       sess.State(),
		Committed:   o.committed,
		Escalations: append([]policy.EscalationEvent(nil), o.escalations...),
		TokensUsed:  tokens,
		CostUSD:     cost,
		Duration:    time.Since(sess.StartedAt),
	}
	o.logger.Info("session finished",
		slog.String("session_id", sess.ID),
		slog.String("state", string(res.State)),
		slog.Int("committed", res.Committed),
		slog.Int("escalations", len(res.Escalations)),
		slog.Duration("duration", res.Duration),
	)
	return res
}

// persistSession saves the session record with a fresh graph snapshot.
func (o *Orchestrator) persistSession(sess *Session) {
	status := ledger.SessionActive
	switch sess.State() {
	case StateCompleted:
		status = ledger.SessionCompleted
	case StateEscalated:
		status = ledger.SessionEscalated
	case StateAborted:
		status = ledger.SessionAborted
	}
	o.persistSessionStatus(sess, status)
}

func (o *Orchestrator) persistSessionStatus(sess *Session, status ledger.SessionStatus) {
	ls, err := o.cfg.Ledger.GetSession(sess.ID)
	if err != nil {
		o.logger.Error("load session for save", slog.String("error", err.Error()))
		return
	}
	ls.Status = status
	if sess.Graph != nil {
		if snapshot, err := json.Marshal(sess.Graph); err == nil {
			ls.GraphJSON = snapshot
		}
		counts := sess.Graph.CountByStatus()
		ls.NodesTotal = sess.Graph.Len()
		ls.NodesCommitted = counts[graph.StatusCommitted]
	}
	if err := o.cfg.Ledger.SaveSession(ls); err != nil {
		o.logger.Error("save session", slog.String("error", err.Error()))
	}
}

// recordUsage charges model usage against the budget and metrics. The
// budget's exhaustion error is deliberately not returned here; the
// execution loop checks Exhausted() at its next safe pause point so an
// overrun never abandons a node mid-verification.
func (o *Orchestrator) recordUsage(sess *Session, usage llm.Usage) {
	_ = sess.Budget.Record(usage)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.LLMTokensTotal.Add(context.Background(), int64(usage.TotalTokens))
	}
}

// sessionStop is an internal signal that the whole session must stop:
// hazard pause, budget exhaustion, or an escalation that blocks the
// graph. Node-level retries never produce one.
type sessionStop struct {
	state        SessionState
	ledgerStatus ledger.SessionStatus
	reason       string
	cause        error
}

func (s *sessionStop) Error() string {
	return fmt.Sprintf("session stop: %s (%s)", s.state, s.reason)
}

func (s *sessionStop) Unwrap() error {
	return s.cause
}
