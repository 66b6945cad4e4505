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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/ledger"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/llm"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/testrun"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedRunner pops reports in order; the last one repeats.
type scriptedRunner struct {
	mu      sync.Mutex
	reports []testrun.Report
	calls   int
}

func (r *scriptedRunner) Run(_ context.Context, _ string) (testrun.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.reports) == 0 {
		return testrun.Report{}, nil
	}
	report := r.reports[0]
	if len(r.reports) > 1 {
		r.reports = r.reports[1:]
	}
	return report, nil
}

// scriptedReviewer pops decisions in order; the last one repeats.
type scriptedReviewer struct {
	mu        sync.Mutex
	decisions []ReviewDecision
	requests  []ReviewRequest
}

func (r *scriptedReviewer) Review(_ context.Context, req ReviewRequest) (ReviewDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	if len(r.decisions) == 0 {
		return ReviewDecision{Verdict: VerdictApprove}, nil
	}
	d := r.decisions[0]
	if len(r.decisions) > 1 {
		r.decisions = r.decisions[1:]
	}
	return d, nil
}

func newTestOrchestrator(t *testing.T, provider llm.Provider, tweak func(*Config)) (*Orchestrator, *ledger.Ledger, string) {
	t.Helper()
	workDir := t.TempDir()

	led, err := ledger.Open(ledger.Config{
		Store:   ledger.InMemoryStoreConfig(),
		WorkDir: workDir,
		Logger:  discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })

	tb, err := tools.NewToolbox(tools.Config{WorkDir: workDir, Logger: discardLogger()})
	require.NoError(t, err)

	cfg := Config{
		WorkDir:     workDir,
		Language:    "go",
		Provider:    provider,
		Ledger:      led,
		Toolbox:     tb,
		AutoApprove: true,
		Parallelism: 1,
		Logger:      discardLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	o, err := New(cfg)
	require.NoError(t, err)
	return o, led, workDir
}

const twoTaskPlan = "```json\n" +
	`{"tasks": [` +
	`{"id":"task-0","goal":"create the calculator","kind":"create","target_files":["calc.go"]},` +
	`{"id":"task-1","goal":"create the util","kind":"create","target_files":["util.go"],"dependencies":["task-0"]}` +
	`]}` + "\n```"

const oneTaskPlan = "```json\n" +
	`{"tasks": [{"id":"task-0","goal":"create the calculator","kind":"create","target_files":["calc.go"]}]}` +
	"\n```"

const calcDiff = "```diff\n" +
	"--- /dev/null\n" +
	"+++ b/calc.go\n" +
	"@@ -0,0 +1,3 @@\n" +
	"+package calc\n" +
	"+\n" +
	"+func Add(a, b int) int { return a - b }\n" +
	"```"

const calcFixDiff = "```diff\n" +
	"--- a/calc.go\n" +
	"+++ b/calc.go\n" +
	"@@ -1,3 +1,3 @@\n" +
	" package calc\n" +
	" \n" +
	"-func Add(a, b int) int { return a - b }\n" +
	"+func Add(a, b int) int { return a + b }\n" +
	"```"

const utilDiff = "```diff\n" +
	"--- /dev/null\n" +
	"+++ b/util.go\n" +
	"@@ -0,0 +1,3 @@\n" +
	"+package calc\n" +
	"+\n" +
	"+func Double(n int) int { return n * 2 }\n" +
	"```"

func TestRun_CompletesTwoNodeGraph(t *testing.T) {
	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, twoTaskPlan).
		Enqueue(llm.TierActuator, calcDiff).
		Enqueue(llm.TierActuator, utilDiff)

	o, led, workDir := newTestOrchestrator(t, provider, nil)

	res, err := o.Run(context.Background(), "build a calculator")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, res.Committed)
	assert.Empty(t, res.Escalations)

	commits, err := led.Commits()
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, "task-0", commits[0].NodeID)
	assert.Equal(t, "task-1", commits[1].NodeID)
	require.NoError(t, led.VerifyChain())

	data, err := os.ReadFile(filepath.Join(workDir, "util.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Double")

	sess, err := led.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionCompleted, sess.Status)
	assert.Equal(t, 2, sess.NodesCommitted)
}

func TestRun_RetriesUntilTestsPass(t *testing.T) {
	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, oneTaskPlan).
		Enqueue(llm.TierActuator, calcDiff).
		Enqueue(llm.TierActuator, calcFixDiff)

	runner := &scriptedRunner{reports: []testrun.Report{
		{Failed: []testrun.Failure{{Name: "TestAdd", Detail: "got -1, want 3"}}},
		{Passed: []string{"TestAdd"}},
	}}

	o, _, workDir := newTestOrchestrator(t, provider, func(cfg *Config) {
		cfg.Tests = runner
	})

	res, err := o.Run(context.Background(), "build a calculator")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, 2, runner.calls)

	// The correction prompt on the second actuator call carries the
	// failing test.
	calls := provider.Calls()
	var actuatorPrompts []string
	for _, c := range calls {
		if c.Tier == llm.TierActuator {
			actuatorPrompts = append(actuatorPrompts, c.Prompt)
		}
	}
	require.Len(t, actuatorPrompts, 2)
	assert.Contains(t, actuatorPrompts[1], "TestAdd")

	data, err := os.ReadFile(filepath.Join(workDir, "calc.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "a + b")
}

func TestRun_EscalatesAfterRetryCeiling(t *testing.T) {
	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, oneTaskPlan).
		Enqueue(llm.TierActuator, calcDiff)

	runner := &scriptedRunner{reports: []testrun.Report{
		{Failed: []testrun.Failure{{Name: "TestAdd"}}},
	}}

	o, led, _ := newTestOrchestrator(t, provider, func(cfg *Config) {
		cfg.Tests = runner
	})

	res, err := o.Run(context.Background(), "build a calculator")
	require.NoError(t, err)

	assert.Equal(t, StateEscalated, res.State)
	assert.Equal(t, 0, res.Committed)
	require.Len(t, res.Escalations, 1)
	assert.Equal(t, "task-0", res.Escalations[0].NodeID)
	assert.Contains(t, res.Escalations[0].FailingTests, "TestAdd")

	// 1 initial attempt + 3 retries.
	assert.Equal(t, 4, runner.calls)

	sess, err := led.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionEscalated, sess.Status)
}

func TestRun_FallbackPlanAfterBadArchitect(t *testing.T) {
	mainDiff := "```diff\n" +
		"--- /dev/null\n" +
		"+++ b/main.go\n" +
		"@@ -0,0 +1,3 @@\n" +
		"+package main\n" +
		"+\n" +
		"+func main() {}\n" +
		"```"

	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, "I would rather describe the plan in prose.").
		Enqueue(llm.TierActuator, mainDiff)

	o, _, workDir := newTestOrchestrator(t, provider, nil)

	res, err := o.Run(context.Background(), "scaffold the project")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Committed)

	_, err = os.Stat(filepath.Join(workDir, "main.go"))
	assert.NoError(t, err)
}

func TestRun_ProviderFailurePausesSession(t *testing.T) {
	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, oneTaskPlan).
		EnqueueError(llm.TierActuator, llm.ErrProvider)

	o, led, _ := newTestOrchestrator(t, provider, nil)

	res, err := o.Run(context.Background(), "build a calculator")
	require.NoError(t, err)

	assert.Equal(t, StatePaused, res.State)
	assert.Equal(t, 0, res.Committed)

	sess, err := led.GetSession(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.SessionActive, sess.Status)
	assert.NotEmpty(t, sess.GraphJSON)
}

func TestResume_ContinuesPausedSession(t *testing.T) {
	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, oneTaskPlan).
		EnqueueError(llm.TierActuator, llm.ErrProvider)

	o, led, workDir := newTestOrchestrator(t, provider, nil)

	res, err := o.Run(context.Background(), "build a calculator")
	require.NoError(t, err)
	require.Equal(t, StatePaused, res.State)

	// A fresh orchestrator with a working provider picks the session up.
	provider2 := llm.NewMockProvider().Enqueue(llm.TierActuator, calcDiff)
	tb, err := tools.NewToolbox(tools.Config{WorkDir: workDir, Logger: discardLogger()})
	require.NoError(t, err)
	o2, err := New(Config{
		WorkDir:     workDir,
		Language:    "go",
		Provider:    provider2,
		Ledger:      led,
		Toolbox:     tb,
		AutoApprove: true,
		Logger:      discardLogger(),
	})
	require.NoError(t, err)

	res2, err := o2.Resume(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res2.State)
	assert.Equal(t, 1, res2.Committed)
}

func TestResume_RejectsCompletedSession(t *testing.T) {
	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, oneTaskPlan).
		Enqueue(llm.TierActuator, calcDiff)

	o, _, _ := newTestOrchestrator(t, provider, nil)

	res, err := o.Run(context.Background(), "build a calculator")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, res.State)

	_, err = o.Resume(context.Background(), res.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotResumable)
}

func TestRun_BudgetExhaustionPauses(t *testing.T) {
	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, oneTaskPlan).
		Enqueue(llm.TierActuator, calcDiff)

	o, _, _ := newTestOrchestrator(t, provider, func(cfg *Config) {
		cfg.Budget = llm.NewTokenBudget(1, 0)
	})

	res, err := o.Run(context.Background(), "build a calculator")
	require.NoError(t, err)

	assert.Equal(t, StatePaused, res.State)
	assert.Equal(t, 0, res.Committed)
	assert.Greater(t, res.TokensUsed, 1)
}

func TestRun_ComplexityGateRoutesThroughReview(t *testing.T) {
	reviewer := &scriptedReviewer{decisions: []ReviewDecision{
		{Verdict: VerdictRequestChanges, Comments: "use clearer names"},
		{Verdict: VerdictApprove},
	}}

	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, twoTaskPlan).
		Enqueue(llm.TierActuator, calcDiff).
		Enqueue(llm.TierActuator, calcDiff).
		Enqueue(llm.TierActuator, utilDiff)

	o, _, _ := newTestOrchestrator(t, provider, func(cfg *Config) {
		cfg.AutoApprove = false
		cfg.Reviewer = reviewer
		cfg.ComplexityThreshold = 1 // two-node chain has depth 2
	})

	res, err := o.Run(context.Background(), "build a calculator")
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 2, res.Committed)
	// task-0 reviewed twice (changes requested, then approved),
	// task-1 once.
	assert.GreaterOrEqual(t, len(reviewer.requests), 3)

	// The rework prompt carries the reviewer's comments.
	var sawComments bool
	for _, c := range provider.Calls() {
		if c.Tier == llm.TierActuator && strings.Contains(c.Prompt, "use clearer names") {
			sawComments = true
		}
	}
	assert.True(t, sawComments)
}

func TestRun_AbortOnContextCancel(t *testing.T) {
	provider := llm.NewMockProvider().
		Enqueue(llm.TierArchitect, oneTaskPlan).
		Enqueue(llm.TierActuator, calcDiff)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o, led, _ := newTestOrchestrator(t, provider, nil)
	res, err := o.Run(ctx, "build a calculator")
	require.NoError(t, err)

	assert.Equal(t, StateAborted, res.State)

	sessions, err := led.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, ledger.SessionAborted, sessions[0].Status)
}
