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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/graph"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/stability"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/testrun"
)

func TestStateMachine_Transitions(t *testing.T) {
	sm := NewStateMachine()

	tests := []struct {
		from, to SessionState
		want     bool
	}{
		{StateIdle, StateSheafifying, true},
		{StateIdle, StateExecuting, false},
		{StateSheafifying, StateExecuting, true},
		{StateSheafifying, StateCommitting, false},
		{StateExecuting, StateAwaitingReview, true},
		{StateExecuting, StatePaused, true},
		{StateAwaitingReview, StateCommitting, true},
		{StateAwaitingReview, StateExecuting, true},
		{StateCommitting, StateCompleted, true},
		{StateCommitting, StateSheafifying, false},
		{StatePaused, StateExecuting, true},
		{StateEscalated, StateExecuting, true},
		{StateCompleted, StateExecuting, false},
		{StateAborted, StateExecuting, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sm.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestSession_TransitionRecordsHistory(t *testing.T) {
	sess := NewSession("s1", "build a parser", nil)
	require.Equal(t, StateIdle, sess.State())

	require.NoError(t, sess.Transition(StateSheafifying, "goal received"))
	require.NoError(t, sess.Transition(StateExecuting, "graph built"))

	err := sess.Transition(StateCompleted, "")
	require.NoError(t, err)

	history := sess.History()
	require.Len(t, history, 3)
	assert.Equal(t, StateIdle, history[0].From)
	assert.Equal(t, "goal received", history[0].Reason)
}

func TestSession_InvalidTransition(t *testing.T) {
	sess := NewSession("s1", "goal", nil)
	err := sess.Transition(StateCommitting, "skip ahead")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateIdle, sess.State())
}

func TestSession_SameStateIsNoOp(t *testing.T) {
	sess := NewSession("s1", "goal", nil)
	require.NoError(t, sess.Transition(StateIdle, "noop"))
	assert.Empty(t, sess.History())
}

func TestSessionState_IsTerminal(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateAborted.IsTerminal())
	assert.True(t, StateEscalated.IsTerminal())
	assert.True(t, StatePaused.IsTerminal())
	assert.False(t, StateExecuting.IsTerminal())
	assert.False(t, StateIdle.IsTerminal())
}

func TestExtractDiff(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "diff fence",
			input: "Here you go:\n```diff\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n```\nDone.",
			want:  "--- a/x.go",
		},
		{
			name:  "bare fence",
			input: "```\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n```",
			want:  "--- a/x.go",
		},
		{
			name:  "unfenced",
			input: "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n",
			want:  "--- a/x.go",
		},
		{
			name:    "no diff at all",
			input:   "I cannot produce a diff for this request.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractDiff(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoDiff)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, got, tt.want)
		})
	}
}

func TestParseReviewResponse(t *testing.T) {
	d := parseReviewResponse("APPROVE\nlooks correct")
	assert.Equal(t, VerdictApprove, d.Verdict)
	assert.Equal(t, "looks correct", d.Comments)

	d = parseReviewResponse("REQUEST_CHANGES\nrename the helper")
	assert.Equal(t, VerdictRequestChanges, d.Verdict)

	d = parseReviewResponse("REJECT\nwrong approach")
	assert.Equal(t, VerdictReject, d.Verdict)

	// Unparseable reviews must not approve.
	d = parseReviewResponse("well, maybe?")
	assert.Equal(t, VerdictReject, d.Verdict)
}

func TestFixDirections(t *testing.T) {
	eval := stability.Evaluation{VSyn: 2.0}
	report := testrun.Report{TimedOut: true, Failed: []testrun.Failure{{Name: "timeout:test-run"}}}
	structural := stability.StructuralReport{SyntaxErrors: 1}

	dirs := fixDirections(eval, nil, report, structural)
	require.NotEmpty(t, dirs)
	assert.Contains(t, dirs[0], "does not parse")

	joined := ""
	for _, d := range dirs {
		joined += d + "\n"
	}
	assert.Contains(t, joined, "timed out")
}

func TestBuildNodePrompt_CarriesCorrection(t *testing.T) {
	node := graph.Node{
		ID:          "task-0",
		Goal:        "implement Add",
		Kind:        graph.KindCreate,
		TargetFiles: []string{"calc.go"},
		Contract:    graph.NewContract(),
	}
	corr := &correction{
		Attempt:  2,
		Energy:   6.0,
		Failures: []testrun.Failure{{Name: "TestAdd", Detail: "got -1, want 3"}},
		Directions: []string{
			"compilation is clean; focus on the failing tests, highest criticality first",
		},
	}

	prompt := buildNodePrompt(node, map[string]string{"calc.go": "package calc"}, corr)
	assert.Contains(t, prompt, "implement Add")
	assert.Contains(t, prompt, "TestAdd")
	assert.Contains(t, prompt, "got -1, want 3")
	assert.Contains(t, prompt, "Fix directions")
	assert.Contains(t, prompt, "package calc")
}
