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
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/graph"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/lsp"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/stability"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/testrun"
)

const architectSystem = `You are a software architect. Decompose the given
task into a directed acyclic graph of small, independently verifiable
subtasks. Respond with a single JSON object:

{"tasks": [{"id": "task-0", "goal": "...", "kind": "create|modify",
"target_files": ["path"], "context_files": ["path"],
"dependencies": ["task-id"]}]}

Rules: every task must name at least one target file; two tasks that
touch the same file must be ordered by a dependency edge; dependency
ids must refer to tasks in this plan; no cycles.`

const actuatorSystem = `You are a code generator. Produce exactly one
unified diff implementing the requested change, inside a fenced block:

` + "```diff" + `
--- a/path/to/file
+++ b/path/to/file
@@ ... @@
` + "```" + `

Use /dev/null as the origin for new files. Do not include prose outside
the fence. Keep the change minimal and self-contained.`

const verifierSystem = `You are a strict code reviewer. Given a goal and
a diff, respond with exactly one of APPROVE, REJECT, or
REQUEST_CHANGES on the first line, followed by a short justification.`

// buildPlanPrompt assembles the architect prompt. On a replan, feedback
// carries the previous attempt's parse or validation error so the model
// can correct it.
func buildPlanPrompt(goal string, workspaceFiles []string, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", goal)

	if len(workspaceFiles) > 0 {
		b.WriteString("\nExisting workspace files:\n")
		for _, f := range workspaceFiles {
			fmt.Fprintf(&b, "  %s\n", f)
		}
	} else {
		b.WriteString("\nThe workspace is empty; this is a fresh project.\n")
	}

	if feedback != "" {
		fmt.Fprintf(&b, "\nYour previous plan was rejected: %s\nProduce a corrected plan.\n", feedback)
	}
	return b.String()
}

// correction carries the prior attempt's evidence into a retry prompt.
type correction struct {
	Attempt     int
	Diagnostics []lsp.DiagnosticSet
	Failures    []testrun.Failure
	PatternHits []stability.PatternHit
	Energy      float64
	Directions  []string
	Note        string
}

// buildNodePrompt assembles the actuator prompt for one node.
func buildNodePrompt(node graph.Node, contextFiles map[string]string, corr *correction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", node.Goal)
	fmt.Fprintf(&b, "Kind: %s\n", node.Kind)
	fmt.Fprintf(&b, "Target files: %s\n", strings.Join(node.TargetFiles, ", "))

	if sig := node.Contract.InterfaceSignature; sig != "" {
		fmt.Fprintf(&b, "\nRequired interface:\n%s\n", sig)
	}
	if len(node.Contract.Invariants) > 0 {
		b.WriteString("\nInvariants that must hold:\n")
		for _, inv := range node.Contract.Invariants {
			fmt.Fprintf(&b, "  - %s\n", inv)
		}
	}
	if len(node.Contract.ForbiddenPatterns) > 0 {
		b.WriteString("\nForbidden constructs:\n")
		for _, p := range node.Contract.ForbiddenPatterns {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}

	for path, content := range contextFiles {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, content)
	}

	if corr != nil {
		fmt.Fprintf(&b, "\nAttempt %d failed with energy %.2f.\n", corr.Attempt, corr.Energy)
		if corr.Note != "" {
			fmt.Fprintf(&b, "%s\n", corr.Note)
		}
		for _, set := range corr.Diagnostics {
			for _, d := range set.Diagnostics {
				fmt.Fprintf(&b, "diagnostic: %s: %s\n", set.URI, d.Describe())
			}
		}
		for _, f := range corr.Failures {
			fmt.Fprintf(&b, "failing test: %s", f.Name)
			if f.Detail != "" {
				fmt.Fprintf(&b, " (%s)", firstLine(f.Detail))
			}
			b.WriteString("\n")
		}
		for _, hit := range corr.PatternHits {
			fmt.Fprintf(&b, "forbidden pattern %q at %s:%d\n", hit.Pattern, hit.File, hit.Line)
		}
		if len(corr.Directions) > 0 {
			b.WriteString("\nFix directions:\n")
			for _, dir := range corr.Directions {
				fmt.Fprintf(&b, "  - %s\n", dir)
			}
		}
		b.WriteString("\nProduce a corrected diff against the CURRENT file state above.\n")
	}
	return b.String()
}

// fixDirections turns an evaluation into concrete guidance for the
// retry prompt, most urgent first.
func fixDirections(eval stability.Evaluation, diags []lsp.DiagnosticSet, report testrun.Report, structural stability.StructuralReport) []string {
	var out []string

	if structural.SyntaxErrors > 0 {
		out = append(out, "the code does not parse; fix syntax before anything else")
	}
	if eval.VSyn >= 1.0 {
		for _, set := range diags {
			errs, _, _ := set.Counts()
			if errs > 0 {
				out = append(out, fmt.Sprintf("resolve the %d compiler error(s) in %s first", errs, set.URI))
				break
			}
		}
	}
	if report.TimedOut {
		out = append(out, "the test run timed out; look for an infinite loop or a blocked wait")
	}
	for _, f := range report.Failed {
		if f.Name == "panic" {
			out = append(out, "the suite panicked; guard the nil or out-of-range access it reported")
			break
		}
	}
	if eval.VLog > 0 && eval.VSyn == 0 {
		out = append(out, "compilation is clean; focus on the failing tests, highest criticality first")
	}
	if len(structural.PatternHits) > 0 {
		out = append(out, "remove the forbidden constructs; rework the logic rather than renaming")
	}
	return out
}

// buildReviewPrompt assembles the verifier-tier review prompt.
func buildReviewPrompt(node graph.Node, diff string, energy float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\nEnergy after verification: %.3f\n\nDiff:\n%s\n", node.Goal, energy, diff)
	return b.String()
}

// extractDiff pulls the unified diff out of a model response. Accepts a
// ```diff fence, any fence whose content starts with ---, or a bare
// diff.
func extractDiff(raw string) (string, error) {
	if idx := strings.Index(raw, "```diff"); idx >= 0 {
		rest := raw[idx+len("```diff"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end]) + "\n", nil
		}
	}
	for _, part := range strings.Split(raw, "```") {
		trimmed := strings.TrimSpace(part)
		if strings.HasPrefix(trimmed, "--- ") {
			return trimmed + "\n", nil
		}
	}
	if idx := strings.Index(raw, "--- "); idx >= 0 {
		return strings.TrimSpace(raw[idx:]) + "\n", nil
	}
	return "", ErrNoDiff
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
