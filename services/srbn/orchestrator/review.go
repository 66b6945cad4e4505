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
	"strings"

	"github.com/AleutianAI/AleutianSRBN/services/srbn/graph"
	"github.com/AleutianAI/AleutianSRBN/services/srbn/llm"
)

// Verdict is a reviewer's decision on a diff.
type Verdict int

const (
	// VerdictApprove accepts the diff for commit.
	VerdictApprove Verdict = iota

	// VerdictReject declines the diff. Counts against the
	// review-rejection retry ceiling.
	VerdictReject

	// VerdictRequestChanges declines with guidance the actuator can
	// act on. Also counts against the rejection ceiling.
	VerdictRequestChanges
)

func (v Verdict) String() string {
	switch v {
	case VerdictApprove:
		return "approve"
	case VerdictReject:
		return "reject"
	case VerdictRequestChanges:
		return "request_changes"
	default:
		return "unknown"
	}
}

// ReviewRequest is the material presented to a reviewer.
type ReviewRequest struct {
	SessionID string
	NodeID    string
	Goal      string
	Diff      string
	Energy    float64
	Metrics   graph.Metrics
}

// ReviewDecision is a reviewer's response.
type ReviewDecision struct {
	Verdict  Verdict
	Comments string
}

// Reviewer is the human review surface. The orchestrator consults it
// when the complexity gate triggers.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewDecision, error)
}

// AutoApprover approves every diff. Used when --auto-approve is set.
type AutoApprover struct{}

// Review implements Reviewer.
func (AutoApprover) Review(_ context.Context, _ ReviewRequest) (ReviewDecision, error) {
	return ReviewDecision{Verdict: VerdictApprove, Comments: "auto-approved"}, nil
}

// ModelReviewer asks the verifier tier to judge a diff. It stands in
// for a human surface in unattended runs where auto-approve is too
// permissive.
type ModelReviewer struct {
	Provider llm.Provider
	Budget   *llm.TokenBudget
}

// Review implements Reviewer by prompting the verifier tier.
func (r *ModelReviewer) Review(ctx context.Context, req ReviewRequest) (ReviewDecision, error) {
	node := graph.Node{ID: req.NodeID, Goal: req.Goal}
	resp, err := r.Provider.Complete(ctx, llm.TierVerifier, llm.Request{
		System: verifierSystem,
		Prompt: buildReviewPrompt(node, req.Diff, req.Energy),
	})
	if err != nil {
		return ReviewDecision{}, err
	}
	if r.Budget != nil {
		// Exhaustion is surfaced by the caller's next budget check.
		_ = r.Budget.Record(resp.Usage)
	}
	return parseReviewResponse(resp.Content), nil
}

// parseReviewResponse maps the verifier's first line onto a verdict.
// Anything unrecognized is a rejection: an unparseable review must not
// silently approve a commit.
func parseReviewResponse(content string) ReviewDecision {
	head := strings.ToUpper(firstLine(strings.TrimSpace(content)))
	comments := content
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		comments = strings.TrimSpace(content[i+1:])
	}

	switch {
	case strings.HasPrefix(head, "APPROVE"):
		return ReviewDecision{Verdict: VerdictApprove, Comments: comments}
	case strings.HasPrefix(head, "REQUEST_CHANGES"):
		return ReviewDecision{Verdict: VerdictRequestChanges, Comments: comments}
	default:
		return ReviewDecision{Verdict: VerdictReject, Comments: comments}
	}
}
