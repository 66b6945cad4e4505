// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy decides whether a failed node attempt retries or
// escalates, and classifies failures into the classes the decision
// depends on.
//
// Two classes are hazards, not failures: configuration errors and an
// unavailable diagnostic backend. Hazards pause the session without
// consuming a retry, because repeating the attempt cannot help until an
// operator fixes the environment.
package policy

import (
	"fmt"
	"time"
)

// ErrorClass categorizes why a node attempt failed.
type ErrorClass string

const (
	// ClassCompilation covers compiler/diagnostic errors in generated code.
	ClassCompilation ErrorClass = "compilation"

	// ClassToolFailure covers file, patch, and command tool errors.
	ClassToolFailure ErrorClass = "tool_failure"

	// ClassReviewRejection covers verifier-tier rejections.
	ClassReviewRejection ErrorClass = "review_rejection"

	// ClassConfiguration is a hazard: the environment or config is
	// wrong and retries cannot fix it.
	ClassConfiguration ErrorClass = "configuration"

	// ClassBackendUnavailable is a hazard: the diagnostic backend died.
	ClassBackendUnavailable ErrorClass = "backend_unavailable"
)

// Action is the policy's verdict for a failed attempt.
type Action int

const (
	// ActionRetry re-dispatches the node with correction feedback.
	ActionRetry Action = iota

	// ActionEscalate hands the node to an operator.
	ActionEscalate

	// ActionPause suspends the session without consuming a retry.
	ActionPause
)

// String returns the lowercase action name.
func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionEscalate:
		return "escalate"
	case ActionPause:
		return "pause"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one policy consultation.
type Decision struct {
	Action Action

	// AttemptsLeft is how many retries remain after this one.
	AttemptsLeft int

	// Reason is a human-readable explanation for logs and escalation
	// events.
	Reason string
}

// Policy holds per-class retry ceilings.
//
// Thread Safety: Immutable after construction; safe for concurrent use.
type Policy struct {
	ceilings map[ErrorClass]int
}

// Default returns the standard ceilings: 3 compilation retries, 5 tool
// failure retries, 3 review rejections.
func Default() *Policy {
	return &Policy{ceilings: map[ErrorClass]int{
		ClassCompilation:     3,
		ClassToolFailure:     5,
		ClassReviewRejection: 3,
	}}
}

// New creates a policy with custom ceilings. Classes absent from the
// map escalate on first failure.
func New(ceilings map[ErrorClass]int) *Policy {
	cp := make(map[ErrorClass]int, len(ceilings))
	for k, v := range ceilings {
		cp[k] = v
	}
	return &Policy{ceilings: cp}
}

// Ceiling returns the retry ceiling for a class.
func (p *Policy) Ceiling(class ErrorClass) int {
	return p.ceilings[class]
}

// Decide returns the action for the given failure class and the number
// of attempts already consumed for that class on this node.
//
// Description:
//
//	Hazard classes always pause. Otherwise the node retries while
//	attempts < ceiling and escalates at the ceiling. Attempt counts
//	are tracked per class: three compilation failures and a tool
//	failure are separate budgets.
func (p *Policy) Decide(class ErrorClass, attempts int) Decision {
	switch class {
	case ClassConfiguration, ClassBackendUnavailable:
		return Decision{
			Action: ActionPause,
			Reason: fmt.Sprintf("%s is a hazard; operator intervention required", class),
		}
	}

	ceiling := p.ceilings[class]
	if attempts < ceiling {
		return Decision{
			Action:       ActionRetry,
			AttemptsLeft: ceiling - attempts - 1,
			Reason:       fmt.Sprintf("%s attempt %d of %d", class, attempts+1, ceiling),
		}
	}
	return Decision{
		Action: ActionEscalate,
		Reason: fmt.Sprintf("%s retries exhausted (%d of %d)", class, attempts, ceiling),
	}
}

// AttemptRecord is one entry in a node's failure history.
type AttemptRecord struct {
	Class     ErrorClass `json:"class"`
	Energy    float64    `json:"energy"`
	Detail    string     `json:"detail,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// EscalationEvent carries everything an operator needs to decide what
// to do with a stuck node.
type EscalationEvent struct {
	SessionID string          `json:"session_id"`
	NodeID    string          `json:"node_id"`
	Class     ErrorClass      `json:"class"`
	Attempts  []AttemptRecord `json:"attempts"`

	// LastDiagnostics are the latest diagnostic messages, rendered.
	LastDiagnostics []string `json:"last_diagnostics,omitempty"`

	// FailingTests are the latest failing test names.
	FailingTests []string `json:"failing_tests,omitempty"`

	// LastDiff is the diff from the final attempt.
	LastDiff string `json:"last_diff,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Summary renders a one-line description for logs.
func (e EscalationEvent) Summary() string {
	return fmt.Sprintf("node %s escalated after %d attempts (%s)", e.NodeID, len(e.Attempts), e.Class)
}
