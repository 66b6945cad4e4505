// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide_Ceilings(t *testing.T) {
	p := Default()

	tests := []struct {
		name     string
		class    ErrorClass
		attempts int
		want     Action
	}{
		{"compilation first failure retries", ClassCompilation, 0, ActionRetry},
		{"compilation second failure retries", ClassCompilation, 1, ActionRetry},
		{"compilation third failure retries", ClassCompilation, 2, ActionRetry},
		{"compilation at ceiling escalates", ClassCompilation, 3, ActionEscalate},
		{"tool failure retries up to five", ClassToolFailure, 4, ActionRetry},
		{"tool failure at ceiling escalates", ClassToolFailure, 5, ActionEscalate},
		{"review rejection retries", ClassReviewRejection, 2, ActionRetry},
		{"review rejection at ceiling escalates", ClassReviewRejection, 3, ActionEscalate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.class, tt.attempts)
			assert.Equal(t, tt.want, d.Action)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecide_HazardsPauseWithoutConsumingRetries(t *testing.T) {
	p := Default()

	for _, class := range []ErrorClass{ClassConfiguration, ClassBackendUnavailable} {
		// Regardless of attempt count, hazards pause.
		for _, attempts := range []int{0, 3, 100} {
			d := p.Decide(class, attempts)
			assert.Equal(t, ActionPause, d.Action, "class=%s attempts=%d", class, attempts)
		}
	}
}

func TestDecide_AttemptsLeft(t *testing.T) {
	p := Default()
	d := p.Decide(ClassCompilation, 0)
	assert.Equal(t, 2, d.AttemptsLeft)

	d = p.Decide(ClassCompilation, 2)
	assert.Equal(t, 0, d.AttemptsLeft)
}

func TestDecide_UnknownClassEscalatesImmediately(t *testing.T) {
	p := Default()
	d := p.Decide(ErrorClass("mystery"), 0)
	assert.Equal(t, ActionEscalate, d.Action)
}

func TestCustomCeilings(t *testing.T) {
	p := New(map[ErrorClass]int{ClassCompilation: 1})
	assert.Equal(t, ActionRetry, p.Decide(ClassCompilation, 0).Action)
	assert.Equal(t, ActionEscalate, p.Decide(ClassCompilation, 1).Action)
	assert.Equal(t, 1, p.Ceiling(ClassCompilation))
}

func TestEscalationEventSummary(t *testing.T) {
	e := EscalationEvent{
		NodeID:   "n1",
		Class:    ClassCompilation,
		Attempts: []AttemptRecord{{Class: ClassCompilation}, {Class: ClassCompilation}},
	}
	assert.Contains(t, e.Summary(), "n1")
	assert.Contains(t, e.Summary(), "2 attempts")
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "retry", ActionRetry.String())
	assert.Equal(t, "escalate", ActionEscalate.String())
	assert.Equal(t, "pause", ActionPause.String())
}
