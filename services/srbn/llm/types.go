// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the model tier abstraction: one provider
// interface dispatched by tier value, so orchestration code never
// branches on model names.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrProvider is returned after transport retries are exhausted.
	// The orchestrator classifies it as a tool failure.
	ErrProvider = errors.New("model provider error")

	// ErrBudgetExhausted is returned by TokenBudget.Record when a call
	// would exceed the session's token or cost ceiling.
	ErrBudgetExhausted = errors.New("token budget exhausted")

	// ErrUnknownTier is returned when no model is configured for a tier.
	ErrUnknownTier = errors.New("no model configured for tier")
)

// Tier selects which model handles a request.
type Tier int

const (
	// TierArchitect plans: it decomposes the user request into a task graph.
	TierArchitect Tier = iota

	// TierActuator generates and corrects code.
	TierActuator

	// TierVerifier reviews diffs against node contracts.
	TierVerifier

	// TierSpeculator produces cheap drafts for speculative work.
	TierSpeculator
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierArchitect:
		return "architect"
	case TierActuator:
		return "actuator"
	case TierVerifier:
		return "verifier"
	case TierSpeculator:
		return "speculator"
	default:
		return "unknown"
	}
}

// Request is one completion request.
type Request struct {
	// System is the system prompt. Empty uses the provider default.
	System string

	// Prompt is the user message.
	Prompt string

	// Temperature overrides the provider default when > 0.
	Temperature float32

	// MaxTokens caps the completion length when > 0.
	MaxTokens int
}

// Usage is the token accounting for one call.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Response is a completed (non-streaming) model reply.
type Response struct {
	Content string
	Usage   Usage
}

// Chunk is one streamed fragment. The final chunk has Done set and
// carries the accumulated usage; a failed stream delivers Err on its
// last chunk.
type Chunk struct {
	Delta string
	Done  bool
	Usage Usage
	Err   error
}

// Provider is the single interface all tiers are served through.
type Provider interface {
	// Complete performs a blocking completion on the given tier.
	Complete(ctx context.Context, tier Tier, req Request) (Response, error)

	// Stream performs a streaming completion. The returned channel is
	// closed after the Done (or Err) chunk.
	Stream(ctx context.Context, tier Tier, req Request) (<-chan Chunk, error)
}

// =============================================================================
// Token budget
// =============================================================================

// TokenBudget enforces per-session ceilings on tokens and spend.
//
// Thread Safety: Safe for concurrent use.
type TokenBudget struct {
	mu         sync.Mutex
	maxTokens  int
	maxCostUSD float64
	usedTokens int
	usedCost   float64
}

// NewTokenBudget creates a budget. Zero ceilings mean unlimited on
// that axis.
func NewTokenBudget(maxTokens int, maxCostUSD float64) *TokenBudget {
	return &TokenBudget{maxTokens: maxTokens, maxCostUSD: maxCostUSD}
}

// Record adds a call's usage to the running totals.
//
// Outputs:
//   - error: ErrBudgetExhausted once a ceiling is crossed. The usage
//     is still recorded so reporting stays accurate.
func (b *TokenBudget) Record(u Usage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usedTokens += u.TotalTokens
	b.usedCost += u.CostUSD

	if b.maxTokens > 0 && b.usedTokens > b.maxTokens {
		return fmt.Errorf("%w: %d tokens used of %d", ErrBudgetExhausted, b.usedTokens, b.maxTokens)
	}
	if b.maxCostUSD > 0 && b.usedCost > b.maxCostUSD {
		return fmt.Errorf("%w: $%.4f spent of $%.4f", ErrBudgetExhausted, b.usedCost, b.maxCostUSD)
	}
	return nil
}

// Used returns the running totals.
func (b *TokenBudget) Used() (tokens int, costUSD float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedTokens, b.usedCost
}

// Exhausted reports whether a ceiling has been crossed.
func (b *TokenBudget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxTokens > 0 && b.usedTokens > b.maxTokens {
		return true
	}
	return b.maxCostUSD > 0 && b.usedCost > b.maxCostUSD
}
