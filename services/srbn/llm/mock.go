// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"sync"
)

// MockProvider is a scripted Provider for tests.
//
// Responses are consumed per tier in FIFO order; when a tier's script
// runs dry the last response repeats. A nil script entry error means
// success.
//
// Thread Safety: Safe for concurrent use.
type MockProvider struct {
	mu       sync.Mutex
	scripts  map[Tier][]mockReply
	requests []MockCall
}

type mockReply struct {
	content string
	err     error
}

// MockCall records one request the mock served.
type MockCall struct {
	Tier   Tier
	Prompt string
}

// NewMockProvider creates an empty mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{scripts: make(map[Tier][]mockReply)}
}

// Enqueue scripts a successful response for a tier.
func (m *MockProvider) Enqueue(tier Tier, content string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[tier] = append(m.scripts[tier], mockReply{content: content})
	return m
}

// EnqueueError scripts a failing response for a tier.
func (m *MockProvider) EnqueueError(tier Tier, err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[tier] = append(m.scripts[tier], mockReply{err: err})
	return m
}

// Calls returns every request served so far.
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockProvider) next(tier Tier, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, MockCall{Tier: tier, Prompt: prompt})

	script := m.scripts[tier]
	if len(script) == 0 {
		return "", ErrProvider
	}
	reply := script[0]
	if len(script) > 1 {
		m.scripts[tier] = script[1:]
	}
	return reply.content, reply.err
}

// Complete implements Provider.
func (m *MockProvider) Complete(ctx context.Context, tier Tier, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	content, err := m.next(tier, req.Prompt)
	if err != nil {
		return Response{}, err
	}
	tokens := len(content) / 4
	return Response{Content: content, Usage: Usage{CompletionTokens: tokens, TotalTokens: tokens}}, nil
}

// Stream implements Provider by chunking the scripted response.
func (m *MockProvider) Stream(ctx context.Context, tier Tier, req Request) (<-chan Chunk, error) {
	resp, err := m.Complete(ctx, tier, req)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, 2)
	out <- Chunk{Delta: resp.Content}
	out <- Chunk{Done: true, Usage: resp.Usage}
	close(out)
	return out, nil
}
