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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIConfig configures the OpenAI-compatible provider.
type OpenAIConfig struct {
	// APIKey authenticates requests. Falls back to OPENAI_API_KEY.
	APIKey string

	// BaseURL points at an OpenAI-compatible endpoint. Empty uses the
	// official API.
	BaseURL string

	// Models maps each tier to a model name.
	Models map[Tier]string

	// System is the default system prompt.
	System string

	// RequestsPerSecond throttles outbound calls. <=0 disables.
	RequestsPerSecond float64

	// MaxRetries bounds transport retries before ErrProvider.
	MaxRetries int

	// RetryBackoff is the base backoff, doubled per attempt.
	RetryBackoff time.Duration

	// Logger receives provider events. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOpenAIConfig returns the standard tier-to-model mapping: the
// architect and verifier on the strong model, the actuator on the
// mid model, the speculator on the cheap one.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Models: map[Tier]string{
			TierArchitect:  "gpt-4o",
			TierActuator:   "gpt-4o-mini",
			TierVerifier:   "gpt-4o",
			TierSpeculator: "gpt-4o-mini",
		},
		System:            "You are a careful software engineer.",
		RequestsPerSecond: 2,
		MaxRetries:        3,
		RetryBackoff:      500 * time.Millisecond,
	}
}

// OpenAIProvider serves all tiers through one OpenAI-compatible client.
//
// Thread Safety: Safe for concurrent use.
type OpenAIProvider struct {
	client  *openai.Client
	cfg     OpenAIConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIProvider creates the provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured and OPENAI_API_KEY not set")
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultOpenAIConfig().Models
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With(slog.String("subsystem", "llm")),
	}, nil
}

func (p *OpenAIProvider) buildRequest(tier Tier, req Request) (openai.ChatCompletionRequest, error) {
	model, ok := p.cfg.Models[tier]
	if !ok || model == "" {
		return openai.ChatCompletionRequest{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	system := req.System
	if system == "" {
		system = p.cfg.System
	}

	out := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.Temperature > 0 {
		out.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxCompletionTokens = req.MaxTokens
	}
	return out, nil
}

// Complete performs a blocking completion with throttling and bounded
// retries.
func (p *OpenAIProvider) Complete(ctx context.Context, tier Tier, req Request) (Response, error) {
	apiReq, err := p.buildRequest(tier, req)
	if err != nil {
		return Response{}, err
	}

	var resp openai.ChatCompletionResponse
	err = p.withRetries(ctx, tier, func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var callErr error
		resp, callErr = p.client.CreateChatCompletion(ctx, apiReq)
		return callErr
	})
	if err != nil {
		return Response{}, err
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%w: empty choices from %s", ErrProvider, apiReq.Model)
	}

	return Response{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// Stream performs a streaming completion. Retries apply only to
// establishing the stream; mid-stream failures surface as an Err chunk.
func (p *OpenAIProvider) Stream(ctx context.Context, tier Tier, req Request) (<-chan Chunk, error) {
	apiReq, err := p.buildRequest(tier, req)
	if err != nil {
		return nil, err
	}
	apiReq.Stream = true

	var stream *openai.ChatCompletionStream
	err = p.withRetries(ctx, tier, func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		var callErr error
		stream, callErr = p.client.CreateChatCompletionStream(ctx, apiReq)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		var total int
		for {
			recv, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Chunk{Done: true, Usage: Usage{CompletionTokens: total, TotalTokens: total}}
				return
			}
			if err != nil {
				out <- Chunk{Err: fmt.Errorf("%w: stream: %v", ErrProvider, err)}
				return
			}
			if len(recv.Choices) == 0 {
				continue
			}
			delta := recv.Choices[0].Delta.Content
			total += len(delta) / 4 // rough token estimate for budget tracking
			out <- Chunk{Delta: delta}
		}
	}()
	return out, nil
}

// withRetries runs fn with exponential backoff on transport errors.
// Context cancellation is never retried.
func (p *OpenAIProvider) withRetries(ctx context.Context, tier Tier, fn func() error) error {
	var lastErr error
	backoff := p.cfg.RetryBackoff

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.logger.Warn("provider call failed, backing off",
			slog.String("tier", tier.String()),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", lastErr.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrProvider, p.cfg.MaxRetries, lastErr)
}
