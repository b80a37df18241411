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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// secretKeyPath is where container deployments mount the API key.
const secretKeyPath = "/run/secrets/openai_api_key"

// DefaultModel is used when OPENAI_MODEL is not set.
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI-backed transformer.
type OpenAIConfig struct {
	// Instructions is the transformation goal prepended to every prompt.
	Instructions string
	// Model overrides OPENAI_MODEL.
	Model string
	// RequestsPerMinute throttles API calls across all workers.
	// Zero means no throttle.
	RequestsPerMinute int
	// Temperature for completions. Zero value means API default.
	Temperature float32
}

// OpenAITransformer implements Transformer against the OpenAI chat API.
//
// # Thread Safety
//
// Safe for concurrent use. The rate limiter is shared, so concurrent
// worker goroutines collectively respect RequestsPerMinute.
type OpenAITransformer struct {
	client       completionClient
	model        string
	instructions string
	temperature  float32
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// completionClient is the slice of the OpenAI client we use. Tests inject
// a fake.
type completionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewOpenAITransformer creates a transformer using OPENAI_API_KEY from the
// environment, falling back to the container secret mount.
func NewOpenAITransformer(config OpenAIConfig) (*OpenAITransformer, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		data, err := os.ReadFile(secretKeyPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and secret not found at %s", secretKeyPath)
		}
		apiKey = strings.TrimSpace(string(data))
		slog.Info("read OpenAI API key from secret mount")
	}

	model := config.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = DefaultModel
		slog.Warn("OPENAI_MODEL not set, defaulting", "model", DefaultModel)
	}

	t := newTransformer(openai.NewClient(apiKey), model, config)
	slog.Info("initialized OpenAI transformer",
		"model", model, "rpm", config.RequestsPerMinute)
	return t, nil
}

// newTransformer wires a transformer around any completion client.
func newTransformer(client completionClient, model string, config OpenAIConfig) *OpenAITransformer {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), config.RequestsPerMinute)
	}
	return &OpenAITransformer{
		client:       client,
		model:        model,
		instructions: config.Instructions,
		temperature:  config.Temperature,
		limiter:      limiter,
		logger:       slog.Default().With("component", "llm.OpenAITransformer"),
	}
}

// TransformBatch implements Transformer.
//
// # Description
//
// Waits on the shared rate limiter, sends the batch prompt, and matches
// response blocks back to the batch's symbols. Blocks naming symbols not
// in the batch are logged and dropped.
func (t *OpenAITransformer) TransformBatch(ctx context.Context, batch Batch) ([]SymbolTransform, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: batch.Prompt(t.instructions)},
		},
	}
	if t.temperature != 0 {
		req.Temperature = t.temperature
	}

	resp, err := t.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	patches := ParseResponse(resp.Choices[0].Message.Content)
	results, skipped := MatchPatches(batch, patches)
	for _, path := range skipped {
		t.logger.Warn("dropping response block for unknown symbol",
			"file", batch.FilePath, "path", path)
	}

	t.logger.Debug("batch transformed",
		"file", batch.FilePath,
		"requested", len(batch.Symbols),
		"returned", len(results),
		"finish_reason", resp.Choices[0].FinishReason)
	return results, nil
}
