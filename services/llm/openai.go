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

	"github.com/oldmantran/agile-backlog-automation-sub001/services/pipeline/artifact"
)

const backlogSystemPrompt = "You are an experienced agile product owner. " +
	"You write precise, implementation-ready backlog items and respond only with JSON."

// OpenAIGenerator generates artifacts through the OpenAI chat API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator creates a generator from the environment.
//
// OPENAI_API_KEY must be set (or mounted at /run/secrets/openai_api_key);
// OPENAI_MODEL defaults to gpt-4o-mini.
func NewOpenAIGenerator() (*OpenAIGenerator, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		if data, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(data))
			slog.Info("Read the OpenAI API key from secrets", "path", secretPath)
		} else {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	slog.Info("Initializing OpenAI generator", "model", model)
	return &OpenAIGenerator{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Generate implements the Generator interface.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (*artifact.Artifact, error) {
	slog.Debug("Generating artifact via OpenAI", "model", g.model, "kind", req.Kind.String())

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: backlogSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(req)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("OpenAI returned no choices")
	}

	return parseArtifact(resp.Choices[0].Message.Content, req)
}
