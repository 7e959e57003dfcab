// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/harborline/strata/services/analysis/datatypes"
	"github.com/harborline/strata/services/analysis/resilience"
)

const synthesisDependency = "synthesis_llm"

const systemPrompt = `You are a business analyst. Given gathered data and framework
analyses, write a concise narrative report. Respond with a single JSON object:
{"summary": string, "sections": {name: string}, "confidence": number in [0,1]}.
Confidence reflects how well the available data supports the narrative.`

// ChatCompleter is the slice of the OpenAI client the synthesizer uses,
// extracted so tests can substitute a stub.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAISynthesizer produces the narrative through an OpenAI-compatible
// chat completion endpoint.
//
// API failures are wrapped as transient errors so the engine's guard
// retries them and its breaker tracks the endpoint's health.
//
// Thread Safety: Safe for concurrent use.
type OpenAISynthesizer struct {
	client ChatCompleter
	model  string
	logger *slog.Logger
}

// NewOpenAISynthesizer creates a synthesizer for the given API key and
// model. An empty model defaults to gpt-4o-mini.
func NewOpenAISynthesizer(apiKey, model string, logger *slog.Logger) (*OpenAISynthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("synthesis API key not set")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Initializing synthesis client", "model", model)
	return &OpenAISynthesizer{client: openai.NewClient(apiKey), model: model, logger: logger}, nil
}

// NewOpenAISynthesizerWithClient wires a pre-built client, used by tests
// and by callers pointing at OpenAI-compatible local endpoints.
func NewOpenAISynthesizerWithClient(client ChatCompleter, model string, logger *slog.Logger) *OpenAISynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAISynthesizer{client: client, model: model, logger: logger}
}

// narrativePayload is the JSON shape the model is instructed to return.
type narrativePayload struct {
	Summary    string            `json:"summary"`
	Sections   map[string]string `json:"sections"`
	Confidence float64           `json:"confidence"`
}

// Synthesize implements Synthesizer.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, sc Context) (datatypes.Narrative, error) {
	prompt, err := buildPrompt(sc)
	if err != nil {
		return datatypes.Narrative{}, err
	}

	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		s.logger.Error("Synthesis API call failed", "error", err)
		return datatypes.Narrative{}, resilience.Transientf(synthesisDependency, "chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return datatypes.Narrative{}, resilience.Transientf(synthesisDependency, "chat completion returned no choices")
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var payload narrativePayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		// A malformed body from the model is worth one more attempt.
		return datatypes.Narrative{}, resilience.Transientf(synthesisDependency, "malformed narrative JSON: %w", err)
	}
	if payload.Summary == "" {
		return datatypes.Narrative{}, resilience.Transientf(synthesisDependency, "narrative missing summary")
	}

	s.logger.Debug("Received synthesis response",
		"finish_reason", resp.Choices[0].FinishReason,
		"confidence", payload.Confidence)

	return datatypes.Narrative{
		Summary:    payload.Summary,
		Sections:   payload.Sections,
		Confidence: clampConfidence(payload.Confidence),
	}, nil
}

// buildPrompt serializes the phase outcomes, failed tasks included, so
// the model can factor missing data into its confidence.
func buildPrompt(sc Context) (string, error) {
	doc := map[string]any{
		"subject":            sc.Request.PrimarySubject,
		"qualifiers":         sc.Request.Qualifiers,
		"context":            sc.Request.Context,
		"gathered_data":      sc.Gathering.Payloads(),
		"framework_analyses": sc.Frameworks.Payloads(),
		"failed_tasks":       mergeErrors(sc.Gathering.Errors(), sc.Frameworks.Errors()),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize synthesis input: %w", err)
	}
	return string(raw), nil
}

func mergeErrors(maps ...map[string]string) map[string]string {
	out := map[string]string{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// clampConfidence forces a model self-report into [0,1].
func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
