package llmclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"luminara.dev/orchestrator/internal/logging"
)

// GenAIClient implements Client against Google's Gemini API, following the
// same client-construction and per-call logging/timer discipline the
// teacher's embedding.GenAIEngine uses for EmbedContent, generalized to
// GenerateContent completions.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient constructs a GenAIClient. model defaults to
// "gemini-2.5-flash" when empty.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmclient: GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	start := time.Now()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llmclient: creating GenAI client: %w", err)
	}
	logging.LLMDebug("GenAI client created in %v (model=%s)", time.Since(start), model)

	return &GenAIClient{client: client, model: model}, nil
}

func (c *GenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	timer := logging.StartTimer(logging.CategoryLLM, "GenAIClient.Complete")
	defer timer.Stop()

	var parts []*genai.Content
	if req.Context != "" {
		parts = append(parts, genai.NewContentFromText(req.Context, genai.RoleUser))
	}
	parts = append(parts, genai.NewContentFromText(req.Prompt, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, c.model, parts, cfg)
	latency := time.Since(start)
	if err != nil {
		logging.Get(logging.CategoryLLM).Error("GenAI.Complete failed after %v: %v", latency, err)
		return Response{}, fmt.Errorf("llmclient: GenAI completion: %w", err)
	}

	text := result.Text()
	logging.LLMDebug("GenAI.Complete succeeded in %v, %d chars", latency, len(text))

	return Response{JSON: text, Text: text}, nil
}
