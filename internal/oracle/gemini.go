package oracle

import (
	"context"
	"fmt"

	"github.com/askohl/dicta/internal/gemini"
)

// GeminiOracle is the primary extraction backend.
type GeminiOracle struct {
	client *gemini.Client
	model  string
}

func NewGeminiOracle(client *gemini.Client, model string) *GeminiOracle {
	return &GeminiOracle{client: client, model: model}
}

func (g *GeminiOracle) Name() string {
	return "gemini/" + g.model
}

func (g *GeminiOracle) Analyze(ctx context.Context, transcript string, hints Hints) (*Analysis, error) {
	req := &gemini.GenerateContentRequest{
		Contents: []gemini.Content{
			{Parts: []gemini.Part{{Text: BuildPrompt(transcript, hints)}}},
		},
		GenerationConfig: &gemini.GenerationConfig{
			ResponseMimeType: "application/json",
		},
	}

	resp, err := g.client.GenerateContent(ctx, g.model, req)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if text == "" {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("gemini blocked response: %s", resp.PromptFeedback.BlockReason)
		}
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	return ParseAnalysis(text)
}
