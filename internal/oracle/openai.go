package oracle

import (
	"context"
	"fmt"
	"strings"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIOracle is the fallback extraction backend.
type OpenAIOracle struct {
	client openaigo.Client
	model  string
}

func NewOpenAIOracle(apiKey, model string) *OpenAIOracle {
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}
	client := openaigo.NewClient(
		option.WithAPIKey(strings.TrimSpace(apiKey)),
	)
	return &OpenAIOracle{client: client, model: model}
}

func (o *OpenAIOracle) Name() string {
	return "openai/" + o.model
}

func (o *OpenAIOracle) Analyze(ctx context.Context, transcript string, hints Hints) (*Analysis, error) {
	params := openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(o.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.UserMessage(BuildPrompt(transcript, hints)),
		},
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	return ParseAnalysis(resp.Choices[0].Message.Content)
}
