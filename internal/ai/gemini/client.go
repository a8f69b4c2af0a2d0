package gemini

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/yegors/callscribe/internal/ai"
	"github.com/yegors/callscribe/pkg/logger"
)

// Client represents a Google Gemini API client
type Client struct {
	client *genai.Client
	logger *logger.Logger
}

// NewClient creates a new Gemini client
func NewClient(ctx context.Context, apiKey string, log *logger.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Client{
		client: client,
		logger: log.Named("gemini"),
	}, nil
}

// Complete sends a conversation to the Gemini generateContent API and
// returns the response text
func (c *Client) Complete(ctx context.Context, messages []ai.Message, config ai.CompletionConfig) (*ai.CompletionResult, error) {
	genCfg := &genai.GenerateContentConfig{}
	if config.Temperature != 0 {
		genCfg.Temperature = genai.Ptr(float32(config.Temperature))
	}
	if config.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(config.MaxTokens)
	}

	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			genCfg.SystemInstruction = genai.NewContentFromText(msg.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}

	c.logger.Debug("Sending completion request",
		logger.String("model", config.Model),
		logger.Int("messages", len(messages)))

	resp, err := c.client.Models.GenerateContent(ctx, config.Model, contents, genCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini completion failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("no content in gemini response")
	}

	result := &ai.CompletionResult{Text: text}
	if resp.UsageMetadata != nil {
		result.Usage = ai.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return result, nil
}
