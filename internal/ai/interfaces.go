package ai

import "context"

// Message represents a message in a chat conversation
type Message struct {
	Role    string
	Content string
}

// CompletionConfig holds configuration for completion requests
type CompletionConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Usage reports token consumption for one completion
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult is the provider's response text plus usage
type CompletionResult struct {
	Text  string
	Usage Usage
}

// CompletionProvider defines the interface for text completion
// services (used for speaker labeling)
type CompletionProvider interface {
	// Complete sends a conversation to the model and returns the text response
	Complete(ctx context.Context, messages []Message, config CompletionConfig) (*CompletionResult, error)
}
