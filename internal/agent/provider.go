package agent

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/pkg/models"
)

// LLMTool is the schema export handed to providers.
type LLMTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"parameters"`
}

// CompletionRequest is a single LLM call built from the session's visible
// window plus the agent's tool schemas.
type CompletionRequest struct {
	Messages    []*models.Message
	Tools       []LLMTool
	Model       string
	MaxTokens   int
	Temperature float32
}

// CompletionResponse is a non-streaming provider reply.
type CompletionResponse struct {
	Message      *models.Message
	FinishReason string
	Usage        *models.Usage
}

// CompletionChunk is one streamed fragment. Err terminates the stream.
type CompletionChunk struct {
	Delta          string
	ReasoningDelta string
	ToolCalls      []models.ToolCall
	FinishReason   string
	Usage          *models.Usage
	Err            error
}

// Provider abstracts the LLM backend. Stream returns a channel closed when
// the completion ends; both calls honor context cancellation.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
	Name() string
}
