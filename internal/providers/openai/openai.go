// Package openai adapts OpenAI-compatible chat completion APIs to the
// agent.Provider contract, with streaming tool-call accumulation and
// linear-backoff retries for transient failures.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/pkg/models"
)

// Config configures the provider.
type Config struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Model   string `json:"model" yaml:"model"`

	// MaxRetries and RetryDelay control retry of transient failures
	// (rate limits, 5xx). Delay grows linearly per attempt.
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// Provider implements agent.Provider against OpenAI or any API speaking
// the same protocol (configure BaseURL).
type Provider struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// New creates a provider. Model defaults to gpt-4o.
func New(cfg Config) *Provider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4o
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &Provider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		maxRetries: retries,
		retryDelay: delay,
	}
}

func (p *Provider) Name() string { return "openai" }

// Complete performs a blocking chat completion.
func (p *Provider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	chatReq := p.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) || attempt == p.maxRetries {
			return nil, fmt.Errorf("openai completion: %w", lastErr)
		}
		select {
		case <-time.After(p.retryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai completion: no choices returned")
	}

	choice := resp.Choices[0]
	msg := &models.Message{
		Role:         models.RoleAssistant,
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Type:         models.MessageTypeText,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if len(msg.ToolCalls) > 0 {
		msg.Type = models.MessageTypeToolCall
	}
	usage := convertUsage(&resp.Usage)
	msg.Usage = usage
	return &agent.CompletionResponse{
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		Usage:        usage,
	}, nil
}

// Stream starts a streaming completion. Tool calls arrive as fragmented
// deltas keyed by index and are accumulated into whole calls before being
// emitted, once the stream ends.
func (p *Provider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := p.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) || attempt == p.maxRetries {
			return nil, fmt.Errorf("openai stream: %w", lastErr)
		}
		select {
		case <-time.After(p.retryDelay * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	chunks := make(chan *agent.CompletionChunk, 16)
	go p.pump(ctx, stream, chunks)
	return chunks, nil
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (p *Provider) pump(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	// Indexed accumulation: argument fragments for one call share an index
	// across chunks.
	pending := make(map[int]*toolCallAccumulator)
	maxIndex := -1
	finishReason := ""

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				chunks <- &agent.CompletionChunk{Err: ctx.Err()}
			} else {
				chunks <- &agent.CompletionChunk{Err: fmt.Errorf("openai stream: %w", err)}
			}
			return
		}

		if resp.Usage != nil {
			chunks <- &agent.CompletionChunk{Usage: convertUsage(resp.Usage)}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			chunks <- &agent.CompletionChunk{Delta: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := pending[idx]
			if !ok {
				acc = &toolCallAccumulator{}
				pending[idx] = acc
				if idx > maxIndex {
					maxIndex = idx
				}
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}
		if resp.Choices[0].FinishReason != "" {
			finishReason = string(resp.Choices[0].FinishReason)
		}
	}

	if len(pending) > 0 {
		calls := make([]models.ToolCall, 0, len(pending))
		for idx := 0; idx <= maxIndex; idx++ {
			acc, ok := pending[idx]
			if !ok {
				continue
			}
			args := acc.args.String()
			if args == "" {
				args = "{}"
			}
			calls = append(calls, models.ToolCall{
				ID:        acc.id,
				Name:      acc.name,
				Arguments: json.RawMessage(args),
			})
		}
		chunks <- &agent.CompletionChunk{ToolCalls: calls}
	}
	if finishReason != "" {
		chunks <- &agent.CompletionChunk{FinishReason: finishReason}
	}
}

func (p *Provider) buildRequest(req *agent.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return out
}

func convertMessages(msgs []*models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		oai := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleTool:
			oai.Role = openai.ChatMessageRoleTool
			oai.ToolCallID = msg.ToolCallID
		case models.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
		}
		out = append(out, oai)
	}
	return out
}

func convertUsage(u *openai.Usage) *models.Usage {
	if u == nil {
		return nil
	}
	usage := &models.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CacheHitTokens = u.PromptTokensDetails.CachedTokens
		usage.CacheMissTokens = u.PromptTokens - u.PromptTokensDetails.CachedTokens
	}
	return usage
}

// retryable reports whether the request should be retried: rate limits and
// server-side errors are, everything else is not.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return false
}
