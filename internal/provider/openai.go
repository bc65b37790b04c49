package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/eclia-dev/eclia/pkg/models"
)

// OpenAICompat streams chat completions against any OpenAI-compatible
// endpoint. Tool calls arrive incrementally and are accumulated per array
// index until the finish reason or EOF flushes them.
type OpenAICompat struct {
	client *openai.Client
}

// NewOpenAICompat builds a provider for baseURL. An empty baseURL uses the
// stock OpenAI endpoint.
func NewOpenAICompat(baseURL, apiKey string) *OpenAICompat {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompat{client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAICompat) Scheme() string { return SchemeOpenAICompat }

// StreamTurn implements Provider.
func (p *OpenAICompat) StreamTurn(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if s := req.Sampling; s != nil {
		if s.Temperature != nil {
			chatReq.Temperature = float32(*s.Temperature)
		}
		if s.TopP != nil {
			chatReq.TopP = float32(*s.TopP)
		}
		if s.MaxOutputTokens != nil {
			chatReq.MaxTokens = *s.MaxOutputTokens
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	defer stream.Close()

	result := &Result{FinishReason: FinishStop}
	pending := make(map[int]*models.ToolCall)

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, mapOpenAIError(err)
		}
		if resp.Usage != nil && resp.Usage.TotalTokens > 0 {
			result.UsedTokens = resp.Usage.TotalTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			result.Text += choice.Delta.Content
			if onDelta != nil {
				if err := onDelta(choice.Delta.Content); err != nil {
					return nil, err
				}
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc := pending[index]
			if acc == nil {
				acc = &models.ToolCall{Index: index}
				pending[index] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			// Arguments stream as JSON fragments; append verbatim.
			acc.ArgsRaw += tc.Function.Arguments
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			result.FinishReason = FinishToolCalls
		case openai.FinishReasonLength:
			result.FinishReason = FinishLength
		}
	}

	result.ToolCalls = flushToolCalls(pending)
	if len(result.ToolCalls) > 0 && result.FinishReason == FinishStop {
		result.FinishReason = FinishToolCalls
	}
	return result, nil
}

func (p *OpenAICompat) convertMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, rec := range req.Messages {
		switch rec.Role {
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    rec.Content,
				ToolCallID: rec.ToolCallID,
			})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: rec.Content,
			}
			for _, tc := range rec.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.ArgsRaw,
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    rec.Role,
				Content: rec.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		schema := t.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func flushToolCalls(pending map[int]*models.ToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(pending))
	for _, tc := range pending {
		if tc.ID != "" && tc.Name != "" {
			out = append(out, *tc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewUpstreamHTTPError(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewUpstreamHTTPError(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return fmt.Errorf("upstream network: %w", err)
}
