package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/eclia-dev/eclia/pkg/models"
)

// anthropicDefaultMaxTokens applies when no maxOutputTokens override is set;
// the Messages API requires an explicit value.
const anthropicDefaultMaxTokens = 8192

// Anthropic streams the Messages API. Text arrives as text_delta events and
// tool calls as tool_use blocks whose arguments accumulate through
// input_json_delta fragments.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic builds a provider. An empty baseURL uses the stock endpoint.
func NewAnthropic(baseURL, apiKey string) *Anthropic {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(options...)}
}

func (p *Anthropic) Scheme() string { return SchemeAnthropic }

// StreamTurn implements Provider.
func (p *Anthropic) StreamTurn(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: anthropicDefaultMaxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if s := req.Sampling; s != nil {
		if s.Temperature != nil {
			params.Temperature = anthropic.Float(*s.Temperature)
		}
		if s.TopP != nil {
			params.TopP = anthropic.Float(*s.TopP)
		}
		if s.TopK != nil {
			params.TopK = anthropic.Int(int64(*s.TopK))
		}
		if s.MaxOutputTokens != nil {
			params.MaxTokens = int64(*s.MaxOutputTokens)
		}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	result := &Result{FinishReason: FinishStop}
	var (
		inputTokens  int
		outputTokens int
		currentCall  *models.ToolCall
		currentArgs  strings.Builder
	)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			inputTokens = int(messageStart.Message.Usage.InputTokens)

		case "content_block_start":
			contentBlock := event.AsContentBlockStart().ContentBlock
			if contentBlock.Type == "tool_use" {
				toolUse := contentBlock.AsToolUse()
				currentCall = &models.ToolCall{
					ID:    toolUse.ID,
					Name:  toolUse.Name,
					Index: len(result.ToolCalls),
				}
				currentArgs.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					result.Text += delta.Text
					if onDelta != nil {
						if err := onDelta(delta.Text); err != nil {
							return nil, err
						}
					}
				}
			case "input_json_delta":
				currentArgs.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.ArgsRaw = currentArgs.String()
				result.ToolCalls = append(result.ToolCalls, *currentCall)
				currentCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				outputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			result.UsedTokens = inputTokens + outputTokens
			if len(result.ToolCalls) > 0 {
				result.FinishReason = FinishToolCalls
			}
			return result, nil
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapAnthropicError(err)
	}

	result.UsedTokens = inputTokens + outputTokens
	if len(result.ToolCalls) > 0 {
		result.FinishReason = FinishToolCalls
	}
	return result, nil
}

func convertAnthropicMessages(records []models.Record) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, rec := range records {
		if rec.Role == models.RoleSystem {
			// System text rides in params.System, never the message list.
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if rec.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(rec.ToolCallID, rec.Content, false))
			out = append(out, anthropic.NewUserMessage(content...))
			continue
		}

		if rec.Content != "" {
			content = append(content, anthropic.NewTextBlock(rec.Content))
		}
		for _, tc := range rec.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal([]byte(tc.ArgsRaw), &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}
		if rec.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func convertAnthropicTools(tools []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, t := range tools {
		schemaJSON, err := json.Marshal(t.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool definition for %s", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		out = append(out, toolParam)
	}
	return out, nil
}

func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewUpstreamHTTPError(apiErr.StatusCode, apiErr.Error())
	}
	return fmt.Errorf("upstream network: %w", err)
}
