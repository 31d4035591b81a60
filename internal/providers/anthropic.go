package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

// AnthropicClient implements engine.LLMClient against the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicClient creates a new Anthropic client for the engine.
func NewAnthropicClient(apiKey, modelName string) (*AnthropicClient, error) {
	client := anthropic.NewClient(apiKey)

	return &AnthropicClient{
		client: client,
		model:  modelName,
	}, nil
}

// Chat implements engine.LLMClient.Chat.
func (c *AnthropicClient) Chat(ctx context.Context, modelName string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (engine.LLMResponse, error) {
	if modelName == "" {
		modelName = c.model
	}

	systemParts, anthropicMsgs := anthropicMessages(messages)

	var toolDefs []anthropic.ToolDefinition
	for _, ts := range toolSchemas {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return engine.LLMResponse{}, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		toolDefs = append(toolDefs, anthropic.ToolDefinition{
			Name:        ts.Name,
			Description: ts.Description,
			InputSchema: schemaObj,
		})
	}

	maxTokens := 4096
	if opts.MaxOutputTokens > 0 {
		maxTokens = opts.MaxOutputTokens
	}
	temperature := float32(0.1)
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}

	req := anthropic.MessagesRequest{
		Model:       anthropic.Model(modelName),
		Messages:    anthropicMsgs,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if len(systemParts) > 0 {
		req.MultiSystem = systemParts
	}
	if len(toolDefs) > 0 {
		req.Tools = toolDefs
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		httpStatus, retryAfter := extractErrorMetadata(err)
		return engine.LLMResponse{}, engine.WrapLLMError(err, httpStatus, retryAfter)
	}

	var textContent string
	var toolCalls []engine.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				textContent += *block.Text
			}
		case "tool_use":
			if block.MessageContentToolUse == nil {
				continue
			}
			toolCalls = append(toolCalls, decodeToolCall(block.ID, block.Name, string(block.Input)))
		}
	}

	finishReason := "stop"
	switch {
	case len(toolCalls) > 0:
		finishReason = "tool_calls"
	case resp.StopReason == "max_tokens":
		finishReason = "length"
	}

	return engine.LLMResponse{
		Content:   textContent,
		ToolCalls: toolCalls,
		Usage: engine.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: finishReason,
	}, nil
}

// anthropicMessages converts the conversation. The API requires alternating
// roles, so consecutive user-side blocks (tool results, feedback, user text)
// are merged into one user message.
func anthropicMessages(messages []engine.ChatMessage) ([]anthropic.MessageSystemPart, []anthropic.Message) {
	var systemParts []anthropic.MessageSystemPart
	var out []anthropic.Message

	appendUser := func(content anthropic.MessageContent) {
		if n := len(out); n > 0 && out[n-1].Role == anthropic.RoleUser {
			out[n-1].Content = append(out[n-1].Content, content)
			return
		}
		out = append(out, anthropic.Message{
			Role:    anthropic.RoleUser,
			Content: []anthropic.MessageContent{content},
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.Content,
			})
		case engine.RoleUser:
			appendUser(anthropic.NewTextMessageContent(msg.Content))
		case engine.RoleAgent:
			var content []anthropic.MessageContent
			if msg.Content != "" {
				content = append(content, anthropic.NewTextMessageContent(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.NewToolUseMessageContent(
					tc.ID,
					tc.Name,
					json.RawMessage(encodeArgs(tc.Args)),
				))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextMessageContent(" "))
			}
			out = append(out, anthropic.Message{
				Role:    anthropic.RoleAssistant,
				Content: content,
			})
		case engine.RoleTool:
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			if msg.CallID() == "" {
				appendUser(anthropic.NewTextMessageContent(content))
				continue
			}
			isError := msg.Result != nil && !msg.Result.Succeeded
			appendUser(anthropic.NewToolResultMessageContent(msg.CallID(), content, isError))
		}
	}
	return systemParts, out
}
