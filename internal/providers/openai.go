package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIClient implements engine.LLMClient for OpenAI and every
// OpenAI-compatible endpoint (OpenRouter, Groq, DeepSeek, Ollama, LM Studio...).
type OpenAIClient struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewOpenAIClient creates a new OpenAI client for the engine.
func NewOpenAIClient(apiKey, modelName, baseURL string) (*OpenAIClient, error) {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	client := openai.NewClientWithConfig(config)

	return &OpenAIClient{
		client:  client,
		model:   modelName,
		baseURL: baseURL,
	}, nil
}

// Chat implements engine.LLMClient.Chat.
func (c *OpenAIClient) Chat(ctx context.Context, modelName string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (engine.LLMResponse, error) {
	if modelName == "" {
		modelName = c.model
	}

	tools, err := openAITools(toolSchemas)
	if err != nil {
		return engine.LLMResponse{}, err
	}

	req := openai.ChatCompletionRequest{
		Model:    modelName,
		Messages: openAIMessages(messages),
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = &opts.Temperature
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		httpStatus, retryAfter := extractErrorMetadata(err)
		return engine.LLMResponse{}, engine.WrapLLMError(err, httpStatus, retryAfter)
	}
	if len(resp.Choices) == 0 {
		return engine.LLMResponse{}, fmt.Errorf("empty response from OpenAI")
	}

	choice := resp.Choices[0]
	toolCalls := make([]engine.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, decodeToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}

	finishReason := "stop"
	switch {
	case len(toolCalls) > 0:
		finishReason = "tool_calls"
	case choice.FinishReason == openai.FinishReasonLength:
		finishReason = "length"
	case choice.FinishReason == openai.FinishReasonContentFilter:
		finishReason = "content_filter"
	}

	return engine.LLMResponse{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Usage: engine.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
		FinishReason: finishReason,
	}, nil
}

// openAIMessages converts the conversation. Tool messages without a call id
// (malformed-output feedback) are sent as user messages since the API only
// accepts tool messages that answer a tool call.
func openAIMessages(messages []engine.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case engine.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		case engine.RoleAgent:
			// The SDK serializes an empty string as null, which the API rejects
			content := msg.Content
			if content == "" {
				content = " "
			}
			var toolCalls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: encodeArgs(tc.Args),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			})
		case engine.RoleTool:
			if msg.CallID() == "" {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: msg.Content,
				})
				continue
			}
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.CallID(),
				Content:    content,
			})
		}
	}
	return out
}

func openAITools(schemas []engine.ToolSchema) ([]openai.Tool, error) {
	tools := make([]openai.Tool, 0, len(schemas))
	for _, ts := range schemas {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return nil, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ts.Name,
				Description: ts.Description,
				Parameters:  schemaObj,
			},
		})
	}
	return tools, nil
}

// decodeToolCall parses raw JSON arguments. Undecodable arguments keep the call
// and set ToolCall.Error so the registry reports it back to the model.
func decodeToolCall(id, name, rawArgs string) engine.ToolCall {
	call := engine.ToolCall{ID: id, Name: name, Args: map[string]any{}}
	if strings.TrimSpace(rawArgs) == "" {
		return call
	}
	if err := json.Unmarshal([]byte(rawArgs), &call.Args); err != nil {
		call.Args = map[string]any{}
		trimmed := strings.TrimSpace(rawArgs)
		if !strings.HasSuffix(trimmed, "}") {
			call.Error = fmt.Sprintf("arguments are incomplete (%d bytes received); the output was probably cut off by the token limit", len(rawArgs))
		} else {
			call.Error = fmt.Sprintf("invalid JSON in arguments: %v", err)
		}
	}
	return call
}

func encodeArgs(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// extractErrorMetadata extracts HTTP status code and Retry-After header from an error.
func extractErrorMetadata(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	errStr := err.Error()
	var httpStatus int
	var retryAfter string

	// Common patterns: "429", "status code 429", "HTTP 429", etc.
	switch {
	case strings.Contains(errStr, "429"):
		httpStatus = http.StatusTooManyRequests
	case strings.Contains(errStr, "500"):
		httpStatus = http.StatusInternalServerError
	case strings.Contains(errStr, "502"):
		httpStatus = http.StatusBadGateway
	case strings.Contains(errStr, "503"):
		httpStatus = http.StatusServiceUnavailable
	case strings.Contains(errStr, "504"):
		httpStatus = http.StatusGatewayTimeout
	case strings.Contains(errStr, "401"):
		httpStatus = http.StatusUnauthorized
	case strings.Contains(errStr, "403"):
		httpStatus = http.StatusForbidden
	case strings.Contains(errStr, "400"):
		httpStatus = http.StatusBadRequest
	case strings.Contains(errStr, "402"):
		httpStatus = http.StatusPaymentRequired
	}

	lower := strings.ToLower(errStr)
	for _, marker := range []string{"retry-after", "retry after"} {
		if idx := strings.Index(lower, marker); idx != -1 {
			parts := strings.Fields(strings.TrimLeft(errStr[idx+len(marker):], ": "))
			if len(parts) > 0 {
				retryAfter = parts[0]
			}
			break
		}
	}

	return httpStatus, retryAfter
}
