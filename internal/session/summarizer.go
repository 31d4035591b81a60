package session

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// Summarizer produces titles and summaries of stored sessions with an LLM.
type Summarizer struct {
	llm   engine.LLMClient
	model string
}

// NewSummarizer creates a new session summarizer.
func NewSummarizer(llm engine.LLMClient, model string) *Summarizer {
	return &Summarizer{
		llm:   llm,
		model: model,
	}
}

// GenerateTitle generates a short 3-5 word title for the session.
func (s *Summarizer) GenerateTitle(ctx context.Context, history []engine.ChatMessage) (string, error) {
	if len(history) == 0 {
		return "New Session", nil
	}

	systemPrompt := "You are a helpful assistant. Generate a short, concise title (3-5 words) for this coding session based on the user's task. Do not use quotes or punctuation."

	// The first few messages carry the intent.
	limit := 10
	if len(history) < limit {
		limit = len(history)
	}

	userPrompt := fmt.Sprintf("History:\n%s\n\nGenerate Title:", renderTranscript(history[:limit]))

	msgs := []engine.ChatMessage{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: userPrompt},
	}

	resp, err := s.llm.Chat(ctx, s.model, msgs, nil, engine.ChatOptions{
		MaxOutputTokens: 20,
		Temperature:     0.3,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}

	return strings.Trim(strings.TrimSpace(resp.Content), `"'`), nil
}

// GenerateSummary describes what the session did: code written, files produced,
// errors left unresolved.
func (s *Summarizer) GenerateSummary(ctx context.Context, history []engine.ChatMessage) (string, error) {
	if len(history) == 0 {
		return "", nil
	}

	systemPrompt := "You summarize sessions of a Python coding agent. Focus on: the approach taken, packages used, files and artifacts produced, unresolved errors. Be concise."

	userPrompt := fmt.Sprintf("Summarize this session:\n\n%s", renderTranscript(history))

	msgs := []engine.ChatMessage{
		{Role: engine.RoleSystem, Content: systemPrompt},
		{Role: engine.RoleUser, Content: userPrompt},
	}

	resp, err := s.llm.Chat(ctx, s.model, msgs, nil, engine.ChatOptions{
		MaxOutputTokens: 500,
		Temperature:     0.1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate summary: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}

// renderTranscript flattens messages into role-prefixed lines.
func renderTranscript(ms []engine.ChatMessage) string {
	var b strings.Builder
	for _, m := range ms {
		switch m.Role {
		case engine.RoleSystem:
			continue
		case engine.RoleTool:
			if m.Result == nil {
				continue
			}
			text := m.Result.Value
			if text == "" {
				text = m.Result.Stdout
			}
			if !m.Result.Succeeded {
				text = "error: " + m.Result.Error
			}
			fmt.Fprintf(&b, "[tool %s] %s\n", m.Result.Tool, clip(text, 400))
		default:
			if m.Content != "" {
				fmt.Fprintf(&b, "[%s] %s\n", m.Role, clip(m.Content, 800))
			}
			for _, c := range m.ToolCalls {
				if code, ok := c.Args["code"].(string); ok {
					fmt.Fprintf(&b, "[call %s]\n%s\n", c.Name, clip(code, 800))
				} else {
					fmt.Fprintf(&b, "[call %s] %v\n", c.Name, c.Args)
				}
			}
		}
	}
	return b.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
