package prompts

import (
	"fmt"
	"strings"
)

// PromptBuilder composes a prompt from fragments.
type PromptBuilder struct {
	basePrompt *Prompt
	fragments  []string
}

// NewPromptBuilder creates a new prompt builder based on a registered prompt.
func NewPromptBuilder(registry *PromptRegistry, id string, version PromptVersion) (*PromptBuilder, error) {
	basePrompt, err := registry.Get(id, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get base prompt: %w", err)
	}

	return &PromptBuilder{
		basePrompt: basePrompt,
		fragments:  []string{basePrompt.Content},
	}, nil
}

// AddFragment appends a fragment to the prompt.
func (b *PromptBuilder) AddFragment(text string) *PromptBuilder {
	b.fragments = append(b.fragments, text)
	return b
}

// Build constructs the final prompt string.
func (b *PromptBuilder) Build() (string, error) {
	return strings.Join(b.fragments, "\n\n"), nil
}

// BuildWithProject appends project instructions (from a project file) to the prompt.
func (b *PromptBuilder) BuildWithProject(instructions string) (string, error) {
	if instructions != "" {
		b.AddFragment("[PROJECT INSTRUCTIONS]\n" + instructions + "\n[END PROJECT INSTRUCTIONS]")
	}
	return b.Build()
}
