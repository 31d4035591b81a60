package prompts

// PromptVersion represents a version identifier for prompts.
type PromptVersion string

// PromptV1 is the version every coder prompt is registered under.
const PromptV1 PromptVersion = "1.0.0"

// Prompt is a registered system prompt.
type Prompt struct {
	ID          string // e.g. PromptCoder, PromptCoderTodo
	Version     PromptVersion
	Content     string
	Description string
	Tags        []string // e.g. ["coding", "python", "todo"]
	Deprecated  bool     // skipped by GetLatest
}
