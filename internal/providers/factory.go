package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// DefaultProvider is used when neither flags, config nor LLM_PROVIDER name one.
const DefaultProvider = "openrouter"

// ModelAliases maps short names to OpenRouter model paths.
var ModelAliases = map[string]string{
	"default":  "anthropic/claude-sonnet-4.5",
	"sonnet":   "anthropic/claude-sonnet-4.5",
	"opus":     "anthropic/claude-opus-4.5",
	"deepseek": "deepseek/deepseek-chat-v3.1",
	"grok":     "x-ai/grok-4.1-fast",
	"qwen":     "qwen/qwen3-coder",
	"gemini":   "google/gemini-2.5-pro",
	"gpt":      "openai/gpt-5",
}

// ModelSettings are the sampling knobs used for a model.
type ModelSettings struct {
	Temperature     float32
	MaxOutputTokens int
}

var modelSettings = map[string]ModelSettings{
	"anthropic/claude-sonnet-4.5": {Temperature: 0, MaxOutputTokens: 16384},
	"anthropic/claude-opus-4.5":   {Temperature: 0, MaxOutputTokens: 16384},
	"deepseek/deepseek-chat-v3.1": {Temperature: 0.2, MaxOutputTokens: 8192},
	"x-ai/grok-4.1-fast":          {Temperature: 0.15, MaxOutputTokens: 8192},
	"qwen/qwen3-coder":            {Temperature: 0.15, MaxOutputTokens: 8192},
	"google/gemini-2.5-pro":       {Temperature: 0.3, MaxOutputTokens: 8192},
	"openai/gpt-5":                {MaxOutputTokens: 8192},
}

var defaultModelSettings = ModelSettings{Temperature: 0, MaxOutputTokens: 4096}

// SettingsFor returns the sampling settings for a resolved model name.
func SettingsFor(model string) ModelSettings {
	if s, ok := modelSettings[model]; ok {
		return s
	}
	return defaultModelSettings
}

// ResolveModel expands an alias to its full model path. Names containing a
// slash are taken as full paths.
func ResolveModel(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	if strings.Contains(name, "/") {
		return name, nil
	}
	if path, ok := ModelAliases[strings.ToLower(name)]; ok {
		return path, nil
	}
	return "", fmt.Errorf("unknown model: %q (available models: %s)", name, strings.Join(aliasNames(), ", "))
}

func aliasNames() []string {
	names := make([]string, 0, len(ModelAliases))
	for k := range ModelAliases {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// providerSpec describes one supported backend.
type providerSpec struct {
	envPrefix    string // <PREFIX>_API_KEY, <PREFIX>_MODEL, <PREFIX>_BASE_URL
	baseURL      string
	defaultModel string
	defaultKey   string // local servers accept any key
	anthropic    bool
	aliases      bool // model aliases apply
}

var providerSpecs = map[string]providerSpec{
	"openrouter": {envPrefix: "OPENROUTER", baseURL: "https://openrouter.ai/api/v1", defaultModel: "default", aliases: true},
	"openai":     {envPrefix: "OPENAI", defaultModel: "gpt-4o-mini"},
	"anthropic":  {envPrefix: "ANTHROPIC", defaultModel: "claude-sonnet-4-5", anthropic: true},
	"deepseek":   {envPrefix: "DEEPSEEK", baseURL: "https://api.deepseek.com/v1", defaultModel: "deepseek-chat"},
	"groq":       {envPrefix: "GROQ", baseURL: "https://api.groq.com/openai/v1", defaultModel: "llama-3.3-70b-versatile"},
	"gemini":     {envPrefix: "GEMINI", baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", defaultModel: "gemini-2.5-flash"},
	"kimi":       {envPrefix: "KIMI", baseURL: "https://ark.ap-southeast.bytepluses.com/api/v3", defaultModel: "kimi-k2-250711"},
	"glm":        {envPrefix: "GLM", baseURL: "https://open.bigmodel.cn/api/paas/v4", defaultModel: "glm-4-plus"},
	"minimax":    {envPrefix: "MINIMAX", baseURL: "https://api.minimax.chat/v1", defaultModel: "abab6.5s-chat"},
	"ollama":     {envPrefix: "OLLAMA", baseURL: "http://localhost:11434/v1", defaultModel: "llama3.1", defaultKey: "ollama"},
	"lmstudio":   {envPrefix: "LMSTUDIO", baseURL: "http://localhost:1234/v1", defaultModel: "local-model", defaultKey: "lm-studio"},
}

// Providers lists the supported provider names.
func Providers() []string {
	names := make([]string, 0, len(providerSpecs))
	for k := range providerSpecs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Config selects a provider and model. Empty fields fall back to the
// environment and then to the provider defaults.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// Resolved describes the client that was built.
type Resolved struct {
	Provider string
	Model    string
	BaseURL  string
	Settings ModelSettings
}

// NewLLMClient builds an engine.LLMClient for cfg.
func NewLLMClient(cfg Config) (engine.LLMClient, Resolved, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = strings.ToLower(getEnvOrDefault("LLM_PROVIDER", DefaultProvider))
	}
	spec, ok := providerSpecs[provider]
	if !ok {
		return nil, Resolved{}, fmt.Errorf("unknown LLM provider: %s (supported: %s)", provider, strings.Join(Providers(), ", "))
	}

	model := firstNonEmpty(cfg.Model, os.Getenv("LLM_MODEL"), os.Getenv(spec.envPrefix+"_MODEL"), spec.defaultModel)
	if spec.aliases {
		resolved, err := ResolveModel(model)
		if err != nil {
			return nil, Resolved{}, err
		}
		model = resolved
	}

	apiKey := firstNonEmpty(cfg.APIKey, os.Getenv(spec.envPrefix+"_API_KEY"), spec.defaultKey)
	if apiKey == "" {
		return nil, Resolved{}, fmt.Errorf("%s_API_KEY not set (use --api-key or `pycoder config set api_key ...`)", spec.envPrefix)
	}
	baseURL := firstNonEmpty(cfg.BaseURL, os.Getenv(spec.envPrefix+"_BASE_URL"), spec.baseURL)

	res := Resolved{Provider: provider, Model: model, BaseURL: baseURL, Settings: SettingsFor(model)}

	if spec.anthropic {
		client, err := NewAnthropicClient(apiKey, model)
		if err != nil {
			return nil, Resolved{}, fmt.Errorf("failed to create Anthropic client: %w", err)
		}
		return client, res, nil
	}

	client, err := NewOpenAIClient(apiKey, model, baseURL)
	if err != nil {
		return nil, Resolved{}, fmt.Errorf("failed to create %s client: %w", provider, err)
	}
	return client, res, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
