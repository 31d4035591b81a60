package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Config holds the user's persistent configuration preferences.
type Config struct {
	Provider string `json:"provider,omitempty"` // openrouter, openai, anthropic, groq, etc.
	APIKey   string `json:"api_key,omitempty"`  // The API key for the selected provider
	Model    string `json:"model,omitempty"`    // Default model name or alias
	BaseURL  string `json:"base_url,omitempty"` // Optional override for API base URL
}

// keys maps the names accepted by Set to their fields.
var keys = map[string]func(*Config) *string{
	"provider": func(c *Config) *string { return &c.Provider },
	"api_key":  func(c *Config) *string { return &c.APIKey },
	"model":    func(c *Config) *string { return &c.Model },
	"base_url": func(c *Config) *string { return &c.BaseURL },
}

// Keys lists the settable configuration keys.
func Keys() []string {
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Set assigns one key by name. An empty value clears it.
func (c *Config) Set(key, value string) error {
	field, ok := keys[strings.ToLower(key)]
	if !ok {
		return fmt.Errorf("unknown config key %q (valid keys: %s)", key, strings.Join(Keys(), ", "))
	}
	*field(c) = strings.TrimSpace(value)
	return nil
}

// Redacted returns a copy safe for display.
func (c Config) Redacted() Config {
	if c.APIKey != "" {
		c.APIKey = maskKey(c.APIKey)
	}
	return c
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// Manager handles loading and saving the configuration.
type Manager struct {
	configDir string
}

// NewManager creates a configuration manager rooted at the user config dir.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return NewManagerAt(filepath.Join(configDir, "pycoder")), nil
}

// NewManagerAt creates a manager storing its file in dir.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// GetConfigPath returns the absolute path to the config.json file.
func (m *Manager) GetConfigPath() string {
	return filepath.Join(m.configDir, "config.json")
}

// Load reads the configuration from disk.
// If the file does not exist, it returns an empty Config and no error.
func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.GetConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config json: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to disk with restricted permissions (0600).
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.configDir, 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := m.GetConfigPath()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}
	return nil
}

// Exists checks if the configuration file has been created.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.GetConfigPath())
	return !os.IsNotExist(err)
}
