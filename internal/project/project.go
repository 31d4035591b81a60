package project

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the directory name for per-workspace pycoder configuration.
	Dir = ".pycoder"
	// RulesFile is the name of the custom rules file inside Dir.
	RulesFile = "rules"
)

var (
	frontmatterRE   = regexp.MustCompile(`(?s)\A---\s*\n(.*?\n)---\s*\n`)
	packagesBlockRE = regexp.MustCompile("(?s)\\A\\s*```packages[ \\t]*\\n(.*?)\\n```[ \\t]*(?:\\n|\\z)")
)

// File is a parsed project markdown file: optional YAML front matter, an
// optional leading ```packages block, and a body that extends the system prompt.
type File struct {
	Path      string   `yaml:"-"`
	Packages  []string `yaml:"packages"`
	StepLimit int      `yaml:"step_limit"`
	Model     string   `yaml:"model"`
	Body      string   `yaml:"-"`
}

// Load reads and parses a project file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("project file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read project file: %w", err)
	}
	f, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse extracts the front matter and packages block from content.
// Packages from both sources are merged, front matter first, without duplicates.
func Parse(content string) (*File, error) {
	f := &File{}
	rest := content

	if m := frontmatterRE.FindStringSubmatch(rest); m != nil {
		if err := yaml.Unmarshal([]byte(m[1]), f); err != nil {
			return nil, fmt.Errorf("invalid front matter: %w", err)
		}
		rest = rest[len(m[0]):]
	}
	if f.StepLimit < 0 {
		return nil, fmt.Errorf("invalid front matter: step_limit must be positive, got %d", f.StepLimit)
	}

	if m := packagesBlockRE.FindStringSubmatch(rest); m != nil {
		for _, line := range strings.Split(m[1], "\n") {
			if pkg := strings.TrimSpace(line); pkg != "" && !strings.HasPrefix(pkg, "#") {
				f.Packages = append(f.Packages, pkg)
			}
		}
		rest = rest[len(m[0]):]
	}

	f.Packages = dedupe(f.Packages)
	f.Body = strings.TrimSpace(rest)
	return f, nil
}

// Prompt renders the project section appended to the system prompt.
func (f *File) Prompt() string {
	if f == nil || (f.Body == "" && len(f.Packages) == 0) {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Project Configuration Active\n")
	if len(f.Packages) > 0 {
		sb.WriteString("\nPackages available for import:\n")
		for _, pkg := range f.Packages {
			fmt.Fprintf(&sb, "- `%s`\n", pkg)
		}
	}
	if f.Body != "" {
		sb.WriteString("\n")
		sb.WriteString(f.Body)
		sb.WriteString("\n")
	}
	return sb.String()
}

// LoadRules reads custom agent rules from <workDir>/.pycoder/rules.
// Returns empty string and no error if the file does not exist.
func LoadRules(workDir string) (string, error) {
	path := filepath.Join(workDir, Dir, RulesFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read rules file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
