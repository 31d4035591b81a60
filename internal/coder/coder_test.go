package coder

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/config"
	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/engine/enginetest"
	"github.com/ChamsBouzaiene/pycoder/internal/sandbox/sandboxtest"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("PYCODER_STEP_LIMIT", "40")
	t.Setenv("PYCODER_TIMEOUT", "90")
	t.Setenv("PYCODER_MAX_TOKENS", "not-a-number")

	s := FromEnv()
	if s.StepLimit != 40 || s.Timeout != 90*time.Second || s.MaxTokens != 0 {
		t.Errorf("FromEnv() = %+v", s)
	}

	t.Setenv("PYCODER_TIMEOUT", "15m")
	if got := FromEnv().Timeout; got != 15*time.Minute {
		t.Errorf("timeout = %s", got)
	}
}

func TestBudget(t *testing.T) {
	b := Settings{}.Budget()
	if b != engine.DefaultBudget() {
		t.Errorf("zero settings budget = %+v", b)
	}
	b = Settings{StepLimit: 3, Timeout: time.Minute, MaxTokens: 500}.Budget()
	want := engine.Budget{MaxSteps: 3, MaxDuration: time.Minute, MaxTokens: 500}
	if b != want {
		t.Errorf("budget = %+v, want %+v", b, want)
	}
}

func TestMerge(t *testing.T) {
	base := Settings{StepLimit: 200, Model: "sonnet", Packages: []string{"numpy"}}
	got := base.Merge(Settings{Model: "deepseek", Packages: []string{"pandas"}, Todo: true})

	if got.StepLimit != 200 || got.Model != "deepseek" || !got.Todo {
		t.Errorf("Merge() = %+v", got)
	}
	if !reflect.DeepEqual(got.Packages, []string{"numpy", "pandas"}) {
		t.Errorf("packages = %v", got.Packages)
	}
	if len(base.Packages) != 1 {
		t.Error("Merge() modified the receiver")
	}
}

func writeProject(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolvePrecedence(t *testing.T) {
	proj := writeProject(t, "---\nmodel: qwen\nstep_limit: 30\npackages: [sympy]\n---\nUse sympy.")
	user := &config.Config{Provider: "openrouter", Model: "opus", APIKey: "sk-user"}

	tests := []struct {
		name      string
		in        Settings
		wantModel string
		wantSteps int
	}{
		{"project beats user config", Settings{ProjectFile: proj, User: user}, "qwen", 30},
		{"flags beat project", Settings{ProjectFile: proj, User: user, Model: "gpt", StepLimit: 5}, "gpt", 5},
		{"user config without project", Settings{User: user}, "opus", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Resolve(tt.in)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.Model != tt.wantModel || got.StepLimit != tt.wantSteps {
				t.Errorf("model=%q steps=%d", got.Model, got.StepLimit)
			}
			if got.APIKey != "sk-user" {
				t.Errorf("api key not taken from user config")
			}
		})
	}
}

func TestResolveInstructionsAndPackages(t *testing.T) {
	workDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workDir, ".pycoder"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workDir, ".pycoder", "rules"), []byte("Prefer numpy."), 0o644); err != nil {
		t.Fatal(err)
	}
	proj := writeProject(t, "```packages\nnumpy\n```\nMatrix helpers.")

	got, instructions, err := Resolve(Settings{WorkDir: workDir, ProjectFile: proj, Packages: []string{"scipy"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(got.Packages, []string{"numpy", "scipy"}) {
		t.Errorf("packages = %v", got.Packages)
	}
	for _, want := range []string{"Matrix helpers.", "Prefer numpy.", "- `numpy`"} {
		if !strings.Contains(instructions, want) {
			t.Errorf("instructions missing %q:\n%s", want, instructions)
		}
	}

	if _, _, err := Resolve(Settings{Packages: []string{"numpy; rm -rf /"}}); err == nil {
		t.Error("Resolve() accepted an invalid package spec")
	}
	if _, _, err := Resolve(Settings{ProjectFile: filepath.Join(workDir, "missing.md")}); err == nil {
		t.Error("Resolve() accepted a missing project file")
	}
}

func TestSolve(t *testing.T) {
	llm := &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{
		enginetest.Tools(enginetest.Call("c1", "execute_code", map[string]any{"code": "x = 5"})),
		enginetest.Tools(enginetest.Call("c2", "save_artifact", map[string]any{"code": "x = 5\nprint(x + 1)"})),
		enginetest.Text("saved"),
	}}
	launcher := &sandboxtest.Launcher{}
	workDir := t.TempDir()

	res, err := Solve(context.Background(), Settings{
		Task:     "print six",
		TaskFile: "six.md",
		WorkDir:  workDir,
		Packages: []string{"numpy"},
	}, Infra{Launcher: launcher, LLM: llm})
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if res.Outcome.State != engine.StateCompleted || res.Status != "success" {
		t.Errorf("outcome = %+v status = %s", res.Outcome, res.Status)
	}
	if res.Artifact != filepath.Join(workDir, "six_code.py") {
		t.Errorf("artifact = %q", res.Artifact)
	}
	if res.LogPath != filepath.Join(workDir, "six.jsonl") {
		t.Errorf("log = %q", res.LogPath)
	}
	if specs := launcher.Specs(); len(specs) != 1 || !reflect.DeepEqual(specs[0].Packages, []string{"numpy"}) {
		t.Errorf("launch specs = %+v", specs)
	}
}

func TestSolveRejectsEmptyTask(t *testing.T) {
	if _, err := Solve(context.Background(), Settings{Task: "  "}, Infra{}); err == nil {
		t.Error("Solve() accepted an empty task")
	}
}
