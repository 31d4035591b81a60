package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/engine/enginetest"
	"github.com/ChamsBouzaiene/pycoder/internal/session"
)

// recordedSession runs one task through the CLI and returns its history id.
func recordedSession(t *testing.T, task string) (home, id string) {
	t.Helper()
	home = useFakeRuntime(t, &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{enginetest.Text("The sum is 17")}})

	if code := dispatch(context.Background(), []string{"run", "-q", "-d", t.TempDir(), task}, strings.NewReader(""), io.Discard, io.Discard); code != engine.ExitCompleted {
		t.Fatalf("run exit = %d", code)
	}

	store, err := session.NewStore(context.Background(), session.DefaultStorePath(home))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()
	metas, err := store.List(context.Background(), 10)
	if err != nil || len(metas) != 1 {
		t.Fatalf("List() = %+v, %v", metas, err)
	}
	return home, metas[0].ID
}

func TestHistoryListShowSearch(t *testing.T) {
	home, id := recordedSession(t, "sum the primes below 10")

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"list", []string{"list", "--home", home}, []string{"ID", id, session.StatusSuccess, "sum the primes below 10"}},
		{"show", []string{"show", "--home", home, id}, []string{"Session:   " + id, "Status:    " + session.StatusSuccess, "Task:\nsum the primes below 10"}},
		{"show transcript", []string{"show", "--home", home, "--messages", id}, []string{"Transcript:", "user: sum the primes below 10", "agent: The sum is 17"}},
		{"search hit", []string{"search", "--home", home, "primes"}, []string{id, "SCORE"}},
		{"search miss", []string{"search", "--home", home, "kubernetes"}, []string{`No sessions match "kubernetes"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout bytes.Buffer
			if err := historyCommand(context.Background(), tt.args, &stdout, io.Discard); err != nil {
				t.Fatalf("historyCommand(%v) error = %v", tt.args, err)
			}
			for _, want := range tt.want {
				if !strings.Contains(stdout.String(), want) {
					t.Errorf("output missing %q:\n%s", want, stdout.String())
				}
			}
		})
	}
}

func TestHistorySummarizeAndDelete(t *testing.T) {
	home, id := recordedSession(t, "sum the primes below 10")

	llm := &enginetest.ScriptedLLM{Responses: []engine.LLMResponse{
		enginetest.Text("Prime Sum Script"),
		enginetest.Text("Computed the sum of primes below 10 (17)."),
	}}
	orig := newSummaryLLM
	newSummaryLLM = func() (engine.LLMClient, string, error) { return llm, "fake-model", nil }
	t.Cleanup(func() { newSummaryLLM = orig })

	var stdout bytes.Buffer
	if err := historyCommand(context.Background(), []string{"summarize", "--home", home, id}, &stdout, io.Discard); err != nil {
		t.Fatalf("summarize error = %v", err)
	}
	if !strings.Contains(stdout.String(), "Prime Sum Script") {
		t.Errorf("summarize output = %s", stdout.String())
	}

	stdout.Reset()
	if err := historyCommand(context.Background(), []string{"show", "--home", home, id}, &stdout, io.Discard); err != nil {
		t.Fatalf("show error = %v", err)
	}
	for _, want := range []string{"Title:     Prime Sum Script", "Summary:\nComputed the sum of primes below 10 (17)."} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("show missing %q:\n%s", want, stdout.String())
		}
	}

	if err := historyCommand(context.Background(), []string{"delete", "--home", home, id}, io.Discard, io.Discard); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	err := historyCommand(context.Background(), []string{"show", "--home", home, id}, io.Discard, io.Discard)
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("show after delete error = %v, want ErrNotFound", err)
	}
}

func TestHistoryUsageErrors(t *testing.T) {
	home := t.TempDir()
	tests := [][]string{
		{"list", "--bogus"},
		{"show", "--home", home},
		{"search", "--home", home},
		{"summarize", "--home", home},
		{"delete", "--home", home},
		{"rewind", "--home", home},
	}
	for _, args := range tests {
		err := historyCommand(context.Background(), args, io.Discard, io.Discard)
		var uerr usageError
		if !errors.As(err, &uerr) {
			t.Errorf("historyCommand(%v) error = %v, want usage error", args, err)
		}
	}
}
