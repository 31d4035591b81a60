package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/config"
	"github.com/ChamsBouzaiene/pycoder/internal/engine"
	"github.com/ChamsBouzaiene/pycoder/internal/factory"
	"github.com/ChamsBouzaiene/pycoder/internal/providers"
	"github.com/ChamsBouzaiene/pycoder/internal/session"
)

// newSummaryLLM creates the client used by `history summarize`; tests replace it.
var newSummaryLLM = func() (engine.LLMClient, string, error) {
	cfg := &config.Config{}
	if mgr, err := config.NewManager(); err == nil {
		if loaded, err := mgr.Load(); err == nil {
			cfg = loaded
		}
	}
	llm, res, err := providers.NewLLMClient(providers.Config{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	})
	if err != nil {
		return nil, "", err
	}
	return llm, res.Model, nil
}

func historyCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return usagef("history needs a subcommand: list, show, search, summarize or delete")
	}

	fs := flag.NewFlagSet("history "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("n", 20, "Maximum number of sessions to print")
	messages := fs.Bool("messages", false, "Print the full transcript (show)")
	home := fs.String("home", "", "State directory (default: PYCODER_HOME or ~/.pycoder)")
	if err := fs.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			return err
		}
		return usageError{msg: err.Error()}
	}
	rest := fs.Args()

	dir, err := factory.ResolveHome(*home)
	if err != nil {
		return err
	}
	store, err := session.NewStore(ctx, session.DefaultStorePath(dir))
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "list":
		metas, err := store.List(ctx, *limit)
		if err != nil {
			return err
		}
		printMetas(stdout, metas, false)
		return nil

	case "show":
		if len(rest) != 1 {
			return usagef("usage: pycoder history show [--messages] <session-id>")
		}
		rec, err := store.Load(ctx, rest[0])
		if err != nil {
			return err
		}
		printRecord(stdout, rec, *messages)
		return nil

	case "search":
		query := strings.TrimSpace(strings.Join(rest, " "))
		if query == "" {
			return usagef("usage: pycoder history search <query>")
		}
		metas, err := store.Search(ctx, query, *limit)
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Fprintf(stdout, "No sessions match %q\n", query)
			return nil
		}
		printMetas(stdout, metas, true)
		return nil

	case "summarize":
		if len(rest) != 1 {
			return usagef("usage: pycoder history summarize <session-id>")
		}
		return summarizeSession(ctx, store, rest[0], stdout)

	case "delete":
		if len(rest) != 1 {
			return usagef("usage: pycoder history delete <session-id>")
		}
		if err := store.Delete(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Deleted session %s\n", rest[0])
		return nil

	default:
		return usagef("unknown history subcommand: %s", args[0])
	}
}

// summarizeSession asks the LLM for a title and a summary and stores both.
func summarizeSession(ctx context.Context, store *session.Store, id string, stdout io.Writer) error {
	rec, err := store.Load(ctx, id)
	if err != nil {
		return err
	}
	llm, model, err := newSummaryLLM()
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	summarizer := session.NewSummarizer(llm, model)

	title, err := summarizer.GenerateTitle(ctx, rec.Messages)
	if err != nil {
		return err
	}
	summary, err := summarizer.GenerateSummary(ctx, rec.Messages)
	if err != nil {
		return err
	}
	if title != "" {
		rec.Title = title
	}
	rec.Summary = summary
	if err := store.Save(ctx, rec); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n\n%s\n", rec.Title, rec.Summary)
	return nil
}

func printMetas(w io.Writer, metas []session.Meta, withScore bool) {
	if len(metas) == 0 {
		fmt.Fprintln(w, "No sessions recorded yet")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	header := "ID\tUPDATED\tSTATUS\tSTEPS\tMODEL\tTITLE"
	if withScore {
		header += "\tSCORE"
	}
	fmt.Fprintln(tw, header)
	for _, m := range metas {
		line := fmt.Sprintf("%s\t%s\t%s\t%d\t%s\t%s",
			m.ID, m.UpdatedAt.Local().Format("2006-01-02 15:04"), m.Status, m.Steps, m.Model, truncate(m.Title, 60))
		if withScore {
			line += fmt.Sprintf("\t%.2f", m.Score)
		}
		fmt.Fprintln(tw, line)
	}
	tw.Flush()
}

func printRecord(w io.Writer, rec *session.Record, withMessages bool) {
	fmt.Fprintf(w, "Session:   %s\n", rec.ID)
	fmt.Fprintf(w, "Title:     %s\n", rec.Title)
	fmt.Fprintf(w, "Status:    %s\n", rec.Status)
	if rec.Reason != "" {
		fmt.Fprintf(w, "Reason:    %s\n", rec.Reason)
	}
	fmt.Fprintf(w, "Model:     %s\n", rec.Model)
	fmt.Fprintf(w, "Work dir:  %s\n", rec.WorkDir)
	fmt.Fprintf(w, "Steps:     %d\n", rec.Steps)
	fmt.Fprintf(w, "Tokens:    %d (prompt %d, completion %d)\n", rec.Usage.Total, rec.Usage.Prompt, rec.Usage.Completion)
	fmt.Fprintf(w, "Elapsed:   %s\n", rec.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Created:   %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
	if rec.Artifact != "" {
		fmt.Fprintf(w, "Artifact:  %s\n", rec.Artifact)
	}
	for _, is := range rec.Issues {
		fmt.Fprintf(w, "Issue:     %s\n", is)
	}
	fmt.Fprintf(w, "\nTask:\n%s\n", rec.Task)
	if rec.Summary != "" {
		fmt.Fprintf(w, "\nSummary:\n%s\n", rec.Summary)
	}
	if !withMessages {
		return
	}

	fmt.Fprintln(w, "\nTranscript:")
	for _, m := range rec.Messages {
		switch {
		case m.Role == engine.RoleTool && m.Result != nil:
			fmt.Fprintf(w, "[%d] tool %s: %s\n", m.Seq, m.Result.Tool, truncate(m.Result.Render(), 2000))
		case len(m.ToolCalls) > 0:
			if strings.TrimSpace(m.Content) != "" {
				fmt.Fprintf(w, "[%d] %s: %s\n", m.Seq, m.Role, m.Content)
			}
			for _, c := range m.ToolCalls {
				fmt.Fprintf(w, "[%d] %s → %s %s\n", m.Seq, m.Role, c.Name, engine.ToolCallPreview(c))
			}
		case m.Role == engine.RoleSystem:
			fmt.Fprintf(w, "[%d] system: (%d chars)\n", m.Seq, len(m.Content))
		default:
			fmt.Fprintf(w, "[%d] %s: %s\n", m.Seq, m.Role, m.Content)
		}
	}
}
