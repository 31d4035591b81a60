package reasoning

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// Issue is a problem the agent reported about its environment or task.
type Issue struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// IssueLog collects reported issues for the session record.
type IssueLog struct {
	mu     sync.Mutex
	issues []Issue
}

func NewIssueLog() *IssueLog {
	return &IssueLog{}
}

// Add records an issue.
func (l *IssueLog) Add(message string) Issue {
	l.mu.Lock()
	defer l.mu.Unlock()
	is := Issue{Message: message, Time: time.Now()}
	l.issues = append(l.issues, is)
	return is
}

// Issues returns a copy of all reported issues.
func (l *IssueLog) Issues() []Issue {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Issue(nil), l.issues...)
}

// Len returns the number of reported issues.
func (l *IssueLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.issues)
}

// ReportIssueArgs is the input of report_issue.
type ReportIssueArgs struct {
	Message string `json:"message"`
}

// NewReportIssueTool creates the report_issue tool. It always succeeds.
func NewReportIssueTool(issues *IssueLog) engine.Tool {
	return engine.Tool{
		Name: "report_issue",
		Description: `Report an environment or specification problem.

Use this only for missing packages or import errors, unclear task requirements,
or environment and tool problems. Do not use it for bugs in your own code.`,
		SchemaJSON: `{"type":"object","properties":{
			"message":{"type":"string","description":"Description of the issue"}
		},"required":["message"],"additionalProperties":false}`,
		Fn: func(ctx context.Context, args map[string]any) (engine.ToolResult, error) {
			var in ReportIssueArgs
			if err := engine.DecodeArgs(args, &in); err != nil {
				return engine.ToolResult{}, err
			}
			issues.Add(in.Message)
			log.Printf("🚩 Issue reported: %s", in.Message)
			return engine.TextResult("Issue reported and will be included in the session log"), nil
		},
		Metadata: engine.ToolMetadata{
			Version:  "1.0.0",
			Category: "meta",
			Tags:     []string{"feedback", "communication"},
		},
	}
}
