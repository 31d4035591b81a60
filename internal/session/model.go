package session

import (
	"time"

	"github.com/ChamsBouzaiene/pycoder/internal/engine"
)

// Status values recorded for a finished session.
const (
	StatusRunning           = "running"
	StatusSuccess           = "success"
	StatusSuccessWithIssues = "success_with_issues"
	StatusBudgetExceeded    = "budget_exceeded"
	StatusFatalError        = "fatal_error"
)

// StatusFor maps an outcome to the status stored in history and the log.
func StatusFor(out engine.Outcome, issues int) string {
	switch out.State {
	case engine.StateCompleted:
		if issues > 0 {
			return StatusSuccessWithIssues
		}
		return StatusSuccess
	case engine.StateBudgetExceeded:
		return StatusBudgetExceeded
	default:
		return StatusFatalError
	}
}

// Record is a persisted session: metadata plus the full conversation.
type Record struct {
	ID        string               `json:"id"`
	WorkDir   string               `json:"work_dir"`
	Task      string               `json:"task"`
	Title     string               `json:"title"`
	Model     string               `json:"model"`
	Provider  string               `json:"provider,omitempty"`
	Status    string               `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	Steps     int                  `json:"steps"`
	Usage     engine.Usage         `json:"usage"`
	Elapsed   time.Duration        `json:"elapsed"`
	Artifact  string               `json:"artifact,omitempty"`
	Issues    []string             `json:"issues,omitempty"`
	Summary   string               `json:"summary,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Messages  []engine.ChatMessage `json:"messages,omitempty"`
}

// Meta is the lightweight form used for listings and search hits.
type Meta struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Task      string    `json:"task"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	Steps     int       `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Score     float64   `json:"score,omitempty"`
}

// Meta returns the listing form of r.
func (r *Record) Meta() Meta {
	return Meta{
		ID:        r.ID,
		Title:     r.Title,
		Task:      r.Task,
		Model:     r.Model,
		Status:    r.Status,
		Steps:     r.Steps,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
