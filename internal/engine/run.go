package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// LoopState is a state of the orchestrator state machine.
type LoopState string

const (
	StatePlanning       LoopState = "PLANNING"
	StateDispatching    LoopState = "DISPATCHING"
	StateObserving      LoopState = "OBSERVING"
	StateCompleted      LoopState = "COMPLETED"
	StateBudgetExceeded LoopState = "BUDGET_EXCEEDED"
	StateFatalError     LoopState = "FATAL_ERROR"
)

// Terminal reports whether no further transition can follow s.
func (s LoopState) Terminal() bool {
	switch s {
	case StateCompleted, StateBudgetExceeded, StateFatalError:
		return true
	}
	return false
}

// Process exit codes for each terminal state.
const (
	ExitCompleted      = 0
	ExitFatal          = 1
	ExitBudgetExceeded = 2
)

// Outcome is the single result of a run.
type Outcome struct {
	State       LoopState
	Steps       int
	Usage       Usage
	Elapsed     time.Duration
	FinalAnswer string
	Reason      string
	Err         error // set when State is FATAL_ERROR
}

// ExitCode maps the terminal state to a process exit code.
func (o Outcome) ExitCode() int {
	switch o.State {
	case StateCompleted:
		return ExitCompleted
	case StateBudgetExceeded:
		return ExitBudgetExceeded
	default:
		return ExitFatal
	}
}

// Run drives one task through PLANNING → DISPATCHING → OBSERVING until a terminal
// state is reached. Every call returns exactly one Outcome and fires OnDone once.
//
// Step counting: a step is one observed model turn (tool batch or malformed output).
// The budget is checked before every PLANNING transition. A parent context that is
// cancelled ends the run in FATAL_ERROR; reaching the wall-clock ceiling ends it in
// BUDGET_EXCEEDED.
func Run(ctx context.Context, llm LLMClient, reg ToolRegistry, st *State, budget Budget, hooks Hooks, opts ChatOptions) Outcome {
	st.Step = 0
	if st.now == nil {
		st.now = time.Now
	}
	st.Started = st.now()

	runCtx := ctx
	if dl, ok := budget.deadline(st); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, dl)
		defer cancel()
	}

	m := &machine{
		parent: ctx,
		ctx:    runCtx,
		llm:    llm,
		reg:    reg,
		st:     st,
		budget: budget,
		hooks:  hooks,
		opts:   opts,
		retry:  getRetryConfig(opts),
	}

	out := m.loop()
	out.Steps = st.Step
	out.Usage = st.Totals
	out.Elapsed = st.Elapsed()
	hooks.OnDone(ctx, st, out)
	return out
}

func (m *machine) loop() Outcome {
	for {
		if err := m.parent.Err(); err != nil {
			return m.fatal(fmt.Errorf("execution cancelled: %w", err))
		}
		if ok, reason := m.budget.MayContinue(m.st); !ok {
			return m.exceeded(reason)
		}

		m.transition(StatePlanning)
		resp, err := m.plan()
		if err != nil {
			if m.deadlineHit() {
				return m.exceeded("time limit reached while waiting for the model")
			}
			if m.parent.Err() != nil {
				return m.fatal(fmt.Errorf("execution cancelled: %w", m.parent.Err()))
			}
			return m.fatal(WrapWithContext(err, m.st, StatePlanning, "llm_call", ""))
		}

		if len(resp.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Content) != "" {
				m.appendMessage(ChatMessage{Role: RoleAgent, Content: resp.Content})
				m.transition(StateCompleted)
				return Outcome{State: StateCompleted, FinalAnswer: resp.Content, Reason: "final answer"}
			}
			m.malformed("the response contained neither text nor a tool call")
			m.observe()
			continue
		}

		calls := normalizeCalls(resp.ToolCalls)
		m.appendMessage(ChatMessage{Role: RoleAgent, Content: resp.Content, ToolCalls: calls})
		m.transition(StateDispatching)
		m.dispatch(calls)
		m.observe()
	}
}

func (m *machine) deadlineHit() bool {
	return m.parent.Err() == nil && errors.Is(m.ctx.Err(), context.DeadlineExceeded)
}

func (m *machine) fatal(err error) Outcome {
	m.transition(StateFatalError)
	return Outcome{State: StateFatalError, Reason: err.Error(), Err: err}
}

func (m *machine) exceeded(reason string) Outcome {
	m.hooks.OnBudgetExceeded(m.parent, m.st, reason)
	m.transition(StateBudgetExceeded)
	return Outcome{State: StateBudgetExceeded, Reason: reason}
}
