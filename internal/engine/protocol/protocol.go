// Package protocol defines the NDJSON messages exchanged by `pycoder serve`:
// commands read from stdin and events written to stdout, one JSON object per line.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CommandType enumerates all supported client -> engine commands.
type CommandType string

const (
	CommandStartSession  CommandType = "start_session"
	CommandUserMessage   CommandType = "user_message"
	CommandCancelRequest CommandType = "cancel_request"
	CommandEndSession    CommandType = "end_session"
)

// Command is a marker interface implemented by all protocol commands.
type Command interface {
	GetType() CommandType
}

// SessionConfig overrides the server defaults for one session.
type SessionConfig struct {
	Provider  string   `json:"provider,omitempty"`
	Model     string   `json:"model,omitempty"`
	Packages  []string `json:"packages,omitempty"`
	StepLimit int      `json:"step_limit,omitempty"`
	Todo      bool     `json:"todo,omitempty"`
	Project   string   `json:"project,omitempty"` // project instructions appended to the prompt
}

// StartSessionCommand creates a session with its own directory and sandbox.
type StartSessionCommand struct {
	Type      CommandType   `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	WorkDir   string        `json:"work_dir,omitempty"`
	Config    SessionConfig `json:"config,omitempty"`
}

// GetType implements Command.
func (c StartSessionCommand) GetType() CommandType { return CommandStartSession }

// UserMessageCommand sends a task or follow-up to a session.
type UserMessageCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
}

// GetType implements Command.
func (c UserMessageCommand) GetType() CommandType { return CommandUserMessage }

// CancelRequestCommand requests cancellation of the session's running request.
type CancelRequestCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
}

// GetType implements Command.
func (c CancelRequestCommand) GetType() CommandType { return CommandCancelRequest }

// EndSessionCommand closes a session and releases its sandbox.
type EndSessionCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"session_id"`
}

// GetType implements Command.
func (c EndSessionCommand) GetType() CommandType { return CommandEndSession }

type rawCommand struct {
	Type CommandType `json:"type"`
}

// DecodeCommand converts raw JSON into a strongly typed command.
func DecodeCommand(data []byte) (Command, error) {
	var base rawCommand
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch base.Type {
	case CommandStartSession:
		var cmd StartSessionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode start_session: %w", err)
		}
		return cmd, nil
	case CommandUserMessage:
		var cmd UserMessageCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode user_message: %w", err)
		}
		if cmd.SessionID == "" {
			return nil, errors.New("user_message requires session_id")
		}
		if cmd.Message == "" {
			return nil, errors.New("user_message requires message")
		}
		return cmd, nil
	case CommandCancelRequest:
		var cmd CancelRequestCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode cancel_request: %w", err)
		}
		if cmd.SessionID == "" {
			return nil, errors.New("cancel_request requires session_id")
		}
		return cmd, nil
	case CommandEndSession:
		var cmd EndSessionCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, fmt.Errorf("decode end_session: %w", err)
		}
		if cmd.SessionID == "" {
			return nil, errors.New("end_session requires session_id")
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command type: %s", base.Type)
	}
}

// NewSessionID generates a new opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// EventType enumerates engine -> client events.
type EventType string

const (
	EventStatus        EventType = "status"
	EventAssistantText EventType = "assistant_text"
	EventTool          EventType = "tool_event"
	EventToolOutput    EventType = "tool_output"
	EventFilesChanged  EventType = "files_changed"
	EventTokenUsage    EventType = "token_usage"
	EventDone          EventType = "done"
	EventError         EventType = "error"
	EventCancelled     EventType = "cancelled"
)

// Event is implemented by every outgoing message.
type Event interface {
	isEvent()
	GetType() EventType
}

// MarshalEvent serializes an event into JSON for NDJSON transport.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

type eventBase struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
}

func (eventBase) isEvent() {}

// StatusEvent communicates coarse engine state.
type StatusEvent struct {
	eventBase
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// NewStatusEvent constructs a status event.
func NewStatusEvent(sessionID, status, detail string) StatusEvent {
	return StatusEvent{
		eventBase: eventBase{Type: EventStatus, SessionID: sessionID},
		Status:    status,
		Detail:    detail,
	}
}

// GetType implements Event.
func (e StatusEvent) GetType() EventType { return e.Type }

// AssistantTextEvent carries text written by the model.
type AssistantTextEvent struct {
	eventBase
	Content string `json:"content"`
	Final   bool   `json:"final,omitempty"`
}

// NewAssistantTextEvent constructs an assistant_text event.
func NewAssistantTextEvent(sessionID, content string, final bool) AssistantTextEvent {
	return AssistantTextEvent{
		eventBase: eventBase{Type: EventAssistantText, SessionID: sessionID},
		Content:   content,
		Final:     final,
	}
}

// GetType implements Event.
func (e AssistantTextEvent) GetType() EventType { return e.Type }

// ToolEvent tracks the lifecycle of one tool call.
type ToolEvent struct {
	eventBase
	CallID  string `json:"call_id"`
	Tool    string `json:"tool"`
	Phase   string `json:"phase"` // "started" | "completed"
	Success *bool  `json:"success,omitempty"`
	Details string `json:"details,omitempty"`
}

// NewToolEvent constructs a tool_event message.
func NewToolEvent(sessionID, callID, tool, phase string, success *bool, details string) ToolEvent {
	return ToolEvent{
		eventBase: eventBase{Type: EventTool, SessionID: sessionID},
		CallID:    callID,
		Tool:      tool,
		Phase:     phase,
		Success:   success,
		Details:   details,
	}
}

// GetType implements Event.
func (e ToolEvent) GetType() EventType { return e.Type }

// ToolOutputEvent carries what executed code printed.
type ToolOutputEvent struct {
	eventBase
	CallID    string `json:"call_id"`
	Stream    string `json:"stream"` // "stdout" | "stderr" | "value"
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

// NewToolOutputEvent constructs a tool_output event.
func NewToolOutputEvent(sessionID, callID, stream, output string, truncated bool) ToolOutputEvent {
	return ToolOutputEvent{
		eventBase: eventBase{Type: EventToolOutput, SessionID: sessionID},
		CallID:    callID,
		Stream:    stream,
		Output:    output,
		Truncated: truncated,
	}
}

// GetType implements Event.
func (e ToolOutputEvent) GetType() EventType { return e.Type }

// FilesChangedEvent lists files created, modified or removed in the working directory.
type FilesChangedEvent struct {
	eventBase
	Files []string `json:"files"`
}

// NewFilesChangedEvent constructs a files_changed event.
func NewFilesChangedEvent(sessionID string, files []string) FilesChangedEvent {
	return FilesChangedEvent{
		eventBase: eventBase{Type: EventFilesChanged, SessionID: sessionID},
		Files:     files,
	}
}

// GetType implements Event.
func (e FilesChangedEvent) GetType() EventType { return e.Type }

// TokenUsageEvent reports cumulative token consumption.
type TokenUsageEvent struct {
	eventBase
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	Total            int `json:"total"`
	Limit            int `json:"limit,omitempty"`
}

// NewTokenUsageEvent constructs a token_usage event.
func NewTokenUsageEvent(sessionID string, prompt, completion, total, limit int) TokenUsageEvent {
	return TokenUsageEvent{
		eventBase:        eventBase{Type: EventTokenUsage, SessionID: sessionID},
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Total:            total,
		Limit:            limit,
	}
}

// GetType implements Event.
func (e TokenUsageEvent) GetType() EventType { return e.Type }

// DoneEvent reports the terminal state of one request.
type DoneEvent struct {
	eventBase
	RequestID string `json:"request_id,omitempty"`
	State     string `json:"state"`
	ExitCode  int    `json:"exit_code"`
	Steps     int    `json:"steps"`
	Summary   string `json:"summary,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Artifact  string `json:"artifact,omitempty"`
}

// NewDoneEvent constructs a done event.
func NewDoneEvent(sessionID, requestID, state string, exitCode, steps int, summary, reason, artifact string) DoneEvent {
	return DoneEvent{
		eventBase: eventBase{Type: EventDone, SessionID: sessionID},
		RequestID: requestID,
		State:     state,
		ExitCode:  exitCode,
		Steps:     steps,
		Summary:   summary,
		Reason:    reason,
		Artifact:  artifact,
	}
}

// GetType implements Event.
func (e DoneEvent) GetType() EventType { return e.Type }

// ErrorEvent reports recoverable protocol or engine issues.
type ErrorEvent struct {
	eventBase
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

// NewErrorEvent constructs an error event.
func NewErrorEvent(sessionID, message, kind, details string) ErrorEvent {
	return ErrorEvent{
		eventBase: eventBase{Type: EventError, SessionID: sessionID},
		Message:   message,
		Kind:      kind,
		Details:   details,
	}
}

// GetType implements Event.
func (e ErrorEvent) GetType() EventType { return e.Type }

// CancelledEvent signals that a request was cancelled by the client.
type CancelledEvent struct {
	eventBase
	Reason string `json:"reason,omitempty"`
}

// NewCancelledEvent constructs a cancelled event.
func NewCancelledEvent(sessionID, reason string) CancelledEvent {
	return CancelledEvent{
		eventBase: eventBase{Type: EventCancelled, SessionID: sessionID},
		Reason:    reason,
	}
}

// GetType implements Event.
func (e CancelledEvent) GetType() EventType { return e.Type }
