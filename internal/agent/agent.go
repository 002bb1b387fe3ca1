// Package agent implements the three chat participants: the human user,
// the shell terminal and the model-backed chatbot.
package agent

import (
	"context"
	"errors"
	"fmt"

	"agentchat/internal/chat"
)

// Identity names an agent and carries its render handle.
type Identity struct {
	Name string
	Role chat.Role
	// Color is the lipgloss color the UI draws this agent's messages with.
	Color string
}

// Agent observes the messages appended since its last turn and appends at
// most one message of its own. The returned message is the one appended.
type Agent interface {
	Identity() Identity
	Observe(ctx context.Context, suffix []chat.Message) (*chat.Message, error)
}

// Names maps roles to display names, used in prompts and transcripts.
type Names struct {
	User     string
	Terminal string
	Chatbot  string
}

func DefaultNames() Names {
	return Names{User: "user", Terminal: "terminal", Chatbot: "chatbot"}
}

func (n Names) Of(role chat.Role) string {
	switch role {
	case chat.RoleUser:
		return nullCoalesce(n.User, string(chat.RoleUser))
	case chat.RoleTerminal:
		return nullCoalesce(n.Terminal, string(chat.RoleTerminal))
	case chat.RoleChatbot:
		return nullCoalesce(n.Chatbot, string(chat.RoleChatbot))
	default:
		return string(role)
	}
}

// DefaultColor mirrors the classic palette: white user, green terminal,
// magenta chatbot.
func DefaultColor(role chat.Role) string {
	switch role {
	case chat.RoleTerminal:
		return "#05ffa1"
	case chat.RoleChatbot:
		return "#ff71ce"
	default:
		return "#f3f3ff"
	}
}

var ErrNoDirective = errors.New("no command request to execute")

// ModelError wraps a failed model invocation.
type ModelError struct {
	Model string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// SpawnError means the shell could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func nullCoalesce(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
