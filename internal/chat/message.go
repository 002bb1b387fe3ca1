package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role identifies which participant produced a message.
type Role string

const (
	RoleUser     Role = "user"
	RoleTerminal Role = "terminal"
	RoleChatbot  Role = "chatbot"
)

// Roles lists every participant role in registration order.
var Roles = []Role{RoleUser, RoleTerminal, RoleChatbot}

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleTerminal, RoleChatbot:
		return true
	default:
		return false
	}
}

// Kind tells readers how to interpret a message body.
type Kind string

const (
	KindPlainText      Kind = "plain_text"
	KindCommandRequest Kind = "command_request"
	KindCommandResult  Kind = "command_result"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPlainText, KindCommandRequest, KindCommandResult:
		return true
	default:
		return false
	}
}

// Message is one immutable entry of the chat log. Values are copied out of
// the log, so holding one never aliases log storage.
type Message struct {
	Sequence  int64
	Sender    Role
	Kind      Kind
	Body      string
	CreatedAt time.Time
}

func (m Message) String() string {
	return fmt.Sprintf("#%d %s/%s: %s", m.Sequence, m.Sender, m.Kind, m.Body)
}

// Exit statuses recorded when the command never produced a real one.
const (
	ExitSpawnFailed = -1
	ExitTimedOut    = -2
	ExitCancelled   = -3
)

// CommandResult is the decoded body of a KindCommandResult message.
type CommandResult struct {
	Output     string
	ExitStatus int
	TimedOut   bool
	Cancelled  bool
	SpawnError string
}

// Failed reports whether the command did not exit cleanly.
func (r CommandResult) Failed() bool {
	return r.ExitStatus != 0 || r.TimedOut || r.Cancelled || r.SpawnError != ""
}

// Encode renders the result as a header block, a blank line, then the output.
func (r CommandResult) Encode() string {
	var b strings.Builder
	b.WriteString("exit_status: ")
	b.WriteString(strconv.Itoa(r.ExitStatus))
	b.WriteString("\n")
	if r.TimedOut {
		b.WriteString("timed_out: true\n")
	}
	if r.Cancelled {
		b.WriteString("cancelled: true\n")
	}
	if r.SpawnError != "" {
		b.WriteString("spawn_error: ")
		b.WriteString(strings.Join(strings.Fields(r.SpawnError), " "))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(r.Output)
	return b.String()
}

// DecodeCommandResult parses a body produced by CommandResult.Encode.
func DecodeCommandResult(body string) (CommandResult, error) {
	header, output, found := strings.Cut(body, "\n\n")
	if !found {
		header = strings.TrimRight(body, "\n")
		output = ""
	}
	var out CommandResult
	sawStatus := false
	for _, line := range strings.Split(header, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return CommandResult{}, fmt.Errorf("malformed command result header line %q", line)
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "exit_status":
			status, err := strconv.Atoi(value)
			if err != nil {
				return CommandResult{}, fmt.Errorf("invalid exit_status %q: %w", value, err)
			}
			out.ExitStatus = status
			sawStatus = true
		case "timed_out":
			out.TimedOut = value == "true"
		case "cancelled":
			out.Cancelled = value == "true"
		case "spawn_error":
			out.SpawnError = value
		}
	}
	if !sawStatus {
		return CommandResult{}, fmt.Errorf("command result missing exit_status")
	}
	out.Output = output
	return out, nil
}
