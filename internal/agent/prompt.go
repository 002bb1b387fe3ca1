package agent

import (
	"fmt"
	"strings"

	"agentchat/internal/chat"
	"agentchat/internal/llm"
)

const (
	DefaultHistoryWindow = 40
	transcriptBodyChars  = 4000
)

// systemPrompt explains the tool protocol. Placeholders: chatbot name,
// terminal name, user name.
const systemPrompt = `You are %[1]s, an assistant working next to %[3]s with access to a Linux shell named %[2]s.

Rules:
1. To run a shell command, reply with exactly one block: <command>the command</command>
   Equivalent form: <message from='%[1]s' to='%[2]s'>the command</message>
   Only the first block in a reply is executed. Text around it is ignored.
2. After a command you will see its result from %[2]s (exit status and combined output).
   Never assume a command ran until you have seen that result.
3. Finish multi-step tasks before answering %[3]s. Do not send partial progress updates.
4. When the task is done, answer %[3]s in plain text without any command block.`

// RenderTranscript renders messages as the linear transcript the model sees.
func RenderTranscript(messages []chat.Message, names Names) string {
	if len(messages) == 0 {
		return "(no prior messages)"
	}
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderTranscriptEntry(msg, names))
	}
	return b.String()
}

func renderTranscriptEntry(msg chat.Message, names Names) string {
	sender := names.Of(msg.Sender)
	switch msg.Kind {
	case chat.KindCommandRequest:
		return fmt.Sprintf("[#%d %s -> %s] <command>%s</command>", msg.Sequence, sender, names.Of(chat.RoleTerminal), msg.Body)
	case chat.KindCommandResult:
		result, err := chat.DecodeCommandResult(msg.Body)
		if err != nil {
			return fmt.Sprintf("[#%d %s] %s", msg.Sequence, sender, truncateBody(msg.Body))
		}
		return fmt.Sprintf("[#%d %s, %s]\n%s", msg.Sequence, sender, describeStatus(result), truncateBody(nullCoalesce(result.Output, "(no output)")))
	default:
		return fmt.Sprintf("[#%d %s] %s", msg.Sequence, sender, truncateBody(msg.Body))
	}
}

// describeStatus summarises how a command ended.
func describeStatus(result chat.CommandResult) string {
	switch {
	case result.SpawnError != "":
		return "failed to start: " + result.SpawnError
	case result.TimedOut:
		return "timed out"
	case result.Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("exit %d", result.ExitStatus)
	}
}

func truncateBody(body string) string {
	if len(body) <= transcriptBodyChars {
		return body
	}
	return body[:transcriptBodyChars-15] + "\n[... truncated]"
}

// BuildTurns assembles the model request turns: the protocol rules, then
// the windowed transcript and the last message to act on.
func BuildTurns(history []chat.Message, names Names, window int) []llm.Turn {
	start := 0
	if window > 0 && len(history) > window {
		start = len(history) - window
	}
	recent := history[start:]
	last := "(none)"
	if len(recent) > 0 {
		last = renderTranscriptEntry(recent[len(recent)-1], names)
	}
	parts := []string{
		"Conversation so far:",
		RenderTranscript(recent, names),
		"",
		"Last message:",
		last,
		"",
		fmt.Sprintf("Your next action as %s:", names.Of(chat.RoleChatbot)),
	}
	return []llm.Turn{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(systemPrompt, names.Of(chat.RoleChatbot), names.Of(chat.RoleTerminal), names.Of(chat.RoleUser))},
		{Role: llm.RoleUser, Content: strings.Join(parts, "\n")},
	}
}
