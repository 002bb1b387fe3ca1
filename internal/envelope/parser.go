// Package envelope extracts command directives embedded in chatbot replies.
//
// Two block forms are recognised:
//
//	<command>ls -la /tmp</command>
//	<message from='chatbot' to='terminal'>ls -la /tmp</message>
//
// The first well-formed block of either form wins. Anything that is not a
// well-formed block, including unterminated tags, leaves the reply as plain
// text. Parsing never fails.
package envelope

import (
	"html"
	"regexp"
	"strings"
)

const (
	commandOpen  = "<command>"
	commandClose = "</command>"
	messageClose = "</message>"
)

var (
	messageOpenPattern = regexp.MustCompile(`<message(\s+[^<>]*)?>`)
	attrPattern        = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*=\s*(?:'([^']*)'|"([^"]*)")`)
)

// Result is the outcome of parsing one reply. Exactly one of Directive or
// plain text applies: when IsDirective is false, Text holds the original
// reply unchanged.
type Result struct {
	IsDirective bool
	Command     string
	Text        string
	// Start and End bound the honored block within Text.
	Start int
	End   int
}

// Parser recognises directive envelopes. TerminalName selects which
// <message to=...> recipient counts as a command; empty disables that form.
type Parser struct {
	TerminalName string
}

func New(terminalName string) Parser {
	return Parser{TerminalName: strings.TrimSpace(terminalName)}
}

// Parse uses only the <command> form.
func Parse(text string) Result {
	return Parser{}.Parse(text)
}

func (p Parser) Parse(text string) Result {
	plain := Result{Text: text}
	cmdStart, cmdEnd, cmd, cmdOK := findCommandBlock(text)
	msgStart, msgEnd, msgCmd, msgOK := -1, -1, "", false
	if p.TerminalName != "" {
		msgStart, msgEnd, msgCmd, msgOK = findMessageBlock(text, p.TerminalName)
	}
	switch {
	case cmdOK && (!msgOK || cmdStart < msgStart):
		return Result{IsDirective: true, Command: cmd, Text: text, Start: cmdStart, End: cmdEnd}
	case msgOK:
		return Result{IsDirective: true, Command: msgCmd, Text: text, Start: msgStart, End: msgEnd}
	default:
		return plain
	}
}

// findCommandBlock returns the first <command>...</command> pair whose
// payload is non-empty and contains no nested opening tag.
func findCommandBlock(text string) (start, end int, command string, ok bool) {
	offset := 0
	for offset < len(text) {
		open := strings.Index(text[offset:], commandOpen)
		if open < 0 {
			return 0, 0, "", false
		}
		open += offset
		bodyStart := open + len(commandOpen)
		closeIdx := strings.Index(text[bodyStart:], commandClose)
		if closeIdx < 0 {
			return 0, 0, "", false
		}
		closeIdx += bodyStart
		payload := text[bodyStart:closeIdx]
		if nested := strings.LastIndex(payload, commandOpen); nested >= 0 {
			// An unterminated block followed by a complete one: resume at the inner tag.
			offset = bodyStart + nested
			continue
		}
		if command, valid := decodePayload(payload); valid {
			return open, closeIdx + len(commandClose), command, true
		}
		offset = closeIdx + len(commandClose)
	}
	return 0, 0, "", false
}

// findMessageBlock returns the first <message ... to='terminal'>...</message>
// addressed to terminalName.
func findMessageBlock(text, terminalName string) (start, end int, command string, ok bool) {
	offset := 0
	for offset < len(text) {
		loc := messageOpenPattern.FindStringSubmatchIndex(text[offset:])
		if loc == nil {
			return 0, 0, "", false
		}
		open := offset + loc[0]
		bodyStart := offset + loc[1]
		attrs := ""
		if loc[2] >= 0 {
			attrs = text[offset+loc[2] : offset+loc[3]]
		}
		closeIdx := strings.Index(text[bodyStart:], messageClose)
		if closeIdx < 0 {
			return 0, 0, "", false
		}
		closeIdx += bodyStart
		payload := text[bodyStart:closeIdx]
		if nested := messageOpenPattern.FindAllStringIndex(payload, -1); len(nested) > 0 {
			offset = bodyStart + nested[len(nested)-1][0]
			continue
		}
		next := closeIdx + len(messageClose)
		if !strings.EqualFold(attribute(attrs, "to"), terminalName) {
			offset = next
			continue
		}
		if command, valid := decodePayload(payload); valid {
			return open, next, command, true
		}
		offset = next
	}
	return 0, 0, "", false
}

func attribute(attrs, name string) string {
	for _, m := range attrPattern.FindAllStringSubmatch(attrs, -1) {
		if !strings.EqualFold(m[1], name) {
			continue
		}
		if m[2] != "" {
			return strings.TrimSpace(m[2])
		}
		return strings.TrimSpace(m[3])
	}
	return ""
}

// decodePayload unescapes XML entities and trims the command. An empty
// command is not a directive.
func decodePayload(payload string) (string, bool) {
	if strings.HasPrefix(strings.TrimSpace(payload), "<![CDATA[") {
		inner := strings.TrimSpace(payload)
		inner = strings.TrimPrefix(inner, "<![CDATA[")
		var closed bool
		inner, closed = strings.CutSuffix(inner, "]]>")
		if !closed {
			return "", false
		}
		inner = strings.TrimSpace(inner)
		return inner, inner != ""
	}
	command := strings.TrimSpace(html.UnescapeString(payload))
	return command, command != ""
}
