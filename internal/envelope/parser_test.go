package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommandBlock(t *testing.T) {
	cases := map[string]struct {
		text    string
		command string
	}{
		"bare":              {text: "<command>ls /tmp</command>", command: "ls /tmp"},
		"surrounded":        {text: "Let me check.\n<command>ls /tmp</command>\nOne moment.", command: "ls /tmp"},
		"whitespace":        {text: "<command>\n  df -h\n</command>", command: "df -h"},
		"entities":          {text: "<command>echo a &gt; out &amp;&amp; cat out</command>", command: "echo a > out && cat out"},
		"cdata":             {text: "<command><![CDATA[grep -c '<a>' index.html]]></command>", command: "grep -c '<a>' index.html"},
		"first of two":      {text: "<command>pwd</command> then <command>whoami</command>", command: "pwd"},
		"empty then valid":  {text: "<command>  </command><command>uname -a</command>", command: "uname -a"},
		"unterminated then": {text: "<command>oops <command>date</command>", command: "date"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := Parse(tc.text)
			assert.True(t, res.IsDirective)
			assert.Equal(t, tc.command, res.Command)
			assert.Equal(t, tc.text, res.Text)
		})
	}
}

func TestParsePlainTextIsUnchanged(t *testing.T) {
	for _, text := range []string{
		"",
		"The directory contains three files.",
		"Use <b>bold</b> if you like.",
		"<command>unterminated",
		"<command></command>",
		"</command> reversed <command>",
		"<message from='chatbot' to='user'>All done.</message>",
	} {
		res := Parse(text)
		assert.False(t, res.IsDirective, "text %q", text)
		assert.Equal(t, text, res.Text)
		assert.Empty(t, res.Command)
	}
}

func TestParserMessageForm(t *testing.T) {
	p := New("terminal")

	res := p.Parse(`<message from='chatbot' to='chatbot'>thinking</message><message from='chatbot' to='terminal'>ls -la</message>`)
	assert.True(t, res.IsDirective)
	assert.Equal(t, "ls -la", res.Command)

	res = p.Parse(`<message from="chatbot" to="Terminal">uptime</message>`)
	assert.True(t, res.IsDirective)
	assert.Equal(t, "uptime", res.Command)

	res = p.Parse(`<message from='chatbot' to='user'>Here you go</message>`)
	assert.False(t, res.IsDirective)

	res = p.Parse(`<message from='chatbot' to='terminal'>ls`)
	assert.False(t, res.IsDirective)
}

func TestParserEarliestFormWins(t *testing.T) {
	p := New("terminal")

	res := p.Parse(`<message to='terminal'>first</message> <command>second</command>`)
	assert.Equal(t, "first", res.Command)

	res = p.Parse(`<command>first</command> <message to='terminal'>second</message>`)
	assert.Equal(t, "first", res.Command)
}

func TestParseBlockBounds(t *testing.T) {
	text := "before <command>ls</command> after"
	res := Parse(text)
	assert.Equal(t, "<command>ls</command>", text[res.Start:res.End])
}

func TestPackageParseIgnoresMessageForm(t *testing.T) {
	res := Parse(`<message to='terminal'>ls</message>`)
	assert.False(t, res.IsDirective)
}
