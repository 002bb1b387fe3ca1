package agent

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agentchat/internal/chat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tests assume /bin/sh")
	}
}

func decodeLast(t *testing.T, log *chat.Log) chat.CommandResult {
	t.Helper()
	last, ok := log.Last()
	require.True(t, ok)
	require.Equal(t, chat.KindCommandResult, last.Kind)
	require.Equal(t, chat.RoleTerminal, last.Sender)
	res, err := chat.DecodeCommandResult(last.Body)
	require.NoError(t, err)
	return res
}

func TestTerminalCapturesStdout(t *testing.T) {
	skipOnWindows(t)
	log := chat.NewLog()
	term := NewTerminal(TerminalConfig{}, log, nil)

	_, err := term.Execute(context.Background(), "echo hello")
	require.NoError(t, err)

	res := decodeLast(t, log)
	assert.Equal(t, "hello", res.Output)
	assert.Equal(t, 0, res.ExitStatus)
}

func TestTerminalCombinesStderrAndKeepsExitStatus(t *testing.T) {
	skipOnWindows(t)
	log := chat.NewLog()
	term := NewTerminal(TerminalConfig{}, log, nil)

	_, err := term.Execute(context.Background(), "echo out; echo err 1>&2; exit 3")
	require.NoError(t, err)

	res := decodeLast(t, log)
	assert.Equal(t, 3, res.ExitStatus)
	assert.Contains(t, res.Output, "out")
	assert.Contains(t, res.Output, "err")
	assert.False(t, res.TimedOut)
}

func TestTerminalTimeoutIsCapturedResult(t *testing.T) {
	skipOnWindows(t)
	log := chat.NewLog()
	term := NewTerminal(TerminalConfig{Timeout: 100 * time.Millisecond}, log, nil)

	started := time.Now()
	_, err := term.Execute(context.Background(), "sleep 5")
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 4*time.Second)

	res := decodeLast(t, log)
	assert.True(t, res.TimedOut)
	assert.Equal(t, chat.ExitTimedOut, res.ExitStatus)
	assert.Contains(t, res.Output, "timed out")
}

func TestTerminalCancelKillsCommand(t *testing.T) {
	skipOnWindows(t)
	log := chat.NewLog()
	term := NewTerminal(TerminalConfig{}, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	started := time.Now()
	_, err := term.Execute(ctx, "sleep 5")
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 4*time.Second)

	res := decodeLast(t, log)
	assert.True(t, res.Cancelled)
	assert.Equal(t, chat.ExitCancelled, res.ExitStatus)
}

func TestTerminalSpawnFailureBecomesResult(t *testing.T) {
	log := chat.NewLog()
	term := NewTerminal(TerminalConfig{Shell: []string{"/definitely/not/a/shell", "-c"}}, log, nil)

	result, err := term.Run(context.Background(), "ls")
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, chat.ExitSpawnFailed, result.ExitStatus)

	_, err = term.Execute(context.Background(), "ls")
	require.NoError(t, err)
	res := decodeLast(t, log)
	assert.Equal(t, chat.ExitSpawnFailed, res.ExitStatus)
	assert.NotEmpty(t, res.SpawnError)
}

func TestTerminalTruncatesOutput(t *testing.T) {
	skipOnWindows(t)
	log := chat.NewLog()
	term := NewTerminal(TerminalConfig{MaxOutputBytes: 10}, log, nil)

	_, err := term.Execute(context.Background(), "printf 'abcdefghijklmnopqrstuvwxyz'")
	require.NoError(t, err)

	res := decodeLast(t, log)
	assert.True(t, strings.HasPrefix(res.Output, "abcdefghij"))
	assert.Contains(t, res.Output, "truncated 16 bytes")
}

func TestTerminalObserveUsesNewestRequest(t *testing.T) {
	skipOnWindows(t)
	log := chat.NewLog()
	term := NewTerminal(TerminalConfig{}, log, nil)

	suffix := []chat.Message{
		{Sequence: 1, Sender: chat.RoleChatbot, Kind: chat.KindCommandRequest, Body: "echo old"},
		{Sequence: 2, Sender: chat.RoleChatbot, Kind: chat.KindCommandRequest, Body: "echo new"},
	}
	msg, err := term.Observe(context.Background(), suffix)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "new", decodeLast(t, log).Output)

	_, err = term.Observe(context.Background(), []chat.Message{{Kind: chat.KindPlainText}})
	assert.ErrorIs(t, err, ErrNoDirective)
}
