package history

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentchat/internal/chat"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func appendScenario(t *testing.T, log *chat.Log) {
	t.Helper()
	steps := []struct {
		role chat.Role
		kind chat.Kind
		body string
	}{
		{chat.RoleUser, chat.KindPlainText, "list files in /tmp"},
		{chat.RoleChatbot, chat.KindCommandRequest, "ls /tmp"},
		{chat.RoleTerminal, chat.KindCommandResult, chat.CommandResult{Output: "a.txt\n<b> & \"c\"", ExitStatus: 0}.Encode()},
		{chat.RoleChatbot, chat.KindPlainText, "There are three files."},
	}
	for _, step := range steps {
		_, err := log.Append(step.role, step.kind, step.body)
		require.NoError(t, err)
	}
}

func TestXMLFileRecordsEveryAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat_log.xml")
	sink, err := OpenXML(path, "session-1")
	require.NoError(t, err)

	log := chat.NewLog(chat.WithSinks(sink), chat.WithClock(fixedClock()))
	appendScenario(t, log)
	require.NoError(t, sink.Close())

	loaded, session, err := LoadXML(path)
	require.NoError(t, err)
	assert.Equal(t, "session-1", session)
	if diff := cmp.Diff(log.Snapshot(), loaded); diff != "" {
		t.Fatalf("reloaded history differs (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "</chat>\n"))
	assert.Contains(t, string(raw), `from="chatbot" to="terminal" kind="command_request"`)
}

func TestXMLFileResumeContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_log.xml")
	first, err := OpenXML(path, "first")
	require.NoError(t, err)
	log := chat.NewLog(chat.WithSinks(first))
	appendScenario(t, log)
	require.NoError(t, first.Close())

	history, session, err := LoadXML(path)
	require.NoError(t, err)
	second, err := OpenXML(path, "second")
	require.NoError(t, err)
	resumed := chat.NewLog(chat.WithSinks(second))
	require.NoError(t, resumed.Restore(history))
	msg, err := resumed.Append(chat.RoleUser, chat.KindPlainText, "thanks")
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.Sequence)
	require.NoError(t, second.Close())

	loaded, session2, err := LoadXML(path)
	require.NoError(t, err)
	assert.Equal(t, session, session2, "existing root keeps its session")
	require.Len(t, loaded, 5)
	assert.Equal(t, "thanks", loaded[4].Body)
}

func TestLoadXMLMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	msgs, _, err := LoadXML(filepath.Join(dir, "absent.xml"))
	require.NoError(t, err)
	assert.Empty(t, msgs)

	empty := filepath.Join(dir, "empty.xml")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o644))
	msgs, _, err = LoadXML(empty)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	sink, err := OpenXML(empty, "s")
	require.NoError(t, err)
	require.NoError(t, sink.Record(chat.Message{Sequence: 1, Sender: chat.RoleUser, Kind: chat.KindPlainText, Body: "hi"}))
	require.NoError(t, sink.Close())
	msgs, _, err = LoadXML(empty)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestLoadXMLOlderFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_log.xml")
	legacy := `<chat><message from="user" to="chatbot">what is in /tmp?</message>` +
		`<message from="chatbot" to="terminal"> ls /tmp </message>` +
		`<message from="terminal" to="chatbot">a.txt
</message>` +
		`<message from="chatbot" to="user">One file.</message></chat>`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	msgs, _, err := LoadXML(path)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, int64(1), msgs[0].Sequence)
	assert.Equal(t, int64(4), msgs[3].Sequence)
	assert.Equal(t, chat.KindCommandRequest, msgs[1].Kind)
	assert.Equal(t, "ls /tmp", msgs[1].Body)
	result, err := chat.DecodeCommandResult(msgs[2].Body)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", result.Output)
	assert.Equal(t, chat.KindPlainText, msgs[3].Kind)

	// Appending to an older file keeps it a single document.
	sink, err := OpenXML(path, "new")
	require.NoError(t, err)
	require.NoError(t, sink.Record(chat.Message{Sequence: 5, Sender: chat.RoleUser, Kind: chat.KindPlainText, Body: "ok"}))
	require.NoError(t, sink.Close())
	msgs, _, err = LoadXML(path)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}

func TestTruncatedFileIsRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_log.xml")
	broken := `<?xml version="1.0" encoding="UTF-8"?>
<chat session="old">
  <message sequence="1" from="user" to="chatbot" kind="plain_text">hello</message>
  <message sequence="2" from="chatbot" to="user" kind="plain_te`
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o644))

	msgs, _, err := LoadXML(path)
	require.ErrorIs(t, err, ErrTruncatedHistory)
	require.Len(t, msgs, 1)

	sink, err := OpenXML(path, "new")
	require.NoError(t, err)
	require.NoError(t, sink.Record(chat.Message{Sequence: 2, Sender: chat.RoleChatbot, Kind: chat.KindPlainText, Body: "hi"}))
	require.NoError(t, sink.Close())

	msgs, session, err := LoadXML(path)
	require.NoError(t, err)
	assert.Equal(t, "old", session)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[1].Body)
}

func TestSQLiteMirrorsSessions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")

	firstID := uuid.NewString()
	first, err := OpenSQLite(ctx, path, firstID, nil)
	require.NoError(t, err)
	log := chat.NewLog(chat.WithSinks(first), chat.WithClock(fixedClock()))
	appendScenario(t, log)
	require.NoError(t, first.Close())

	secondID := uuid.NewString()
	second, err := OpenSQLite(ctx, path, secondID, nil)
	require.NoError(t, err)
	require.NoError(t, second.Record(chat.Message{Sequence: 1, Sender: chat.RoleUser, Kind: chat.KindPlainText, Body: "again"}))
	require.Error(t, second.Record(chat.Message{Sequence: 1, Sender: chat.RoleUser, Kind: chat.KindPlainText, Body: "dup"}))
	require.NoError(t, second.Close())

	browse, err := OpenSQLite(ctx, path, "", nil)
	require.NoError(t, err)
	defer browse.Close()
	require.Error(t, browse.Record(chat.Message{Sequence: 9}))

	sessions, err := browse.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, secondID, sessions[0].ID)
	assert.Equal(t, 1, sessions[0].Messages)
	assert.Equal(t, 4, sessions[1].Messages)

	loaded, err := browse.Load(ctx, firstID)
	require.NoError(t, err)
	if diff := cmp.Diff(log.Snapshot(), loaded); diff != "" {
		t.Fatalf("sqlite history differs (-want +got):\n%s", diff)
	}

	latest, err := browse.Load(ctx, "")
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "again", latest[0].Body)
}
