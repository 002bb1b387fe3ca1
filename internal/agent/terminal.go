package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/chat"
)

const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultMaxOutputBytes = 50000
	waitDelay             = 2 * time.Second
)

// TerminalConfig controls how directives are run.
type TerminalConfig struct {
	Name           string
	Shell          []string
	WorkingDir     string
	Timeout        time.Duration
	MaxOutputBytes int
}

// DefaultShell is "sh -c" on Unix and "cmd /C" on Windows.
func DefaultShell() []string {
	if runtime.GOOS == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"/bin/sh", "-c"}
}

// Terminal runs command directives in a shell and appends their results.
// Commands run verbatim; any allow-listing belongs to the caller.
type Terminal struct {
	id     Identity
	log    *chat.Log
	cfg    TerminalConfig
	logger *zap.Logger
}

func NewTerminal(cfg TerminalConfig, log *chat.Log, logger *zap.Logger) *Terminal {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Shell) == 0 {
		cfg.Shell = DefaultShell()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCommandTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Terminal{
		id:     Identity{Name: nullCoalesce(cfg.Name, "terminal"), Role: chat.RoleTerminal, Color: DefaultColor(chat.RoleTerminal)},
		log:    log,
		cfg:    cfg,
		logger: logger.Named("terminal"),
	}
}

func (t *Terminal) Identity() Identity { return t.id }

// Observe executes the newest command request in suffix.
func (t *Terminal) Observe(ctx context.Context, suffix []chat.Message) (*chat.Message, error) {
	for i := len(suffix) - 1; i >= 0; i-- {
		if suffix[i].Kind == chat.KindCommandRequest {
			msg, err := t.Execute(ctx, suffix[i].Body)
			if err != nil {
				return nil, err
			}
			return &msg, nil
		}
	}
	return nil, ErrNoDirective
}

// Execute runs command once and appends a command result. Failures of the
// command itself, including a failed spawn, become result content; the only
// error returned is a failed append.
func (t *Terminal) Execute(ctx context.Context, command string) (chat.Message, error) {
	started := time.Now()
	result, err := t.Run(ctx, command)
	var spawnErr *SpawnError
	if errors.As(err, &spawnErr) {
		t.logger.Warn("command spawn failed", zap.String("command", command), zap.Error(err))
	}
	t.logger.Info("command finished",
		zap.String("command", compactSingleLine(command, 200)),
		zap.Int("exit_status", result.ExitStatus),
		zap.Bool("timed_out", result.TimedOut),
		zap.Bool("cancelled", result.Cancelled),
		zap.Duration("duration", time.Since(started)),
	)
	return t.log.Append(chat.RoleTerminal, chat.KindCommandResult, result.Encode())
}

// Run executes command without touching the log. A *SpawnError is returned
// alongside a result that already describes the failure.
func (t *Terminal) Run(ctx context.Context, command string) (chat.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return chat.CommandResult{ExitStatus: chat.ExitCancelled, Cancelled: true}, nil
	}
	execCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	args := append(append([]string{}, t.cfg.Shell[1:]...), command)
	cmd := exec.CommandContext(execCtx, t.cfg.Shell[0], args...)
	cmd.Dir = t.cfg.WorkingDir
	cmd.Env = os.Environ()
	cmd.WaitDelay = waitDelay
	out := &cappedBuffer{limit: t.cfg.MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return chat.CommandResult{ExitStatus: chat.ExitCancelled, Cancelled: true}, nil
		}
		return chat.CommandResult{ExitStatus: chat.ExitSpawnFailed, SpawnError: err.Error()},
			&SpawnError{Command: command, Err: err}
	}
	waitErr := cmd.Wait()

	result := chat.CommandResult{Output: out.String()}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		result.Cancelled = true
		result.ExitStatus = chat.ExitCancelled
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitStatus = chat.ExitTimedOut
		result.Output = appendNote(result.Output, fmt.Sprintf("[timed out after %s]", t.cfg.Timeout))
	case waitErr == nil:
		result.ExitStatus = 0
	case errors.As(waitErr, &exitErr):
		result.ExitStatus = exitErr.ExitCode()
	default:
		result.ExitStatus = chat.ExitSpawnFailed
		result.Output = appendNote(result.Output, "[wait failed: "+waitErr.Error()+"]")
	}
	return result, nil
}

// cappedBuffer keeps the first limit bytes and counts the rest. exec
// serialises writes when Stdout and Stderr share one writer.
type cappedBuffer struct {
	limit   int
	buf     []byte
	dropped int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room >= len(p) {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.dropped += len(p) - maxInt(room, 0)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	text := strings.TrimRight(string(b.buf), "\r\n")
	if b.dropped > 0 {
		text += fmt.Sprintf("\n...[truncated %d bytes]", b.dropped)
	}
	return text
}

func appendNote(output, note string) string {
	if output == "" {
		return note
	}
	return output + "\n" + note
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if limit <= 0 || len(compact) <= limit {
		return compact
	}
	if limit <= 3 {
		return compact[:limit]
	}
	return compact[:limit-3] + "..."
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
