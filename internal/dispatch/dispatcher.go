// Package dispatch drives the conversation: it waits for the user, lets the
// chatbot answer, and runs each command the chatbot asks for until a plain
// reply ends the turn.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/agent"
	"agentchat/internal/chat"
)

const DefaultMaxChainedDirectives = 5

var (
	// ErrLoopBound ends a turn whose chatbot kept issuing commands past the
	// configured cap. The log already holds a diagnostic when it is returned.
	ErrLoopBound = errors.New("chained directive limit reached")
	// ErrTurnCancelled is returned after CancelTurn interrupted a turn.
	ErrTurnCancelled = errors.New("turn cancelled")
)

// State is the dispatcher's position in the current turn.
type State int

const (
	StateWaitingForUser State = iota
	StateChatbotThinking
	StatePlainReplyDone
	StateAwaitingTerminal
	StateTerminalExecuting
)

func (s State) String() string {
	switch s {
	case StateWaitingForUser:
		return "waiting_for_user"
	case StateChatbotThinking:
		return "chatbot_thinking"
	case StatePlainReplyDone:
		return "plain_reply_done"
	case StateAwaitingTerminal:
		return "awaiting_terminal"
	case StateTerminalExecuting:
		return "terminal_executing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	// MaxChainedDirectives is how many commands one turn may run; <= 0 uses
	// DefaultMaxChainedDirectives.
	MaxChainedDirectives int
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithStateHook registers fn to be called on every state change. fn runs on
// the dispatcher goroutine and must not block.
func WithStateHook(fn func(State)) Option {
	return func(d *Dispatcher) { d.onState = fn }
}

// Dispatcher owns the three agents and runs turns strictly one after another.
type Dispatcher struct {
	log      *chat.Log
	user     agent.Agent
	chatbot  agent.Agent
	terminal agent.Agent
	maxChain int
	logger   *zap.Logger
	onState  func(State)

	mu         sync.Mutex
	state      State
	turnCancel context.CancelFunc
	cursor     int64
}

// New registers agents by role. Exactly one agent per role is required.
func New(log *chat.Log, cfg Config, agents []agent.Agent, opts ...Option) (*Dispatcher, error) {
	if log == nil {
		return nil, errors.New("dispatch: nil chat log")
	}
	d := &Dispatcher{
		log:      log,
		maxChain: cfg.MaxChainedDirectives,
		logger:   zap.NewNop(),
		state:    StateWaitingForUser,
	}
	if d.maxChain <= 0 {
		d.maxChain = DefaultMaxChainedDirectives
	}
	for _, a := range agents {
		if a == nil {
			return nil, errors.New("dispatch: nil agent")
		}
		slot, err := d.slotFor(a.Identity().Role)
		if err != nil {
			return nil, err
		}
		if *slot != nil {
			return nil, fmt.Errorf("dispatch: duplicate %s agent %q", a.Identity().Role, a.Identity().Name)
		}
		*slot = a
	}
	for _, role := range chat.Roles {
		slot, _ := d.slotFor(role)
		if *slot == nil {
			return nil, fmt.Errorf("dispatch: no %s agent registered", role)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatch")
	if last, ok := log.Last(); ok {
		d.cursor = last.Sequence
	}
	return d, nil
}

func (d *Dispatcher) slotFor(role chat.Role) (*agent.Agent, error) {
	switch role {
	case chat.RoleUser:
		return &d.user, nil
	case chat.RoleChatbot:
		return &d.chatbot, nil
	case chat.RoleTerminal:
		return &d.terminal, nil
	default:
		return nil, fmt.Errorf("dispatch: unknown agent role %q", role)
	}
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) MaxChainedDirectives() int { return d.maxChain }

// CancelTurn interrupts the model call or command in flight. It reports
// whether a turn was running.
func (d *Dispatcher) CancelTurn() bool {
	d.mu.Lock()
	cancel := d.turnCancel
	d.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Run executes turns until ctx is done or an append fails. Cancellation of
// ctx is a clean shutdown and returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		err := d.RunTurn(ctx)
		switch {
		case err == nil, Recovered(err):
			continue
		case ctx.Err() != nil:
			return nil
		default:
			var appendErr *chat.AppendError
			if errors.As(err, &appendErr) {
				d.logger.Error("chat log append failed", zap.Int64("seq", appendErr.Sequence), zap.Error(err))
				return err
			}
			d.logger.Warn("turn ended with error", zap.Error(err))
		}
	}
}

// Recovered reports whether err ended a turn that already recorded its
// cause in the log.
func Recovered(err error) bool {
	var modelErr *agent.ModelError
	return errors.Is(err, ErrLoopBound) || errors.Is(err, ErrTurnCancelled) || errors.As(err, &modelErr)
}

// RunTurn waits for one user message and drives the chatbot and terminal
// until the chatbot answers in plain text. It always leaves the dispatcher
// in StateWaitingForUser.
func (d *Dispatcher) RunTurn(ctx context.Context) error {
	d.setState(StateWaitingForUser)
	userMsg, err := d.observe(ctx, d.user)
	if err != nil {
		return err
	}

	turnCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.turnCancel = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.turnCancel = nil
		d.mu.Unlock()
		cancel()
		d.setState(StateWaitingForUser)
	}()

	started := time.Now()
	logger := d.logger.With(zap.Int64("turn", userMsg.Sequence))
	logger.Info("turn started")

	executed := 0
	for {
		d.setState(StateChatbotThinking)
		reply, err := d.observe(turnCtx, d.chatbot)
		if err != nil {
			return d.recoverChatbot(ctx, turnCtx, logger, err)
		}
		if reply.Kind != chat.KindCommandRequest {
			d.setState(StatePlainReplyDone)
			logger.Info("turn finished", zap.Int("commands", executed), zap.Duration("duration", time.Since(started)))
			return nil
		}

		d.setState(StateAwaitingTerminal)
		if executed >= d.maxChain {
			logger.Warn("chained directive limit reached",
				zap.Int("limit", d.maxChain),
				zap.Int64("seq", reply.Sequence),
				zap.Error(ErrLoopBound),
			)
			note := fmt.Sprintf("Stopped after %d chained commands without a final answer. The last command (#%d) was not run.", d.maxChain, reply.Sequence)
			if err := d.diagnose(note); err != nil {
				return err
			}
			return ErrLoopBound
		}

		d.setState(StateTerminalExecuting)
		executed++
		if _, err := d.terminal.Observe(turnCtx, []chat.Message{*reply}); err != nil {
			return err
		}
		d.advanceCursor()
		if turnCtx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Info("turn cancelled during command", zap.Int64("seq", reply.Sequence))
			return ErrTurnCancelled
		}
	}
}

func (d *Dispatcher) recoverChatbot(ctx, turnCtx context.Context, logger *zap.Logger, err error) error {
	var appendErr *chat.AppendError
	if errors.As(err, &appendErr) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if turnCtx.Err() != nil {
		logger.Info("turn cancelled during model call")
		if derr := d.diagnose("Turn cancelled before the model answered."); derr != nil {
			return derr
		}
		return ErrTurnCancelled
	}
	logger.Warn("model invocation failed", zap.Error(err))
	if derr := d.diagnose("Model call failed: " + compactSingleLine(err.Error(), 400)); derr != nil {
		return derr
	}
	var modelErr *agent.ModelError
	if errors.As(err, &modelErr) {
		return err
	}
	return &agent.ModelError{Err: err}
}

// observe passes a the messages appended since the last observation and
// returns what a appended.
func (d *Dispatcher) observe(ctx context.Context, a agent.Agent) (*chat.Message, error) {
	d.mu.Lock()
	cursor := d.cursor
	d.mu.Unlock()
	msg, err := a.Observe(ctx, d.log.TailSince(cursor))
	if err != nil {
		return nil, err
	}
	d.advanceCursor()
	if msg == nil {
		return nil, fmt.Errorf("dispatch: %s agent produced no message", a.Identity().Role)
	}
	return msg, nil
}

func (d *Dispatcher) advanceCursor() {
	last, ok := d.log.Last()
	if !ok {
		return
	}
	d.mu.Lock()
	d.cursor = last.Sequence
	d.mu.Unlock()
}

func (d *Dispatcher) diagnose(text string) error {
	msg, err := d.log.Append(chat.RoleChatbot, chat.KindPlainText, text)
	if err != nil {
		return err
	}
	d.advanceCursor()
	d.logger.Debug("diagnostic appended", zap.Int64("seq", msg.Sequence))
	return nil
}

func (d *Dispatcher) setState(next State) {
	d.mu.Lock()
	prev := d.state
	d.state = next
	d.mu.Unlock()
	if prev == next {
		return
	}
	d.logger.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", next))
	if d.onState != nil {
		d.onState(next)
	}
}

func compactSingleLine(text string, limit int) string {
	compact := strings.Join(strings.Fields(text), " ")
	if len(compact) <= limit {
		return compact
	}
	return compact[:limit-3] + "..."
}
