package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"agentchat/internal/chat"
	"agentchat/internal/envelope"
	"agentchat/internal/llm"
)

const DefaultModel = "gemma3"

type ChatbotConfig struct {
	Names       Names
	Model       string
	Temperature float64
	// HistoryWindow caps how many trailing messages go into the prompt; 0
	// sends the whole log.
	HistoryWindow int
	// Timeout bounds one model call; 0 leaves it to the caller's context.
	Timeout time.Duration
	// Preview receives the partial reply while the model streams. Partial
	// text is never appended to the log.
	Preview func(text string)
}

// Chatbot asks the model for the next action and appends either a command
// request or a plain-text reply.
type Chatbot struct {
	id     Identity
	log    *chat.Log
	model  llm.Client
	cfg    ChatbotConfig
	parser envelope.Parser
	logger *zap.Logger
}

func NewChatbot(cfg ChatbotConfig, model llm.Client, log *chat.Log, logger *zap.Logger) *Chatbot {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	defaults := DefaultNames()
	cfg.Names.User = nullCoalesce(cfg.Names.User, defaults.User)
	cfg.Names.Terminal = nullCoalesce(cfg.Names.Terminal, defaults.Terminal)
	cfg.Names.Chatbot = nullCoalesce(cfg.Names.Chatbot, defaults.Chatbot)
	return &Chatbot{
		id:     Identity{Name: cfg.Names.Chatbot, Role: chat.RoleChatbot, Color: DefaultColor(chat.RoleChatbot)},
		log:    log,
		model:  model,
		cfg:    cfg,
		parser: envelope.New(cfg.Names.Terminal),
		logger: logger.Named("chatbot"),
	}
}

func (c *Chatbot) Identity() Identity { return c.id }

// Observe runs one model call over the full log. The suffix only drives
// logging; the prompt is always built from a fresh snapshot so the reply
// reflects everything appended before the call.
func (c *Chatbot) Observe(ctx context.Context, suffix []chat.Message) (*chat.Message, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	history := c.log.Snapshot()
	req := llm.Request{
		Model:       c.cfg.Model,
		Turns:       BuildTurns(history, c.cfg.Names, c.cfg.HistoryWindow),
		Temperature: c.cfg.Temperature,
		OnPartial:   c.cfg.Preview,
	}
	started := time.Now()
	reply, err := c.model.Complete(ctx, req)
	if err != nil {
		c.logger.Warn("model call failed",
			zap.String("model", c.cfg.Model),
			zap.Int("new_messages", len(suffix)),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err),
		)
		return nil, &ModelError{Model: c.cfg.Model, Err: err}
	}

	parsed := c.parser.Parse(reply)
	kind, body := chat.KindPlainText, reply
	if parsed.IsDirective {
		kind, body = chat.KindCommandRequest, parsed.Command
	}
	msg, err := c.log.Append(chat.RoleChatbot, kind, body)
	if err != nil {
		return nil, err
	}
	c.logger.Info("chatbot replied",
		zap.Int64("seq", msg.Sequence),
		zap.String("kind", string(kind)),
		zap.Int("transcript", len(history)),
		zap.Duration("duration", time.Since(started)),
	)
	return &msg, nil
}
