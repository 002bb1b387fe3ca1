package agent

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"agentchat/internal/chat"
)

var (
	ErrInputBusy  = errors.New("previous input has not been consumed yet")
	ErrEmptyInput = errors.New("empty input")
)

// User turns lines typed by the human into plain-text messages.
type User struct {
	id     Identity
	log    *chat.Log
	inputs chan string
	logger *zap.Logger
}

func NewUser(name string, log *chat.Log, logger *zap.Logger) *User {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &User{
		id:     Identity{Name: nullCoalesce(name, "user"), Role: chat.RoleUser, Color: DefaultColor(chat.RoleUser)},
		log:    log,
		inputs: make(chan string, 1),
		logger: logger.Named("user"),
	}
}

func (u *User) Identity() Identity { return u.id }

// Submit hands one line from the UI to the agent. It never blocks: a second
// line before the first is consumed is rejected with ErrInputBusy.
func (u *User) Submit(line string) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ErrEmptyInput
	}
	select {
	case u.inputs <- trimmed:
		return nil
	default:
		return ErrInputBusy
	}
}

// Observe blocks until a line is submitted, then appends it.
func (u *User) Observe(ctx context.Context, _ []chat.Message) (*chat.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line := <-u.inputs:
		msg, err := u.log.Append(chat.RoleUser, chat.KindPlainText, line)
		if err != nil {
			return nil, err
		}
		u.logger.Debug("user input appended", zap.Int64("seq", msg.Sequence))
		return &msg, nil
	}
}
