package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentchat/internal/agent"
	"agentchat/internal/chat"
	"agentchat/internal/config"
	"agentchat/internal/dispatch"
	"agentchat/internal/history"
	"agentchat/internal/llm"
)

// session is one process run: the log, its sinks, the three agents and the
// dispatcher that drives them.
type session struct {
	id       string
	cfg      *config.Config
	logger   *zap.Logger
	log      *chat.Log
	user     *agent.User
	terminal *agent.Terminal
	chatbot  *agent.Chatbot
	disp     *dispatch.Dispatcher
	xml      *history.XMLFile
	sqlite   *history.SQLiteStore
	restored int
}

type sessionOptions struct {
	// model replaces the configured provider when set.
	model   llm.Client
	resume  bool
	preview func(text string)
	onState func(dispatch.State)
}

func newSession(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts sessionOptions) (*session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &session{id: uuid.NewString(), cfg: cfg}
	s.logger = logger.With(zap.String("session", s.id))

	var restored []chat.Message
	if path := strings.TrimSpace(cfg.History.XMLPath); path != "" {
		if opts.resume {
			msgs, _, err := history.LoadXML(path)
			switch {
			case errors.Is(err, history.ErrTruncatedHistory):
				s.logger.Warn("history file truncated, keeping complete records", zap.String("path", path), zap.Int("records", len(msgs)), zap.Error(err))
			case err != nil:
				return nil, fmt.Errorf("load history: %w", err)
			}
			restored = msgs
		} else if err := archiveHistory(path); err != nil {
			return nil, err
		}
		xml, err := history.OpenXML(path, s.id)
		if err != nil {
			return nil, err
		}
		s.xml = xml
	}
	if path := strings.TrimSpace(cfg.History.SQLitePath); path != "" {
		store, err := history.OpenSQLite(ctx, path, s.id, s.logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sqlite = store
	}

	var sinks []chat.Sink
	if s.xml != nil {
		sinks = append(sinks, s.xml)
	}
	if s.sqlite != nil {
		sinks = append(sinks, s.sqlite)
	}
	s.log = chat.NewLog(chat.WithSinks(sinks...), chat.WithLogger(s.logger))
	if err := s.log.Restore(restored); err != nil {
		s.Close()
		return nil, fmt.Errorf("restore history: %w", err)
	}
	s.restored = len(restored)

	client := opts.model
	if client == nil {
		var err error
		client, err = llm.New(ctx, llm.Options{
			Provider:  cfg.Model.Provider,
			OllamaURL: cfg.Model.OllamaURL,
			APIKey:    cfg.Model.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	names := agent.Names{User: cfg.Agents.User, Terminal: cfg.Agents.Terminal, Chatbot: cfg.Agents.Chatbot}
	s.user = agent.NewUser(names.User, s.log, s.logger)
	s.terminal = agent.NewTerminal(agent.TerminalConfig{
		Name:           names.Terminal,
		Shell:          cfg.Terminal.Shell,
		WorkingDir:     cfg.Terminal.WorkingDir,
		Timeout:        cfg.CommandTimeout(),
		MaxOutputBytes: cfg.Terminal.MaxOutputBytes,
	}, s.log, s.logger)
	chatbotCfg := agent.ChatbotConfig{
		Names:         names,
		Model:         cfg.Model.Name,
		Temperature:   cfg.Model.Temperature,
		HistoryWindow: cfg.Model.HistoryWindow,
		Timeout:       cfg.ModelTimeout(),
	}
	if cfg.Model.Stream {
		chatbotCfg.Preview = opts.preview
	}
	s.chatbot = agent.NewChatbot(chatbotCfg, client, s.log, s.logger)

	dispOpts := []dispatch.Option{dispatch.WithLogger(s.logger)}
	if opts.onState != nil {
		dispOpts = append(dispOpts, dispatch.WithStateHook(opts.onState))
	}
	disp, err := dispatch.New(s.log,
		dispatch.Config{MaxChainedDirectives: cfg.Dispatch.MaxChainedDirectives},
		[]agent.Agent{s.user, s.terminal, s.chatbot},
		dispOpts...,
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.disp = disp

	s.logger.Info("session started",
		zap.String("provider", cfg.Model.Provider),
		zap.String("model", cfg.Model.Name),
		zap.Int("restored", s.restored),
		zap.String("history", cfg.History.XMLPath),
	)
	return s, nil
}

// archiveHistory moves an existing history aside so a fresh run does not
// reuse its sequence numbers.
func archiveHistory(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && info.Size() == 0) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat history: %w", err)
	}
	archived := fmt.Sprintf("%s.%s", path, time.Now().Format("20060102-150405"))
	if err := os.Rename(path, archived); err != nil {
		return fmt.Errorf("archive history: %w", err)
	}
	return nil
}

func (s *session) names() agent.Names {
	return agent.Names{User: s.cfg.Agents.User, Terminal: s.cfg.Agents.Terminal, Chatbot: s.cfg.Agents.Chatbot}
}

func (s *session) identities() []agent.Identity {
	return []agent.Identity{s.user.Identity(), s.terminal.Identity(), s.chatbot.Identity()}
}

// Close flushes and closes every sink. It is safe to call more than once.
func (s *session) Close() error {
	var errs []error
	if s.xml != nil {
		errs = append(errs, s.xml.Close())
	}
	if s.sqlite != nil {
		errs = append(errs, s.sqlite.Close())
		s.sqlite = nil
	}
	return errors.Join(errs...)
}
