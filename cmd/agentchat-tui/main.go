package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentchat/internal/agent"
	"agentchat/internal/chat"
	"agentchat/internal/config"
	"agentchat/internal/dispatch"
	"agentchat/internal/history"
	"agentchat/internal/llm"
	"agentchat/internal/logging"
)

var (
	// Global flags
	configPath  string
	modelName   string
	provider    string
	maxChain    int
	historyFile string
	noResume    bool
	logFile     string
	verbose     bool

	// history flags
	historyFrom    string
	historySession string
	listSessions   bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "agentchat-tui",
	Short: "Chat with a local model that can run shell commands",
	Long: `agentchat-tui runs a three-party chat between you, a language model and a shell.

The model runs a command by replying with <command>...</command>. The shell
executes it and posts the exit status and output back into the chat, and the
model keeps going until it answers you in plain text.

Run without arguments to start the interactive interface.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.File)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive(cmd.Context())
	},
}

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Run one turn without the interface and print the new messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAsk(cmd.Context(), cmd.OutOrStdout(), strings.Join(args, " "), nil)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a stored transcript",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistory(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringVarP(&modelName, "model", "m", "", "Model name (default from config)")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "Model provider: ollama or gemini")
	rootCmd.PersistentFlags().IntVar(&maxChain, "max-chain", 0, "Max chained commands per turn")
	rootCmd.PersistentFlags().StringVar(&historyFile, "history-file", "", "XML chat history file")
	rootCmd.PersistentFlags().BoolVar(&noResume, "no-resume", false, "Start a fresh history instead of continuing the stored one")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write JSON logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	historyCmd.Flags().StringVar(&historyFrom, "from", "xml", "History source: xml or sqlite")
	historyCmd.Flags().StringVar(&historySession, "session", "", "SQLite session id (default: latest)")
	historyCmd.Flags().BoolVar(&listSessions, "sessions", false, "List stored SQLite sessions")

	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads file and env settings, then applies the flags the user
// actually set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loaded, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("model") {
		loaded.Model.Name = modelName
	}
	if flags.Changed("provider") {
		loaded.Model.Provider = provider
	}
	if flags.Changed("max-chain") {
		loaded.Dispatch.MaxChainedDirectives = maxChain
	}
	if flags.Changed("history-file") {
		loaded.History.XMLPath = historyFile
	}
	if flags.Changed("no-resume") {
		loaded.History.Resume = !noResume
	}
	if flags.Changed("log-file") {
		loaded.Logging.File = logFile
	}
	loaded.Normalize()
	if err := loaded.Validate(); err != nil {
		return nil, err
	}
	return loaded, nil
}

func runInteractive(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := newEventHub()
	sess, err := newSession(ctx, cfg, logger, sessionOptions{
		resume:  cfg.History.Resume,
		preview: hub.preview,
		onState: hub.state,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Error("close history", zap.Error(err))
		}
	}()

	logSignal, unsubscribe := sess.log.Subscribe()
	defer unsubscribe()

	opts := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if cfg.UI.AltScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(newModel(sess, hub, logSignal), opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		final, err := p.Run()
		if err != nil {
			return fmt.Errorf("tui: %w", err)
		}
		if m, ok := final.(model); ok && m.fatalErr != nil {
			logger.Error("interface closed after dispatcher failure", zap.Error(m.fatalErr))
		}
		return nil
	})
	g.Go(func() error {
		err := sess.disp.Run(gctx)
		if err != nil {
			p.Send(dispatcherDoneMsg{err: err})
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		p.Quit()
		return nil
	})
	return g.Wait()
}

// runAsk runs a single turn. A nil client means the configured provider.
func runAsk(parent context.Context, out io.Writer, prompt string, client llm.Client) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(ctx, cfg, logger, sessionOptions{model: client, resume: cfg.History.Resume})
	if err != nil {
		return err
	}
	defer sess.Close()

	var since int64
	if last, ok := sess.log.Last(); ok {
		since = last.Sequence
	}
	if err := sess.user.Submit(prompt); err != nil {
		return err
	}
	turnErr := sess.disp.RunTurn(ctx)
	printMessages(out, sess.log.TailSince(since), sess.names())
	if turnErr != nil && !dispatch.Recovered(turnErr) {
		return turnErr
	}
	return nil
}

func runHistory(ctx context.Context, out, errOut io.Writer) error {
	names := agent.Names{User: cfg.Agents.User, Terminal: cfg.Agents.Terminal, Chatbot: cfg.Agents.Chatbot}
	switch strings.ToLower(strings.TrimSpace(historyFrom)) {
	case "", "xml":
		msgs, session, err := history.LoadXML(cfg.History.XMLPath)
		switch {
		case errors.Is(err, history.ErrTruncatedHistory):
			fmt.Fprintf(errOut, "warning: %v\n", err)
		case err != nil:
			return err
		}
		if session != "" {
			fmt.Fprintf(out, "session %s\n\n", session)
		}
		printMessages(out, msgs, names)
		return nil
	case "sqlite":
		if strings.TrimSpace(cfg.History.SQLitePath) == "" {
			return errors.New("no sqlite history configured (set history.sqlite_path or AGENTCHAT_SQLITE)")
		}
		store, err := history.OpenSQLite(ctx, cfg.History.SQLitePath, "", logger)
		if err != nil {
			return err
		}
		defer store.Close()
		if listSessions {
			sessions, err := store.Sessions(ctx)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Fprintf(out, "%s  %s  %d messages\n", s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.Messages)
			}
			return nil
		}
		msgs, err := store.Load(ctx, historySession)
		if err != nil {
			return err
		}
		printMessages(out, msgs, names)
		return nil
	default:
		return fmt.Errorf("unknown history source %q (want xml or sqlite)", historyFrom)
	}
}

func printMessages(out io.Writer, msgs []chat.Message, names agent.Names) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "(no messages)")
		return
	}
	fmt.Fprintln(out, agent.RenderTranscript(msgs, names))
}
