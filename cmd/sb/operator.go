package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/operator"
	"github.com/zulandar/switchboard/internal/operatorweb"
	"github.com/zulandar/switchboard/internal/protocol"
	"golang.org/x/term"
)

func newOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operators and connect as one",
	}

	cmd.AddCommand(newOperatorCreateCmd())
	cmd.AddCommand(newOperatorListCmd())
	cmd.AddCommand(newOperatorRenameCmd())
	cmd.AddCommand(newOperatorDeleteCmd())
	cmd.AddCommand(newOperatorRegenerateTokenCmd())
	cmd.AddCommand(newOperatorHistoryCmd())
	cmd.AddCommand(newOperatorConnectCmd())
	cmd.AddCommand(newOperatorServeCmd())
	return cmd
}

func newOperatorCreateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an operator and print its secret token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			op, err := st.CreateOperator(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created operator %d %q\n", op.ID, op.Name)
			fmt.Fprintf(out, "Token: %s\n", op.Token)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newOperatorListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			ops, err := st.ListOperators(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(ops) == 0 {
				fmt.Fprintln(out, "No operators found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTOKEN")
			for _, op := range ops {
				fmt.Fprintf(w, "%d\t%s\t%s\n", op.ID, truncate(op.Name, 40), op.Token)
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newOperatorRenameCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename an operator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := st.RenameOperator(cmd.Context(), id, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Renamed operator %d to %q\n", id, args[1])
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newOperatorDeleteCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an operator and its conversation history",
		Long:  "Deletes an operator. An operator on a bot roster is only deleted with --force, which also removes it from those rosters.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := st.DeleteOperator(cmd.Context(), id, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted operator %d\n", id)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&force, "force", false, "delete even if the operator is on a bot roster")
	return cmd
}

func newOperatorRegenerateTokenCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "regenerate-token <id>",
		Short: "Replace an operator's secret token",
		Long:  "Replaces the token. Running bots keep the roster they loaded until restarted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			token, err := st.RegenerateToken(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token: %s\n", token)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newOperatorHistoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Print an operator's conversation transcripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			convs, err := st.ListConversations(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations found.")
				return nil
			}
			for _, c := range convs {
				state := "active"
				if c.StoppedAt != nil {
					state = "stopped " + c.StoppedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(out, "Conversation %d (started %s, %s)\n", c.ID, c.CreatedAt.Format("2006-01-02 15:04:05"), state)
				msgs, err := st.Messages(cmd.Context(), c.ID)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					fmt.Fprintf(out, "  %s %-11s %s\n", m.CreatedAt.Format("15:04:05"), m.Direction, m.Text)
				}
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newOperatorConnectCmd() *cobra.Command {
	var (
		configPath string
		botName    string
		token      string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Chat with users of a running bot from the terminal",
		Long: `Authenticates with a running bot and relays conversations in the terminal.
Type a line to send it to the user, /stop to end the conversation and /quit
to leave. The token defaults to $SWITCHBOARD_OPERATOR_TOKEN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("SWITCHBOARD_OPERATOR_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("--token is required")
			}
			return runOperatorConnect(cmd, configPath, botName, token, timeout)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&botName, "bot", "", "bot to connect to")
	cmd.Flags().StringVar(&token, "token", "", "operator secret token")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the bot to answer")
	cmd.MarkFlagRequired("bot")
	return cmd
}

func runOperatorConnect(cmd *cobra.Command, configPath, botName, token string, timeout time.Duration) error {
	cfg, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	b, err := openBus(cfg, st, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	ops, err := operator.NewDispatcher(ctx, operator.DispatcherOpts{
		Bus:       bus.Namespace(b, botName),
		BatchSize: cfg.Bus.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer closeQuietly(cmd.ErrOrStderr(), "operator session", func() error { return ops.Close(context.Background()) })

	return operatorConsole(ctx, consoleOpts{
		In:           cmd.InOrStdin(),
		Out:          cmd.OutOrStdout(),
		Dispatcher:   ops,
		Token:        token,
		Timeout:      timeout,
		PollInterval: cfg.Bus.PollInterval,
	})
}

type consoleOpts struct {
	In           io.Reader
	Out          io.Writer
	Dispatcher   *operator.Dispatcher
	Token        string
	Timeout      time.Duration
	PollInterval time.Duration
}

// operatorConsole runs one operator session against stdin and stdout until
// /quit, end of input or ctx is done.
func operatorConsole(ctx context.Context, opts consoleOpts) error {
	out := opts.Out
	iface, err := opts.Dispatcher.GetInterface(ctx, opts.Token)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	deadline := time.After(opts.Timeout)
	for {
		if err := opts.Dispatcher.Update(ctx); err != nil {
			return err
		}
		if _, ok := iface.Status(); ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return fmt.Errorf("no answer from the bot within %v; is it running?", opts.Timeout)
		case <-ticker.C:
		}
	}
	if status, _ := iface.Status(); status != protocol.StatusAccessGranted {
		return fmt.Errorf("authentication failed: %s", status)
	}
	fmt.Fprintln(out, "Authenticated. Waiting for users (/stop ends a conversation, /quit leaves).")

	interactive := false
	if f, ok := opts.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		interactive = true
	}
	prompt := func() {
		if interactive {
			fmt.Fprint(out, "> ")
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(opts.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	talking := false
	prompt()
	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/stop":
				err := iface.StopConversation(ctx)
				if errors.Is(err, protocol.ErrConversationStopped) {
					fmt.Fprintln(out, "No active conversation.")
				} else if err != nil {
					return err
				} else {
					talking = false
					fmt.Fprintln(out, "--- conversation ended ---")
				}
			default:
				err := iface.SendMessage(ctx, line)
				if errors.Is(err, protocol.ErrConversationStopped) {
					fmt.Fprintln(out, "No active conversation; message not sent.")
				} else if err != nil {
					return err
				}
			}
			prompt()

		case <-ticker.C:
			if err := opts.Dispatcher.Update(ctx); err != nil {
				return err
			}
			if talking, err = showConversation(out, iface, talking); err != nil {
				return err
			}
		}
	}
}

// conversationView is the part of an operator session the console prints.
type conversationView interface {
	InConversation() bool
	ReceiveMessages() ([]string, error)
}

// showConversation prints connect and end markers and any pending user
// messages. It reports whether a conversation is still running.
func showConversation(out io.Writer, view conversationView, talking bool) (bool, error) {
	now := view.InConversation()
	if now && !talking {
		fmt.Fprintln(out, "--- user connected ---")
	}
	if now {
		msgs, err := view.ReceiveMessages()
		if errors.Is(err, protocol.ErrConversationStopped) {
			now = false
		} else if err != nil {
			return talking, err
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "user> %s\n", m)
		}
	}
	if !now && talking {
		fmt.Fprintln(out, "--- conversation ended ---")
	}
	return now, nil
}

func newOperatorServeCmd() *cobra.Command {
	var (
		configPath string
		botName    string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the operator HTTP API for a bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			b, err := openBus(cfg, st, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := signalContext(cmd)
			defer cancel()

			ops, err := operator.NewDispatcher(ctx, operator.DispatcherOpts{
				Bus:       bus.Namespace(b, botName),
				BatchSize: cfg.Bus.BatchSize,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			defer closeQuietly(cmd.ErrOrStderr(), "operator sessions", func() error { return ops.Close(context.Background()) })

			if port <= 0 {
				port = cfg.OperatorWeb.Port
			}
			return operatorweb.Start(ctx, operatorweb.StartOpts{
				Dispatcher:   ops,
				Port:         port,
				PollInterval: cfg.Bus.PollInterval,
				Logger:       logger,
				Out:          cmd.OutOrStdout(),
			})
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&botName, "bot", "", "bot whose operators this server hosts")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	cmd.MarkFlagRequired("bot")
	return cmd
}
