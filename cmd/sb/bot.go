package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/runner"
	"github.com/zulandar/switchboard/internal/store"
)

func newBotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage and run bots",
	}

	cmd.AddCommand(newBotCreateCmd())
	cmd.AddCommand(newBotListCmd())
	cmd.AddCommand(newBotSetTemplateCmd())
	cmd.AddCommand(newBotAddOperatorCmd())
	cmd.AddCommand(newBotRemoveOperatorCmd())
	cmd.AddCommand(newBotDeleteCmd())
	cmd.AddCommand(newBotRunCmd())
	cmd.AddCommand(newBotMailCmd())
	return cmd
}

func newBotCreateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a bot record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			bot, err := st.CreateBot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created bot %d %q\n", bot.ID, bot.Name)
			if _, ok := cfg.Bot(bot.Name); !ok {
				fmt.Fprintf(out, "Note: add a bots entry named %q to %s before running it.\n", bot.Name, configPath)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBotListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bots with their template and roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			bots, err := st.ListBots(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(bots) == 0 {
				fmt.Fprintln(out, "No bots found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tTEMPLATE\tOPERATORS")
			for _, b := range bots {
				platform := "-"
				if bc, ok := cfg.Bot(b.Name); ok {
					platform = bc.Platform
				}
				tmpl := "-"
				if b.TemplateID != nil {
					tmpl = fmt.Sprintf("%d", *b.TemplateID)
				}
				ops, err := st.BotOperators(cmd.Context(), b.ID)
				if err != nil {
					return err
				}
				names := make([]string, len(ops))
				for i, op := range ops {
					names[i] = op.Name
				}
				roster := "-"
				if len(names) > 0 {
					roster = truncate(strings.Join(names, ","), 40)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", b.ID, b.Name, platform, tmpl, roster)
			}
			w.Flush()
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBotSetTemplateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "set-template <bot> <template-id>",
		Short: "Attach a template to a bot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmplID, err := parseID(args[1])
			if err != nil {
				return err
			}
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			bot, err := st.GetBot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := st.SetTemplate(cmd.Context(), bot.ID, tmplID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Bot %s now uses template %d\n", bot.Name, tmplID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBotAddOperatorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "add-operator <bot> <operator-id>",
		Short: "Add an operator to the end of a bot's roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editRoster(cmd, configPath, args, func(st *store.Store, botID, opID uint) error {
				return st.AddOperator(cmd.Context(), botID, opID)
			}, "Added operator %d to %s\n")
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBotRemoveOperatorCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove-operator <bot> <operator-id>",
		Short: "Remove an operator from a bot's roster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editRoster(cmd, configPath, args, func(st *store.Store, botID, opID uint) error {
				return st.RemoveOperator(cmd.Context(), botID, opID)
			}, "Removed operator %d from %s\n")
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func editRoster(cmd *cobra.Command, configPath string, args []string, edit func(*store.Store, uint, uint) error, done string) error {
	opID, err := parseID(args[1])
	if err != nil {
		return err
	}
	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	bot, err := st.GetBot(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := edit(st, bot.ID, opID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), done, opID, bot.Name)
	return nil
}

func newBotDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <bot>",
		Short: "Delete a bot with its roster and chat list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			bot, err := st.GetBot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := st.DeleteBot(cmd.Context(), bot.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted bot %s\n", bot.Name)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newBotRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run [bot...]",
		Short: "Run bots until interrupted",
		Long: `Runs the named bots, or every bot in the config when none are named.
A bot with platform "none" talks over stdin and stdout, so at most one may run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBots(cmd, configPath, args)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// selectBots resolves the bots to run from names, defaulting to all.
func selectBots(cfg *config.Config, names []string) ([]config.BotConfig, error) {
	var bots []config.BotConfig
	if len(names) == 0 {
		bots = cfg.Bots
	}
	for _, name := range names {
		bc, ok := cfg.Bot(name)
		if !ok {
			return nil, fmt.Errorf("bot %s is not in config", name)
		}
		bots = append(bots, bc)
	}
	if len(bots) == 0 {
		return nil, fmt.Errorf("no bots configured")
	}

	console := 0
	for _, bc := range bots {
		if bc.Platform == "none" {
			console++
		}
	}
	if console > 1 {
		return nil, fmt.Errorf("only one bot with platform none can run at a time, got %d", console)
	}
	return bots, nil
}

func runBots(cmd *cobra.Command, configPath string, names []string) error {
	cfg, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	bots, err := selectBots(cfg, names)
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

	if dbb, ok := b.(*bus.DBBus); ok {
		stop, err := runner.StartPruning(ctx, runner.PruneOpts{
			Bus:       dbb,
			Retention: cfg.Bus.Retention,
			Cron:      cfg.Bus.PruneCron,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		defer stop()
	}

	reg := runner.NewRegistry(logger)
	for _, bc := range bots {
		adapter, err := newAdapter(cmd, bc, logger)
		if err == nil {
			var bot *runner.Bot
			bot, err = runner.Load(ctx, runner.LoadOpts{
				Store:     st,
				Bus:       b,
				Config:    bc,
				Adapter:   adapter,
				BatchSize: cfg.Bus.BatchSize,
				Logger:    logger,
			})
			if err == nil {
				err = reg.Start(ctx, bot)
			}
		}
		if err != nil {
			cancel()
			reg.StopAll()
			return err
		}
		logger.Info("bot started", "bot", bc.Name, "platform", bc.Platform)
	}

	return reg.Wait()
}

func newBotMailCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mail <bot> <text>",
		Short: "Send a message to every chat a bot has talked to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			bc, ok := cfg.Bot(args[0])
			if !ok {
				return fmt.Errorf("bot %s is not in config", args[0])
			}
			logger, closeLog, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			bot, err := st.GetBot(cmd.Context(), bc.Name)
			if err != nil {
				return err
			}
			adapter, err := newAdapter(cmd, bc, logger)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd)
			defer cancel()
			if err := adapter.Connect(ctx); err != nil {
				return fmt.Errorf("bot %s: connect: %w", bc.Name, err)
			}
			defer closeQuietly(cmd.ErrOrStderr(), "adapter", adapter.Close)

			n, err := runner.MailAll(ctx, adapter, st, bot.ID, args[1])
			fmt.Fprintf(cmd.OutOrStdout(), "Sent to %d chats\n", n)
			return err
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
