package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/telegraph"
	"github.com/zulandar/switchboard/internal/telegraph/discord"
	"github.com/zulandar/switchboard/internal/telegraph/slack"
)

const defaultConfigPath = "switchboard.yaml"

func addConfigFlag(cmd *cobra.Command, configPath *string) {
	cmd.Flags().StringVarP(configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
}

// connectFromConfig loads the config and opens the object store.
func connectFromConfig(configPath string) (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store.New(gormDB), nil
}

// openBus opens the configured message bus over the store's database.
func openBus(cfg *config.Config, st *store.Store, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return bus.NewMemoryBus(bus.MemoryBusOpts{Logger: logger}), nil
	default:
		return bus.NewDBBus(bus.DBBusOpts{DB: st.DB()})
	}
}

// newLogger builds the root logger writing to the command's error stream.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, func() error, error) {
	logger, closeFn, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

// newAdapter builds the chat platform adapter for a bot. Bots without a
// platform talk over the command's stdin and stdout.
func newAdapter(cmd *cobra.Command, bc config.BotConfig, logger *slog.Logger) (telegraph.Adapter, error) {
	logger = logger.With("bot", bc.Name)
	switch bc.Platform {
	case "discord":
		a, err := discord.New(discord.AdapterOpts{
			BotToken:  bc.Discord.BotToken,
			ChannelID: bc.Discord.ChannelID,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "slack":
		a, err := slack.New(slack.AdapterOpts{
			AppToken:  bc.Slack.AppToken,
			BotToken:  bc.Slack.BotToken,
			ChannelID: bc.Slack.ChannelID,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "none":
		return telegraph.NewConsoleAdapter(cmd.InOrStdin(), cmd.OutOrStdout()), nil
	default:
		return nil, fmt.Errorf("bot %s: unsupported platform %q", bc.Name, bc.Platform)
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(n), nil
}

func parsePosition(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid position %q", s)
	}
	return n, nil
}

func closeQuietly(out io.Writer, what string, fn func() error) {
	if err := fn(); err != nil {
		fmt.Fprintf(out, "warning: close %s: %v\n", what, err)
	}
}
