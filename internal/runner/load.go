package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/compiler"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/dispatch"
	"github.com/zulandar/switchboard/internal/store"
	"github.com/zulandar/switchboard/internal/telegraph"
)

// LoadOpts holds parameters for Load.
type LoadOpts struct {
	Store     *store.Store
	Bus       bus.Bus // shared transport; the bot uses its own namespace on it
	Config    config.BotConfig
	Adapter   telegraph.Adapter
	BatchSize int
	Logger    *slog.Logger
}

// Load builds a Bot from its stored definition: it compiles the bot's
// template, subscribes a dispatcher for its roster on the bot's bus
// namespace and wires both to the adapter.
func Load(ctx context.Context, opts LoadOpts) (*Bot, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("runner: store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("runner: bus is required")
	}
	name := opts.Config.Name
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	bot, err := opts.Store.GetBot(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("runner: load %s: %w", name, err)
	}
	if bot.TemplateID == nil {
		return nil, fmt.Errorf("runner: bot %s has no template", name)
	}
	tmpl, err := opts.Store.LoadTemplate(ctx, *bot.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("runner: load %s: %w", name, err)
	}
	program, err := compiler.Compile(tmpl)
	if err != nil {
		return nil, fmt.Errorf("runner: compile %s: %w", name, err)
	}
	roster, err := opts.Store.BotOperators(ctx, bot.ID)
	if err != nil {
		return nil, fmt.Errorf("runner: load %s: %w", name, err)
	}

	disp, err := dispatch.New(ctx, dispatch.Opts{
		Bus:         bus.Namespace(opts.Bus, name),
		Roster:      roster,
		Transcripts: opts.Store,
		BatchSize:   opts.BatchSize,
		Logger:      opts.Logger.With("bot", name),
	})
	if err != nil {
		return nil, fmt.Errorf("runner: %s: %w", name, err)
	}

	b, err := NewBot(BotOpts{
		Name:         name,
		BotID:        bot.ID,
		Program:      program,
		Operators:    disp,
		Adapter:      opts.Adapter,
		Chats:        opts.Store,
		TickInterval: opts.Config.TickInterval,
		Broadcasts:   opts.Config.Broadcasts,
		Logger:       opts.Logger,
	})
	if err != nil {
		disp.Close()
		return nil, err
	}
	return b, nil
}
