// Package runner drives bots: it feeds chat platform messages into a VM,
// relays operator dialogs on a tick and runs scheduled broadcasts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/telegraph"
	"github.com/zulandar/switchboard/internal/vm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ChatStore records the chats a bot has talked to. The store implements it.
type ChatStore interface {
	AddChat(ctx context.Context, botID uint, chatID, platform string) error
	Chats(ctx context.Context, botID uint) ([]models.BotChat, error)
}

// BotOpts holds parameters for creating a Bot.
type BotOpts struct {
	Name         string
	BotID        uint
	Program      vm.Program
	Operators    vm.OperatorPool // optional; closed on exit if it is an io.Closer
	Adapter      telegraph.Adapter
	Chats        ChatStore
	TickInterval time.Duration
	MaxSteps     int
	Broadcasts   []config.BroadcastConfig
	Logger       *slog.Logger
}

// Bot is one running chat bot.
type Bot struct {
	name       string
	botID      uint
	machine    *vm.Machine
	operators  vm.OperatorPool
	adapter    telegraph.Adapter
	chats      ChatStore
	tick       time.Duration
	broadcasts []config.BroadcastConfig
	logger     *slog.Logger
}

// NewBot validates opts and builds the bot's VM.
func NewBot(opts BotOpts) (*Bot, error) {
	if opts.Name == "" {
		return nil, errors.New("runner: name is required")
	}
	if opts.Adapter == nil {
		return nil, errors.New("runner: adapter is required")
	}
	if opts.Chats == nil {
		return nil, errors.New("runner: chats is required")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = config.DefaultTickInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	machine, err := vm.NewMachine(vm.MachineOpts{
		Program:   opts.Program,
		Operators: opts.Operators,
		MaxSteps:  opts.MaxSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: %s: %w", opts.Name, err)
	}

	return &Bot{
		name:       opts.Name,
		botID:      opts.BotID,
		machine:    machine,
		operators:  opts.Operators,
		adapter:    opts.Adapter,
		chats:      opts.Chats,
		tick:       opts.TickInterval,
		broadcasts: opts.Broadcasts,
		logger:     opts.Logger.With("component", "runner", "bot", opts.Name),
	}, nil
}

// Name returns the bot's name.
func (b *Bot) Name() string { return b.name }

// Machine exposes the bot's VM for inspection.
func (b *Bot) Machine() *vm.Machine { return b.machine }

// Run connects the adapter and pumps messages until ctx is cancelled or the
// adapter's inbound channel closes. An operator transport failure ends it
// with an error. The
// adapter and the operator pool are closed on return.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("connecting")
	if err := b.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("runner: %s: connect: %w", b.name, err)
	}
	defer b.shutdown()

	inbound, err := b.adapter.Listen(ctx)
	if err != nil {
		return fmt.Errorf("runner: %s: listen: %w", b.name, err)
	}

	sched, err := b.startBroadcasts(ctx)
	if err != nil {
		return err
	}
	defer sched.Stop()

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	b.logger.Info("online", "instructions", len(b.machine.Program()))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("shutting down")
			return nil

		case msg, ok := <-inbound:
			if !ok {
				b.logger.Info("inbound channel closed")
				return nil
			}
			if b.isSelf(msg) {
				continue
			}
			if err := b.handle(ctx, msg); err != nil {
				return err
			}

		case <-ticker.C:
			if err := b.step(ctx); err != nil {
				return err
			}
		}
	}
}

func (b *Bot) shutdown() {
	if err := b.adapter.Close(); err != nil {
		b.logger.Warn("close adapter", "error", err)
	}
	if c, ok := b.operators.(io.Closer); ok {
		if err := c.Close(); err != nil {
			b.logger.Warn("close operator pool", "error", err)
		}
	}
}

func (b *Bot) isSelf(msg telegraph.InboundMessage) bool {
	bui, ok := b.adapter.(telegraph.BotUserIDer)
	if !ok {
		return false
	}
	id := bui.BotUserID()
	return id != "" && msg.UserID == id
}

// handle records the chat and feeds the message to the VM. A transport
// failure is returned; other VM errors are logged and never reach the user.
func (b *Bot) handle(ctx context.Context, msg telegraph.InboundMessage) error {
	if err := b.chats.AddChat(ctx, b.botID, msg.ChatID, msg.Platform); err != nil {
		b.logger.Warn("record chat", "chat", msg.ChatID, "error", err)
	}
	b.logger.Debug("inbound", "chat", msg.ChatID, "user", msg.UserName, "text", logging.Truncate(msg.Text, 80))
	out, err := b.machine.Input(ctx, msg.ChatID, msg.Text)
	b.deliver(ctx, msg.ChatID, out)
	return b.vmError(err, "vm", "chat", msg.ChatID)
}

// step drains the operator pool and advances chats parked in dialogs.
// Pool and transport failures are returned.
func (b *Bot) step(ctx context.Context) error {
	if b.operators != nil {
		if err := b.operators.Update(ctx); err != nil {
			return fmt.Errorf("runner: %s: %w", b.name, err)
		}
	}
	outs, err := b.machine.TickDialogs(ctx)
	chats := make([]string, 0, len(outs))
	for chat := range outs {
		chats = append(chats, chat)
	}
	sort.Strings(chats)
	for _, chat := range chats {
		b.deliver(ctx, chat, outs[chat])
	}
	return b.vmError(err, "vm dialog tick")
}

// vmError returns err if it is a transport failure and logs it otherwise.
func (b *Bot) vmError(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bus.ErrTransport) {
		return fmt.Errorf("runner: %s: %w", b.name, err)
	}
	b.logger.Error(msg, append(args, "error", err)...)
	return nil
}

func (b *Bot) deliver(ctx context.Context, chat string, msgs []string) {
	for _, text := range msgs {
		if err := b.adapter.Send(ctx, telegraph.OutboundMessage{ChatID: chat, Text: text}); err != nil {
			b.logger.Warn("send", "chat", chat, "error", err)
		}
	}
}

// MailAll sends text to every chat the bot has talked to.
func (b *Bot) MailAll(ctx context.Context, text string) (int, error) {
	return MailAll(ctx, b.adapter, b.chats, b.botID, text)
}

// MailAll sends text through adapter to every recorded chat of botID and
// reports how many sends succeeded. Send failures are joined.
func MailAll(ctx context.Context, adapter telegraph.Adapter, chats ChatStore, botID uint, text string) (int, error) {
	list, err := chats.Chats(ctx, botID)
	if err != nil {
		return 0, fmt.Errorf("runner: mail all: %w", err)
	}
	var errs []error
	sent := 0
	for _, c := range list {
		if err := adapter.Send(ctx, telegraph.OutboundMessage{ChatID: c.ChatID, Text: text}); err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", c.ChatID, err))
			continue
		}
		sent++
	}
	if len(errs) > 0 {
		return sent, fmt.Errorf("runner: mail all: %w", errors.Join(errs...))
	}
	return sent, nil
}

// startBroadcasts schedules the bot's configured broadcasts.
func (b *Bot) startBroadcasts(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))
	for i, bc := range b.broadcasts {
		text := bc.Text
		if _, err := c.AddFunc(bc.Cron, func() {
			n, err := b.MailAll(ctx, text)
			if err != nil {
				b.logger.Warn("broadcast", "sent", n, "error", err)
				return
			}
			b.logger.Info("broadcast", "sent", n)
		}); err != nil {
			return nil, fmt.Errorf("runner: %s: broadcast %d: %w", b.name, i, err)
		}
	}
	c.Start()
	return c, nil
}
