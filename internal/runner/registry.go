package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zulandar/switchboard/internal/logging"
)

var (
	// ErrAlreadyRunning is returned when starting a bot whose name is taken.
	ErrAlreadyRunning = errors.New("runner: bot already running")
	// ErrNotRunning is returned when stopping an unknown bot.
	ErrNotRunning = errors.New("runner: bot not running")
)

// Registry tracks the bots running in this process.
type Registry struct {
	mu     sync.Mutex
	bots   map[string]*entry
	logger *slog.Logger
}

type entry struct {
	bot    *Bot
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		bots:   make(map[string]*entry),
		logger: logging.Component(logger, "registry"),
	}
}

// Start runs bot in the background under a context derived from ctx.
func (r *Registry) Start(ctx context.Context, bot *Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.bots[bot.Name()]; ok && !e.finished() {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, bot.Name())
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{bot: bot, cancel: cancel, done: make(chan struct{})}
	r.bots[bot.Name()] = e

	go func() {
		defer close(e.done)
		e.err = bot.Run(runCtx)
		if e.err != nil {
			r.logger.Error("bot stopped", "bot", bot.Name(), "error", e.err)
		} else {
			r.logger.Info("bot stopped", "bot", bot.Name())
		}
	}()
	return nil
}

// Stop cancels the named bot, waits for it to exit and forgets it. It
// returns the error the bot's Run returned.
func (r *Registry) Stop(name string) error {
	r.mu.Lock()
	e, ok := r.bots[name]
	if ok {
		delete(r.bots, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	e.cancel()
	<-e.done
	return e.err
}

// Running reports whether the named bot is still running.
func (r *Registry) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bots[name]
	return ok && !e.finished()
}

// Bot returns the named bot if it was started.
func (r *Registry) Bot(name string) (*Bot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bots[name]
	if !ok {
		return nil, false
	}
	return e.bot, true
}

// Names returns the names of running bots in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for name, e := range r.bots {
		if !e.finished() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every started bot has exited and joins their errors.
func (r *Registry) Wait() error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.bots))
	for _, e := range r.bots {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		<-e.done
		if e.err != nil {
			errs = append(errs, e.err)
		}
	}
	return errors.Join(errs...)
}

// StopAll cancels every bot and waits for them to exit.
func (r *Registry) StopAll() error {
	r.mu.Lock()
	for _, e := range r.bots {
		e.cancel()
	}
	r.mu.Unlock()
	return r.Wait()
}

func (e *entry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
