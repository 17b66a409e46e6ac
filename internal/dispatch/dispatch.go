// Package dispatch is the bot-side half of the operator protocol. A
// Dispatcher owns the roster of operators for one running bot, tracks who is
// connected, matches idle operators to users and relays their messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/protocol"
	"github.com/zulandar/switchboard/internal/vm"
)

// Transcripts persists conversations. The store implements it.
type Transcripts interface {
	CreateConversation(ctx context.Context, operatorID uint) (*models.Conversation, error)
	AppendMessage(ctx context.Context, conversationID uint, direction, text string) (*models.Message, error)
	StopConversation(ctx context.Context, conversationID uint) error
}

// Opts configures a Dispatcher.
type Opts struct {
	Bus         bus.Bus
	Roster      []models.Operator
	Transcripts Transcripts
	BatchSize   int        // messages drained per Update; default protocol.DefaultBatchSize
	Rand        *rand.Rand // matching source; default is randomly seeded
	Logger      *slog.Logger
}

// Dispatcher is safe for concurrent use. All state changes happen under one
// mutex so an operator can never be matched twice.
type Dispatcher struct {
	mu          sync.Mutex
	bus         bus.Bus
	sub         bus.Subscription
	transcripts Transcripts
	batchSize   int
	rand        *rand.Rand
	logger      *slog.Logger

	order     []string // roster tokens in roster order
	roster    map[string]models.Operator
	available map[string]bool
	active    map[string]*Conversation
}

// New subscribes to the bot-side topics and returns a Dispatcher with no
// operators connected.
func New(ctx context.Context, opts Opts) (*Dispatcher, error) {
	if opts.Bus == nil {
		return nil, errors.New("dispatch: bus is required")
	}
	if opts.Transcripts == nil {
		return nil, errors.New("dispatch: transcripts is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = protocol.DefaultBatchSize
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		bus:         opts.Bus,
		transcripts: opts.Transcripts,
		batchSize:   opts.BatchSize,
		rand:        opts.Rand,
		logger:      opts.Logger.With("component", "dispatch"),
		roster:      make(map[string]models.Operator, len(opts.Roster)),
		available:   make(map[string]bool),
		active:      make(map[string]*Conversation),
	}
	for _, op := range opts.Roster {
		if op.Token == "" {
			return nil, fmt.Errorf("dispatch: operator %q has no token", op.Name)
		}
		if _, dup := d.roster[op.Token]; dup {
			continue
		}
		d.roster[op.Token] = op
		d.order = append(d.order, op.Token)
	}

	sub, err := opts.Bus.Subscribe(ctx, protocol.BotTopics...)
	if err != nil {
		return nil, fmt.Errorf("dispatch: subscribe: %w", err)
	}
	d.sub = sub
	return d, nil
}

// Close releases the bus subscription.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sub.Close()
}

// Update drains up to one batch of bus messages, then stops every tracked
// conversation whose operator is no longer connected and evicts stopped
// conversations. Only transport and persistence failures are returned;
// malformed messages are logged and dropped.
func (d *Dispatcher) Update(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < d.batchSize; i++ {
		msg, ok, err := d.sub.Poll(ctx)
		if err != nil {
			return fmt.Errorf("dispatch: poll: %w", bus.Transport(err))
		}
		if !ok {
			break
		}
		if err := d.handle(ctx, msg); err != nil {
			return err
		}
	}

	for token, conv := range d.active {
		if !conv.stopped && !d.available[token] {
			d.logger.Info("operator gone, stopping conversation",
				"operator", conv.operator.Name, "conversation", conv.id)
			conv.markStopped()
		}
		if conv.stopped {
			if err := d.transcripts.StopConversation(ctx, conv.id); err != nil {
				return fmt.Errorf("dispatch: persist stop of conversation %d: %w", conv.id, err)
			}
			delete(d.active, token)
		}
	}
	return nil
}

func (d *Dispatcher) handle(ctx context.Context, msg bus.Message) error {
	payload, err := protocol.Decode(msg.Topic, msg.Payload)
	if err != nil {
		d.logger.Warn("discarding malformed message", "topic", msg.Topic, "error", err)
		return nil
	}

	switch p := payload.(type) {
	case protocol.Authentication:
		return d.authenticate(ctx, p)

	case protocol.OperatorEvent:
		switch msg.Topic {
		case protocol.TopicDisconnected:
			if d.available[p.OperatorToken] {
				d.logger.Info("operator disconnected", "operator", d.roster[p.OperatorToken].Name)
			}
			delete(d.available, p.OperatorToken)
		case protocol.TopicConversationStoppedByOperator:
			if conv, ok := d.active[p.OperatorToken]; ok {
				conv.stopped = true
			}
		}

	case protocol.Text:
		conv, ok := d.active[p.OperatorToken]
		if !ok || conv.stopped {
			d.logger.Debug("dropping message without active conversation")
			return nil
		}
		conv.inbox = append(conv.inbox, p.Text)
	}
	return nil
}

func (d *Dispatcher) authenticate(ctx context.Context, p protocol.Authentication) error {
	op, known := d.roster[p.OperatorToken]
	status := protocol.StatusAccessGranted
	switch {
	case !known:
		status = protocol.StatusAccessDenied
	case d.available[p.OperatorToken]:
		status = protocol.StatusAlreadyConnected
	default:
		d.available[p.OperatorToken] = true
		d.logger.Info("operator connected", "operator", op.Name)
	}
	result := protocol.AuthenticationResult{AuthToken: p.AuthToken, Status: status}
	if err := bus.Send(ctx, d.bus, protocol.TopicAuthenticationResult, result); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// GetConversation matches a uniformly random operator that is connected and
// idle. ok is false when no operator is free.
func (d *Dispatcher) GetConversation(ctx context.Context) (*Conversation, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var idle []string
	for _, token := range d.order {
		if d.available[token] && d.active[token] == nil {
			idle = append(idle, token)
		}
	}
	if len(idle) == 0 {
		return nil, false, nil
	}

	token := idle[d.rand.IntN(len(idle))]
	op := d.roster[token]
	rec, err := d.transcripts.CreateConversation(ctx, op.ID)
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: %w", err)
	}
	if err := bus.Send(ctx, d.bus, protocol.TopicConversationStarted, protocol.OperatorEvent{OperatorToken: token}); err != nil {
		return nil, false, fmt.Errorf("dispatch: %w", err)
	}
	conv := &Conversation{d: d, id: rec.ID, operator: op}
	d.active[token] = conv
	d.logger.Info("conversation started", "operator", op.Name, "conversation", rec.ID)
	return conv, true, nil
}

// Acquire adapts GetConversation to vm.OperatorPool.
func (d *Dispatcher) Acquire(ctx context.Context) (vm.Conversation, bool, error) {
	conv, ok, err := d.GetConversation(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return conv, true, nil
}

// Available returns the tokens of connected operators, sorted.
func (d *Dispatcher) Available() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.available))
	for token := range d.available {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// ActiveConversation describes one tracked conversation.
type ActiveConversation struct {
	ConversationID uint
	OperatorName   string
	OperatorToken  string
	Stopped        bool
}

// Active returns the tracked conversations ordered by conversation id.
func (d *Dispatcher) Active() []ActiveConversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActiveConversation, 0, len(d.active))
	for token, c := range d.active {
		out = append(out, ActiveConversation{
			ConversationID: c.id,
			OperatorName:   c.operator.Name,
			OperatorToken:  token,
			Stopped:        c.stopped,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

var _ vm.OperatorPool = (*Dispatcher)(nil)
