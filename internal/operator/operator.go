// Package operator is the operator-side half of the protocol: one Interface
// per human operator session, multiplexed over the bus by a Dispatcher.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/protocol"
)

// ErrInterfaceOpen is returned by GetInterface when this dispatcher already
// holds a session for the token.
var ErrInterfaceOpen = errors.New("operator: interface already open for token")

// Interface is one operator's live session.
type Interface struct {
	d              *Dispatcher
	token          string
	authToken      string
	status         protocol.Status // empty until the bot answers
	inConversation bool
	incoming       []string
}

// Token returns the operator token the session authenticates with.
func (i *Interface) Token() string { return i.token }

// Status returns the authentication outcome. ok is false while pending.
func (i *Interface) Status() (status protocol.Status, ok bool) {
	i.d.mu.Lock()
	defer i.d.mu.Unlock()
	return i.status, i.status != ""
}

// InConversation reports whether a user is currently handed to the operator.
func (i *Interface) InConversation() bool {
	i.d.mu.Lock()
	defer i.d.mu.Unlock()
	return i.inConversation
}

func (i *Interface) rejected() bool {
	return i.status != "" && i.status != protocol.StatusAccessGranted
}

func (i *Interface) check() error {
	switch i.status {
	case "":
		return protocol.ErrNotAuthenticated
	case protocol.StatusAlreadyConnected:
		return protocol.ErrAlreadyConnected
	case protocol.StatusAccessDenied:
		return protocol.ErrAccessDenied
	}
	if !i.inConversation {
		return protocol.ErrConversationStopped
	}
	return nil
}

// ReceiveMessages returns and clears the user's messages received so far.
func (i *Interface) ReceiveMessages() ([]string, error) {
	i.d.mu.Lock()
	defer i.d.mu.Unlock()
	if err := i.check(); err != nil {
		return nil, err
	}
	msgs := i.incoming
	i.incoming = nil
	return msgs, nil
}

// SendMessage relays text to the user.
func (i *Interface) SendMessage(ctx context.Context, text string) error {
	i.d.mu.Lock()
	defer i.d.mu.Unlock()
	if err := i.check(); err != nil {
		return err
	}
	msg := protocol.Text{OperatorToken: i.token, Text: text}
	if err := bus.Send(ctx, i.d.bus, protocol.TopicMessageToUser, msg); err != nil {
		return fmt.Errorf("operator: %w", err)
	}
	return nil
}

// StopConversation ends the current conversation from the operator's side.
func (i *Interface) StopConversation(ctx context.Context) error {
	i.d.mu.Lock()
	defer i.d.mu.Unlock()
	if err := i.check(); err != nil {
		return err
	}
	ev := protocol.OperatorEvent{OperatorToken: i.token}
	if err := bus.Send(ctx, i.d.bus, protocol.TopicConversationStoppedByOperator, ev); err != nil {
		return fmt.Errorf("operator: %w", err)
	}
	i.inConversation = false
	i.incoming = nil
	return nil
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Bus       bus.Bus
	BatchSize int
	Logger    *slog.Logger
}

// Dispatcher authenticates Interfaces and routes bus traffic to them. It is
// safe for concurrent use.
type Dispatcher struct {
	mu        sync.Mutex
	bus       bus.Bus
	sub       bus.Subscription
	batchSize int
	logger    *slog.Logger

	interfaces map[string]*Interface // by operator token
	pending    map[string]*Interface // by auth token, awaiting a result
	released   map[string]string     // auth token -> operator token, released before a result
}

// NewDispatcher subscribes to the operator-side topics.
func NewDispatcher(ctx context.Context, opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Bus == nil {
		return nil, errors.New("operator: bus is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = protocol.DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sub, err := opts.Bus.Subscribe(ctx, protocol.OperatorTopics...)
	if err != nil {
		return nil, fmt.Errorf("operator: subscribe: %w", err)
	}
	return &Dispatcher{
		bus:        opts.Bus,
		sub:        sub,
		batchSize:  opts.BatchSize,
		logger:     opts.Logger.With("component", "operator"),
		interfaces: make(map[string]*Interface),
		pending:    make(map[string]*Interface),
		released:   make(map[string]string),
	}, nil
}

// GetInterface opens a session for token and starts the authentication
// handshake. The result arrives on a later Update. A session the bot
// rejected stays visible until it is released or replaced here.
func (d *Dispatcher) GetInterface(ctx context.Context, token string) (*Interface, error) {
	if token == "" {
		return nil, errors.New("operator: token is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.interfaces[token]; ok && !old.rejected() {
		return nil, ErrInterfaceOpen
	}

	iface := &Interface{d: d, token: token, authToken: uuid.NewString()}
	req := protocol.Authentication{OperatorToken: token, AuthToken: iface.authToken}
	if err := bus.Send(ctx, d.bus, protocol.TopicAuthentication, req); err != nil {
		return nil, fmt.Errorf("operator: %w", err)
	}
	d.interfaces[token] = iface
	d.pending[iface.authToken] = iface
	return iface, nil
}

// Interface returns the open session for token, if any.
func (d *Dispatcher) Interface(token string) (*Interface, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	iface, ok := d.interfaces[token]
	return iface, ok
}

// Tokens lists the operator tokens with an open session, sorted.
func (d *Dispatcher) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.interfaces))
	for token := range d.interfaces {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// ReleaseInterface closes a session. A granted session announces the
// disconnect; a session still waiting for its result announces it once the
// grant arrives, so a rejected duplicate never disconnects the real one.
func (d *Dispatcher) ReleaseInterface(ctx context.Context, iface *Interface) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.release(ctx, iface)
}

func (d *Dispatcher) release(ctx context.Context, iface *Interface) error {
	if d.interfaces[iface.token] != iface {
		return nil
	}
	delete(d.interfaces, iface.token)
	if _, waiting := d.pending[iface.authToken]; waiting {
		delete(d.pending, iface.authToken)
		d.released[iface.authToken] = iface.token
		return nil
	}
	if iface.status != protocol.StatusAccessGranted {
		return nil
	}
	ev := protocol.OperatorEvent{OperatorToken: iface.token}
	if err := bus.Send(ctx, d.bus, protocol.TopicDisconnected, ev); err != nil {
		return fmt.Errorf("operator: %w", err)
	}
	return nil
}

// Update drains up to one batch of bus messages into the open sessions.
func (d *Dispatcher) Update(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for n := 0; n < d.batchSize; n++ {
		msg, ok, err := d.sub.Poll(ctx)
		if err != nil {
			return fmt.Errorf("operator: poll: %w", bus.Transport(err))
		}
		if !ok {
			return nil
		}
		if err := d.handle(ctx, msg); err != nil {
			return err
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
	case protocol.AuthenticationResult:
		if iface, ok := d.pending[p.AuthToken]; ok {
			delete(d.pending, p.AuthToken)
			iface.status = p.Status
			d.logger.Info("authentication result", "status", string(p.Status))
			return nil
		}
		if token, ok := d.released[p.AuthToken]; ok {
			delete(d.released, p.AuthToken)
			if p.Status == protocol.StatusAccessGranted {
				ev := protocol.OperatorEvent{OperatorToken: token}
				if err := bus.Send(ctx, d.bus, protocol.TopicDisconnected, ev); err != nil {
					return fmt.Errorf("operator: %w", err)
				}
			}
		}

	case protocol.OperatorEvent:
		iface, ok := d.granted(p.OperatorToken)
		if !ok {
			return nil
		}
		switch msg.Topic {
		case protocol.TopicConversationStarted:
			iface.inConversation = true
			iface.incoming = nil
		case protocol.TopicConversationStoppedByUser:
			iface.inConversation = false
		}

	case protocol.Text:
		if iface, ok := d.granted(p.OperatorToken); ok && iface.inConversation {
			iface.incoming = append(iface.incoming, p.Text)
		}
	}
	return nil
}

// granted returns the authenticated session for token. Pending and rejected
// sessions share the token with another client and receive nothing.
func (d *Dispatcher) granted(token string) (*Interface, bool) {
	iface, ok := d.interfaces[token]
	if !ok || iface.status != protocol.StatusAccessGranted {
		return nil, false
	}
	return iface, true
}

// Close releases every open session and the subscription.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for _, iface := range d.interfaces {
		if err := d.release(ctx, iface); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.sub.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
