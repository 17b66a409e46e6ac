package dispatch

import (
	"context"
	"fmt"

	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/protocol"
	"github.com/zulandar/switchboard/internal/vm"
)

// Conversation is a live handoff between one user and one operator, as seen
// by the bot. Once stopped it never restarts.
type Conversation struct {
	d        *Dispatcher
	id       uint
	operator models.Operator
	stopped  bool
	inbox    []string
	stored   int // leading inbox entries already in the transcript
}

// ID returns the persisted conversation id.
func (c *Conversation) ID() uint { return c.id }

// Operator returns the operator that owns the conversation.
func (c *Conversation) Operator() models.Operator { return c.operator }

// Stopped reports whether either side ended the conversation.
func (c *Conversation) Stopped() bool {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	return c.stopped
}

// SendMessage relays text from the user to the operator and records it once
// it is published.
func (c *Conversation) SendMessage(ctx context.Context, text string) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.stopped {
		return protocol.ErrConversationStopped
	}
	msg := protocol.Text{OperatorToken: c.operator.Token, Text: text}
	if err := bus.Send(ctx, c.d.bus, protocol.TopicMessageToOperator, msg); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if _, err := c.d.transcripts.AppendMessage(ctx, c.id, models.DirectionToOperator, text); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// ReceiveMessages records and returns the operator's messages received
// since the last call. On a transcript failure the messages stay queued and
// the ones already recorded are not recorded again.
func (c *Conversation) ReceiveMessages(ctx context.Context) ([]string, error) {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.stopped {
		return nil, protocol.ErrConversationStopped
	}
	for ; c.stored < len(c.inbox); c.stored++ {
		text := c.inbox[c.stored]
		if _, err := c.d.transcripts.AppendMessage(ctx, c.id, models.DirectionToUser, text); err != nil {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
	}
	msgs := c.inbox
	c.inbox, c.stored = nil, 0
	return msgs, nil
}

// Stop ends the conversation from the user's side. Stopping an already
// stopped conversation returns protocol.ErrConversationStopped.
func (c *Conversation) Stop(ctx context.Context) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	if c.stopped {
		return protocol.ErrConversationStopped
	}
	ev := protocol.OperatorEvent{OperatorToken: c.operator.Token}
	if err := bus.Send(ctx, c.d.bus, protocol.TopicConversationStoppedByUser, ev); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	c.markStopped()
	// The next Update retries the write when it evicts the conversation.
	if err := c.d.transcripts.StopConversation(ctx, c.id); err != nil {
		c.d.logger.Warn("persist stop", "conversation", c.id, "error", err)
	}
	return nil
}

func (c *Conversation) markStopped() {
	c.stopped = true
	c.inbox, c.stored = nil, 0
}

var _ vm.Conversation = (*Conversation)(nil)
