package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/bus"
	"github.com/zulandar/switchboard/internal/protocol"
)

// Dialog parks the chat on a live operator conversation. It does not advance
// while the conversation is active, so the chat stays on this instruction
// until the user or the operator ends it.
type Dialog struct {
	StartMessage string
	StopMessage  string
	FailMessage  string
}

func (d *Dialog) Execute(ctx context.Context, s *State) error {
	if s.Operators == nil {
		s.Advance()
		s.Emit(d.FailMessage)
		return nil
	}
	if err := s.Operators.Update(ctx); err != nil {
		return fmt.Errorf("vm: dialog: update operators: %w", err)
	}

	if s.Conversation == nil {
		conv, ok, err := s.Operators.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("vm: dialog: acquire operator: %w", err)
		}
		if !ok {
			s.Advance()
			s.Emit(d.FailMessage)
			return nil
		}
		s.Conversation = conv
		s.Emit(d.StartMessage)
		return nil
	}

	conv := s.Conversation
	if conv.Stopped() {
		d.finish(s)
		return nil
	}

	if text, ok := s.TakeInput(); ok {
		if text == StopCommand {
			if err := conv.Stop(ctx); err != nil && !errors.Is(err, protocol.ErrConversationStopped) {
				return fmt.Errorf("vm: dialog: stop: %w", err)
			}
			d.finish(s)
			return nil
		}
		if err := conv.SendMessage(ctx, text); err != nil {
			if errors.Is(err, protocol.ErrConversationStopped) {
				d.finish(s)
				return nil
			}
			if errors.Is(err, bus.ErrTransport) {
				// Undelivered input is retried on the next run.
				s.SetInput(text)
			}
			return fmt.Errorf("vm: dialog: send: %w", err)
		}
		return nil
	}

	msgs, err := conv.ReceiveMessages(ctx)
	if err != nil {
		if errors.Is(err, protocol.ErrConversationStopped) {
			d.finish(s)
			return nil
		}
		return fmt.Errorf("vm: dialog: receive: %w", err)
	}
	s.Emit(msgs...)
	return nil
}

func (d *Dialog) finish(s *State) {
	s.Advance()
	s.Conversation = nil
	s.Emit(d.StopMessage)
}

func (d *Dialog) String() string {
	return fmt.Sprintf("dialog start=%q stop=%q fail=%q", d.StartMessage, d.StopMessage, d.FailMessage)
}
