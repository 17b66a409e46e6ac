// Package vm executes compiled bot programs, one State per chat.
package vm

import (
	"context"
	"fmt"
	"strings"
)

// StopCommand is the user message that ends an operator dialog.
const StopCommand = "/enough"

// DefaultMaxSteps bounds how many instructions one Input or Tick call runs.
const DefaultMaxSteps = 64

// Instruction is one position-addressed unit of a Program. Execute must
// either move s.Position or leave it unchanged to block until the next
// Input or Tick.
type Instruction interface {
	Execute(ctx context.Context, s *State) error
	String() string
}

// Program is a compiled, 0-indexed instruction sequence.
type Program []Instruction

// Listing returns the canonical text form of p, one instruction per line.
func (p Program) Listing() string {
	var b strings.Builder
	for i, ins := range p {
		fmt.Fprintf(&b, "%04d %s\n", i, ins.String())
	}
	return b.String()
}

// OperatorPool hands out live operator conversations. It is implemented by
// the bot-side dispatcher.
type OperatorPool interface {
	// Update drains pending coordination traffic.
	Update(ctx context.Context) error
	// Acquire binds an idle operator. ok is false when none is free.
	Acquire(ctx context.Context) (Conversation, bool, error)
}

// Conversation is a bound operator handoff seen from the bot side.
type Conversation interface {
	Stopped() bool
	SendMessage(ctx context.Context, text string) error
	ReceiveMessages(ctx context.Context) ([]string, error)
	Stop(ctx context.Context) error
}

// State is the execution context of one chat.
type State struct {
	Chat         string
	Position     int
	Vars         map[string]string
	Conversation Conversation
	Operators    OperatorPool

	input    string
	hasInput bool
	out      []string
}

// NewState returns a state positioned at the start of the program.
func NewState(chat string, operators OperatorPool) *State {
	return &State{
		Chat:      chat,
		Vars:      make(map[string]string),
		Operators: operators,
	}
}

// SetInput stores text in the pending-input slot, replacing any previous value.
func (s *State) SetInput(text string) {
	s.input = text
	s.hasInput = true
}

// PendingInput reports the pending input without consuming it.
func (s *State) PendingInput() (string, bool) {
	return s.input, s.hasInput
}

// TakeInput consumes the pending input.
func (s *State) TakeInput() (string, bool) {
	text, ok := s.input, s.hasInput
	s.input, s.hasInput = "", false
	return text, ok
}

// Emit queues text for delivery to the user.
func (s *State) Emit(text ...string) {
	s.out = append(s.out, text...)
}

// Advance moves to the next instruction.
func (s *State) Advance() { s.Position++ }

// Jump moves to an absolute position.
func (s *State) Jump(pos int) { s.Position = pos }

func (s *State) drainOutput() []string {
	out := s.out
	s.out = nil
	return out
}
