package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MachineOpts configures a Machine.
type MachineOpts struct {
	Program   Program
	Operators OperatorPool // optional; dialogs fail over when nil
	MaxSteps  int
}

// Machine runs one Program for many chats.
type Machine struct {
	mu        sync.Mutex
	program   Program
	operators OperatorPool
	maxSteps  int
	states    map[string]*State
}

// NewMachine validates opts and returns a Machine with no chats.
func NewMachine(opts MachineOpts) (*Machine, error) {
	if len(opts.Program) == 0 {
		return nil, errors.New("vm: program is empty")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	return &Machine{
		program:   opts.Program,
		operators: opts.Operators,
		maxSteps:  opts.MaxSteps,
		states:    make(map[string]*State),
	}, nil
}

// Input delivers a user message to chat and returns the messages to send
// back. The first message from a chat only starts it and is not stored as
// input.
func (m *Machine) Input(ctx context.Context, chat, text string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[chat]
	if !ok {
		s = NewState(chat, m.operators)
		m.states[chat] = s
	} else {
		s.SetInput(text)
	}
	err := m.run(ctx, s)
	return s.drainOutput(), err
}

// Tick runs chat without new input.
func (m *Machine) Tick(ctx context.Context, chat string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[chat]
	if !ok {
		return nil, nil
	}
	err := m.run(ctx, s)
	return s.drainOutput(), err
}

// TickDialogs ticks every chat parked on a Dialog instruction and returns
// their output keyed by chat. A failing chat does not keep the others from
// running; the errors are joined.
func (m *Machine) TickDialogs(ctx context.Context) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	out := make(map[string][]string)
	for _, chat := range m.sortedChats() {
		s := m.states[chat]
		if s.Position < 0 || s.Position >= len(m.program) {
			continue
		}
		if _, ok := m.program[s.Position].(*Dialog); !ok {
			continue
		}
		err := m.run(ctx, s)
		if msgs := s.drainOutput(); len(msgs) > 0 {
			out[chat] = msgs
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// Program returns the program the machine runs.
func (m *Machine) Program() Program { return m.program }

// Position reports where chat currently is.
func (m *Machine) Position(chat string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[chat]
	if !ok {
		return 0, false
	}
	return s.Position, true
}

// Vars returns a copy of the variables stored for chat.
func (m *Machine) Vars(chat string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[chat]
	if !ok {
		return nil
	}
	vars := make(map[string]string, len(s.Vars))
	for k, v := range s.Vars {
		vars[k] = v
	}
	return vars
}

// Chats lists known chats in sorted order.
func (m *Machine) Chats() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedChats()
}

func (m *Machine) sortedChats() []string {
	chats := make([]string, 0, len(m.states))
	for chat := range m.states {
		chats = append(chats, chat)
	}
	sort.Strings(chats)
	return chats
}

// run executes until an instruction blocks or maxSteps instructions ran.
func (m *Machine) run(ctx context.Context, s *State) error {
	for step := 0; step < m.maxSteps; step++ {
		if s.Position < 0 || s.Position >= len(m.program) {
			s.Position = 0
		}
		before := s.Position
		if err := m.program[before].Execute(ctx, s); err != nil {
			return fmt.Errorf("vm: chat %s at %04d: %w", s.Chat, before, err)
		}
		if s.Position == before {
			return nil
		}
	}
	return nil
}
