package vm

import (
	"context"
	"fmt"
	"regexp"
)

// SendText emits Text and advances.
type SendText struct {
	Text string
}

func (i *SendText) Execute(_ context.Context, s *State) error {
	s.Emit(i.Text)
	s.Advance()
	return nil
}

func (i *SendText) String() string { return fmt.Sprintf("send %q", i.Text) }

// GetInput blocks until input is pending, then stores it in Variable.
type GetInput struct {
	Variable string
}

func (i *GetInput) Execute(_ context.Context, s *State) error {
	text, ok := s.TakeInput()
	if !ok {
		return nil
	}
	s.Vars[i.Variable] = text
	s.Advance()
	return nil
}

func (i *GetInput) String() string { return fmt.Sprintf("input %s", i.Variable) }

// Forward jumps to Target. With a Pattern it jumps only when the value of
// Variable matches and advances otherwise.
type Forward struct {
	Target   int
	Variable string
	Pattern  string

	re *regexp.Regexp
}

// NewForward compiles pattern once. An empty pattern is unconditional.
func NewForward(target int, variable, pattern string) (*Forward, error) {
	f := &Forward{Target: target, Variable: variable, Pattern: pattern}
	if pattern == "" {
		return f, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("vm: forward condition %q: %w", pattern, err)
	}
	f.re = re
	return f, nil
}

func (i *Forward) Execute(_ context.Context, s *State) error {
	if i.re == nil || i.re.MatchString(s.Vars[i.Variable]) {
		s.Jump(i.Target)
		return nil
	}
	s.Advance()
	return nil
}

func (i *Forward) String() string {
	if i.Pattern == "" {
		return fmt.Sprintf("forward %d", i.Target)
	}
	return fmt.Sprintf("forward %d if %s =~ %q", i.Target, i.Variable, i.Pattern)
}
