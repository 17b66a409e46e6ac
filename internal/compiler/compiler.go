// Package compiler turns a screen graph into a flat, cyclic vm.Program.
//
// Screens are laid out in order. Each component becomes one instruction and
// every screen ends with an unconditional forward to the next screen; the
// last screen forwards to position 0.
package compiler

import (
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/flow"
	"github.com/zulandar/switchboard/internal/vm"
)

var (
	// ErrDanglingForwardTarget means a ForwardToScreen names a screen that is
	// not part of the template.
	ErrDanglingForwardTarget = errors.New("forward target is not a screen of this template")
	// ErrInvalidCondition means a ForwardToScreen condition does not compile.
	ErrInvalidCondition = errors.New("invalid forward condition")
)

// StartPositions returns the absolute start position of each screen, keyed
// by screen id. A screen starts after all preceding screens' components plus
// one synthetic forward per preceding screen.
func StartPositions(t flow.Template) map[uint]int {
	starts := make(map[uint]int, len(t.Screens))
	pos := 0
	for _, s := range t.Screens {
		starts[s.ID] = pos
		pos += len(s.Components) + 1
	}
	return starts
}

// Compile translates t. It reads t only and is safe for concurrent use.
// An empty template compiles to an empty program.
func Compile(t flow.Template) (vm.Program, error) {
	starts := StartPositions(t)
	var program vm.Program

	for si, screen := range t.Screens {
		for ci, c := range screen.Components {
			ins, err := translate(c, starts)
			if err != nil {
				return nil, fmt.Errorf("compiler: screen %q component %d: %w", screen.Name, ci, err)
			}
			program = append(program, ins)
		}

		next := 0
		if si+1 < len(t.Screens) {
			next = starts[t.Screens[si+1].ID]
		}
		fwd, err := vm.NewForward(next, "", "")
		if err != nil {
			return nil, fmt.Errorf("compiler: screen %q: %w", screen.Name, err)
		}
		program = append(program, fwd)
	}
	return program, nil
}

func translate(c flow.Component, starts map[uint]int) (vm.Instruction, error) {
	switch c := c.(type) {
	case flow.SendMessage:
		return &vm.SendText{Text: c.Text}, nil
	case flow.GetInput:
		return &vm.GetInput{Variable: c.VariableName}, nil
	case flow.ForwardToScreen:
		target, ok := starts[c.TargetScreen]
		if !ok {
			return nil, fmt.Errorf("screen %d: %w", c.TargetScreen, ErrDanglingForwardTarget)
		}
		fwd, err := vm.NewForward(target, c.VariableName, c.ConditionRegex)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
		}
		return fwd, nil
	case flow.OperatorDialog:
		return &vm.Dialog{
			StartMessage: c.StartMessage,
			StopMessage:  c.StopMessage,
			FailMessage:  c.FailMessage,
		}, nil
	default:
		return nil, fmt.Errorf("unknown component %T", c)
	}
}
