// Package flow holds the typed screen graph that authors build and the
// compiler consumes.
package flow

import "github.com/zulandar/switchboard/internal/models"

// Default operator dialog messages.
const (
	DefaultStartMessage = "Operator connected. Type /enough for stop"
	DefaultStopMessage  = "Operator disconnected"
	DefaultFailMessage  = "No free operators"
)

// Component is one authored bot action. The concrete types below are the
// only implementations.
type Component interface {
	isComponent()
}

// SendMessage sends Text to the user.
type SendMessage struct {
	Text string
}

// GetInput waits for the next user message and stores it in VariableName.
type GetInput struct {
	VariableName string
}

// ForwardToScreen jumps to TargetScreen. With a non-empty ConditionRegex the
// jump happens only when the value of VariableName matches.
type ForwardToScreen struct {
	VariableName   string
	TargetScreen   uint
	ConditionRegex string
}

// OperatorDialog hands the user over to a live operator.
type OperatorDialog struct {
	StartMessage string
	StopMessage  string
	FailMessage  string
}

func (SendMessage) isComponent()     {}
func (GetInput) isComponent()        {}
func (ForwardToScreen) isComponent() {}
func (OperatorDialog) isComponent()  {}

// Kind returns the stored kind name of c, or "" for nil.
func Kind(c Component) string {
	switch c.(type) {
	case SendMessage:
		return models.KindSendMessage
	case GetInput:
		return models.KindGetInput
	case ForwardToScreen:
		return models.KindForwardToScreen
	case OperatorDialog:
		return models.KindOperatorDialog
	}
	return ""
}

// Screen is an ordered group of components.
type Screen struct {
	ID         uint
	Name       string
	Components []Component
}

// Template is an ordered list of screens. The first screen is the entry point.
type Template struct {
	ID      uint
	Name    string
	Screens []Screen
}

// StartScreen returns the entry screen, if any.
func (t Template) StartScreen() (Screen, bool) {
	if len(t.Screens) == 0 {
		return Screen{}, false
	}
	return t.Screens[0], true
}

// ScreenIndex returns the rank of the screen with the given id.
func (t Template) ScreenIndex(id uint) (int, bool) {
	for i, s := range t.Screens {
		if s.ID == id {
			return i, true
		}
	}
	return 0, false
}

// NewDialog returns an OperatorDialog, filling empty messages with defaults.
func NewDialog(start, stop, fail string) OperatorDialog {
	if start == "" {
		start = DefaultStartMessage
	}
	if stop == "" {
		stop = DefaultStopMessage
	}
	if fail == "" {
		fail = DefaultFailMessage
	}
	return OperatorDialog{StartMessage: start, StopMessage: stop, FailMessage: fail}
}
