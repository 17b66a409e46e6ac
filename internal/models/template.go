package models

import "time"

// Component kinds as stored in Component.Kind.
const (
	KindSendMessage     = "send_message"
	KindGetInput        = "get_input"
	KindForwardToScreen = "forward_to_screen"
	KindOperatorDialog  = "operator_dialog"
)

// Template is an authored bot program: an ordered list of screens.
type Template struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:128;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Screens []Screen `gorm:"foreignKey:TemplateID"`
}

// Screen is a named group of components. Position is the dense 0-based rank
// of the screen inside its template.
type Screen struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TemplateID uint   `gorm:"not null;index:idx_screen_rank"`
	Position   int    `gorm:"not null;index:idx_screen_rank"`
	Name       string `gorm:"size:128;not null"`
	CreatedAt  time.Time

	Components []Component `gorm:"foreignKey:ScreenID"`
}

// Component is one authored bot action. Only the columns relevant to Kind
// are populated; the store converts rows to typed flow components.
type Component struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ScreenID       uint   `gorm:"not null;index:idx_component_rank"`
	Position       int    `gorm:"not null;index:idx_component_rank"`
	Kind           string `gorm:"size:32;not null"`
	Text           string `gorm:"type:text"`
	VariableName   string `gorm:"size:64"`
	TargetScreenID *uint
	ConditionRegex string `gorm:"size:512"`
	StartMessage   string `gorm:"type:text"`
	StopMessage    string `gorm:"type:text"`
	FailMessage    string `gorm:"type:text"`
	CreatedAt      time.Time
}
