package models

import "time"

// Message directions.
const (
	DirectionToOperator = "to_operator"
	DirectionToUser     = "to_user"
)

// Conversation is one handoff session between a bot user and an operator.
// OperatorID is fixed at creation; Stopped only ever goes from false to true.
type Conversation struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	OperatorID uint `gorm:"not null;index"`
	Stopped    bool `gorm:"default:false;index"`
	CreatedAt  time.Time
	StoppedAt  *time.Time

	Operator Operator  `gorm:"foreignKey:OperatorID"`
	Messages []Message `gorm:"foreignKey:ConversationID"`
}

// Message is a single transcript entry. Messages are append-only.
type Message struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID uint   `gorm:"not null;index"`
	Direction      string `gorm:"size:16;not null"`
	Text           string `gorm:"type:text;not null"`
	CreatedAt      time.Time
}

// BusMessage is one published event on the database-backed message bus.
type BusMessage struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Topic     string    `gorm:"size:64;not null;index"`
	Payload   string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}
