package models

import "time"

// Operator is a human who can take over conversations from a bot. Token is
// the bearer credential the operator client presents on authentication.
type Operator struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:128;not null"`
	Token     string `gorm:"size:64;not null;uniqueIndex"`
	CreatedAt time.Time

	Conversations []Conversation `gorm:"foreignKey:OperatorID"`
}
