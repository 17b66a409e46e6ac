package models

import "time"

// Bot ties a template and a roster of operators to a running chat bot.
// Platform credentials live in configuration, not here.
type Bot struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Name       string `gorm:"size:64;not null;uniqueIndex"`
	TemplateID *uint  `gorm:"index"`
	CreatedAt  time.Time

	Template  *Template     `gorm:"foreignKey:TemplateID"`
	Operators []BotOperator `gorm:"foreignKey:BotID"`
	Chats     []BotChat     `gorm:"foreignKey:BotID"`
}

// BotOperator is a roster membership. Position keeps roster order.
type BotOperator struct {
	BotID      uint `gorm:"primaryKey"`
	OperatorID uint `gorm:"primaryKey"`
	Position   int  `gorm:"not null"`

	Operator Operator `gorm:"foreignKey:OperatorID"`
}

// BotChat records a chat the bot has talked to, for broadcasts.
type BotChat struct {
	BotID     uint   `gorm:"primaryKey"`
	ChatID    string `gorm:"primaryKey;size:128"`
	Platform  string `gorm:"size:16"`
	CreatedAt time.Time
}
