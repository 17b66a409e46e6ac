package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// CreateConversation opens a conversation owned by operatorID.
func (s *Store) CreateConversation(ctx context.Context, operatorID uint) (*models.Conversation, error) {
	conv := models.Conversation{OperatorID: operatorID}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("store: create conversation for operator %d: %w", operatorID, err)
	}
	return &conv, nil
}

// GetConversation loads a conversation with its transcript in order.
func (s *Store) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&conv, id).Error
	if err != nil {
		return nil, wrapFind(err, "conversation", id)
	}
	return &conv, nil
}

// ListConversations returns an operator's conversations, oldest first.
func (s *Store) ListConversations(ctx context.Context, operatorID uint) ([]models.Conversation, error) {
	var out []models.Conversation
	err := s.db.WithContext(ctx).Where("operator_id = ?", operatorID).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list conversations of operator %d: %w", operatorID, err)
	}
	return out, nil
}

// StopConversation marks a conversation stopped. Stopping twice is a no-op;
// the first stop time is kept.
func (s *Store) StopConversation(ctx context.Context, id uint) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND stopped = ?", id, false).
		Updates(map[string]any{"stopped": true, "stopped_at": &now})
	if res.Error != nil {
		return fmt.Errorf("store: stop conversation %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return fmt.Errorf("store: stop conversation %d: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("store: conversation %d: %w", id, ErrNotFound)
		}
	}
	return nil
}

// AppendMessage adds a transcript entry.
func (s *Store) AppendMessage(ctx context.Context, conversationID uint, direction, text string) (*models.Message, error) {
	if direction != models.DirectionToOperator && direction != models.DirectionToUser {
		return nil, errors.New("store: message direction must be to_operator or to_user")
	}
	msg := models.Message{ConversationID: conversationID, Direction: direction, Text: text}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("store: append message to conversation %d: %w", conversationID, err)
	}
	return &msg, nil
}

// Messages returns a conversation's transcript in creation order.
func (s *Store) Messages(ctx context.Context, conversationID uint) ([]models.Message, error) {
	var out []models.Message
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: messages of conversation %d: %w", conversationID, err)
	}
	return out, nil
}
