package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// CreateOperator creates an operator with a fresh secret token.
func (s *Store) CreateOperator(ctx context.Context, name string) (*models.Operator, error) {
	if name == "" {
		return nil, errors.New("store: operator name is required")
	}
	op := models.Operator{Name: name, Token: NewToken()}
	if err := s.db.WithContext(ctx).Create(&op).Error; err != nil {
		return nil, fmt.Errorf("store: create operator %q: %w", name, err)
	}
	return &op, nil
}

// GetOperator loads an operator by id.
func (s *Store) GetOperator(ctx context.Context, id uint) (*models.Operator, error) {
	var op models.Operator
	if err := s.db.WithContext(ctx).First(&op, id).Error; err != nil {
		return nil, wrapFind(err, "operator", id)
	}
	return &op, nil
}

// OperatorByToken loads the operator holding token.
func (s *Store) OperatorByToken(ctx context.Context, token string) (*models.Operator, error) {
	var op models.Operator
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&op).Error; err != nil {
		return nil, wrapFind(err, "operator with token", "***")
	}
	return &op, nil
}

// ListOperators returns all operators ordered by id.
func (s *Store) ListOperators(ctx context.Context) ([]models.Operator, error) {
	var out []models.Operator
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list operators: %w", err)
	}
	return out, nil
}

// RenameOperator changes an operator's display name.
func (s *Store) RenameOperator(ctx context.Context, id uint, name string) error {
	res := s.db.WithContext(ctx).Model(&models.Operator{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return fmt.Errorf("store: rename operator %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: operator %d: %w", id, ErrNotFound)
	}
	return nil
}

// RegenerateToken replaces an operator's token and returns the new one.
// Running bots keep the roster they started with until restarted.
func (s *Store) RegenerateToken(ctx context.Context, id uint) (string, error) {
	token := NewToken()
	res := s.db.WithContext(ctx).Model(&models.Operator{}).Where("id = ?", id).Update("token", token)
	if res.Error != nil {
		return "", fmt.Errorf("store: regenerate token for operator %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return "", fmt.Errorf("store: operator %d: %w", id, ErrNotFound)
	}
	return token, nil
}

// OperatorInUse reports whether the operator is on any bot's roster.
func (s *Store) OperatorInUse(ctx context.Context, id uint) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.BotOperator{}).Where("operator_id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("store: operator %d in use: %w", id, err)
	}
	return n > 0, nil
}

// DeleteOperator deletes an operator with its conversations and messages.
// An operator on a bot roster is refused with ErrInUse unless force is set,
// in which case it is removed from every roster.
func (s *Store) DeleteOperator(ctx context.Context, id uint, force bool) error {
	inUse, err := s.OperatorInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse && !force {
		return fmt.Errorf("store: delete operator %d: %w", id, ErrInUse)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var op models.Operator
		if err := tx.First(&op, id).Error; err != nil {
			return err
		}
		convs := tx.Model(&models.Conversation{}).Select("id").Where("operator_id = ?", id)
		if err := tx.Where("conversation_id IN (?)", convs).Delete(&models.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("operator_id = ?", id).Delete(&models.Conversation{}).Error; err != nil {
			return err
		}
		var memberships []models.BotOperator
		if err := tx.Where("operator_id = ?", id).Find(&memberships).Error; err != nil {
			return err
		}
		for _, m := range memberships {
			if err := removeMember(tx, m); err != nil {
				return err
			}
		}
		return tx.Delete(&op).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: operator %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: delete operator %d: %w", id, err)
	}
	return nil
}
