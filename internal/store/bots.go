package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateBot creates a bot with no template and an empty roster.
func (s *Store) CreateBot(ctx context.Context, name string) (*models.Bot, error) {
	if name == "" {
		return nil, errors.New("store: bot name is required")
	}
	bot := models.Bot{Name: name}
	if err := s.db.WithContext(ctx).Create(&bot).Error; err != nil {
		return nil, fmt.Errorf("store: create bot %q: %w", name, err)
	}
	return &bot, nil
}

// GetBot loads a bot by name.
func (s *Store) GetBot(ctx context.Context, name string) (*models.Bot, error) {
	var bot models.Bot
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&bot).Error; err != nil {
		return nil, wrapFind(err, "bot", name)
	}
	return &bot, nil
}

// ListBots returns all bots ordered by name.
func (s *Store) ListBots(ctx context.Context) ([]models.Bot, error) {
	var out []models.Bot
	if err := s.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list bots: %w", err)
	}
	return out, nil
}

// SetTemplate assigns the template a bot runs.
func (s *Store) SetTemplate(ctx context.Context, botID, templateID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tmpl models.Template
		if err := tx.First(&tmpl, templateID).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Bot{}).Where("id = ?", botID).Update("template_id", templateID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: set template %d on bot %d: %w", templateID, botID, ErrNotFound)
		}
		return fmt.Errorf("store: set template %d on bot %d: %w", templateID, botID, err)
	}
	return nil
}

// AddOperator appends an operator to a bot's roster.
func (s *Store) AddOperator(ctx context.Context, botID, operatorID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bot models.Bot
		if err := tx.First(&bot, botID).Error; err != nil {
			return err
		}
		var op models.Operator
		if err := tx.First(&op, operatorID).Error; err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.BotOperator{}).Where("bot_id = ? AND operator_id = ?", botID, operatorID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrOperatorAlreadyAdded
		}
		pos, err := nextPosition(tx, &models.BotOperator{}, "bot_id", botID)
		if err != nil {
			return err
		}
		return tx.Create(&models.BotOperator{BotID: botID, OperatorID: operatorID, Position: pos}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: add operator %d to bot %d: %w", operatorID, botID, ErrNotFound)
		}
		return fmt.Errorf("store: add operator %d to bot %d: %w", operatorID, botID, err)
	}
	return nil
}

// RemoveOperator takes an operator off a bot's roster.
func (s *Store) RemoveOperator(ctx context.Context, botID, operatorID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m models.BotOperator
		if err := tx.Where("bot_id = ? AND operator_id = ?", botID, operatorID).First(&m).Error; err != nil {
			return err
		}
		return removeMember(tx, m)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: operator %d on bot %d: %w", operatorID, botID, ErrNotFound)
		}
		return fmt.Errorf("store: remove operator %d from bot %d: %w", operatorID, botID, err)
	}
	return nil
}

func removeMember(tx *gorm.DB, m models.BotOperator) error {
	if err := tx.Where("bot_id = ? AND operator_id = ?", m.BotID, m.OperatorID).Delete(&models.BotOperator{}).Error; err != nil {
		return err
	}
	return tx.Model(&models.BotOperator{}).
		Where("bot_id = ? AND position > ?", m.BotID, m.Position).
		UpdateColumn("position", gorm.Expr("position - 1")).Error
}

// BotOperators returns a bot's roster in order.
func (s *Store) BotOperators(ctx context.Context, botID uint) ([]models.Operator, error) {
	var members []models.BotOperator
	err := s.db.WithContext(ctx).Preload("Operator").
		Where("bot_id = ?", botID).Order("position").Find(&members).Error
	if err != nil {
		return nil, fmt.Errorf("store: operators of bot %d: %w", botID, err)
	}
	out := make([]models.Operator, 0, len(members))
	for _, m := range members {
		out = append(out, m.Operator)
	}
	return out, nil
}

// AddChat records that the bot talked to a chat. Recording the same chat
// twice is a no-op.
func (s *Store) AddChat(ctx context.Context, botID uint, chatID, platform string) error {
	chat := models.BotChat{BotID: botID, ChatID: chatID, Platform: platform}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&chat).Error
	if err != nil {
		return fmt.Errorf("store: add chat %s to bot %d: %w", chatID, botID, err)
	}
	return nil
}

// Chats returns the chats a bot has talked to, oldest first.
func (s *Store) Chats(ctx context.Context, botID uint) ([]models.BotChat, error) {
	var out []models.BotChat
	err := s.db.WithContext(ctx).Where("bot_id = ?", botID).Order("created_at, chat_id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: chats of bot %d: %w", botID, err)
	}
	return out, nil
}

// DeleteBot deletes a bot, its roster and its chat list.
func (s *Store) DeleteBot(ctx context.Context, botID uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var bot models.Bot
		if err := tx.First(&bot, botID).Error; err != nil {
			return err
		}
		if err := tx.Where("bot_id = ?", botID).Delete(&models.BotOperator{}).Error; err != nil {
			return err
		}
		if err := tx.Where("bot_id = ?", botID).Delete(&models.BotChat{}).Error; err != nil {
			return err
		}
		return tx.Delete(&bot).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: bot %d: %w", botID, ErrNotFound)
		}
		return fmt.Errorf("store: delete bot %d: %w", botID, err)
	}
	return nil
}
