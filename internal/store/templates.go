package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// StartScreenName is the name of the screen every new template starts with.
const StartScreenName = "Start screen"

// CreateTemplate creates a template with an empty start screen.
func (s *Store) CreateTemplate(ctx context.Context, name string) (*models.Template, error) {
	if name == "" {
		return nil, errors.New("store: template name is required")
	}
	tmpl := models.Template{Name: name}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&tmpl).Error; err != nil {
			return err
		}
		start := models.Screen{TemplateID: tmpl.ID, Position: 0, Name: StartScreenName}
		if err := tx.Create(&start).Error; err != nil {
			return err
		}
		tmpl.Screens = []models.Screen{start}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: create template %q: %w", name, err)
	}
	return &tmpl, nil
}

// GetTemplate loads a template with its screens and components in order.
func (s *Store) GetTemplate(ctx context.Context, id uint) (*models.Template, error) {
	var tmpl models.Template
	err := s.db.WithContext(ctx).
		Preload("Screens", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Preload("Screens.Components", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&tmpl, id).Error
	if err != nil {
		return nil, wrapFind(err, "template", id)
	}
	return &tmpl, nil
}

// ListTemplates returns all templates ordered by id, without screens.
func (s *Store) ListTemplates(ctx context.Context) ([]models.Template, error) {
	var out []models.Template
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	return out, nil
}

// RenameTemplate changes a template's name.
func (s *Store) RenameTemplate(ctx context.Context, id uint, name string) error {
	res := s.db.WithContext(ctx).Model(&models.Template{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return fmt.Errorf("store: rename template %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: template %d: %w", id, ErrNotFound)
	}
	return nil
}

// TemplateInUse reports whether any bot runs the template.
func (s *Store) TemplateInUse(ctx context.Context, id uint) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Bot{}).Where("template_id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("store: template %d in use: %w", id, err)
	}
	return n > 0, nil
}

// DeleteTemplate deletes a template with its screens and components. A
// template assigned to a bot is refused with ErrInUse unless force is set,
// in which case the bots are left without a template.
func (s *Store) DeleteTemplate(ctx context.Context, id uint, force bool) error {
	inUse, err := s.TemplateInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse && !force {
		return fmt.Errorf("store: delete template %d: %w", id, ErrInUse)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tmpl models.Template
		if err := tx.First(&tmpl, id).Error; err != nil {
			return err
		}
		screens := tx.Model(&models.Screen{}).Select("id").Where("template_id = ?", id)
		if err := tx.Where("screen_id IN (?)", screens).Delete(&models.Component{}).Error; err != nil {
			return err
		}
		if err := tx.Where("template_id = ?", id).Delete(&models.Screen{}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Bot{}).Where("template_id = ?", id).Update("template_id", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&tmpl).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: template %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: delete template %d: %w", id, err)
	}
	return nil
}

// AddScreen appends a screen to a template.
func (s *Store) AddScreen(ctx context.Context, templateID uint, name string) (*models.Screen, error) {
	if name == "" {
		return nil, errors.New("store: screen name is required")
	}
	screen := models.Screen{TemplateID: templateID, Name: name}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var tmpl models.Template
		if err := tx.First(&tmpl, templateID).Error; err != nil {
			return err
		}
		pos, err := nextPosition(tx, &models.Screen{}, "template_id", templateID)
		if err != nil {
			return err
		}
		screen.Position = pos
		return tx.Create(&screen).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: template %d: %w", templateID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: add screen %q: %w", name, err)
	}
	return &screen, nil
}

// GetScreen loads a screen with its components in order.
func (s *Store) GetScreen(ctx context.Context, id uint) (*models.Screen, error) {
	var screen models.Screen
	err := s.db.WithContext(ctx).
		Preload("Components", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&screen, id).Error
	if err != nil {
		return nil, wrapFind(err, "screen", id)
	}
	return &screen, nil
}

// ListScreens returns a template's screens in position order.
func (s *Store) ListScreens(ctx context.Context, templateID uint) ([]models.Screen, error) {
	var out []models.Screen
	err := s.db.WithContext(ctx).Where("template_id = ?", templateID).Order("position").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list screens of template %d: %w", templateID, err)
	}
	return out, nil
}

// RenameScreen changes a screen's name.
func (s *Store) RenameScreen(ctx context.Context, id uint, name string) error {
	res := s.db.WithContext(ctx).Model(&models.Screen{}).Where("id = ?", id).Update("name", name)
	if res.Error != nil {
		return fmt.Errorf("store: rename screen %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: screen %d: %w", id, ErrNotFound)
	}
	return nil
}

// MoveScreen moves a screen to position to within its template.
func (s *Store) MoveScreen(ctx context.Context, id uint, to int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var screen models.Screen
		if err := tx.First(&screen, id).Error; err != nil {
			return err
		}
		return moveTo(tx, &models.Screen{}, "template_id", screen.TemplateID, screen.ID, screen.Position, to)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: screen %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: move screen %d: %w", id, err)
	}
	return nil
}

// DeleteScreen deletes a screen and its components and renumbers the
// remaining screens. Forwards elsewhere that target it become dangling and
// fail the next compile.
func (s *Store) DeleteScreen(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var screen models.Screen
		if err := tx.First(&screen, id).Error; err != nil {
			return err
		}
		if err := tx.Where("screen_id = ?", id).Delete(&models.Component{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&screen).Error; err != nil {
			return err
		}
		return closeGap(tx, &models.Screen{}, "template_id", screen.TemplateID, screen.Position)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: screen %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: delete screen %d: %w", id, err)
	}
	return nil
}
