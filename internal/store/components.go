package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/flow"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// fillComponent copies the fields of c into row, clearing the columns that
// do not belong to its kind.
func fillComponent(row *models.Component, c flow.Component) error {
	row.Kind = flow.Kind(c)
	row.Text, row.VariableName, row.ConditionRegex = "", "", ""
	row.TargetScreenID = nil
	row.StartMessage, row.StopMessage, row.FailMessage = "", "", ""

	switch c := c.(type) {
	case flow.SendMessage:
		row.Text = c.Text
	case flow.GetInput:
		row.VariableName = c.VariableName
	case flow.ForwardToScreen:
		target := c.TargetScreen
		row.VariableName = c.VariableName
		row.TargetScreenID = &target
		row.ConditionRegex = c.ConditionRegex
	case flow.OperatorDialog:
		row.StartMessage = c.StartMessage
		row.StopMessage = c.StopMessage
		row.FailMessage = c.FailMessage
	default:
		return fmt.Errorf("unknown component %T", c)
	}
	return nil
}

// ToFlow converts a stored component to its typed form.
func ToFlow(row models.Component) (flow.Component, error) {
	switch row.Kind {
	case models.KindSendMessage:
		return flow.SendMessage{Text: row.Text}, nil
	case models.KindGetInput:
		return flow.GetInput{VariableName: row.VariableName}, nil
	case models.KindForwardToScreen:
		var target uint
		if row.TargetScreenID != nil {
			target = *row.TargetScreenID
		}
		return flow.ForwardToScreen{
			VariableName:   row.VariableName,
			TargetScreen:   target,
			ConditionRegex: row.ConditionRegex,
		}, nil
	case models.KindOperatorDialog:
		return flow.OperatorDialog{
			StartMessage: row.StartMessage,
			StopMessage:  row.StopMessage,
			FailMessage:  row.FailMessage,
		}, nil
	default:
		return nil, fmt.Errorf("store: component %d: unknown kind %q", row.ID, row.Kind)
	}
}

// checkTarget verifies that a forward points at a screen of the template
// that owns screenID.
func checkTarget(tx *gorm.DB, screenID uint, c flow.Component) error {
	fwd, ok := c.(flow.ForwardToScreen)
	if !ok {
		return nil
	}
	var owner, target models.Screen
	if err := tx.First(&owner, screenID).Error; err != nil {
		return err
	}
	if err := tx.First(&target, fwd.TargetScreen).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("forward target screen %d: %w", fwd.TargetScreen, ErrNotFound)
		}
		return err
	}
	if target.TemplateID != owner.TemplateID {
		return fmt.Errorf("forward target screen %d belongs to template %d, not %d: %w",
			target.ID, target.TemplateID, owner.TemplateID, ErrNotFound)
	}
	return nil
}

// AddComponent appends c to a screen.
func (s *Store) AddComponent(ctx context.Context, screenID uint, c flow.Component) (*models.Component, error) {
	row := models.Component{ScreenID: screenID}
	if err := fillComponent(&row, c); err != nil {
		return nil, fmt.Errorf("store: add component: %w", err)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var screen models.Screen
		if err := tx.First(&screen, screenID).Error; err != nil {
			return err
		}
		if err := checkTarget(tx, screenID, c); err != nil {
			return err
		}
		pos, err := nextPosition(tx, &models.Component{}, "screen_id", screenID)
		if err != nil {
			return err
		}
		row.Position = pos
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("store: screen %d: %w", screenID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: add component to screen %d: %w", screenID, err)
	}
	return &row, nil
}

// GetComponent loads one component.
func (s *Store) GetComponent(ctx context.Context, id uint) (*models.Component, error) {
	var row models.Component
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, wrapFind(err, "component", id)
	}
	return &row, nil
}

// ListComponents returns a screen's components in position order.
func (s *Store) ListComponents(ctx context.Context, screenID uint) ([]models.Component, error) {
	var out []models.Component
	err := s.db.WithContext(ctx).Where("screen_id = ?", screenID).Order("position").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list components of screen %d: %w", screenID, err)
	}
	return out, nil
}

// UpdateComponent replaces the content of a component in place, keeping its
// position.
func (s *Store) UpdateComponent(ctx context.Context, id uint, c flow.Component) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Component
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		if err := checkTarget(tx, row.ScreenID, c); err != nil {
			return err
		}
		if err := fillComponent(&row, c); err != nil {
			return err
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: component %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: update component %d: %w", id, err)
	}
	return nil
}

// MoveComponent moves a component to position to within its screen.
func (s *Store) MoveComponent(ctx context.Context, id uint, to int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Component
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		return moveTo(tx, &models.Component{}, "screen_id", row.ScreenID, row.ID, row.Position, to)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: component %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: move component %d: %w", id, err)
	}
	return nil
}

// DeleteComponent deletes a component and renumbers its siblings.
func (s *Store) DeleteComponent(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.Component
		if err := tx.First(&row, id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&row).Error; err != nil {
			return err
		}
		return closeGap(tx, &models.Component{}, "screen_id", row.ScreenID, row.Position)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store: component %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("store: delete component %d: %w", id, err)
	}
	return nil
}

// LoadTemplate builds the typed screen graph of a template.
func (s *Store) LoadTemplate(ctx context.Context, id uint) (flow.Template, error) {
	tmpl, err := s.GetTemplate(ctx, id)
	if err != nil {
		return flow.Template{}, err
	}
	out := flow.Template{ID: tmpl.ID, Name: tmpl.Name, Screens: make([]flow.Screen, 0, len(tmpl.Screens))}
	for _, screen := range tmpl.Screens {
		fs := flow.Screen{ID: screen.ID, Name: screen.Name, Components: make([]flow.Component, 0, len(screen.Components))}
		for _, row := range screen.Components {
			c, err := ToFlow(row)
			if err != nil {
				return flow.Template{}, err
			}
			fs.Components = append(fs.Components, c)
		}
		out.Screens = append(out.Screens, fs)
	}
	return out, nil
}
