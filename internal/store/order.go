package store

import (
	"fmt"

	"gorm.io/gorm"
)

// Screens and components keep a dense 0-based position under their parent.
// All rank changes run inside the caller's transaction so no reader sees two
// siblings at the same position.

func nextPosition(tx *gorm.DB, model any, parentCol string, parentID uint) (int, error) {
	var n int64
	if err := tx.Model(model).Where(parentCol+" = ?", parentID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count siblings: %w", err)
	}
	return int(n), nil
}

// closeGap shifts every sibling after pos down by one.
func closeGap(tx *gorm.DB, model any, parentCol string, parentID uint, pos int) error {
	err := tx.Model(model).
		Where(parentCol+" = ? AND position > ?", parentID, pos).
		UpdateColumn("position", gorm.Expr("position - 1")).Error
	if err != nil {
		return fmt.Errorf("renumber siblings: %w", err)
	}
	return nil
}

// moveTo moves the row with id from position from to position to, shifting
// the siblings in between.
func moveTo(tx *gorm.DB, model any, parentCol string, parentID, id uint, from, to int) error {
	count, err := nextPosition(tx, model, parentCol, parentID)
	if err != nil {
		return err
	}
	if to < 0 || to >= count {
		return fmt.Errorf("move to %d of %d: %w", to, count, ErrPositionOutOfRange)
	}
	if to == from {
		return nil
	}

	q := tx.Model(model).Where(parentCol+" = ?", parentID)
	if to < from {
		err = q.Where("position >= ? AND position < ?", to, from).
			UpdateColumn("position", gorm.Expr("position + 1")).Error
	} else {
		err = q.Where("position > ? AND position <= ?", from, to).
			UpdateColumn("position", gorm.Expr("position - 1")).Error
	}
	if err != nil {
		return fmt.Errorf("shift siblings: %w", err)
	}
	if err := tx.Model(model).Where("id = ?", id).UpdateColumn("position", to).Error; err != nil {
		return fmt.Errorf("set position: %w", err)
	}
	return nil
}
