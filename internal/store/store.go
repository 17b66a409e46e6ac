// Package store is the typed persistence layer over gorm. It owns ordering
// of screens and components and the cascading deletes between records.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrOperatorAlreadyAdded = errors.New("operator already added to bot")
	ErrPositionOutOfRange   = errors.New("position out of range")
	ErrInUse                = errors.New("record is in use by a bot")
)

// Store wraps a migrated gorm database.
type Store struct {
	db *gorm.DB
}

// New returns a Store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that share it, such as the
// database bus.
func (s *Store) DB() *gorm.DB { return s.db }

// NewToken returns a fresh 32-character operator secret.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// wrapFind maps gorm.ErrRecordNotFound to ErrNotFound.
func wrapFind(err error, what string, key any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("store: %s %v: %w", what, key, ErrNotFound)
	}
	return fmt.Errorf("store: get %s %v: %w", what, key, err)
}
