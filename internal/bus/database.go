package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// DefaultFetchSize is how many rows one database poll reads ahead.
const DefaultFetchSize = 100

// DBBusOpts configures a DBBus.
type DBBusOpts struct {
	DB        *gorm.DB
	FetchSize int
}

// DBBus stores messages in the bus_messages table so that processes sharing
// a database can talk. Subscriptions read rows with an id above their
// cursor; the cursor starts at the newest row, so history is never replayed.
type DBBus struct {
	db        *gorm.DB
	fetchSize int

	mu     sync.Mutex
	closed bool
}

// NewDBBus validates opts and returns a database-backed bus.
func NewDBBus(opts DBBusOpts) (*DBBus, error) {
	if opts.DB == nil {
		return nil, errors.New("bus: db is required")
	}
	if opts.FetchSize <= 0 {
		opts.FetchSize = DefaultFetchSize
	}
	return &DBBus{db: opts.DB, fetchSize: opts.FetchSize}, nil
}

func (b *DBBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *DBBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	row := models.BusMessage{Topic: topic, Payload: string(payload)}
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

func (b *DBBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	var cursor uint
	err := b.db.WithContext(ctx).Model(&models.BusMessage{}).
		Select("COALESCE(MAX(id), 0)").Scan(&cursor).Error
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe: read cursor: %w", err)
	}
	return &dbSub{bus: b, topics: append([]string(nil), topics...), cursor: cursor}, nil
}

// Prune deletes messages older than olderThan and returns how many were
// removed.
func (b *DBBus) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := b.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.BusMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("bus: prune: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Close marks the bus closed. The underlying database is left open.
func (b *DBBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type dbSub struct {
	bus     *DBBus
	topics  []string
	cursor  uint
	pending []models.BusMessage
	closed  bool
}

func (s *dbSub) Poll(ctx context.Context) (Message, bool, error) {
	if s.closed || s.bus.isClosed() {
		return Message{}, false, ErrClosed
	}
	if len(s.pending) == 0 && len(s.topics) > 0 {
		var rows []models.BusMessage
		err := s.bus.db.WithContext(ctx).
			Where("id > ? AND topic IN ?", s.cursor, s.topics).
			Order("id").
			Limit(s.bus.fetchSize).
			Find(&rows).Error
		if err != nil {
			return Message{}, false, fmt.Errorf("bus: poll: %w", err)
		}
		if len(rows) > 0 {
			s.cursor = rows[len(rows)-1].ID
		}
		s.pending = rows
	}
	if len(s.pending) == 0 {
		return Message{}, false, nil
	}
	row := s.pending[0]
	s.pending = s.pending[1:]
	return Message{Topic: row.Topic, Payload: []byte(row.Payload)}, true, nil
}

func (s *dbSub) Close() error {
	s.closed = true
	s.pending = nil
	return nil
}
