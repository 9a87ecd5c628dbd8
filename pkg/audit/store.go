package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/sentinel"
)

// Store provides append-only operations for audit events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// WithTx returns a Store bound to tx, so an event commits or rolls back with
// the use case that produced it.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// AutoMigrate creates or updates the audit table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Event{}); err != nil {
		return fmt.Errorf("auto-migrate audit_events: %w", err)
	}
	return nil
}

// Append creates a new immutable audit event.
func (s *Store) Append(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// GetByID returns the event, or nil if it does not exist.
func (s *Store) GetByID(ctx context.Context, id string) (*Event, error) {
	var ev Event
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&ev).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &ev, nil
}

// ListFiltered returns paginated events ordered by created_at DESC.
// pageToken is an RFC3339 timestamp; events with created_at < pageToken are returned.
func (s *Store) ListFiltered(ctx context.Context, f Filter, pageSize int, pageToken string) ([]Event, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	apply := func(q *gorm.DB) *gorm.DB {
		if f.PersonID != "" {
			q = q.Where("person_id = ?", f.PersonID)
		}
		if f.Actor != "" {
			q = q.Where("actor = ?", f.Actor)
		}
		if f.UseCase != "" {
			q = q.Where("use_case = ?", f.UseCase)
		}
		if f.Outcome != "" {
			q = q.Where("outcome = ?", f.Outcome)
		}
		return q
	}

	var totalSize int64
	if err := apply(s.db.WithContext(ctx).Model(&Event{})).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	query := apply(s.db.WithContext(ctx)).Order("created_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, sentinel.Validationf("invalid page token %q", pageToken)
		}
		query = query.Where("created_at < ?", t)
	}

	var events []Event
	if err := query.Find(&events).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var nextToken string
	if len(events) > pageSize {
		nextToken = events[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		events = events[:pageSize]
	}

	return events, nextToken, int(totalSize), nil
}

// DeleteOlderThan deletes events created before cutoff and returns how many
// were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Event{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old audit events: %w", result.Error)
	}
	return result.RowsAffected, nil
}
