package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solaius/credential-registry/pkg/db"
	"github.com/solaius/credential-registry/pkg/sentinel"
)

// Ledger stores per-person status history and keeps the current-record head
// in step with it.
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a Ledger over db.
func NewLedger(gdb *gorm.DB) *Ledger {
	return &Ledger{db: gdb}
}

// WithTx returns a Ledger bound to tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

// Transaction runs fn with a Ledger bound to one transaction. Inside an
// existing transaction this nests as a savepoint.
func (l *Ledger) Transaction(ctx context.Context, fn func(*Ledger) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(l.WithTx(tx))
	})
}

// AutoMigrate creates or updates the status tables.
func (l *Ledger) AutoMigrate() error {
	if err := l.db.AutoMigrate(&CatalogEntry{}); err != nil {
		return fmt.Errorf("auto-migrate statuses: %w", err)
	}
	if err := l.db.AutoMigrate(&Record{}); err != nil {
		return fmt.Errorf("auto-migrate status_records: %w", err)
	}
	if err := l.db.AutoMigrate(&Head{}); err != nil {
		return fmt.Errorf("auto-migrate status_heads: %w", err)
	}
	return nil
}

// SeedCatalog inserts the catalog rows. Existing rows are left untouched.
func (l *Ledger) SeedCatalog(ctx context.Context) error {
	for _, s := range All() {
		entry := CatalogEntry{ID: s.CatalogID(), Name: s.String()}
		err := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
		if err != nil {
			return fmt.Errorf("seed status %s: %w", s, err)
		}
	}
	return nil
}

// Current returns the active record for the person, or nil if none exists.
func (l *Ledger) Current(ctx context.Context, personID string) (*Record, error) {
	head, err := l.head(l.db.WithContext(ctx), personID, false)
	if err != nil {
		return nil, err
	}
	if head == nil || head.RecordID == nil {
		return nil, nil
	}
	var rec Record
	if err := l.db.WithContext(ctx).Where("id = ?", *head.RecordID).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("load current status record: %w", err)
	}
	return &rec, nil
}

// CurrentStatus returns the person's current status from the head alone.
// None means no active record.
func (l *Ledger) CurrentStatus(ctx context.Context, personID string) (Status, error) {
	head, err := l.head(l.db.WithContext(ctx), personID, false)
	if err != nil {
		return None, err
	}
	if head == nil || head.RecordID == nil {
		return None, nil
	}
	return FromCatalogID(head.StatusID)
}

// History returns the person's records, newest first.
func (l *Ledger) History(ctx context.Context, personID string) ([]Record, error) {
	var records []Record
	err := l.db.WithContext(ctx).
		Where("person_id = ?", personID).
		Order("sequence DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	return records, nil
}

// CountActive returns the number of active records for the person.
func (l *Ledger) CountActive(ctx context.Context, personID string) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&Record{}).
		Where("person_id = ? AND active = ?", personID, true).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active status records: %w", err)
	}
	return n, nil
}

// CloseCurrent deactivates the current record if there is one.
func (l *Ledger) CloseCurrent(ctx context.Context, personID string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head, err := l.head(tx, personID, true)
		if err != nil {
			return err
		}
		if head == nil || head.RecordID == nil {
			return nil
		}
		now := time.Now().UTC()
		if err := closeRecord(tx, *head.RecordID, now); err != nil {
			return err
		}
		return moveHead(tx, head, map[string]any{
			"record_id":  nil,
			"status_id":  0,
			"updated_at": now,
		})
	})
}

// OpenNew closes the current record (if any) and opens a new active record
// with status s, in one atomic call.
func (l *Ledger) OpenNew(ctx context.Context, personID string, s Status, changedBy, reason string) (*Record, error) {
	if !s.Valid() {
		return nil, sentinel.Validationf("cannot open status %s", s)
	}
	if personID == "" {
		return nil, sentinel.Validationf("person id is required")
	}

	var opened *Record
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		head, err := l.head(tx, personID, true)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if head != nil && head.RecordID != nil {
			if err := closeRecord(tx, *head.RecordID, now); err != nil {
				return err
			}
		}

		seq := 1
		if head != nil {
			seq = head.Sequence + 1
		}
		key := personID
		rec := &Record{
			ID:        uuid.New().String(),
			PersonID:  personID,
			StatusID:  s.CatalogID(),
			Sequence:  seq,
			Active:    true,
			ActiveKey: &key,
			ChangedBy: changedBy,
			Reason:    reason,
			CreatedAt: now,
		}
		if err := tx.Create(rec).Error; err != nil {
			if db.IsDuplicate(err) {
				return sentinel.Conflictf("person %s already has an active status record", personID)
			}
			return fmt.Errorf("create status record: %w", err)
		}

		if head == nil {
			newHead := &Head{
				PersonID:  personID,
				RecordID:  &rec.ID,
				StatusID:  rec.StatusID,
				Sequence:  seq,
				Version:   1,
				UpdatedAt: now,
			}
			if err := tx.Create(newHead).Error; err != nil {
				if db.IsDuplicate(err) {
					return sentinel.Conflictf("concurrent status change for person %s", personID)
				}
				return fmt.Errorf("create status head: %w", err)
			}
		} else if err := moveHead(tx, head, map[string]any{
			"record_id":  rec.ID,
			"status_id":  rec.StatusID,
			"sequence":   seq,
			"updated_at": now,
		}); err != nil {
			return err
		}

		opened = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return opened, nil
}

func (l *Ledger) head(tx *gorm.DB, personID string, lock bool) (*Head, error) {
	q := tx
	if lock {
		q = db.ForUpdate(tx)
	}
	var head Head
	err := q.Where("person_id = ?", personID).First(&head).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load status head: %w", err)
	}
	return &head, nil
}

func closeRecord(tx *gorm.DB, recordID string, at time.Time) error {
	result := tx.Model(&Record{}).
		Where("id = ? AND active = ?", recordID, true).
		Updates(map[string]any{
			"active":     false,
			"active_key": nil,
			"closed_at":  at,
		})
	if result.Error != nil {
		return fmt.Errorf("close status record: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return sentinel.Conflictf("status record %s was closed concurrently", recordID)
	}
	return nil
}

// moveHead applies updates to head guarded by its version.
func moveHead(tx *gorm.DB, head *Head, updates map[string]any) error {
	updates["version"] = head.Version + 1
	result := tx.Model(&Head{}).
		Where("person_id = ? AND version = ?", head.PersonID, head.Version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("move status head: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return sentinel.Conflictf("concurrent status change for person %s", head.PersonID)
	}
	return nil
}
