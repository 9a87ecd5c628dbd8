package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"

	"github.com/solaius/credential-registry/pkg/db"
)

const migrationLockName = "credential-registry-migration"

// MigrationLocker serializes schema migration across replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock.
	WithLock(ctx context.Context, fn func() error) error
}

// Migrator is one component's AutoMigrate.
type Migrator interface {
	AutoMigrate() error
}

// Migrate runs every migrator in order under the lock.
func Migrate(ctx context.Context, locker MigrationLocker, migrators ...Migrator) error {
	return locker.WithLock(ctx, func() error {
		for _, m := range migrators {
			if err := m.AutoMigrate(); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewMigrationLocker picks a lock for the database dialect: an advisory lock
// on PostgreSQL and a lock row elsewhere. A nil db or a disabled config
// yields a lock that just runs fn.
func NewMigrationLocker(gdb *gorm.DB, cfg *HAConfig) MigrationLocker {
	if gdb == nil || (cfg != nil && !cfg.MigrationLockEnabled) {
		return noopMigrationLock{}
	}
	owner := "unknown"
	if cfg != nil && cfg.Identity != "" {
		owner = cfg.Identity
	}
	if gdb.Dialector.Name() == db.TypePostgres {
		return &pgAdvisoryLock{
			db:     gdb,
			lockID: int64(crc32.ChecksumIEEE([]byte(migrationLockName))),
		}
	}
	// The lock table must exist before any replica races for the row.
	_ = gdb.AutoMigrate(&migrationLockRecord{})
	return &rowMigrationLock{
		db:            gdb,
		owner:         owner,
		maxRetries:    30,
		retryInterval: time.Second,
		staleAfter:    5 * time.Minute,
	}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// rowMigrationLock holds the lock by owning the single row of
// migration_lock. Rows older than staleAfter are taken over, which recovers
// from a replica that crashed mid-migration.
type rowMigrationLock struct {
	db            *gorm.DB
	owner         string
	maxRetries    int
	retryInterval time.Duration
	staleAfter    time.Duration
}

func (l *rowMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockName, time.Now().Add(-l.staleAfter)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: migrationLockName, LockedAt: time.Now(), LockedBy: l.owner}
		lastErr = l.db.WithContext(ctx).Create(&row).Error
		if lastErr == nil {
			break
		}
		if attempt >= l.maxRetries {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}

	defer l.db.Where("id = ? AND locked_by = ?", migrationLockName, l.owner).Delete(&migrationLockRecord{})
	return fn()
}
