package store

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"gorm.io/gorm"
)

// Migrate runs AutoMigrate while holding a database-wide migration lock, so
// concurrent runs against one database never migrate at the same time.
func (s *Store) Migrate(ctx context.Context) error {
	return newMigrationLocker(s.db).withLock(ctx, s.AutoMigrate)
}

type migrationLocker interface {
	withLock(ctx context.Context, fn func() error) error
}

// newMigrationLocker picks an advisory lock on PostgreSQL and a lock table
// everywhere else.
func newMigrationLocker(db *gorm.DB) migrationLocker {
	if db.Dialector.Name() == TypePostgres {
		return &advisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte("component-release-migration"))),
		}
	}
	return &tableLock{
		db:         db,
		maxRetries: 30,
		retryEvery: time.Second,
		staleAfter: 5 * time.Minute,
	}
}

type advisoryLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *advisoryLock) withLock(ctx context.Context, fn func() error) error {
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

// migrationLockRecord is the single lock row of tableLock.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

// TableName returns the GORM table name.
func (migrationLockRecord) TableName() string { return "release_migration_lock" }

const migrationLockID = "migration"

// tableLock serializes migrations by inserting a fixed primary key. Rows
// older than staleAfter belong to crashed holders and are removed.
type tableLock struct {
	db         *gorm.DB
	maxRetries int
	retryEvery time.Duration
	staleAfter time.Duration
}

func (l *tableLock) withLock(ctx context.Context, fn func() error) error {
	db := l.db.WithContext(ctx)
	if err := db.AutoMigrate(&migrationLockRecord{}); err != nil {
		return fmt.Errorf("create migration lock table: %w", err)
	}
	holder, _ := os.Hostname()
	if holder == "" {
		holder = "unknown"
	}

	for attempt := 1; ; attempt++ {
		db.Where("id = ? AND locked_at < ?", migrationLockID, time.Now().Add(-l.staleAfter)).Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: migrationLockID, LockedAt: time.Now(), LockedBy: holder}
		err := db.Create(&row).Error
		if err == nil {
			break
		}
		if attempt >= l.maxRetries {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}
	defer func() {
		l.db.Where("id = ?", migrationLockID).Delete(&migrationLockRecord{})
	}()
	return fn()
}
