package database

import (
	"errors"
	"time"

	"github.com/parleylabs/parley/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRoomLastMessageAt = "2026-05-11_backfill_room_last_message_at"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillRoomLastMessageAt, apply: backfillRoomLastMessageAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillRoomLastMessageAt repairs rooms whose freshness marker predates the
// marker being written transactionally with each message.
func backfillRoomLastMessageAt(db *gorm.DB) error {
	return db.Model(&chat.Room{}).
		Where("last_message_at IS NULL OR last_message_at < (SELECT COALESCE(MAX(m.created_at), last_message_at) FROM messages m WHERE m.room_id = rooms.id)").
		Update("last_message_at", gorm.Expr("(SELECT MAX(m.created_at) FROM messages m WHERE m.room_id = rooms.id)")).Error
}
