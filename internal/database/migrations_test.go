package database

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/parleylabs/parley/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsRoomLastMessageAt(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&chat.Message{}, &chat.Room{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	stale := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newest := time.Date(2026, 4, 2, 12, 30, 0, 0, time.UTC)
	if err := database.Create(&chat.Room{ID: 1, LastMessageAt: stale}).Error; err != nil {
		testContext.Fatalf("failed to insert room: %v", err)
	}
	messages := []chat.Message{
		{RoomID: 1, ClientMessageID: "key-1", AuthorID: "user-1", Content: "first", CreatedAt: stale.Add(time.Hour)},
		{RoomID: 1, ClientMessageID: "key-2", AuthorID: "user-1", Content: "second", CreatedAt: newest},
	}
	for index := range messages {
		if err := database.Create(&messages[index]).Error; err != nil {
			testContext.Fatalf("failed to insert message: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored chat.Room
	if err := database.Where("id = ?", 1).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload room: %v", err)
	}
	if !stored.LastMessageAt.Equal(newest) {
		testContext.Fatalf("expected last_message_at %v, got %v", newest, stored.LastMessageAt)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillRoomLastMessageAt).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
