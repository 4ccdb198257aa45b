package chat

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustRoomID(t *testing.T, value int64) RoomID {
	t.Helper()
	id, err := NewRoomID(value)
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustClientMessageID(t *testing.T, value string) ClientMessageID {
	t.Helper()
	id, err := NewClientMessageID(value)
	if err != nil {
		t.Fatalf("unexpected client message id error: %v", err)
	}
	return id
}

func mustContent(t *testing.T, value string) MessageContent {
	t.Helper()
	content, err := NewMessageContent(value)
	if err != nil {
		t.Fatalf("unexpected content error: %v", err)
	}
	return content
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:parley_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Message{}, &Room{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestCoordinator(t *testing.T, db *gorm.DB) *Coordinator {
	t.Helper()

	clock := func() time.Time { return time.Unix(1750000000, 0).UTC() }
	coordinator, err := NewCoordinator(CoordinatorConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	t.Cleanup(func() { coordinator.Shutdown() })
	return coordinator
}
