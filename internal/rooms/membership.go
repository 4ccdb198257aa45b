// Package rooms implements the room-access collaborator consulted before
// subscribe, message creation, and search filtering.
package rooms

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// Membership records that a user belongs to a room.
type Membership struct {
	RoomID    int64     `gorm:"column:room_id;primaryKey;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing room memberships.
func (Membership) TableName() string {
	return "room_members"
}

// AuthorizerConfig describes the dependencies for membership checks.
type AuthorizerConfig struct {
	Database *gorm.DB
}

// Authorizer answers room-access questions from the membership table. It is
// read-only; membership management lives outside this engine. Positive
// answers are cached, so a revocation takes effect on the next process start.
type Authorizer struct {
	db    *gorm.DB
	cache sync.Map
}

// NewAuthorizer constructs the membership-backed authorizer.
func NewAuthorizer(cfg AuthorizerConfig) (*Authorizer, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("rooms: database connection required")
	}
	return &Authorizer{db: cfg.Database}, nil
}

// CanAccessRoom reports whether the user is a member of the room.
func (a *Authorizer) CanAccessRoom(userID string, roomID int64) bool {
	if userID == "" || roomID <= 0 {
		return false
	}

	cacheKey := fmt.Sprintf("%d:%s", roomID, userID)
	if _, ok := a.cache.Load(cacheKey); ok {
		return true
	}

	var count int64
	err := a.db.Model(&Membership{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil || count == 0 {
		return false
	}

	a.cache.Store(cacheKey, struct{}{})
	return true
}
