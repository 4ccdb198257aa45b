package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingCoordinator = errors.New("write coordinator is required")
	noOpLogger            = zap.NewNop()

	// ErrEmptySearchQuery indicates a blank search query.
	ErrEmptySearchQuery = errors.New("chat: empty search query")
	// ErrRoomAccessDenied indicates the authorization collaborator rejected the room.
	ErrRoomAccessDenied = errors.New("chat: room access denied")
)

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew      = "chat.service.new"
	opCreateMessage   = "chat.create_message"
	opMessagesSince   = "chat.messages_since"
	opRecentMessages  = "chat.recent_messages"
	opSearchMessages  = "chat.search_messages"
	defaultFetchLimit = 50
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Authorizer is the external room-access collaborator.
type Authorizer interface {
	CanAccessRoom(userID string, roomID int64) bool
}

// ServiceConfig describes the dependencies of the message service.
type ServiceConfig struct {
	Database    *gorm.DB
	Coordinator *Coordinator
	Authorizer  Authorizer
	Logger      *zap.Logger
}

// Service is the entry point for message creation, history, and search.
// Reads go straight to the store; every write routes through the coordinator,
// which also owns the ordered broadcast of committed creates.
type Service struct {
	db          *gorm.DB
	coordinator *Coordinator
	authorizer  Authorizer
	logger      *zap.Logger
}

// NewService constructs the message service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Coordinator == nil {
		return nil, newServiceError(opServiceNew, "missing_coordinator", errMissingCoordinator)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:          cfg.Database,
		coordinator: cfg.Coordinator,
		authorizer:  cfg.Authorizer,
		logger:      logger,
	}, nil
}

// CreateMessageRequest carries the raw inputs for one message creation.
// AuthorID must already be authorized for the room by the caller.
type CreateMessageRequest struct {
	RoomID          int64
	AuthorID        string
	Content         string
	ClientMessageID string
}

// CreateMessage validates, persists, and broadcasts one message. Calling it
// twice with the same (room_id, client_message_id) returns the record from
// the first successful call; the second call's content is discarded.
func (s *Service) CreateMessage(ctx context.Context, req CreateMessageRequest) (Message, error) {
	roomID, err := NewRoomID(req.RoomID)
	if err != nil {
		return Message{}, newServiceError(opCreateMessage, "invalid_room_id", err)
	}
	authorID, err := NewUserID(req.AuthorID)
	if err != nil {
		return Message{}, newServiceError(opCreateMessage, "invalid_author_id", err)
	}
	clientMessageID, err := NewClientMessageID(req.ClientMessageID)
	if err != nil {
		return Message{}, newServiceError(opCreateMessage, "invalid_client_message_id", err)
	}
	content, err := NewMessageContent(req.Content)
	if err != nil {
		return Message{}, newServiceError(opCreateMessage, "invalid_content", err)
	}

	result, err := s.coordinator.Submit(ctx, Operation{
		Kind:            OperationKindCreateMessage,
		RoomID:          roomID,
		AuthorID:        authorID,
		ClientMessageID: clientMessageID,
		Content:         content,
	})
	if err != nil {
		s.logError(opCreateMessage, "submit_failed", err,
			zap.Int64("room_id", roomID.Int64()),
			zap.String("client_message_id", clientMessageID.String()))
		return Message{}, newServiceError(opCreateMessage, "submit_failed", err)
	}
	return result.Message, nil
}

// MessagesSince returns messages in the room with id greater than sinceID,
// ascending by id, capped at limit (defaultFetchLimit when non-positive).
func (s *Service) MessagesSince(ctx context.Context, roomID int64, sinceID int64, limit int) ([]Message, error) {
	if roomID <= 0 {
		return nil, newServiceError(opMessagesSince, "invalid_room_id", ErrInvalidRoomID)
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND id > ?", roomID, sinceID).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logError(opMessagesSince, "query_failed", err, zap.Int64("room_id", roomID))
		return nil, newServiceError(opMessagesSince, "query_failed", err)
	}
	return messages, nil
}

// RecentMessages returns the newest messages in the room, ascending by id,
// capped at limit (defaultFetchLimit when non-positive).
func (s *Service) RecentMessages(ctx context.Context, roomID int64, limit int) ([]Message, error) {
	if roomID <= 0 {
		return nil, newServiceError(opRecentMessages, "invalid_room_id", ErrInvalidRoomID)
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logError(opRecentMessages, "query_failed", err, zap.Int64("room_id", roomID))
		return nil, newServiceError(opRecentMessages, "query_failed", err)
	}
	for left, right := 0, len(messages)-1; left < right; left, right = left+1, right-1 {
		messages[left], messages[right] = messages[right], messages[left]
	}
	return messages, nil
}

// Search returns the newest messages matching the query, restricted to rooms
// the user may access. A positive roomID narrows the search to that room.
func (s *Service) Search(ctx context.Context, userID string, query string, roomID int64, limit int) ([]Message, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, newServiceError(opSearchMessages, "empty_query", ErrEmptySearchQuery)
	}
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if roomID > 0 && !s.canAccess(userID, roomID) {
		return nil, newServiceError(opSearchMessages, "access_denied", ErrRoomAccessDenied)
	}

	pattern := "%" + escapeLikePattern(trimmed) + "%"
	tx := s.db.WithContext(ctx).Where("content LIKE ? ESCAPE '\\'", pattern)
	if roomID > 0 {
		tx = tx.Where("room_id = ?", roomID)
	}

	var candidates []Message
	if err := tx.Order("id DESC").Limit(limit).Find(&candidates).Error; err != nil {
		s.logError(opSearchMessages, "query_failed", err)
		return nil, newServiceError(opSearchMessages, "query_failed", err)
	}

	if roomID > 0 {
		return candidates, nil
	}
	matches := make([]Message, 0, len(candidates))
	for _, candidate := range candidates {
		if s.canAccess(userID, candidate.RoomID) {
			matches = append(matches, candidate)
		}
	}
	return matches, nil
}

func (s *Service) canAccess(userID string, roomID int64) bool {
	if s.authorizer == nil {
		return false
	}
	return s.authorizer.CanAccessRoom(userID, roomID)
}

func escapeLikePattern(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}
