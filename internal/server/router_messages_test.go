package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/parleylabs/parley/backend/internal/auth"
	"github.com/parleylabs/parley/backend/internal/chat"
	"github.com/parleylabs/parley/backend/internal/presence"
	"github.com/parleylabs/parley/backend/internal/realtime"
	"github.com/parleylabs/parley/backend/internal/rooms"
	"gorm.io/gorm"
)

type routerFixture struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
	tracker *presence.Tracker
	db      *gorm.DB
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&chat.Message{}, &chat.Room{}, &rooms.Membership{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&rooms.Membership{RoomID: 1, UserID: "user-7"}).Error; err != nil {
		t.Fatalf("failed to seed membership: %v", err)
	}

	coordinator, err := chat.NewCoordinator(chat.CoordinatorConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	t.Cleanup(func() { coordinator.Shutdown() })

	authorizer, err := rooms.NewAuthorizer(rooms.AuthorizerConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct authorizer: %v", err)
	}

	messageService, err := chat.NewService(chat.ServiceConfig{
		Database:    db,
		Coordinator: coordinator,
		Authorizer:  authorizer,
	})
	if err != nil {
		t.Fatalf("failed to construct message service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "parley-auth",
		Audience:      "parley-api",
	})

	tracker := presence.NewTracker(presence.TrackerConfig{})
	registry := realtime.NewRegistry(realtime.RegistryConfig{
		Authenticator: issuer,
		Authorizer:    authorizer,
		Presence:      tracker,
		History:       messageService,
	})

	handler, err := NewHTTPHandler(Dependencies{
		MessageService: messageService,
		Authenticator:  issuer,
		Authorizer:     authorizer,
		Registry:       registry,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &routerFixture{handler: handler, issuer: issuer, tracker: tracker, db: db}
}

func (f *routerFixture) bearer(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.issuer.IssueToken(userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return "Bearer " + token
}

func (f *routerFixture) postMessage(t *testing.T, authHeader string, roomID int64, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/rooms/%d/messages", roomID), bytes.NewReader(payload))
	request.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		request.Header.Set("Authorization", authHeader)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestCreateMessageEndpoint(t *testing.T) {
	fixture := newRouterFixture(t)
	authHeader := fixture.bearer(t, "user-7")

	recorder := fixture.postMessage(t, authHeader, 1, map[string]string{
		"content":           "hi",
		"client_message_id": "K1",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var created messagePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.ID != 1 || created.Content != "hi" {
		t.Fatalf("unexpected payload %+v", created)
	}

	repeat := fixture.postMessage(t, authHeader, 1, map[string]string{
		"content":           "bye",
		"client_message_id": "K1",
	})
	if repeat.Code != http.StatusCreated {
		t.Fatalf("expected 201 on idempotent repeat, got %d", repeat.Code)
	}
	var repeated messagePayload
	if err := json.Unmarshal(repeat.Body.Bytes(), &repeated); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if repeated.ID != created.ID || repeated.Content != "hi" {
		t.Fatalf("expected original record back, got %+v", repeated)
	}
}

func TestCreateMessageRejectsBadRequests(t *testing.T) {
	fixture := newRouterFixture(t)
	authHeader := fixture.bearer(t, "user-7")

	if recorder := fixture.postMessage(t, "", 1, map[string]string{"content": "hi", "client_message_id": "K1"}); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder := fixture.postMessage(t, authHeader, 2, map[string]string{"content": "hi", "client_message_id": "K1"}); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member room, got %d", recorder.Code)
	}
	if recorder := fixture.postMessage(t, authHeader, 1, map[string]string{"content": "   ", "client_message_id": "K1"}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", recorder.Code)
	}
	if recorder := fixture.postMessage(t, authHeader, 1, map[string]string{"content": "hi"}); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing client_message_id, got %d", recorder.Code)
	}
}

func TestListMessagesEndpoint(t *testing.T) {
	fixture := newRouterFixture(t)
	authHeader := fixture.bearer(t, "user-7")

	for i := 1; i <= 3; i++ {
		recorder := fixture.postMessage(t, authHeader, 1, map[string]string{
			"content":           fmt.Sprintf("message %d", i),
			"client_message_id": fmt.Sprintf("key-%d", i),
		})
		if recorder.Code != http.StatusCreated {
			t.Fatalf("seed create %d failed: %d", i, recorder.Code)
		}
	}

	request := httptest.NewRequest(http.MethodGet, "/rooms/1/messages?since=1", nil)
	request.Header.Set("Authorization", authHeader)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Messages []messagePayload `json:"messages"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(response.Messages) != 2 {
		t.Fatalf("expected 2 messages after id 1, got %d", len(response.Messages))
	}
	if response.Messages[0].ID != 2 || response.Messages[1].ID != 3 {
		t.Fatalf("unexpected ordering %+v", response.Messages)
	}
}

func TestRoomPresenceEndpoint(t *testing.T) {
	fixture := newRouterFixture(t)
	authHeader := fixture.bearer(t, "user-7")
	fixture.tracker.Increment("user-7", 1)

	request := httptest.NewRequest(http.MethodGet, "/rooms/1/presence", nil)
	request.Header.Set("Authorization", authHeader)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		RoomID    int64    `json:"room_id"`
		Occupants []string `json:"occupants"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.RoomID != 1 || len(response.Occupants) != 1 || response.Occupants[0] != "user-7" {
		t.Fatalf("unexpected occupants payload %+v", response)
	}

	request = httptest.NewRequest(http.MethodGet, "/rooms/2/presence", nil)
	request.Header.Set("Authorization", authHeader)
	recorder = httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member room, got %d", recorder.Code)
	}
}

func TestSearchEndpointValidation(t *testing.T) {
	fixture := newRouterFixture(t)
	authHeader := fixture.bearer(t, "user-7")

	request := httptest.NewRequest(http.MethodGet, "/messages/search?q=", nil)
	request.Header.Set("Authorization", authHeader)
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty query, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodGet, "/messages/search?q=hello&room_id=2", nil)
	request.Header.Set("Authorization", authHeader)
	recorder = httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for forbidden room search, got %d", recorder.Code)
	}
}
