// Package realtime tracks live transport connections and fans persisted
// messages out to room subscribers, replaying missed messages after a gap.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/parleylabs/parley/backend/internal/chat"
	"github.com/parleylabs/parley/backend/internal/presence"
	"go.uber.org/zap"
)

const (
	defaultSendTimeout = 3 * time.Second
	defaultIdleTimeout = 60 * time.Second
	defaultReplayLimit = 50
)

var (
	// ErrConnectionNotFound indicates an unknown or already removed connection id.
	ErrConnectionNotFound = errors.New("realtime: connection not found")
	// ErrNotAuthenticated indicates an operation requiring the authenticated state.
	ErrNotAuthenticated = errors.New("realtime: connection not authenticated")
	// ErrNotSubscribed indicates an operation requiring an active room subscription.
	ErrNotSubscribed = errors.New("realtime: connection not subscribed")
	// ErrAlreadyAuthenticated indicates a repeated authenticate on one connection.
	ErrAlreadyAuthenticated = errors.New("realtime: connection already authenticated")
	// ErrAlreadySubscribed indicates a repeated subscribe on one connection.
	ErrAlreadySubscribed = errors.New("realtime: connection already subscribed")
	// ErrInvalidCredential indicates the authentication collaborator rejected the token.
	ErrInvalidCredential = errors.New("realtime: invalid credential")
	// ErrRoomForbidden indicates the authorization collaborator rejected room access.
	ErrRoomForbidden = errors.New("realtime: room access denied")
)

// Sender delivers one outbound event over a connection's transport.
type Sender interface {
	Send(ctx context.Context, event Event) error
}

// Authenticator is the external credential-validation collaborator.
type Authenticator interface {
	ValidateCredential(token string) (string, error)
}

// MessageHistory supplies ordered message replay; satisfied by chat.Service.
type MessageHistory interface {
	MessagesSince(ctx context.Context, roomID int64, sinceID int64, limit int) ([]chat.Message, error)
	RecentMessages(ctx context.Context, roomID int64, limit int) ([]chat.Message, error)
}

type connectionState int

const (
	stateConnected connectionState = iota
	stateAuthenticated
	stateSubscribed
)

// connection is one live transport session. Registry state (lifecycle fields)
// is guarded by the registry mutex; the delivery path (sends and the replay
// checkpoint) is serialized by deliverMu so live broadcast and reconnect
// replay can never interleave for the same connection.
type connection struct {
	id           string
	sender       Sender
	state        connectionState
	userID       string
	roomID       int64
	lastActiveAt time.Time

	deliverMu         sync.Mutex
	lastSeenMessageID int64
}

// RegistryConfig describes the collaborators and tunables of the registry.
type RegistryConfig struct {
	Authenticator Authenticator
	Authorizer    chat.Authorizer
	Presence      *presence.Tracker
	History       MessageHistory
	Logger        *zap.Logger
	Clock         func() time.Time
	SendTimeout   time.Duration
	IdleTimeout   time.Duration
	ReplayLimit   int
}

// Registry owns the connection table. Connections advance one-directionally
// through connected, authenticated, and subscribed; an operation that needs a
// later state than the connection holds fails with the matching state error.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*connection

	authenticator Authenticator
	authorizer    chat.Authorizer
	presence      *presence.Tracker
	history       MessageHistory
	logger        *zap.Logger
	clock         func() time.Time
	sendTimeout   time.Duration
	idleTimeout   time.Duration
	replayLimit   int
}

// NewRegistry constructs an empty connection registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sendTimeout := cfg.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	replayLimit := cfg.ReplayLimit
	if replayLimit <= 0 {
		replayLimit = defaultReplayLimit
	}
	return &Registry{
		connections:   make(map[string]*connection),
		authenticator: cfg.Authenticator,
		authorizer:    cfg.Authorizer,
		presence:      cfg.Presence,
		history:       cfg.History,
		logger:        logger,
		clock:         clock,
		sendTimeout:   sendTimeout,
		idleTimeout:   idleTimeout,
		replayLimit:   replayLimit,
	}
}

// Add registers a newly connected transport and returns its connection id.
func (r *Registry) Add(sender Sender) string {
	conn := &connection{
		id:           uuid.NewString(),
		sender:       sender,
		state:        stateConnected,
		lastActiveAt: r.clock(),
	}

	r.mu.Lock()
	r.connections[conn.id] = conn
	r.mu.Unlock()

	metricActiveConnections.Inc()
	r.logger.Debug("connection added", zap.String("connection_id", conn.id))
	return conn.id
}

// Authenticate validates the credential and advances the connection to the
// authenticated state, binding its user id.
func (r *Registry) Authenticate(connectionID string, credential string) error {
	if r.authenticator == nil {
		return ErrInvalidCredential
	}
	userID, err := r.authenticator.ValidateCredential(credential)
	if err != nil || userID == "" {
		return ErrInvalidCredential
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	if conn.state != stateConnected {
		return ErrAlreadyAuthenticated
	}
	conn.state = stateAuthenticated
	conn.userID = userID
	conn.lastActiveAt = r.clock()
	return nil
}

// Subscribe binds an authenticated connection to a room, bumps presence, and
// announces the user to the room's existing subscribers.
func (r *Registry) Subscribe(connectionID string, roomID int64) error {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionNotFound
	}
	switch conn.state {
	case stateConnected:
		r.mu.Unlock()
		return ErrNotAuthenticated
	case stateSubscribed:
		r.mu.Unlock()
		return ErrAlreadySubscribed
	}
	userID := conn.userID
	r.mu.Unlock()

	if r.authorizer == nil || !r.authorizer.CanAccessRoom(userID, roomID) {
		return ErrRoomForbidden
	}

	r.mu.Lock()
	conn, ok = r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectionNotFound
	}
	if conn.state != stateAuthenticated {
		r.mu.Unlock()
		return ErrAlreadySubscribed
	}
	conn.state = stateSubscribed
	conn.roomID = roomID
	conn.lastActiveAt = r.clock()
	// Presence moves inside the registry lock so a concurrent Remove observes
	// either the subscription with its count or neither.
	if r.presence != nil {
		r.presence.Increment(userID, roomID)
	}
	r.mu.Unlock()

	r.broadcastEvent(context.Background(), roomID, newPresenceEvent(roomID, userID, true), connectionID)
	return nil
}

// Reconnect replays every message the connection missed since its checkpoint,
// in ascending id order, and advances the checkpoint to the highest id sent.
// A connection with no checkpoint at all receives only the newest replay-limit
// messages of the room rather than its full history. The connection's delivery
// mutex is held across the whole replay so a live broadcast can never
// interleave with it.
func (r *Registry) Reconnect(ctx context.Context, connectionID string, lastSeenMessageID int64) ([]chat.Message, error) {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrConnectionNotFound
	}
	if conn.state != stateSubscribed {
		r.mu.Unlock()
		return nil, ErrNotSubscribed
	}
	roomID := conn.roomID
	conn.lastActiveAt = r.clock()
	r.mu.Unlock()

	if r.history == nil {
		return nil, nil
	}
	if lastSeenMessageID < 0 {
		lastSeenMessageID = 0
	}

	conn.deliverMu.Lock()
	defer conn.deliverMu.Unlock()

	// The checkpoint only moves forward: a client claiming an older
	// checkpoint than the server already delivered does not rewind.
	cursor := lastSeenMessageID
	if conn.lastSeenMessageID > cursor {
		cursor = conn.lastSeenMessageID
	}

	if cursor == 0 {
		return r.replayRecent(ctx, conn, roomID)
	}

	var replayed []chat.Message
	for {
		batch, err := r.history.MessagesSince(ctx, roomID, cursor, r.replayLimit)
		if err != nil {
			return replayed, err
		}
		for _, message := range batch {
			if err := r.sendLocked(ctx, conn, newMessageEvent(message)); err != nil {
				r.logger.Warn("replay send failed",
					zap.String("connection_id", connectionID),
					zap.Int64("message_id", message.ID),
					zap.Error(err))
				return replayed, err
			}
			conn.lastSeenMessageID = message.ID
			cursor = message.ID
			replayed = append(replayed, message)
		}
		if len(batch) < r.replayLimit {
			return replayed, nil
		}
	}
}

// replayRecent bounds the no-checkpoint case to the newest replay-limit
// messages instead of walking the room from the beginning. Callers hold the
// connection's delivery mutex.
func (r *Registry) replayRecent(ctx context.Context, conn *connection, roomID int64) ([]chat.Message, error) {
	batch, err := r.history.RecentMessages(ctx, roomID, r.replayLimit)
	if err != nil {
		return nil, err
	}
	var replayed []chat.Message
	for _, message := range batch {
		if err := r.sendLocked(ctx, conn, newMessageEvent(message)); err != nil {
			r.logger.Warn("replay send failed",
				zap.String("connection_id", conn.id),
				zap.Int64("message_id", message.ID),
				zap.Error(err))
			return replayed, err
		}
		conn.lastSeenMessageID = message.ID
		replayed = append(replayed, message)
	}
	return replayed, nil
}

// Broadcast sends the message to every subscribed connection in the room.
// Delivery is best-effort: a failed or timed-out send is logged and skipped
// without affecting the other subscribers. Returns how many connections the
// message was delivered to.
func (r *Registry) Broadcast(ctx context.Context, roomID int64, message chat.Message) int {
	targets := r.roomConnections(roomID)
	if len(targets) == 0 {
		return 0
	}

	event := newMessageEvent(message)
	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, conn := range targets {
		wg.Add(1)
		go func(conn *connection) {
			defer wg.Done()
			if err := r.deliverMessage(ctx, conn, event, message.ID); err != nil {
				metricBroadcastFailed.Inc()
				r.logger.Warn("broadcast send failed",
					zap.String("connection_id", conn.id),
					zap.Int64("room_id", roomID),
					zap.Int64("message_id", message.ID),
					zap.Error(err))
				return
			}
			metricBroadcastDelivered.Inc()
			delivered.Add(1)
		}(conn)
	}
	wg.Wait()
	return int(delivered.Load())
}

// BroadcastMessage satisfies chat.Broadcaster for fire-and-forget fan-out.
func (r *Registry) BroadcastMessage(roomID int64, message chat.Message) {
	r.Broadcast(context.Background(), roomID, message)
}

// Typing passes a typing indicator through to the other room subscribers.
func (r *Registry) Typing(connectionID string, isTyping bool) error {
	r.mu.RLock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.RUnlock()
		return ErrConnectionNotFound
	}
	if conn.state != stateSubscribed {
		r.mu.RUnlock()
		return ErrNotSubscribed
	}
	roomID, userID := conn.roomID, conn.userID
	r.mu.RUnlock()

	r.broadcastEvent(context.Background(), roomID, newTypingEvent(roomID, userID, isTyping), connectionID)
	return nil
}

// Touch records a heartbeat for the connection.
func (r *Registry) Touch(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[connectionID]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.lastActiveAt = r.clock()
	return nil
}

// Remove drops the connection, decrements presence for its room binding, and
// announces the user offline when their last connection is gone.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	conn, ok := r.connections[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.connections, connectionID)
	subscribed := conn.state == stateSubscribed
	// The presence decrement happens under the registry lock, pairing it with
	// the increment in Subscribe: no interleaving can strand a count.
	announceOffline := false
	if subscribed && r.presence != nil {
		announceOffline = r.presence.Decrement(conn.userID, conn.roomID) == 0
	}
	r.mu.Unlock()

	metricActiveConnections.Dec()
	if !subscribed {
		return
	}
	if announceOffline {
		r.broadcastEvent(context.Background(), conn.roomID, newPresenceEvent(conn.roomID, conn.userID, false), connectionID)
	}
	r.logger.Debug("connection removed",
		zap.String("connection_id", connectionID),
		zap.Int64("room_id", conn.roomID))
}

// SweepStale disconnects every connection idle past the threshold, running
// each through the same path as Remove. Returns how many were swept.
func (r *Registry) SweepStale() int {
	cutoff := r.clock().Add(-r.idleTimeout)

	r.mu.RLock()
	var stale []string
	for id, conn := range r.connections {
		if conn.lastActiveAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.Remove(id)
	}
	if len(stale) > 0 {
		metricStaleConnectionsSwept.Add(float64(len(stale)))
		r.logger.Info("stale connections swept", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Session returns the user and room bound to a connection. The room id is
// zero until the connection subscribes.
func (r *Registry) Session(connectionID string) (string, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	if !ok {
		return "", 0, ErrConnectionNotFound
	}
	if conn.state == stateConnected {
		return "", 0, ErrNotAuthenticated
	}
	return conn.userID, conn.roomID, nil
}

// RoomOccupants lists the users currently present in the room.
func (r *Registry) RoomOccupants(roomID int64) []string {
	if r.presence == nil {
		return nil
	}
	return r.presence.RoomOccupants(roomID)
}

// Checkpoint returns the connection's last delivered message id.
func (r *Registry) Checkpoint(connectionID string) (int64, error) {
	r.mu.RLock()
	conn, ok := r.connections[connectionID]
	r.mu.RUnlock()
	if !ok {
		return 0, ErrConnectionNotFound
	}
	conn.deliverMu.Lock()
	defer conn.deliverMu.Unlock()
	return conn.lastSeenMessageID, nil
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (r *Registry) roomConnections(roomID int64) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var targets []*connection
	for _, conn := range r.connections {
		if conn.state == stateSubscribed && conn.roomID == roomID {
			targets = append(targets, conn)
		}
	}
	return targets
}

// deliverMessage sends one live message to a connection, honoring the
// forward-only checkpoint: messages at or below it were already delivered
// (live or via replay) and are silently skipped.
func (r *Registry) deliverMessage(ctx context.Context, conn *connection, event Event, messageID int64) error {
	conn.deliverMu.Lock()
	defer conn.deliverMu.Unlock()
	if messageID <= conn.lastSeenMessageID {
		return nil
	}
	if err := r.sendLocked(ctx, conn, event); err != nil {
		return err
	}
	conn.lastSeenMessageID = messageID
	return nil
}

// sendLocked performs one time-bounded transport send. Callers hold the
// connection's delivery mutex.
func (r *Registry) sendLocked(ctx context.Context, conn *connection, event Event) error {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()
	return conn.sender.Send(sendCtx, event)
}

func (r *Registry) broadcastEvent(ctx context.Context, roomID int64, event Event, excludeID string) {
	for _, conn := range r.roomConnections(roomID) {
		if conn.id == excludeID {
			continue
		}
		conn := conn
		go func() {
			conn.deliverMu.Lock()
			defer conn.deliverMu.Unlock()
			if err := r.sendLocked(ctx, conn, event); err != nil {
				r.logger.Warn("event send failed",
					zap.String("connection_id", conn.id),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
			}
		}()
	}
}
