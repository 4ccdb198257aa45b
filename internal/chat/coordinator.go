package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultQueueSize = 128

var (
	// ErrCoordinatorClosed is returned by Submit after Shutdown has started.
	ErrCoordinatorClosed = errors.New("chat: write coordinator closed")
	// ErrUnknownOperation indicates an operation kind the coordinator cannot execute.
	ErrUnknownOperation = errors.New("chat: unknown write operation")
)

// StorageError wraps a store failure surfaced from the coordinator. Unique
// violations on the dedup key are never wrapped here; they resolve to the
// existing record instead.
type StorageError struct {
	err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("chat: storage failure: %v", e.err)
}

func (e *StorageError) Unwrap() error {
	return e.err
}

// Broadcaster fans a committed message out to room subscribers. The
// coordinator invokes it from a single goroutine in persisted-id order;
// delivery beyond that handoff is best-effort.
type Broadcaster interface {
	BroadcastMessage(roomID int64, message Message)
}

// OperationKind enumerates the writes the coordinator executes.
type OperationKind string

// OperationKindCreateMessage persists one message and bumps the room marker.
const OperationKindCreateMessage OperationKind = "create_message"

// Operation describes one logical write submitted to the coordinator.
type Operation struct {
	Kind            OperationKind
	RoomID          RoomID
	AuthorID        UserID
	ClientMessageID ClientMessageID
	Content         MessageContent
}

// Result carries the outcome of a coordinated write.
type Result struct {
	Message Message
	// Deduplicated is true when the write hit the uniqueness constraint and
	// the pre-existing record was returned instead of a new row.
	Deduplicated bool
}

type pendingWrite struct {
	op    Operation
	reply chan writeOutcome
}

type writeOutcome struct {
	result Result
	err    error
}

type fanoutItem struct {
	roomID  int64
	message Message
}

// CoordinatorConfig describes the dependencies of the write coordinator.
type CoordinatorConfig struct {
	Database    *gorm.DB
	Broadcaster Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
	QueueSize   int
}

// Coordinator owns the sole writable handle to the store. Every mutation is
// funneled through its queue and executed by one goroutine in submission
// order, so two writers can never race on the embedded single-writer store.
type Coordinator struct {
	db          *gorm.DB
	broadcaster Broadcaster
	clock       func() time.Time
	logger      *zap.Logger

	queue      chan *pendingWrite
	fanout     chan fanoutItem
	done       chan struct{}
	fanoutDone chan struct{}
	mu         sync.RWMutex
	closed     bool
	draining   atomic.Bool
	drained    int
}

// NewCoordinator constructs the coordinator and starts its write loop.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	coordinator := &Coordinator{
		db:          cfg.Database,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		logger:      logger,
		queue:       make(chan *pendingWrite, queueSize),
		fanout:      make(chan fanoutItem, queueSize),
		done:        make(chan struct{}),
		fanoutDone:  make(chan struct{}),
	}
	go coordinator.run()
	go coordinator.runFanout()
	return coordinator, nil
}

// Submit enqueues one logical write and waits for its outcome. Cancellation
// is honored only while the operation waits for a queue slot; once enqueued,
// the write either completes or fails with a storage error, never both.
func (c *Coordinator) Submit(ctx context.Context, op Operation) (Result, error) {
	pending := &pendingWrite{op: op, reply: make(chan writeOutcome, 1)}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return Result{}, ErrCoordinatorClosed
	}
	select {
	case c.queue <- pending:
		c.mu.RUnlock()
	case <-ctx.Done():
		c.mu.RUnlock()
		return Result{}, ctx.Err()
	}

	outcome := <-pending.reply
	return outcome.result, outcome.err
}

// Shutdown stops intake, finishes the queued operations and their pending
// broadcasts, and returns how many operations were drained after shutdown
// began.
func (c *Coordinator) Shutdown() int {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		<-c.fanoutDone
		return c.drained
	}
	c.closed = true
	c.draining.Store(true)
	close(c.queue)
	c.mu.Unlock()

	<-c.done
	<-c.fanoutDone
	return c.drained
}

func (c *Coordinator) run() {
	for pending := range c.queue {
		// An enqueued write runs to completion regardless of the caller's
		// context: aborting mid-write could leave a partially applied effect.
		result, err := c.execute(context.Background(), pending.op)
		if err == nil && !result.Deduplicated && pending.op.Kind == OperationKindCreateMessage {
			c.enqueueFanout(result.Message)
		}
		if c.draining.Load() {
			c.drained++
		}
		pending.reply <- writeOutcome{result: result, err: err}
	}
	close(c.fanout)
	close(c.done)
}

// enqueueFanout hands a committed message to the fan-out loop. The write loop
// is the only producer, so messages enter the channel in persisted-id order
// and subscribers observe creates in that same order. A deduplicated result
// is never enqueued; its record was fanned out by the original submission.
func (c *Coordinator) enqueueFanout(message Message) {
	if c.broadcaster == nil {
		return
	}
	c.fanout <- fanoutItem{roomID: message.RoomID, message: message}
}

func (c *Coordinator) runFanout() {
	for item := range c.fanout {
		c.broadcaster.BroadcastMessage(item.roomID, item.message)
	}
	close(c.fanoutDone)
}

func (c *Coordinator) execute(ctx context.Context, op Operation) (Result, error) {
	switch op.Kind {
	case OperationKindCreateMessage:
		return c.createMessage(ctx, op)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}
}

func (c *Coordinator) createMessage(ctx context.Context, op Operation) (Result, error) {
	now := c.clock().UTC()
	record := Message{
		RoomID:          op.RoomID.Int64(),
		ClientMessageID: op.ClientMessageID.String(),
		AuthorID:        op.AuthorID.String(),
		Content:         op.Content.String(),
		CreatedAt:       now,
	}

	txErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"last_message_at": now}),
		}).Create(&Room{ID: op.RoomID.Int64(), LastMessageAt: now}).Error
	})
	if txErr == nil {
		return Result{Message: record}, nil
	}

	if !isDuplicateKey(txErr) {
		c.logger.Error("message write failed",
			zap.Int64("room_id", op.RoomID.Int64()),
			zap.String("client_message_id", op.ClientMessageID.String()),
			zap.Error(txErr))
		return Result{}, &StorageError{err: txErr}
	}

	// The dedup key already holds a row: idempotent create resolves to the
	// record persisted by the first submission.
	var existing Message
	err := c.db.WithContext(ctx).
		Where("room_id = ? AND client_message_id = ?", op.RoomID.Int64(), op.ClientMessageID.String()).
		Take(&existing).Error
	if err != nil {
		return Result{}, &StorageError{err: err}
	}
	return Result{Message: existing, Deduplicated: true}, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
