package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/venuehq/sync-engine/internal/logger"
	"github.com/venuehq/sync-engine/internal/store"
)

const commandsKey = "queue/commands"

// Queue is the durable FIFO of pending Commands. The in-memory list is the
// working copy; every mutation is persisted through the store so the queue
// survives a process restart.
type Queue struct {
	store store.Store
	now   func() time.Time

	mu       sync.Mutex
	commands []*Command
}

// Option configures the queue
type Option func(*Queue)

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates a Queue, restoring any commands persisted by a previous run
func NewQueue(ctx context.Context, s store.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		store: s,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	value, ok, err := s.Get(ctx, commandsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load command queue: %w", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(value), &q.commands); err != nil {
			// A corrupt queue is unrecoverable; starting empty beats refusing to start
			logger.Errorf("Discarding corrupt command queue: %v", err)
			q.commands = nil
		}
	}
	if n := len(q.commands); n > 0 {
		logger.Infof("Restored %d pending commands from a previous run", n)
	}

	return q, nil
}

// Enqueue appends a new Command and persists the queue
func (q *Queue) Enqueue(ctx context.Context, domain, operation, method, endpoint string, payload json.RawMessage) (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cmd := newCommand(domain, operation, method, endpoint, payload, q.now())
	q.commands = append(q.commands, cmd)
	if err := q.persistLocked(ctx); err != nil {
		return nil, err
	}

	logger.Infof("Queued %s command %s for domain '%s' (%d pending)",
		operation, cmd.ID, domain, len(q.commands))
	return cmd, nil
}

// Snapshot returns a copy of the queued commands in FIFO order
func (q *Queue) Snapshot() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Command, len(q.commands))
	for i, cmd := range q.commands {
		copied := *cmd
		out[i] = &copied
	}
	return out
}

// Len returns the number of pending commands
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Remove deletes the command with the given id; removing an absent id is a no-op
func (q *Queue) Remove(ctx context.Context, id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, cmd := range q.commands {
		if cmd.ID == id {
			q.commands = append(q.commands[:i], q.commands[i+1:]...)
			if err := q.persistLocked(ctx); err != nil {
				logger.Errorf("Failed to persist queue after removing %s: %v", id, err)
			}
			return
		}
	}
}

// RecordFailure increments the command's retry count and records the error,
// leaving its queue position untouched.
func (q *Queue) RecordFailure(ctx context.Context, id string, dispatchErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, cmd := range q.commands {
		if cmd.ID == id {
			cmd.RetryCount++
			cmd.LastError = dispatchErr.Error()
			if err := q.persistLocked(ctx); err != nil {
				logger.Errorf("Failed to persist queue after failure of %s: %v", id, err)
			}
			return
		}
	}
}

// persistLocked writes the queue through the store; callers hold q.mu
func (q *Queue) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(q.commands)
	if err != nil {
		return fmt.Errorf("failed to marshal command queue: %w", err)
	}
	if err := q.store.Set(ctx, commandsKey, string(data)); err != nil {
		return fmt.Errorf("failed to persist command queue: %w", err)
	}
	return nil
}
