// Package engine coordinates the sync lifecycle: it owns connectivity and
// session state, decides when a sync pass may run, fans reconciliation out
// across domains, and drains the offline command queue.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/venuehq/sync-engine/internal/cache"
	"github.com/venuehq/sync-engine/internal/health"
	"github.com/venuehq/sync-engine/internal/logger"
	"github.com/venuehq/sync-engine/internal/queue"
	"github.com/venuehq/sync-engine/internal/ratelimit"
	"github.com/venuehq/sync-engine/internal/reconcile"
)

// OperationDelete marks a mutation that removes a record. Any other operation
// value is treated as an upsert when applying the optimistic snapshot change.
const OperationDelete = "delete"

// Status is the engine's observable queue and sync state
type Status struct {
	PendingCount   int                     `json:"pendingCount"`
	IsSyncing      bool                    `json:"isSyncing"`
	LastSyncMillis int64                   `json:"lastSyncMillis"`
	HasErrors      bool                    `json:"hasErrors"`
	Errors         []queue.TerminalFailure `json:"errors,omitempty"`
}

// Engine is the lifecycle orchestrator. All trigger methods are safe for
// concurrent use; overlapping sync passes collapse into one.
type Engine struct {
	cache      *cache.Cache
	reconciler *reconcile.Reconciler
	queue      *queue.Queue
	processor  *queue.Processor
	errorLog   *queue.ErrorLog
	monitor    *health.Monitor
	limiter    *ratelimit.Limiter
	domains    []reconcile.Domain

	authenticated func() bool
	minInterval   time.Duration
	drainInterval time.Duration
	now           func() time.Time

	online         atomic.Bool
	syncInProgress atomic.Bool
	lastSyncMillis atomic.Int64
}

// Option configures the engine
type Option func(*Engine)

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine. authenticated reports whether a session exists; sync
// passes are skipped without one. The engine starts in the online state.
func New(
	c *cache.Cache,
	r *reconcile.Reconciler,
	q *queue.Queue,
	p *queue.Processor,
	errorLog *queue.ErrorLog,
	monitor *health.Monitor,
	limiter *ratelimit.Limiter,
	domains []reconcile.Domain,
	authenticated func() bool,
	minInterval, drainInterval time.Duration,
	opts ...Option,
) *Engine {
	e := &Engine{
		cache:         c,
		reconciler:    r,
		queue:         q,
		processor:     p,
		errorLog:      errorLog,
		monitor:       monitor,
		limiter:       limiter,
		domains:       domains,
		authenticated: authenticated,
		minInterval:   minInterval,
		drainInterval: drainInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.online.Store(true)
	return e
}

// Online reports current device connectivity as last notified
func (e *Engine) Online() bool {
	return e.online.Load()
}

// NotifyConnectivityChanged records the new connectivity state. Regaining
// connectivity triggers a background sync pass so queued work flushes promptly.
func (e *Engine) NotifyConnectivityChanged(online bool) {
	was := e.online.Swap(online)
	if online == was {
		return
	}
	logger.Infof("Connectivity changed: online=%t", online)
	if online {
		go e.syncOnce(context.Background(), false)
	}
}

// NotifyAppForegrounded triggers a background sync pass, subject to the
// minimum interval between passes.
func (e *Engine) NotifyAppForegrounded() {
	go e.syncOnce(context.Background(), false)
}

// RequestManualSync asks for a user-initiated sync. It is rate limited; when
// rejected, retryAfter is how long the caller must wait before the next
// attempt can succeed. Accepted requests bypass the minimum sync interval.
func (e *Engine) RequestManualSync() (accepted bool, retryAfter time.Duration) {
	if !e.limiter.CanAttempt() {
		return false, e.limiter.RemainingWait()
	}
	e.limiter.RecordAttempt()
	go e.syncOnce(context.Background(), true)
	return true, 0
}

// syncOnce runs a single sync pass: reconcile every domain in parallel, then
// drain the command queue. At most one pass runs at a time; a pass is skipped
// while offline, unauthenticated, or (unless forced) within the minimum
// interval of the previous pass that reconciled anything.
func (e *Engine) syncOnce(ctx context.Context, force bool) {
	if !e.online.Load() {
		logger.Debugf("Sync skipped: device is offline")
		return
	}
	if e.authenticated != nil && !e.authenticated() {
		logger.Debugf("Sync skipped: no authenticated session")
		return
	}
	if !force {
		if last := e.lastSyncMillis.Load(); last > 0 {
			elapsed := time.Duration(e.now().UnixMilli()-last) * time.Millisecond
			if elapsed < e.minInterval {
				logger.Debugf("Sync skipped: last pass was %.0fs ago (min interval %.0fs)",
					elapsed.Seconds(), e.minInterval.Seconds())
				return
			}
		}
	}
	if !e.syncInProgress.CompareAndSwap(false, true) {
		logger.Debugf("Sync already in progress, skipping trigger")
		return
	}
	defer e.syncInProgress.Store(false)

	passStart := e.now()
	logger.Infof("Starting sync pass across %d domains (force=%t)", len(e.domains), force)

	// Domain failures are independent: each domain falls back to its cached
	// snapshot on its own, so one failing domain never blocks the others or
	// the queue drain.
	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range e.domains {
		g.Go(func() error {
			if err := e.reconciler.SyncDomain(gctx, d); err != nil {
				failed.Add(1)
				logger.Errorf("Domain '%s': reconciliation failed: %v", d.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	// A pass where every domain failed does not count against the minimum
	// interval; the next unforced trigger may retry immediately.
	if len(e.domains) == 0 || failed.Load() < int64(len(e.domains)) {
		e.lastSyncMillis.Store(passStart.UnixMilli())
	}

	if err := e.processor.ProcessAll(ctx); err != nil {
		logger.Errorf("Queue drain failed: %v", err)
	}
	logger.Infof("Sync pass complete")
}

// EnqueueMutation applies a local mutation optimistically and schedules its
// delivery. The snapshot is updated first so reads reflect the change
// immediately; delivery is attempted inline when nothing is pending, and
// queued behind existing commands otherwise so server-side ordering matches
// the order the user acted in.
func (e *Engine) EnqueueMutation(ctx context.Context, domain, operation, method, endpoint string, payload json.RawMessage) error {
	id, err := extractRecordID(payload)
	if err != nil {
		return fmt.Errorf("invalid mutation payload: %w", err)
	}

	if operation == OperationDelete {
		e.cache.DeleteRecord(ctx, domain, id)
	} else {
		e.cache.UpsertRecord(ctx, domain, id, payload)
	}

	if _, err := e.queue.Enqueue(ctx, domain, operation, method, endpoint, payload); err != nil {
		return fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	// Flush promptly when we can; ProcessAll preserves FIFO order and is a
	// no-op if a drain pass is already running.
	if e.online.Load() {
		go func() {
			if err := e.processor.ProcessAll(context.Background()); err != nil {
				logger.Debugf("Deferred delivery of mutation '%s': %v", id, err)
			}
		}()
	}
	return nil
}

// QueueStatus returns the engine's current observable state
func (e *Engine) QueueStatus() Status {
	return Status{
		PendingCount:   e.queue.Len(),
		IsSyncing:      e.syncInProgress.Load() || e.processor.IsProcessing(),
		LastSyncMillis: e.lastSyncMillis.Load(),
		HasErrors:      e.errorLog.HasErrors(),
		Errors:         e.errorLog.Entries(),
	}
}

// SuspensionState reports whether outbound API calls are suspended and, if
// so, for how much longer.
func (e *Engine) SuspensionState() (bool, time.Duration) {
	return e.monitor.SuspensionState()
}

// CachedRecords returns the cached snapshot for a domain
func (e *Engine) CachedRecords(ctx context.Context, domain string) (cache.Records, bool) {
	return e.cache.LoadRecords(ctx, domain)
}

// Run hosts the periodic queue drain until the context is cancelled. Domain
// reconciliation is trigger-driven; only queued mutations need a ticker, so
// commands stranded by a transient failure still go out.
func (e *Engine) Run(ctx context.Context) error {
	logger.Infof("Engine started (queue drain every %s)", e.drainInterval)
	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("Engine stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if !e.online.Load() {
				continue
			}
			if e.authenticated != nil && !e.authenticated() {
				continue
			}
			if err := e.processor.ProcessAll(ctx); err != nil {
				logger.Errorf("Scheduled queue drain failed: %v", err)
			}
		}
	}
}

// extractRecordID pulls the record id out of a mutation payload. Ids may be
// JSON strings or numbers; both normalize to their string form.
func extractRecordID(payload json.RawMessage) (string, error) {
	var envelope struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if len(envelope.ID) == 0 {
		return "", fmt.Errorf("payload has no id field")
	}
	raw := bytes.TrimSpace(envelope.ID)
	if len(raw) >= 2 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid id: %w", err)
		}
		if s == "" {
			return "", fmt.Errorf("payload has empty id")
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid id: %w", err)
	}
	return n.String(), nil
}
