package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/venuehq/sync-engine/internal/apiclient"
	"github.com/venuehq/sync-engine/internal/logger"
	"github.com/venuehq/sync-engine/internal/telemetry"
)

// Processor drains the command queue sequentially. One command is dispatched
// at a time; there is no parallel dispatch, by ordering guarantee.
type Processor struct {
	queue      *Queue
	client     apiclient.Client
	errorLog   *ErrorLog
	maxRetries int
	retryDelay time.Duration
	online     func() bool
	metrics    *telemetry.QueueMetrics
	now        func() time.Time

	isProcessing atomic.Bool
}

// ProcessorOption configures the processor
type ProcessorOption func(*Processor)

// WithQueueMetrics sets the queue metrics for the processor
func WithQueueMetrics(metrics *telemetry.QueueMetrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = metrics
	}
}

// WithProcessorClock overrides the time source, for tests
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a Processor.
// online reports current device connectivity; a pass halts entirely while offline.
func NewProcessor(
	q *Queue,
	client apiclient.Client,
	errorLog *ErrorLog,
	maxRetries int,
	retryDelay time.Duration,
	online func() bool,
	opts ...ProcessorOption,
) *Processor {
	p := &Processor{
		queue:      q,
		client:     client,
		errorLog:   errorLog,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		online:     online,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsProcessing reports whether a drain pass is currently running
func (p *Processor) IsProcessing() bool {
	return p.isProcessing.Load()
}

// ProcessAll runs a single drain pass over the queue in FIFO order.
// Concurrent triggers while a pass is active are no-ops. The pass halts
// entirely when offline or suspended, leaving remaining commands untouched.
func (p *Processor) ProcessAll(ctx context.Context) error {
	if !p.isProcessing.CompareAndSwap(false, true) {
		logger.Debugf("Queue drain already in progress, skipping trigger")
		return nil
	}
	defer p.isProcessing.Store(false)
	defer p.recordPending(ctx)

	if p.online != nil && !p.online() {
		logger.Debugf("Device offline, leaving %d commands queued", p.queue.Len())
		return nil
	}

	commands := p.queue.Snapshot()
	if len(commands) == 0 {
		return nil
	}
	logger.Infof("Draining command queue (%d pending)", len(commands))

	// Fixed inter-retry delay; a failed command waits this long before the
	// pass moves on, bounding total pass duration.
	delay := backoff.NewConstantBackOff(p.retryDelay)

	for _, cmd := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Connectivity can drop mid-pass; halt before dispatching so the
		// remaining commands keep their retry budget.
		if p.online != nil && !p.online() {
			logger.Infof("Device went offline, leaving %d commands queued", p.queue.Len())
			return nil
		}

		halted, failed, err := p.dispatch(ctx, cmd)
		if halted {
			logger.Infof("Queue drain halted: %v", err)
			return nil
		}
		if failed {
			if err := sleepCtx(ctx, delay.NextBackOff()); err != nil {
				return err
			}
		}
	}

	return nil
}

// dispatch attempts one command. Returns halted=true when the whole pass must
// stop (suspension), failed=true when the command failed but the pass continues.
func (p *Processor) dispatch(ctx context.Context, cmd *Command) (halted, failed bool, err error) {
	resp, err := p.client.Do(ctx, cmd.Method, cmd.Endpoint, cmd.Payload)
	if err != nil {
		if err == apiclient.ErrSuspended {
			return true, false, err
		}
		// Transport-level failure; treat like any other failed attempt
		p.handleFailure(ctx, cmd, err)
		return false, true, nil
	}

	if resp.IsSuccess() {
		p.queue.Remove(ctx, cmd.ID)
		logger.Infof("Command %s (%s) delivered", cmd.ID, cmd.Operation)
		return false, false, nil
	}

	p.handleFailure(ctx, cmd, apiclient.NewHTTPError(resp.StatusCode, cmd.Endpoint, string(resp.Body)))
	return false, true, nil
}

// handleFailure applies the retry policy: below the ceiling the command stays
// at its queue position with an incremented retry count; at the ceiling it is
// dropped with a report.
func (p *Processor) handleFailure(ctx context.Context, cmd *Command, dispatchErr error) {
	if cmd.RetryCount < p.maxRetries {
		p.queue.RecordFailure(ctx, cmd.ID, dispatchErr)
		logger.Warnf("Command %s (%s) failed (attempt %d/%d): %v",
			cmd.ID, cmd.Operation, cmd.RetryCount+1, p.maxRetries+1, dispatchErr)
		return
	}

	// Retry ceiling exceeded: drop with report, never silently
	p.queue.Remove(ctx, cmd.ID)
	cmd.LastError = dispatchErr.Error()
	p.errorLog.Append(*cmd, dispatchErr.Error(), p.now())
	p.metrics.RecordDropped(ctx, cmd.Domain)
	logger.Errorf("Command %s (%s) dropped after %d retries: %v",
		cmd.ID, cmd.Operation, p.maxRetries, dispatchErr)
}

func (p *Processor) recordPending(ctx context.Context) {
	p.metrics.RecordPending(ctx, int64(p.queue.Len()))
}

// sleepCtx waits for d or until the context is cancelled
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("queue drain interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
