// Package reconcile keeps each domain's cached snapshot consistent with the
// server's authoritative set using the smallest possible transfer: a bounded
// full sync when no watermark exists, incremental deltas afterwards.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/venuehq/sync-engine/internal/apiclient"
	"github.com/venuehq/sync-engine/internal/cache"
	"github.com/venuehq/sync-engine/internal/logger"
	"github.com/venuehq/sync-engine/internal/otel"
	"github.com/venuehq/sync-engine/internal/telemetry"
)

// Reconciler performs per-domain full and incremental syncs
type Reconciler struct {
	cache    *cache.Cache
	client   apiclient.Client
	lookback time.Duration
	horizon  time.Duration
	metrics  *telemetry.SyncMetrics
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures the reconciler
type Option func(*Reconciler)

// WithSyncMetrics sets the reconciliation metrics
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(r *Reconciler) {
		r.metrics = metrics
	}
}

// WithTracer sets the tracer used to instrument sync passes. A nil tracer
// disables tracing.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Reconciler) {
		r.tracer = tracer
	}
}

// WithClock overrides the time source, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// New creates a Reconciler. lookback and horizon bound the historical window
// fetched by a first-time full sync.
func New(c *cache.Cache, client apiclient.Client, lookback, horizon time.Duration, opts ...Option) *Reconciler {
	r := &Reconciler{
		cache:    c,
		client:   client,
		lookback: lookback,
		horizon:  horizon,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncDomain reconciles one domain. A fresh cache short-circuits without any
// network call. On mid-pass failure the previously cached snapshot stays in
// place, so readers keep a stale-but-present view; the error is returned for
// reporting only.
func (r *Reconciler) SyncDomain(ctx context.Context, d Domain) error {
	meta := r.cache.SyncMeta(ctx, d.Name)

	// Freshness check: reuse the cache while it is younger than the TTL
	if meta.LastSyncMillis > 0 {
		age := time.Duration(r.now().UnixMilli()-meta.LastSyncMillis) * time.Millisecond
		if age < d.TTL {
			logger.Debugf("Domain '%s': cache is %.0fs old (TTL %.0fs), skipping sync",
				d.Name, age.Seconds(), d.TTL.Seconds())
			return nil
		}
	}

	full := meta.LastSyncMillis == 0
	ctx, span := otel.StartSpan(ctx, r.tracer, "reconcile.sync_domain",
		trace.WithAttributes(otel.AttrDomain.String(d.Name), otel.AttrFullSync.Bool(full)))
	defer span.End()

	start := r.now()
	var err error
	if full {
		err = r.fullSync(ctx, d)
	} else {
		err = r.incrementalSync(ctx, d, meta)
	}
	r.metrics.RecordSyncDuration(ctx, d.Name, r.now().Sub(start), err == nil)
	otel.RecordError(span, err)

	if err != nil {
		logger.Warnf("Domain '%s': sync failed, serving cached snapshot: %v", d.Name, err)
	}
	return err
}

// fullSync fetches every record in the bounded window and replaces the
// snapshot entirely. The new watermark is the time the pass started, so
// changes racing the fetch are picked up by the next incremental sync.
func (r *Reconciler) fullSync(ctx context.Context, d Domain) error {
	passStart := r.now()
	from := passStart.Add(-r.lookback)
	to := passStart.Add(r.horizon)

	records := make(cache.Records)
	cursor := ""
	pages := 0

	for {
		page, err := r.fetchSnapshotPage(ctx, d, from, to, cursor)
		if err != nil {
			return fmt.Errorf("full sync failed: %w", err)
		}
		pages++

		for _, raw := range page.Records {
			var ident identified
			if err := json.Unmarshal(raw, &ident); err != nil || ident.ID == "" {
				logger.Warnf("Domain '%s': skipping record without usable id", d.Name)
				continue
			}
			records[string(ident.ID)] = raw
		}

		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}

	trace.SpanFromContext(ctx).SetAttributes(
		otel.AttrPageCount.Int(pages), otel.AttrRecordCount.Int(len(records)))

	r.cache.SaveRecords(ctx, d.Name, records)
	r.cache.SetSyncMeta(ctx, d.Name, cache.Meta{LastSyncMillis: passStart.UnixMilli()})
	logger.Infof("Domain '%s': full sync complete, %d records cached", d.Name, len(records))
	return nil
}

// incrementalSync fetches deltas since the watermark and merges them into the
// snapshot. The cursor is persisted between pages so an interrupted pass
// resumes from the correct point.
func (r *Reconciler) incrementalSync(ctx context.Context, d Domain, meta cache.Meta) error {
	records, ok := r.cache.LoadRecords(ctx, d.Name)
	if !ok {
		records = make(cache.Records)
	}

	updated, deleted := 0, 0
	cursor := meta.Cursor
	pages := 0

	for {
		page, err := r.fetchDeltaPage(ctx, d, meta.LastSyncMillis, cursor)
		if err != nil {
			return fmt.Errorf("incremental sync failed: %w", err)
		}
		pages++

		u, del, err := mergeDelta(records, page)
		if err != nil {
			return fmt.Errorf("incremental sync failed: %w", err)
		}
		updated += u
		deleted += del

		r.cache.SaveRecords(ctx, d.Name, records)

		if page.HasMore {
			// Persist the continuation point before fetching the next page
			meta.Cursor = page.Cursor
			r.cache.SetSyncMeta(ctx, d.Name, meta)
			cursor = page.Cursor
			continue
		}

		// Final page: advance the watermark and clear the cursor
		meta.Cursor = ""
		if page.Watermark > 0 {
			meta.LastSyncMillis = page.Watermark
		} else {
			meta.LastSyncMillis = r.now().UnixMilli()
		}
		r.cache.SetSyncMeta(ctx, d.Name, meta)
		break
	}

	trace.SpanFromContext(ctx).SetAttributes(
		otel.AttrPageCount.Int(pages), otel.AttrRecordCount.Int(len(records)))

	logger.Infof("Domain '%s': incremental sync complete (%d updated, %d deleted, %d cached)",
		d.Name, updated, deleted, len(records))
	return nil
}

// mergeDelta applies one delta page to the snapshot with the required
// two-phase merge: every id in updated or deleted is removed first, then the
// updated records are re-inserted, so a stale copy can never survive under a
// refreshed id. Applying the same page twice yields the same set.
func mergeDelta(records cache.Records, page *deltaPage) (updated, deleted int, err error) {
	ids := make([]string, 0, len(page.Updated))
	for _, raw := range page.Updated {
		var ident identified
		if err := json.Unmarshal(raw, &ident); err != nil || ident.ID == "" {
			return 0, 0, fmt.Errorf("updated record without usable id: %s", truncate(raw, 120))
		}
		ids = append(ids, string(ident.ID))
	}

	// Phase 1: remove
	for _, id := range ids {
		delete(records, id)
	}
	for _, id := range page.Deleted {
		if _, ok := records[string(id)]; ok {
			deleted++
		}
		delete(records, string(id))
	}

	// Phase 2: re-insert updated
	for i, raw := range page.Updated {
		records[ids[i]] = raw
	}

	return len(page.Updated), deleted, nil
}

func (r *Reconciler) fetchSnapshotPage(ctx context.Context, d Domain, from, to time.Time, cursor string) (*snapshotPage, error) {
	query := url.Values{}
	query.Set("from", strconv.FormatInt(from.UnixMilli(), 10))
	query.Set("to", strconv.FormatInt(to.UnixMilli(), 10))
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	body, err := r.get(ctx, d.Path+"?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var page snapshotPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot page: %w", err)
	}
	return &page, nil
}

func (r *Reconciler) fetchDeltaPage(ctx context.Context, d Domain, since int64, cursor string) (*deltaPage, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	body, err := r.get(ctx, d.Path+"/delta?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var page deltaPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to parse delta page: %w", err)
	}
	return &page, nil
}

func (r *Reconciler) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := r.client.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, apiclient.NewHTTPError(resp.StatusCode, path, http.StatusText(resp.StatusCode))
	}
	return resp.Body, nil
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
