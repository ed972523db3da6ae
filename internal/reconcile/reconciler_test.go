package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/venuehq/sync-engine/internal/apiclient"
	"github.com/venuehq/sync-engine/internal/cache"
	"github.com/venuehq/sync-engine/internal/store"
)

// fakeClient scripts responses per request and records the calls it saw
type fakeClient struct {
	mu       sync.Mutex
	do       func(path string, query url.Values) (*apiclient.Response, error)
	requests []url.URL
}

func (f *fakeClient) Do(_ context.Context, _ string, path string, _ []byte) (*apiclient.Response, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, *u)
	f.mu.Unlock()
	return f.do(u.Path, u.Query())
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func jsonResponse(t *testing.T, v any) *apiclient.Response {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return &apiclient.Response{StatusCode: http.StatusOK, Body: body}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return cache.New(s)
}

var testDomain = Domain{Name: "booking", Path: "/v1/bookings", TTL: 5 * time.Minute}

func TestReconciler_FullSyncReplacesSnapshot(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := t.Context()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	client := &fakeClient{do: func(path string, query url.Values) (*apiclient.Response, error) {
		assert.Equal(t, "/v1/bookings", path)

		// A first-time sync is bounded by the lookback and horizon
		from, err := strconv.ParseInt(query.Get("from"), 10, 64)
		require.NoError(t, err)
		to, err := strconv.ParseInt(query.Get("to"), 10, 64)
		require.NoError(t, err)
		assert.Equal(t, now.AddDate(0, 0, -90).UnixMilli(), from)
		assert.Equal(t, now.AddDate(0, 0, 14).UnixMilli(), to)

		return jsonResponse(t, map[string]any{
			"records": []map[string]any{
				{"id": "1", "title": "yoga"},
				{"id": 42, "title": "pilates"},
			},
			"has_more": false,
		}), nil
	}}

	r := New(c, client, 90*24*time.Hour, 14*24*time.Hour, WithClock(func() time.Time { return now }))
	require.NoError(t, r.SyncDomain(ctx, testDomain))

	records, ok := c.LoadRecords(ctx, "booking")
	require.True(t, ok)
	assert.Len(t, records, 2)
	assert.Contains(t, records, "1")
	assert.Contains(t, records, "42", "numeric ids normalize to their string form")

	meta := c.SyncMeta(ctx, "booking")
	assert.Equal(t, now.UnixMilli(), meta.LastSyncMillis)
	assert.Empty(t, meta.Cursor)
}

func TestReconciler_FullSyncFollowsPages(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := t.Context()

	client := &fakeClient{do: func(_ string, query url.Values) (*apiclient.Response, error) {
		if query.Get("cursor") == "" {
			return jsonResponse(t, map[string]any{
				"records":  []map[string]any{{"id": "1"}},
				"cursor":   "page-2",
				"has_more": true,
			}), nil
		}
		return jsonResponse(t, map[string]any{
			"records":  []map[string]any{{"id": "2"}},
			"has_more": false,
		}), nil
	}}

	r := New(c, client, time.Hour, time.Hour)
	require.NoError(t, r.SyncDomain(ctx, testDomain))

	assert.Equal(t, 2, client.callCount())
	assert.Equal(t, "page-2", client.requests[1].Query().Get("cursor"))

	records, _ := c.LoadRecords(ctx, "booking")
	assert.Len(t, records, 2)
}

func TestReconciler_FreshCacheSkipsNetwork(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := t.Context()
	now := time.Now()

	c.SetSyncMeta(ctx, "booking", cache.Meta{LastSyncMillis: now.Add(-time.Minute).UnixMilli()})

	client := &fakeClient{do: func(string, url.Values) (*apiclient.Response, error) {
		t.Fatal("no network call while the cache is fresh")
		return nil, nil
	}}

	r := New(c, client, time.Hour, time.Hour, WithClock(func() time.Time { return now }))
	require.NoError(t, r.SyncDomain(ctx, testDomain))
	assert.Zero(t, client.callCount())
}

func TestReconciler_IncrementalMerge(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := t.Context()
	now := time.Now()
	watermark := now.Add(-10 * time.Minute).UnixMilli()

	c.SaveRecords(ctx, "booking", cache.Records{
		"5": json.RawMessage(`{"id":"5","title":"old"}`),
		"7": json.RawMessage(`{"id":"7"}`),
		"9": json.RawMessage(`{"id":"9"}`),
	})
	c.SetSyncMeta(ctx, "booking", cache.Meta{LastSyncMillis: watermark})

	newWatermark := now.Add(-time.Second).UnixMilli()
	client := &fakeClient{do: func(path string, query url.Values) (*apiclient.Response, error) {
		assert.Equal(t, "/v1/bookings/delta", path)
		assert.Equal(t, strconv.FormatInt(watermark, 10), query.Get("since"))

		return jsonResponse(t, map[string]any{
			"updated":   []map[string]any{{"id": "5", "title": "new"}},
			"deleted":   []any{7},
			"watermark": newWatermark,
			"has_more":  false,
		}), nil
	}}

	r := New(c, client, time.Hour, time.Hour, WithClock(func() time.Time { return now }))
	require.NoError(t, r.SyncDomain(ctx, testDomain))

	records, ok := c.LoadRecords(ctx, "booking")
	require.True(t, ok)
	assert.Len(t, records, 2)
	assert.JSONEq(t, `{"id":"5","title":"new"}`, string(records["5"]))
	assert.NotContains(t, records, "7", "numeric deletion ids match string keys")
	assert.Contains(t, records, "9")

	meta := c.SyncMeta(ctx, "booking")
	assert.Equal(t, newWatermark, meta.LastSyncMillis)
	assert.Empty(t, meta.Cursor)
}

func TestReconciler_IncrementalPersistsCursorBetweenPages(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := t.Context()
	now := time.Now()
	watermark := now.Add(-10 * time.Minute).UnixMilli()

	c.SaveRecords(ctx, "booking", cache.Records{})
	c.SetSyncMeta(ctx, "booking", cache.Meta{LastSyncMillis: watermark})

	client := &fakeClient{do: func(_ string, query url.Values) (*apiclient.Response, error) {
		if query.Get("cursor") == "" {
			return jsonResponse(t, map[string]any{
				"updated":  []map[string]any{{"id": "1"}},
				"cursor":   "delta-2",
				"has_more": true,
			}), nil
		}
		// The second page fails mid-pass
		return &apiclient.Response{StatusCode: http.StatusInternalServerError}, nil
	}}

	r := New(c, client, time.Hour, time.Hour, WithClock(func() time.Time { return now }))
	err := r.SyncDomain(ctx, testDomain)
	require.Error(t, err)

	// Page one was merged and its cursor persisted; the watermark did not move
	meta := c.SyncMeta(ctx, "booking")
	assert.Equal(t, "delta-2", meta.Cursor)
	assert.Equal(t, watermark, meta.LastSyncMillis)

	records, ok := c.LoadRecords(ctx, "booking")
	require.True(t, ok)
	assert.Contains(t, records, "1")
}

func TestReconciler_ResumesFromPersistedCursor(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := t.Context()
	now := time.Now()

	c.SaveRecords(ctx, "booking", cache.Records{})
	c.SetSyncMeta(ctx, "booking", cache.Meta{
		LastSyncMillis: now.Add(-10 * time.Minute).UnixMilli(),
		Cursor:         "delta-2",
	})

	client := &fakeClient{do: func(_ string, query url.Values) (*apiclient.Response, error) {
		assert.Equal(t, "delta-2", query.Get("cursor"), "an interrupted pass resumes its cursor")
		return jsonResponse(t, map[string]any{
			"updated":   []map[string]any{{"id": "2"}},
			"watermark": now.UnixMilli(),
			"has_more":  false,
		}), nil
	}}

	r := New(c, client, time.Hour, time.Hour, WithClock(func() time.Time { return now }))
	require.NoError(t, r.SyncDomain(ctx, testDomain))
	assert.Equal(t, 1, client.callCount())
}

func TestReconciler_FailureKeepsCachedSnapshot(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := t.Context()
	now := time.Now()

	c.SaveRecords(ctx, "booking", cache.Records{"1": json.RawMessage(`{"id":"1"}`)})
	c.SetSyncMeta(ctx, "booking", cache.Meta{LastSyncMillis: now.Add(-10 * time.Minute).UnixMilli()})

	client := &fakeClient{do: func(string, url.Values) (*apiclient.Response, error) {
		return nil, assert.AnError
	}}

	r := New(c, client, time.Hour, time.Hour, WithClock(func() time.Time { return now }))
	require.Error(t, r.SyncDomain(ctx, testDomain))

	// Readers keep the stale-but-present snapshot
	records, ok := c.LoadRecords(ctx, "booking")
	require.True(t, ok)
	assert.Contains(t, records, "1")
}

func TestReconciler_SyncEmitsSpanWithCounts(t *testing.T) {
	t.Parallel()

	c := newTestCache(t)
	ctx := t.Context()

	client := &fakeClient{do: func(_ string, query url.Values) (*apiclient.Response, error) {
		if query.Get("cursor") == "" {
			return jsonResponse(t, map[string]any{
				"records":  []map[string]any{{"id": "1"}, {"id": "2"}},
				"cursor":   "page-2",
				"has_more": true,
			}), nil
		}
		return jsonResponse(t, map[string]any{
			"records":  []map[string]any{{"id": "3"}},
			"has_more": false,
		}), nil
	}}

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r := New(c, client, time.Hour, time.Hour, WithTracer(tp.Tracer("test")))
	require.NoError(t, r.SyncDomain(ctx, testDomain))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "reconcile.sync_domain", spans[0].Name)

	attrs := make(map[attribute.Key]attribute.Value, len(spans[0].Attributes))
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "booking", attrs["sync.domain"].AsString())
	assert.True(t, attrs["sync.full"].AsBool())
	assert.Equal(t, int64(2), attrs["sync.page_count"].AsInt64())
	assert.Equal(t, int64(3), attrs["sync.record_count"].AsInt64())
}

func TestMergeDelta_Idempotent(t *testing.T) {
	t.Parallel()

	page := &deltaPage{
		Updated: []json.RawMessage{json.RawMessage(`{"id":"5","v":2}`)},
		Deleted: []recordID{"7"},
	}

	records := cache.Records{
		"5": json.RawMessage(`{"id":"5","v":1}`),
		"7": json.RawMessage(`{"id":"7"}`),
		"9": json.RawMessage(`{"id":"9"}`),
	}

	_, _, err := mergeDelta(records, page)
	require.NoError(t, err)
	once := make(cache.Records, len(records))
	for k, v := range records {
		once[k] = v
	}

	_, _, err = mergeDelta(records, page)
	require.NoError(t, err)
	assert.Equal(t, once, records, "applying the same delta twice yields the same set")
}

func TestRecordID_StringOrNumber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    recordID
		wantErr bool
	}{
		{name: "string id", input: `"abc-1"`, want: "abc-1"},
		{name: "integer id", input: `42`, want: "42"},
		{name: "large integer id", input: `9007199254740993`, want: "9007199254740993"},
		{name: "object rejected", input: `{"x":1}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var id recordID
			err := json.Unmarshal([]byte(tt.input), &id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}
