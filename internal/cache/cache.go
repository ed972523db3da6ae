// Package cache provides the durable per-domain snapshot and sync metadata
// layer for the sync engine. The cache is a best-effort accelerator, not a
// source of truth: failed writes are logged and absorbed so callers keep
// working against whatever state is available.
package cache

import (
	"context"
	"encoding/json"

	"github.com/venuehq/sync-engine/internal/logger"
	"github.com/venuehq/sync-engine/internal/store"
)

const (
	snapshotKeyPrefix = "snapshot/"
	metaKeyPrefix     = "syncmeta/"
)

// Records is a domain's local snapshot, keyed by record id. Record bodies are
// opaque to the engine; specific entity shapes are plug-in data.
type Records map[string]json.RawMessage

// Meta is the per-domain sync metadata. Timestamps are epoch milliseconds so
// persisted values survive serialization round-trips without format bugs.
type Meta struct {
	// LastSyncMillis is the watermark: everything before it has been reconciled.
	// Zero means the domain has never completed a sync.
	LastSyncMillis int64 `json:"lastSyncMillis"`

	// Cursor is the opaque pagination token for an interrupted delta fetch
	Cursor string `json:"cursor,omitempty"`
}

// Cache owns DomainSyncState: snapshots and sync metadata per domain
type Cache struct {
	store store.Store
}

// New creates a Cache on top of the given store
func New(s store.Store) *Cache {
	return &Cache{store: s}
}

// SaveRecords replaces the domain's snapshot. Write failures are logged, not
// returned; the snapshot is rebuilt on the next reconciliation anyway.
func (c *Cache) SaveRecords(ctx context.Context, domain string, records Records) {
	data, err := json.Marshal(records)
	if err != nil {
		logger.Errorf("Domain '%s': failed to marshal snapshot: %v", domain, err)
		return
	}
	if err := c.store.Set(ctx, snapshotKeyPrefix+domain, string(data)); err != nil {
		logger.Errorf("Domain '%s': failed to persist snapshot: %v", domain, err)
	}
}

// LoadRecords returns the domain's snapshot and whether one exists
func (c *Cache) LoadRecords(ctx context.Context, domain string) (Records, bool) {
	value, ok, err := c.store.Get(ctx, snapshotKeyPrefix+domain)
	if err != nil {
		logger.Errorf("Domain '%s': failed to load snapshot: %v", domain, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var records Records
	if err := json.Unmarshal([]byte(value), &records); err != nil {
		logger.Errorf("Domain '%s': corrupt snapshot discarded: %v", domain, err)
		return nil, false
	}
	return records, true
}

// UpsertRecord applies an optimistic local mutation to the domain snapshot.
// Used by the engine boundary before the corresponding command is delivered.
func (c *Cache) UpsertRecord(ctx context.Context, domain, id string, record json.RawMessage) {
	records, ok := c.LoadRecords(ctx, domain)
	if !ok {
		records = make(Records, 1)
	}
	records[id] = record
	c.SaveRecords(ctx, domain, records)
}

// DeleteRecord removes a record from the domain snapshot
func (c *Cache) DeleteRecord(ctx context.Context, domain, id string) {
	records, ok := c.LoadRecords(ctx, domain)
	if !ok {
		return
	}
	if _, present := records[id]; !present {
		return
	}
	delete(records, id)
	c.SaveRecords(ctx, domain, records)
}

// SyncMeta returns the domain's sync metadata; the zero Meta means the domain
// has never synced.
func (c *Cache) SyncMeta(ctx context.Context, domain string) Meta {
	value, ok, err := c.store.Get(ctx, metaKeyPrefix+domain)
	if err != nil {
		logger.Errorf("Domain '%s': failed to load sync metadata: %v", domain, err)
		return Meta{}
	}
	if !ok {
		return Meta{}
	}

	var meta Meta
	if err := json.Unmarshal([]byte(value), &meta); err != nil {
		logger.Errorf("Domain '%s': corrupt sync metadata discarded: %v", domain, err)
		return Meta{}
	}
	return meta
}

// SetSyncMeta persists the domain's sync metadata. Failures are logged; the
// worst outcome of a lost watermark is a redundant full sync.
func (c *Cache) SetSyncMeta(ctx context.Context, domain string, meta Meta) {
	data, err := json.Marshal(meta)
	if err != nil {
		logger.Errorf("Domain '%s': failed to marshal sync metadata: %v", domain, err)
		return
	}
	if err := c.store.Set(ctx, metaKeyPrefix+domain, string(data)); err != nil {
		logger.Errorf("Domain '%s': failed to persist sync metadata: %v", domain, err)
	}
}
