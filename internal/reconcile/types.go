package reconcile

import (
	"encoding/json"
	"fmt"
	"time"
)

// Domain describes one synchronized entity category
type Domain struct {
	// Name is the domain identifier (e.g. "booking")
	Name string

	// Path is the backend path serving this domain's records
	Path string

	// TTL is the staleness tolerance; reconciliation is skipped while the
	// cached snapshot is younger than this.
	TTL time.Duration
}

// recordID accepts both string and numeric ids on the wire and normalizes
// them to their decimal string form.
type recordID string

func (r *recordID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = recordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*r = recordID(n.String())
		return nil
	}
	return fmt.Errorf("record id must be a string or number, got %s", data)
}

// identified extracts just the id from an otherwise opaque record body
type identified struct {
	ID recordID `json:"id"`
}

// deltaPage is one page of an incremental delta response. The server set is
// authoritative: updated records fully replace stale copies, never a partial
// field merge.
type deltaPage struct {
	Updated   []json.RawMessage `json:"updated"`
	Deleted   []recordID        `json:"deleted"`
	Watermark int64             `json:"watermark"`
	Cursor    string            `json:"cursor,omitempty"`
	HasMore   bool              `json:"has_more"`
}

// snapshotPage is one page of a full-window fetch
type snapshotPage struct {
	Records []json.RawMessage `json:"records"`
	Cursor  string            `json:"cursor,omitempty"`
	HasMore bool              `json:"has_more"`
}
