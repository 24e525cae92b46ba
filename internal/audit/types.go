package audit

import (
	"encoding/json"
	"fmt"

	"github.com/wwwmanager/fleetdata/internal/tree"
)

// Storage keys owned by the audit subsystem. Chunk payload keys belong to
// their header: they are created by Append and deleted exactly when the
// header is evicted or the event is deleted.
const (
	IndexKey       = "wb:sys:auditIndex"
	chunkKeyPrefix = "wb:sys:auditChunk:"
)

// DefaultMaxEvents caps the header index; appending beyond it evicts the
// oldest events together with their chunks.
const DefaultMaxEvents = 50

// DefaultChunkSize is the per-chunk character budget. The storage backend
// has a practical per-record size ceiling; 256k characters stays well under
// it with room for JSON quoting overhead.
const DefaultChunkSize = 256_000

// SourceMeta carries the provenance of an audit event: which bundle or
// operation produced it.
type SourceMeta struct {
	AppID      string `json:"appId,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
	CreatedAt  string `json:"createdAt,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// ChunkInfo records how an event's item payload was stored.
type ChunkInfo struct {
	Keys        []string `json:"keys"`
	Compression string   `json:"compression"` // "gzip" | "none"
	TotalChars  int      `json:"totalChars"`
}

// EventHeader is the index entry for one recorded operation. The index
// holds headers only; item payloads live in the chunk records.
type EventHeader struct {
	ID        string     `json:"id"`
	At        string     `json:"at"`
	Source    SourceMeta `json:"sourceMeta"`
	ItemCount int        `json:"itemCount"`
	Chunk     ChunkInfo  `json:"chunk"`
}

// Snapshot wraps a tree.Value for JSON transport inside audit items.
type Snapshot struct {
	V tree.Value
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s.V == nil {
		return []byte("null"), nil
	}
	return tree.ToJSON(s.V)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	v, err := tree.FromJSON(data)
	if err != nil {
		return err
	}
	if _, isNull := v.(tree.Null); isNull {
		s.V = nil
		return nil
	}
	s.V = v
	return nil
}

// Item records one affected key (or one affected entity) of an operation,
// with enough captured state to undo or permanently erase the change later
// without consulting live data.
type Item struct {
	StorageKey string `json:"storageKey"`
	Key        string `json:"key,omitempty"`
	Category   string `json:"category,omitempty"`
	IDField    string `json:"idField,omitempty"`
	IDValue    string `json:"idValue,omitempty"`
	Action     string `json:"action"`
	Label      string `json:"label,omitempty"`

	Params map[string]string `json:"params,omitempty"`

	BeforeExists bool `json:"beforeExists"`
	AfterExists  bool `json:"afterExists"`

	BeforeSnapshot *Snapshot `json:"beforeSnapshot,omitempty"`
	AfterSnapshot  *Snapshot `json:"afterSnapshot,omitempty"`

	Purged     bool `json:"purged,omitempty"`
	RolledBack bool `json:"rolledBack,omitempty"`
}

// Event pairs a header with its full item list. Only Append sees this
// shape; persisted form splits it into index header plus chunks.
type Event struct {
	Header EventHeader
	Items  []Item
}

func chunkKey(eventID string, index int) string {
	return fmt.Sprintf("%s%s:%d", chunkKeyPrefix, eventID, index)
}

func marshalItems(items []Item) ([]byte, error) {
	return json.Marshal(items)
}

func unmarshalItems(data []byte) ([]Item, error) {
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}
