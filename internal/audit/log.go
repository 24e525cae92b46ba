package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

// Log is the append-only audit trail: a capped, newest-first header index
// under one fixed key, with each event's item payload compressed and split
// across chunk records.
type Log struct {
	store     kv.Store
	codec     *Codec
	maxEvents int
	chunkSize int
}

// Config tunes a Log. Zero values select the defaults.
type Config struct {
	Codec     *Codec
	MaxEvents int
	ChunkSize int
}

// NewLog creates a Log over the given store.
func NewLog(store kv.Store, cfg Config) *Log {
	l := &Log{
		store:     store,
		codec:     cfg.Codec,
		maxEvents: cfg.MaxEvents,
		chunkSize: cfg.ChunkSize,
	}
	if l.codec == nil {
		l.codec = NewCodec()
	}
	if l.maxEvents <= 0 {
		l.maxEvents = DefaultMaxEvents
	}
	if l.chunkSize <= 0 {
		l.chunkSize = DefaultChunkSize
	}
	return l
}

// Index returns all event headers, newest first.
func (l *Log) Index(ctx context.Context) ([]EventHeader, error) {
	v, err := kv.GetOrNil(ctx, l.store, IndexKey)
	if err != nil {
		return nil, fmt.Errorf("read audit index: %w", err)
	}
	if v == nil {
		return nil, nil
	}

	raw, err := tree.ToJSON(v)
	if err != nil {
		return nil, fmt.Errorf("read audit index: %w", err)
	}
	var headers []EventHeader
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, fmt.Errorf("read audit index: %w", err)
	}
	return headers, nil
}

// Header returns the index entry for one event id.
func (l *Log) Header(ctx context.Context, eventID string) (EventHeader, error) {
	headers, err := l.Index(ctx)
	if err != nil {
		return EventHeader{}, err
	}
	for _, h := range headers {
		if h.ID == eventID {
			return h, nil
		}
	}
	return EventHeader{}, fmt.Errorf("audit event %s not found", eventID)
}

// Append records an event: items are serialized, compressed, chunked, and
// written; the header joins the front of the index. Re-appending an event
// id that already has chunks first deletes the old chunk keys, so Append is
// an idempotent overwrite. Headers beyond the cap are evicted oldest-first
// together with their chunks.
func (l *Log) Append(ctx context.Context, evt Event) error {
	payload, err := marshalItems(evt.Items)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	encoded, compression, err := l.codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	headers, err := l.Index(ctx)
	if err != nil {
		return err
	}

	// Idempotent overwrite: clear a previous incarnation of this event.
	kept := headers[:0]
	for _, h := range headers {
		if h.ID == evt.Header.ID {
			if err := l.deleteChunks(ctx, h); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, h)
	}
	headers = kept

	chunkKeys, err := l.writeChunks(ctx, evt.Header.ID, encoded)
	if err != nil {
		return err
	}

	header := evt.Header
	header.ItemCount = len(evt.Items)
	header.Chunk = ChunkInfo{
		Keys:        chunkKeys,
		Compression: compression,
		TotalChars:  len(encoded),
	}

	headers = append([]EventHeader{header}, headers...)

	// Evict beyond the cap, oldest last in the slice.
	for len(headers) > l.maxEvents {
		oldest := headers[len(headers)-1]
		if err := l.deleteChunks(ctx, oldest); err != nil {
			return err
		}
		headers = headers[:len(headers)-1]
		slog.Info("audit event evicted", "id", oldest.ID, "at", oldest.At)
	}

	if err := l.writeIndex(ctx, headers); err != nil {
		return err
	}

	slog.Info("audit event recorded",
		"id", header.ID,
		"items", header.ItemCount,
		"chunks", len(chunkKeys),
		"compression", compression,
		"totalChars", header.Chunk.TotalChars,
	)
	return nil
}

// LoadItems fetches an event's chunks in recorded order, reassembles and
// decodes the payload, and parses the item list.
func (l *Log) LoadItems(ctx context.Context, header EventHeader) ([]Item, error) {
	joined := make([]byte, 0, header.Chunk.TotalChars)
	for _, key := range header.Chunk.Keys {
		v, err := l.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("audit event %s: read chunk %s: %w", header.ID, key, err)
		}
		s, ok := v.(tree.String)
		if !ok {
			return nil, &CorruptPayloadError{EventID: header.ID, Err: fmt.Errorf("chunk %s is not a string record", key)}
		}
		joined = append(joined, s...)
	}

	payload, err := l.codec.Decode(string(joined), header.Chunk.Compression)
	if err != nil {
		// DecompressorUnavailable passes through untouched: the caller
		// must be able to tell "install a decoder" from "file corrupt".
		var unavailable *DecompressorUnavailableError
		if errors.As(err, &unavailable) {
			return nil, err
		}
		return nil, &CorruptPayloadError{EventID: header.ID, Err: err}
	}

	items, err := unmarshalItems(payload)
	if err != nil {
		return nil, &CorruptPayloadError{EventID: header.ID, Err: err}
	}
	return items, nil
}

// Delete removes an event header and its chunk records.
func (l *Log) Delete(ctx context.Context, eventID string) error {
	headers, err := l.Index(ctx)
	if err != nil {
		return err
	}

	found := false
	kept := headers[:0]
	for _, h := range headers {
		if h.ID == eventID {
			found = true
			if err := l.deleteChunks(ctx, h); err != nil {
				return err
			}
			continue
		}
		kept = append(kept, h)
	}
	if !found {
		return fmt.Errorf("audit event %s not found", eventID)
	}

	if err := l.writeIndex(ctx, kept); err != nil {
		return err
	}
	slog.Info("audit event deleted", "id", eventID)
	return nil
}

// ExportDocument is the downloadable form of one audit event.
type ExportDocument struct {
	Meta struct {
		AppID      string `json:"appId"`
		ExportedAt string `json:"exportedAt"`
	} `json:"meta"`
	Header EventHeader `json:"header"`
	Items  []Item      `json:"items"`
}

// Export produces a standalone JSON document with the event's header and
// full item list.
func (l *Log) Export(ctx context.Context, eventID string, appID string) ([]byte, error) {
	header, err := l.Header(ctx, eventID)
	if err != nil {
		return nil, err
	}
	items, err := l.LoadItems(ctx, header)
	if err != nil {
		return nil, err
	}

	var doc ExportDocument
	doc.Meta.AppID = appID
	doc.Meta.ExportedAt = time.Now().UTC().Format(time.RFC3339)
	doc.Header = header
	doc.Items = items
	return json.MarshalIndent(doc, "", "  ")
}

func (l *Log) writeChunks(ctx context.Context, eventID, encoded string) ([]string, error) {
	var keys []string
	for i := 0; i*l.chunkSize < len(encoded) || i == 0; i++ {
		start := i * l.chunkSize
		end := start + l.chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		key := chunkKey(eventID, i)
		if err := l.store.Set(ctx, key, tree.String(encoded[start:end])); err != nil {
			return nil, fmt.Errorf("write chunk %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (l *Log) deleteChunks(ctx context.Context, header EventHeader) error {
	for _, key := range header.Chunk.Keys {
		if err := l.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete chunk %s: %w", key, err)
		}
	}
	return nil
}

func (l *Log) writeIndex(ctx context.Context, headers []EventHeader) error {
	raw, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("write audit index: %w", err)
	}
	v, err := tree.FromJSON(raw)
	if err != nil {
		return fmt.Errorf("write audit index: %w", err)
	}
	return l.store.Set(ctx, IndexKey, v)
}
