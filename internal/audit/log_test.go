package audit

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwmanager/fleetdata/internal/kv"
	"github.com/wwwmanager/fleetdata/internal/tree"
)

func testEvent(id string, itemCount int) Event {
	items := make([]Item, itemCount)
	for i := range items {
		items[i] = Item{
			StorageKey: "wb:vehicles",
			IDField:    "id",
			IDValue:    fmt.Sprintf("v%d", i),
			Action:     "merge",
			AfterExists: true,
			AfterSnapshot: &Snapshot{
				V: tree.MustFromJSON(fmt.Sprintf(`{"id":"v%d","plateNumber":"P-%d"}`, i, i)),
			},
		}
	}
	return Event{
		Header: EventHeader{
			ID: id,
			At: "2026-05-01T10:00:00Z",
			Source: SourceMeta{
				AppID:      "wwwmanager",
				AppVersion: "2.4.0",
			},
		},
		Items: items,
	}
}

func TestLog_AppendAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	log := NewLog(store, Config{})

	evt := testEvent("e1", 3)
	require.NoError(t, log.Append(ctx, evt))

	headers, err := log.Index(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, "e1", headers[0].ID)
	assert.Equal(t, 3, headers[0].ItemCount)
	assert.Equal(t, CompressionGzip, headers[0].Chunk.Compression)
	assert.NotEmpty(t, headers[0].Chunk.Keys)

	items, err := log.LoadItems(ctx, headers[0])
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "v1", items[1].IDValue)
	assert.True(t, tree.Equal(
		tree.MustFromJSON(`{"id":"v1","plateNumber":"P-1"}`),
		items[1].AfterSnapshot.V,
	))
}

func TestLog_LargePayloadChunkRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	// Small chunk size so a big payload actually splits
	log := NewLog(store, Config{ChunkSize: 4096})

	evt := testEvent("big", 10_000)
	require.NoError(t, log.Append(ctx, evt))

	headers, err := log.Index(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Greater(t, len(headers[0].Chunk.Keys), 1, "payload should span multiple chunks")

	items, err := log.LoadItems(ctx, headers[0])
	require.NoError(t, err)
	require.Len(t, items, 10_000)
	for i, item := range items {
		require.Equal(t, fmt.Sprintf("v%d", i), item.IDValue)
	}
}

func TestLog_UncompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	log := NewLog(store, Config{Codec: NewUncompressedCodec(), ChunkSize: 128})

	require.NoError(t, log.Append(ctx, testEvent("plain", 20)))

	headers, err := log.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, headers[0].Chunk.Compression)

	items, err := log.LoadItems(ctx, headers[0])
	require.NoError(t, err)
	assert.Len(t, items, 20)
}

func TestLog_EvictionAtCap(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	log := NewLog(store, Config{MaxEvents: 50})

	for i := 1; i <= 51; i++ {
		require.NoError(t, log.Append(ctx, testEvent(fmt.Sprintf("e%d", i), 1)))
	}

	headers, err := log.Index(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 50)

	// Newest first; e1 evicted
	assert.Equal(t, "e51", headers[0].ID)
	assert.Equal(t, "e2", headers[49].ID)

	// The evicted event's chunk keys are gone from storage
	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	for _, k := range keys {
		assert.False(t, strings.HasPrefix(k, chunkKeyPrefix+"e1:"),
			"evicted chunk %s still present", k)
	}
}

func TestLog_AppendSameIDOverwrites(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	log := NewLog(store, Config{ChunkSize: 64})

	require.NoError(t, log.Append(ctx, testEvent("e1", 50)))
	firstKeys, _ := store.ListKeys(ctx)

	// Re-append the same event with fewer items: old chunks must vanish
	require.NoError(t, log.Append(ctx, testEvent("e1", 1)))

	headers, err := log.Index(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, 1, headers[0].ItemCount)

	secondKeys, _ := store.ListKeys(ctx)
	assert.Less(t, len(secondKeys), len(firstKeys), "stale chunks were not deleted")

	items, err := log.LoadItems(ctx, headers[0])
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestLog_DecompressorUnavailable(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()

	writer := NewLog(store, Config{})
	require.NoError(t, writer.Append(ctx, testEvent("e1", 2)))

	// A reader with no gzip decoder must fail with the distinct error
	reader := NewLog(store, Config{Codec: NewCustomCodec(nil)})
	headers, err := reader.Index(ctx)
	require.NoError(t, err)

	_, err = reader.LoadItems(ctx, headers[0])
	var unavailable *DecompressorUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, CompressionGzip, unavailable.Compression)
}

func TestLog_CorruptPayload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	log := NewLog(store, Config{Codec: NewUncompressedCodec()})

	require.NoError(t, log.Append(ctx, testEvent("e1", 2)))
	headers, err := log.Index(ctx)
	require.NoError(t, err)

	// Corrupt the stored chunk: decodes fine (no compression) but is not
	// a valid item list
	require.NoError(t, store.Set(ctx, headers[0].Chunk.Keys[0], tree.String(`{"not":"an array"`)))

	_, err = log.LoadItems(ctx, headers[0])
	var corrupt *CorruptPayloadError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "e1", corrupt.EventID)
}

func TestLog_CorruptCompressedChunk(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	log := NewLog(store, Config{})

	require.NoError(t, log.Append(ctx, testEvent("e1", 2)))
	headers, err := log.Index(ctx)
	require.NoError(t, err)
	require.Equal(t, CompressionGzip, headers[0].Chunk.Compression)

	// Garbage where the base64 gzip payload should be
	require.NoError(t, store.Set(ctx, headers[0].Chunk.Keys[0], tree.String("!!not-base64!!")))

	_, err = log.LoadItems(ctx, headers[0])
	var corrupt *CorruptPayloadError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "e1", corrupt.EventID)
}

func TestLog_Delete(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	log := NewLog(store, Config{})

	require.NoError(t, log.Append(ctx, testEvent("e1", 2)))
	require.NoError(t, log.Append(ctx, testEvent("e2", 2)))

	require.NoError(t, log.Delete(ctx, "e1"))

	headers, err := log.Index(ctx)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, "e2", headers[0].ID)

	keys, _ := store.ListKeys(ctx)
	for _, k := range keys {
		assert.False(t, strings.HasPrefix(k, chunkKeyPrefix+"e1:"))
	}

	assert.Error(t, log.Delete(ctx, "e1"), "double delete should report not found")
}

func TestLog_Export(t *testing.T) {
	ctx := context.Background()
	log := NewLog(kv.NewMemory(), Config{})

	require.NoError(t, log.Append(ctx, testEvent("e1", 2)))

	doc, err := log.Export(ctx, "e1", "wwwmanager")
	require.NoError(t, err)

	assert.Contains(t, string(doc), `"header"`)
	assert.Contains(t, string(doc), `"items"`)
	assert.Contains(t, string(doc), `"wwwmanager"`)
	assert.Contains(t, string(doc), `"v1"`)
}

func TestLog_EmptyIndex(t *testing.T) {
	log := NewLog(kv.NewMemory(), Config{})

	headers, err := log.Index(context.Background())
	require.NoError(t, err)
	assert.Empty(t, headers)
}

func TestCodec_EncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec()
	payload := []byte(strings.Repeat(`{"id":"v1","plateNumber":"A100"}`, 1000))

	encoded, compression, err := codec.Encode(payload)
	require.NoError(t, err)
	assert.Equal(t, CompressionGzip, compression)
	assert.Less(t, len(encoded), len(payload), "repetitive payload should compress")

	decoded, err := codec.Decode(encoded, compression)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}
