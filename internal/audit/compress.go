package audit

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// Compression names recorded in event headers.
const (
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// Compressor encodes an item payload for chunked storage.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
}

// Decompressor mirrors whichever Compressor wrote the payload.
type Decompressor interface {
	Name() string
	Decompress(data []byte) ([]byte, error)
}

// DecompressorUnavailableError is raised when an event records a
// compression this process has no decoder for. Distinct from corruption:
// the payload may be perfectly valid for a build that carries the decoder.
type DecompressorUnavailableError struct {
	Compression string
}

func (e *DecompressorUnavailableError) Error() string {
	return fmt.Sprintf("no decompressor available for %q payloads", e.Compression)
}

// CorruptPayloadError is raised when an event's stored payload cannot be
// decoded, decompressed, or parsed back into its item list.
type CorruptPayloadError struct {
	EventID string
	Err     error
}

func (e *CorruptPayloadError) Error() string {
	return fmt.Sprintf("audit event %s: corrupted item payload: %v", e.EventID, e.Err)
}

func (e *CorruptPayloadError) Unwrap() error { return e.Err }

// GzipCompressor compresses with standard gzip at default level.
type GzipCompressor struct{}

func (GzipCompressor) Name() string { return CompressionGzip }

func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GzipDecompressor decodes GzipCompressor output.
type GzipDecompressor struct{}

func (GzipDecompressor) Name() string { return CompressionGzip }

func (GzipDecompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Codec bundles the chosen compressor with the set of decompressors this
// process can read. Capability is decided once, at construction; encode and
// decode never probe.
type Codec struct {
	compressor Compressor
	decoders   map[string]Decompressor
}

// NewCodec builds the default codec: gzip for writing, gzip for reading.
func NewCodec() *Codec {
	return &Codec{
		compressor: GzipCompressor{},
		decoders: map[string]Decompressor{
			CompressionGzip: GzipDecompressor{},
		},
	}
}

// NewUncompressedCodec writes plain payloads but can still read gzip ones.
func NewUncompressedCodec() *Codec {
	return &Codec{
		compressor: nil,
		decoders: map[string]Decompressor{
			CompressionGzip: GzipDecompressor{},
		},
	}
}

// NewCustomCodec injects explicit capabilities (tests, restricted builds).
// compressor may be nil for uncompressed writing.
func NewCustomCodec(compressor Compressor, decoders ...Decompressor) *Codec {
	m := make(map[string]Decompressor, len(decoders))
	for _, d := range decoders {
		m[d.Name()] = d
	}
	return &Codec{compressor: compressor, decoders: m}
}

// Encode turns a raw payload into its string transport form and the
// compression name to record. Compressed output is base64-encoded to stay
// string-safe for chunked storage.
func (c *Codec) Encode(data []byte) (string, string, error) {
	if c.compressor == nil {
		return string(data), CompressionNone, nil
	}

	compressed, err := c.compressor.Compress(data)
	if err != nil {
		// Compression failing is not fatal; fall back to storing plain.
		return string(data), CompressionNone, nil
	}
	return base64.StdEncoding.EncodeToString(compressed), c.compressor.Name(), nil
}

// Decode reverses Encode for the recorded compression name.
func (c *Codec) Decode(payload string, compression string) ([]byte, error) {
	if compression == CompressionNone || compression == "" {
		return []byte(payload), nil
	}

	dec, ok := c.decoders[compression]
	if !ok {
		return nil, &DecompressorUnavailableError{Compression: compression}
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", compression, err)
	}
	return dec.Decompress(raw)
}
