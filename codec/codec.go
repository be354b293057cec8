// Package codec centralizes segment payload encoding.
//
// Segments are JSON payloads wrapped in a small self-describing header:
// magic, format version and compression scheme. Codec selection is a
// breaking-change boundary: bytes written with one scheme stay readable
// because the header names the scheme, but changing the default does not
// rewrite existing segments.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the compression scheme of a segment payload.
type Compression uint8

const (
	// None stores the payload uncompressed.
	None Compression = iota
	// Zstd is the default: good ratio, fast decode.
	Zstd
	// LZ4 trades ratio for the fastest decode path.
	LZ4
)

// String returns a stable name for the scheme.
func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

const (
	headerSize = 6
	version    = 1
)

var magic = [4]byte{'I', 'S', 'E', 'G'}

// Encode marshals v to JSON and wraps it in a segment envelope using the
// given compression scheme.
func Encode(v any, comp Compression) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(version)
	buf.WriteByte(byte(comp))

	switch comp {
	case None:
		buf.Write(payload)
	case Zstd:
		enc, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd: %w", err)
		}
		if _, err := enc.Write(payload); err != nil {
			enc.Close()
			return nil, fmt.Errorf("codec: zstd write: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("codec: zstd close: %w", err)
		}
	case LZ4:
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			w.Close()
			return nil, fmt.Errorf("codec: lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("codec: lz4 close: %w", err)
		}
	default:
		return nil, fmt.Errorf("codec: unsupported compression %d", comp)
	}

	return buf.Bytes(), nil
}

// Decode unwraps a segment envelope and unmarshals the payload into v.
// The compression scheme is read from the header, so readers do not need
// to know how the segment was written.
func Decode(data []byte, v any) error {
	if len(data) < headerSize {
		return fmt.Errorf("codec: truncated segment (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return fmt.Errorf("codec: bad magic %q", data[:4])
	}
	if data[4] != version {
		return fmt.Errorf("codec: unsupported segment version %d", data[4])
	}

	body := data[headerSize:]
	var payload []byte
	switch Compression(data[5]) {
	case None:
		payload = body
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("codec: zstd: %w", err)
		}
		defer dec.Close()
		payload, err = io.ReadAll(dec)
		if err != nil {
			return fmt.Errorf("codec: zstd read: %w", err)
		}
	case LZ4:
		var err error
		payload, err = io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
		if err != nil {
			return fmt.Errorf("codec: lz4 read: %w", err)
		}
	default:
		return fmt.Errorf("codec: unsupported compression %d", data[5])
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}
