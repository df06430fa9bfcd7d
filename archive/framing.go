package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var (
	// MagicBytes is the 4-byte prefix for framed descriptor files.
	MagicBytes = []byte("BSD1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected BSD1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrCorrupted is returned when the stored content fails checksum verification.
	ErrCorrupted = errors.New("content checksum mismatch")
)

const (
	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// CompressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs. Torrent descriptors are small; 64 MiB is generous.
	MaxDecompressedSize = 64 * 1024 * 1024

	encodingNone = "none"
	encodingZstd = "zstd"
)

// BlobHeader contains metadata for a stored blob.
type BlobHeader struct {
	InfoHash      string `json:"info_hash,omitempty"`
	ContentLength int64  `json:"content_length"`
	StoredAt      string `json:"stored_at"`
	ContentHash   string `json:"content_hash"`
	Encoding      string `json:"encoding"`
}

// codec encodes and decodes framed blobs with optional zstd compression
// and blake3 checksum verification. It is goroutine-safe.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encodeFrame builds a framed blob for the given content.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func (c *codec) encodeFrame(infoHash string, content []byte, storedAt time.Time) ([]byte, error) {
	sum := blake3.Sum256(content)

	body := content
	encoding := encodingNone
	if len(content) >= CompressionThreshold {
		compressed := c.encoder.EncodeAll(content, nil)
		if len(compressed) < len(content) {
			body = compressed
			encoding = encodingZstd
		}
	}

	header := &BlobHeader{
		InfoHash:      infoHash,
		ContentLength: int64(len(content)),
		StoredAt:      storedAt.UTC().Format(time.RFC3339),
		ContentHash:   fmt.Sprintf("%x", sum),
		Encoding:      encoding,
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	var buf bytes.Buffer
	buf.Write(MagicBytes)
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(headerBytes))); err != nil {
		return nil, fmt.Errorf("writing header length: %w", err)
	}
	buf.Write(headerBytes)
	buf.Write(body)
	return buf.Bytes(), nil
}

// decodeFrame parses a framed blob, decompresses the body if needed and
// verifies the content checksum.
func (c *codec) decodeFrame(data []byte) (*BlobHeader, []byte, error) {
	if len(data) < len(MagicBytes)+4 {
		return nil, nil, ErrInvalidMagic
	}
	if !bytes.Equal(data[:4], MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	headerLen := binary.BigEndian.Uint32(data[4:8])
	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}
	if len(data) < 8+int(headerLen) {
		return nil, nil, fmt.Errorf("truncated header: %w", ErrCorrupted)
	}

	var header BlobHeader
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	body := data[8+headerLen:]
	content := body
	switch header.Encoding {
	case encodingNone, "":
	case encodingZstd:
		if header.ContentLength > MaxDecompressedSize {
			return nil, nil, fmt.Errorf("declared size %d exceeds limit: %w", header.ContentLength, ErrCorrupted)
		}
		decompressed, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("decompressing content: %w", err)
		}
		if len(decompressed) > MaxDecompressedSize {
			return nil, nil, fmt.Errorf("decompressed size exceeds limit: %w", ErrCorrupted)
		}
		content = decompressed
	default:
		return nil, nil, fmt.Errorf("unsupported encoding %q", header.Encoding)
	}

	sum := blake3.Sum256(content)
	if header.ContentHash != fmt.Sprintf("%x", sum) {
		return nil, nil, ErrCorrupted
	}

	return &header, content, nil
}
