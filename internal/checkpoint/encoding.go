package checkpoint

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Encoding selects how the buffer section of a state file is stored.
type Encoding string

const (
	// EncodingNone stores the logical buffer bytes as is. Files written this
	// way are readable by version 1 readers.
	EncodingNone Encoding = "none"
	// EncodingLZ4 stores an LZ4 block. Fast, modest ratio.
	EncodingLZ4 Encoding = "lz4"
	// EncodingZstd stores a zstd frame. Terminal output is text-like and
	// usually compresses 3-5x.
	EncodingZstd Encoding = "zstd"
)

// ParseEncoding parses a BUFFER_ENCODING value or config setting. The empty
// string means EncodingNone.
func ParseEncoding(name string) (Encoding, error) {
	switch Encoding(name) {
	case "", EncodingNone:
		return EncodingNone, nil
	case EncodingLZ4:
		return EncodingLZ4, nil
	case EncodingZstd:
		return EncodingZstd, nil
	default:
		return "", fmt.Errorf("unknown buffer encoding %q (use none|lz4|zstd)", name)
	}
}

// errIncompressible means the encoded form is not smaller than the input.
var errIncompressible = errors.New("data is incompressible")

// zstd encoders and decoders are safe for concurrent use and expensive to
// build, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("checkpoint: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBufferSection))
	if err != nil {
		panic("checkpoint: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBuffer returns the stored form of data and the encoding actually
// used. Incompressible data falls back to EncodingNone.
func encodeBuffer(data []byte, enc Encoding) ([]byte, Encoding, error) {
	var (
		out []byte
		err error
	)
	switch enc {
	case "", EncodingNone:
		return data, EncodingNone, nil
	case EncodingLZ4:
		out, err = compressLZ4(data)
	case EncodingZstd:
		out, err = compressZstd(data)
	default:
		return nil, "", fmt.Errorf("unsupported buffer encoding %q", enc)
	}
	if errors.Is(err, errIncompressible) {
		return data, EncodingNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, enc, nil
}

// decodeBuffer reverses encodeBuffer. size is the logical length recorded
// in BUFFER_SIZE and is verified.
func decodeBuffer(stored []byte, enc Encoding, size int) ([]byte, error) {
	switch enc {
	case EncodingNone:
		if len(stored) != size {
			return nil, fmt.Errorf("raw buffer: size %d does not match expected %d", len(stored), size)
		}
		return stored, nil
	case EncodingLZ4:
		return decompressLZ4(stored, size)
	case EncodingZstd:
		return decompressZstd(stored, size)
	default:
		return nil, fmt.Errorf("unsupported buffer encoding %q", enc)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(compressed, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
	}
	return dst, nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}

// Checksum returns the hex BLAKE3-256 digest of data, as stored in
// BUFFER_CHECKSUM.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
