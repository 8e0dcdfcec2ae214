package object

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hupe1980/ummapio/internal/hash"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec selects how chunks are compressed before upload.
type Codec uint8

const (
	// CodecNone stores chunks as they are.
	CodecNone Codec = 0
	// CodecLZ4 uses LZ4 block compression (fast, good for hot data).
	CodecLZ4 Codec = 1
	// CodecZSTD uses ZSTD (better ratio, good for cold data).
	CodecZSTD Codec = 2
)

// ErrCorruptChunk is returned when a stored chunk fails to decode.
var ErrCorruptChunk = errors.New("object: corrupt chunk")

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps "none", "lz4" and "zstd" to a Codec.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZSTD, nil
	default:
		return CodecNone, fmt.Errorf("object: unknown codec %q", s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Chunk format: [codec u8][rawLen u32][crc32c(raw) u32][payload...].
const chunkHeaderSize = 9

// encodeChunk compresses raw with c. It stores the chunk uncompressed when
// compression saves less than a tenth.
func encodeChunk(raw []byte, c Codec) ([]byte, error) {
	var payload []byte
	switch c {
	case CodecNone:
	case CodecLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, err
		}
		payload = buf[:n]
	case CodecZSTD:
		enc := getZstdEncoder()
		payload = enc.EncodeAll(raw, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("object: unknown codec %d", c)
	}

	if len(payload) == 0 || float64(len(payload)) > float64(len(raw))*0.9 {
		c, payload = CodecNone, raw
	}

	out := make([]byte, chunkHeaderSize+len(payload))
	out[0] = byte(c)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[5:], hash.CRC32C(raw))
	copy(out[chunkHeaderSize:], payload)
	return out, nil
}

// decodeChunk reverses encodeChunk and verifies the checksum.
func decodeChunk(b []byte) ([]byte, error) {
	if len(b) < chunkHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptChunk, len(b))
	}
	c := Codec(b[0])
	rawLen := binary.LittleEndian.Uint32(b[1:])
	sum := binary.LittleEndian.Uint32(b[5:])
	payload := b[chunkHeaderSize:]

	var raw []byte
	switch c {
	case CodecNone:
		if uint32(len(payload)) != rawLen {
			return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorruptChunk, len(payload), rawLen)
		}
		raw = payload
	case CodecLZ4:
		raw = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptChunk, err)
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptChunk)
		}
	case CodecZSTD:
		dec := getZstdDecoder()
		decoded, err := dec.DecodeAll(payload, make([]byte, 0, rawLen))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptChunk, err)
		}
		if uint32(len(decoded)) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorruptChunk)
		}
		raw = decoded
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorruptChunk, c)
	}

	if !hash.VerifyCRC32C(raw, sum) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptChunk)
	}
	return raw, nil
}
