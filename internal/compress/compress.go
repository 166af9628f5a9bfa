// Package compress implements the stateless LZ77-family block codec
// of spec.md §4.8: a fixed 15-bit window, literal/length codes, and
// a block CRC32 prefix, with a decompressor bounded by a caller-
// supplied maximum output size.
//
// Grounded directly on the Compressor in
// _examples/xyproto-flapc/compress.go (greedy longest-match search
// over a sliding window, 0xFF as the match escape byte with a
// 0xFF 00 00 01 literal-escape sequence), adding the block CRC32
// prefix and max_out enforcement spec.md requires that the teacher's
// version (which only needed to shrink an ELF payload, not round-trip
// an archive member safely) does not have.
package compress

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/xyproto/stld/internal/errs"
)

const (
	// WindowSize is the fixed 15-bit sliding window (spec.md §4.8).
	WindowSize = 1 << 15
	minMatch   = 4
	maxMatch   = 255
)

// headerSize is the self-delimiting block prefix: 4 bytes CRC32 of
// the original bytes, followed by 4 bytes original length.
const headerSize = 8

// MaxInputSize is the largest input Compress will accept (spec.md
// §4.8: round-trip identity holds up to 2^30 bytes). Decompress is
// bounded by its maxOut argument instead.
const MaxInputSize = 1 << 30

// Compress encodes data into a self-delimiting compressed block:
// crc32(4) | original_size(4) | tokens. A token is either a literal
// byte, or a match record (0xFF, dist uint16 LE, len uint8). The
// literal byte 0xFF is escaped as (0xFF, 0x00, 0x00, 0x01).
func Compress(data []byte) ([]byte, error) {
	if len(data) > MaxInputSize {
		return nil, errs.New(errs.CompressionFailed, "input %d bytes exceeds max %d", len(data), MaxInputSize)
	}

	var out bytes.Buffer
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(data))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	out.Write(header[:])

	pos := 0
	for pos < len(data) {
		bestLen, bestDist := findMatch(data, pos)

		if bestLen >= minMatch {
			out.WriteByte(0xFF)
			var distLen [3]byte
			binary.LittleEndian.PutUint16(distLen[0:2], uint16(bestDist))
			distLen[2] = byte(bestLen)
			out.Write(distLen[:])
			pos += bestLen
			continue
		}

		literal := data[pos]
		if literal == 0xFF {
			out.Write([]byte{0xFF, 0x00, 0x00, 0x01})
		} else {
			out.WriteByte(literal)
		}
		pos++
	}

	return out.Bytes(), nil
}

func findMatch(data []byte, pos int) (bestLen, bestDist int) {
	searchStart := pos - WindowSize
	if searchStart < 0 {
		searchStart = 0
	}
	for i := searchStart; i < pos; i++ {
		matchLen := 0
		for matchLen < maxMatch && pos+matchLen < len(data) && data[i+matchLen] == data[pos+matchLen] {
			matchLen++
		}
		if matchLen >= minMatch && matchLen > bestLen {
			bestLen = matchLen
			bestDist = pos - i
		}
	}
	return bestLen, bestDist
}

// Decompress decodes a block produced by Compress, refusing to
// produce more than maxOut bytes and verifying the block's CRC32
// against the decoded bytes.
func Decompress(data []byte, maxOut int) ([]byte, error) {
	if len(data) < headerSize {
		return nil, errs.New(errs.DecompressionFailed, "block shorter than header (%d bytes)", len(data))
	}
	wantCRC := binary.LittleEndian.Uint32(data[0:4])
	origSize := binary.LittleEndian.Uint32(data[4:8])
	if int(origSize) > maxOut {
		return nil, errs.New(errs.DecompressionFailed, "original size %d exceeds max_out %d", origSize, maxOut)
	}

	out := make([]byte, 0, origSize)
	pos := headerSize
	for pos < len(data) {
		if len(out) > maxOut {
			return nil, errs.New(errs.DecompressionFailed, "decompressed output exceeds max_out %d", maxOut)
		}
		if data[pos] == 0xFF {
			if pos+4 > len(data) {
				return nil, errs.New(errs.DecompressionFailed, "truncated match token at offset %d", pos)
			}
			dist := binary.LittleEndian.Uint16(data[pos+1 : pos+3])
			length := int(data[pos+3])
			if dist == 0 && length == 1 {
				out = append(out, 0xFF)
			} else {
				start := len(out) - int(dist)
				if start < 0 {
					return nil, errs.New(errs.DecompressionFailed, "match distance %d exceeds output so far", dist)
				}
				for i := 0; i < length; i++ {
					out = append(out, out[start+i])
				}
			}
			pos += 4
		} else {
			out = append(out, data[pos])
			pos++
		}
	}

	if len(out) > maxOut {
		return nil, errs.New(errs.DecompressionFailed, "decompressed output %d exceeds max_out %d", len(out), maxOut)
	}
	if uint32(len(out)) != origSize {
		return nil, errs.New(errs.DecompressionFailed, "decoded length %d does not match header length %d", len(out), origSize)
	}
	if crc32.ChecksumIEEE(out) != wantCRC {
		return nil, errs.New(errs.DecompressionFailed, "CRC32 mismatch")
	}
	return out, nil
}
