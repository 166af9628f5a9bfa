// On-disk archive format (spec.md §6): header, index, name pool,
// bodies. Grounded on the same "build one flat buffer, backpatch the
// header once everything else is laid out" approach used by the OBJ
// codec (internal/objfmt) and by the teacher's ELF emission in
// _examples/xyproto-flapc/elf_complete.go.
package archive

import (
	"bytes"
	"encoding/binary"

	"github.com/xyproto/stld/internal/errs"
)

// Magic identifies the archive format on disk.
var Magic = [4]byte{'S', 'A', 'R', '1'}

const formatVersion uint16 = 1

// headerSize is magic(4) + version(2) + flags(2) + entry_count(4) +
// index_offset(4) + total_size(4) (spec.md §6).
const headerSize = 20
const indexRecordSize = 32

// Serialize writes the archive's on-disk representation to buf and
// returns the number of bytes written.
func (a *Archive) Serialize(buf *bytes.Buffer) (int, error) {
	start := buf.Len()

	indexOffset := uint32(headerSize)
	entryCount := uint32(len(a.entries))

	// Build the name pool up front so we know each name's offset
	// before writing index records.
	var namePool bytes.Buffer
	nameOffsets := make([]uint32, len(a.entries))
	for i, e := range a.entries {
		nameOffsets[i] = uint32(namePool.Len())
		var lenPrefix [4]byte
		binary.LittleEndian.PutUint32(lenPrefix[:], uint32(len(e.Name)))
		namePool.Write(lenPrefix[:])
		namePool.WriteString(e.Name)
	}

	namePoolOffset := indexOffset + entryCount*indexRecordSize
	bodiesOffset := alignUp4(namePoolOffset + uint32(namePool.Len()))

	// Assign final body offsets, padding each to 4-byte alignment.
	bodyOffsets := make([]uint32, len(a.entries))
	cursor := bodiesOffset
	var bodies bytes.Buffer
	for i, body := range a.bodies {
		bodyOffsets[i] = cursor
		bodies.Write(body)
		pad := (4 - len(body)%4) % 4
		bodies.Write(make([]byte, pad))
		cursor += uint32(len(body)) + uint32(pad)
	}

	totalSize := cursor

	var header bytes.Buffer
	header.Write(Magic[:])
	binary.Write(&header, binary.LittleEndian, formatVersion)
	binary.Write(&header, binary.LittleEndian, uint16(0)) // flags reserved
	binary.Write(&header, binary.LittleEndian, entryCount)
	binary.Write(&header, binary.LittleEndian, indexOffset)
	binary.Write(&header, binary.LittleEndian, totalSize)
	if header.Len() != headerSize {
		return 0, errs.New(errs.Internal, "archive header length mismatch: %d", header.Len())
	}
	buf.Write(header.Bytes())

	for i, e := range a.entries {
		var rec bytes.Buffer
		binary.Write(&rec, binary.LittleEndian, nameOffsets[i])
		binary.Write(&rec, binary.LittleEndian, bodyOffsets[i])
		binary.Write(&rec, binary.LittleEndian, e.OriginalSize)
		binary.Write(&rec, binary.LittleEndian, e.StoredSize)
		binary.Write(&rec, binary.LittleEndian, e.CRC32)
		binary.Write(&rec, binary.LittleEndian, e.Timestamp)
		binary.Write(&rec, binary.LittleEndian, uint32(e.Flags))
		if rec.Len() != indexRecordSize {
			return 0, errs.New(errs.Internal, "archive index record length mismatch: %d", rec.Len())
		}
		buf.Write(rec.Bytes())
	}

	buf.Write(namePool.Bytes())
	pad := int(bodiesOffset) - buf.Len() + start
	if pad > 0 {
		buf.Write(make([]byte, pad))
	}
	buf.Write(bodies.Bytes())

	// Record final offsets on the live entries so FindByOffset and a
	// subsequent Serialize agree with what was written.
	for i := range a.entries {
		a.entries[i].BodyOffset = bodyOffsets[i]
	}

	return buf.Len() - start, nil
}

func alignUp4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// Deserialize parses a byte stream produced by Serialize back into
// an Archive.
func Deserialize(data []byte) (*Archive, error) {
	if len(data) < headerSize {
		return nil, errs.New(errs.ArchiveCorrupt, "file too small for header: %d bytes", len(data))
	}
	var magic [4]byte
	copy(magic[:], data[0:4])
	if magic != Magic {
		return nil, errs.New(errs.ArchiveCorrupt, "bad magic %v", magic)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != formatVersion {
		return nil, errs.New(errs.UnsupportedVersion, "archive version %d", version)
	}
	entryCount := binary.LittleEndian.Uint32(data[8:12])
	indexOffset := binary.LittleEndian.Uint32(data[12:16])
	totalSize := binary.LittleEndian.Uint32(data[16:20])
	if uint64(totalSize) > uint64(len(data)) {
		return nil, errs.New(errs.ArchiveCorrupt, "declared total_size %d exceeds file length %d", totalSize, len(data))
	}

	a := New()
	a.entries = make([]Entry, 0, entryCount)
	a.bodies = make([][]byte, 0, entryCount)
	nameOffsets := make([]uint32, entryCount)

	for i := uint32(0); i < entryCount; i++ {
		off := indexOffset + i*indexRecordSize
		if uint64(off)+indexRecordSize > uint64(len(data)) {
			return nil, errs.New(errs.ArchiveCorrupt, "index record %d out of bounds", i)
		}
		rec := data[off : off+indexRecordSize]
		nameOffsets[i] = binary.LittleEndian.Uint32(rec[0:4])
		bodyOffset := binary.LittleEndian.Uint32(rec[4:8])
		origSize := binary.LittleEndian.Uint32(rec[8:12])
		storedSize := binary.LittleEndian.Uint32(rec[12:16])
		crc := binary.LittleEndian.Uint32(rec[16:20])
		timestamp := binary.LittleEndian.Uint64(rec[20:28])
		flags := binary.LittleEndian.Uint32(rec[28:32])

		if uint64(bodyOffset)+uint64(storedSize) > uint64(len(data)) {
			return nil, errs.New(errs.ArchiveCorrupt, "member %d body out of bounds", i)
		}
		body := append([]byte(nil), data[bodyOffset:bodyOffset+storedSize]...)

		a.entries = append(a.entries, Entry{
			BodyOffset:   bodyOffset,
			OriginalSize: origSize,
			StoredSize:   storedSize,
			CRC32:        crc,
			Timestamp:    timestamp,
			Flags:        EntryFlags(flags),
		})
		a.bodies = append(a.bodies, body)
	}

	namePoolStart := indexOffset + entryCount*indexRecordSize
	for i := range a.entries {
		off := namePoolStart + nameOffsets[i]
		if uint64(off)+4 > uint64(len(data)) {
			return nil, errs.New(errs.ArchiveCorrupt, "member %d name out of bounds", i)
		}
		nameLen := binary.LittleEndian.Uint32(data[off : off+4])
		nameStart := off + 4
		if uint64(nameStart)+uint64(nameLen) > uint64(len(data)) {
			return nil, errs.New(errs.ArchiveCorrupt, "member %d name length out of bounds", i)
		}
		name := string(data[nameStart : nameStart+nameLen])
		a.entries[i].Name = name
		a.index.put(name, i)
		a.iterOrder = append(a.iterOrder, i)
	}

	return a, nil
}
