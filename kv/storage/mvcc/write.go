package mvcc

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

const (
	ownerOffset    = 1
	checksumOffset = ownerOffset + 16
	writeHeaderLen = checksumOffset + 4
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Write is one committed version as kept in the write CF under EncodeKey(key, commitTS).
// Layout: kind byte, owning transaction id, crc32 of everything else, then the value.
type Write struct {
	Kind  WriteKind
	Owner uuid.UUID
	Value []byte
}

func (wr *Write) ToBytes() []byte {
	buf := make([]byte, writeHeaderLen, writeHeaderLen+len(wr.Value))
	buf[0] = byte(wr.Kind)
	copy(buf[ownerOffset:], wr.Owner[:])
	buf = append(buf, wr.Value...)
	binary.BigEndian.PutUint32(buf[checksumOffset:], checksum(buf))
	return buf
}

func checksum(record []byte) uint32 {
	crc := crc32.Update(0, crcTable, record[:checksumOffset])
	return crc32.Update(crc, crcTable, record[writeHeaderLen:])
}

func ParseWrite(value []byte) (*Write, error) {
	if value == nil {
		return nil, nil
	}
	if len(value) < writeHeaderLen {
		return nil, fmt.Errorf("mvcc/write/ParseWrite: value is too short, expected at least %d, found %d", writeHeaderLen, len(value))
	}
	if expected, got := binary.BigEndian.Uint32(value[checksumOffset:]), checksum(value); expected != got {
		return nil, fmt.Errorf("mvcc/write/ParseWrite: checksum mismatch, expected %08x, found %08x", expected, got)
	}
	wr := &Write{Kind: WriteKind(value[0])}
	copy(wr.Owner[:], value[ownerOffset:checksumOffset])
	switch wr.Kind {
	case WriteKindPut:
		wr.Value = append([]byte{}, value[writeHeaderLen:]...)
	case WriteKindDelete:
	default:
		return nil, fmt.Errorf("mvcc/write/ParseWrite: unknown write kind %d", wr.Kind)
	}
	return wr, nil
}

type WriteKind int

const (
	WriteKindPut    WriteKind = 1
	WriteKindDelete WriteKind = 2
)

func (wk WriteKind) String() string {
	switch wk {
	case WriteKindPut:
		return "put"
	case WriteKindDelete:
		return "delete"
	}
	return fmt.Sprintf("WriteKind(%d)", int(wk))
}
