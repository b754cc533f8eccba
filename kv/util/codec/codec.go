// Package codec lays out versioned keys so that a plain byte-ordered engine
// iterates them by user key ascending, then by timestamp descending.
package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	groupSize = 8
	marker    = byte(0xFF)
	tsLen     = 8
)

var zeroGroup = make([]byte, groupSize)

// EncodeKey encodes a user key followed by an inverted timestamp.
func EncodeKey(key []byte, ts uint64) []byte {
	return AppendTs(EncodeBytes(key), ts)
}

// EncodeBytes splits data into 8-byte groups, zero pads the last one and
// follows every group with 0xFF minus the pad count, e.g.
//   []        -> [0 0 0 0 0 0 0 0 247]
//   [1 2 3]   -> [1 2 3 0 0 0 0 0 250]
//   [1 .. 8]  -> [1 .. 8 255 0 0 0 0 0 0 0 0 247]
// The output compares bytewise in the same order as the input.
func EncodeBytes(data []byte) []byte {
	groups := len(data)/groupSize + 1
	out := make([]byte, 0, groups*(groupSize+1)+tsLen)
	for len(data) >= groupSize {
		out = append(out, data[:groupSize]...)
		out = append(out, marker)
		data = data[groupSize:]
	}
	pad := groupSize - len(data)
	out = append(out, data...)
	out = append(out, zeroGroup[:pad]...)
	return append(out, marker-byte(pad))
}

// AppendTs appends ^ts so that newer versions sort first.
func AppendTs(encoded []byte, ts uint64) []byte {
	var buf [tsLen]byte
	binary.BigEndian.PutUint64(buf[:], ^ts)
	return append(encoded, buf[:]...)
}

// DecodeBytes reverses EncodeBytes and returns the remaining input.
func DecodeBytes(b []byte) (rest []byte, data []byte, err error) {
	data = make([]byte, 0, len(b))
	for {
		if len(b) < groupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}
		group, m := b[:groupSize], b[groupSize]
		b = b[groupSize+1:]
		pad := int(marker - m)
		if pad > groupSize {
			return nil, nil, errors.Errorf("invalid marker byte %d", m)
		}
		data = append(data, group[:groupSize-pad]...)
		if pad == 0 {
			continue
		}
		for _, v := range group[groupSize-pad:] {
			if v != 0 {
				return nil, nil, errors.Errorf("invalid padding in group %q", group)
			}
		}
		return b, data, nil
	}
}

// DecodeKey splits a key produced by EncodeKey.
func DecodeKey(key []byte) ([]byte, uint64, error) {
	rest, userKey, err := DecodeBytes(key)
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != tsLen {
		return nil, 0, errors.Errorf("bad timestamp suffix length %d", len(rest))
	}
	return userKey, ^binary.BigEndian.Uint64(rest), nil
}

// EncodeUint64 is the big-endian form used for counters kept in the engine.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("expect 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
