package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

// KeySize is the fixed width of a page-space key, mirroring pageserver's
// compact encoding of (relation, block number) style coordinates plus a
// field selector byte.
const KeySize = 26

// Key is a fixed-width, totally ordered key identifying one 8KiB page (or
// auxiliary record) in the key-space pageservers index.
type Key [KeySize]byte

func (k Key) Bytes() []byte { return k[:] }

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Compare returns -1, 0 or 1 comparing k to other lexicographically.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Next returns the key immediately following k in key-space order,
// incrementing the last byte with carry. Used to build half-open ranges.
func (k Key) Next() Key {
	next := k
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}

// KeyRange is a half-open [Start, End) range over the key-space.
type KeyRange struct {
	Start Key
	End   Key
}

func (r KeyRange) Contains(k Key) bool {
	return k.Compare(r.Start) >= 0 && k.Compare(r.End) < 0
}

func (r KeyRange) Overlaps(other KeyRange) bool {
	return r.Start.Compare(other.End) < 0 && other.Start.Compare(r.End) < 0
}

func (r KeyRange) IsEmpty() bool {
	return r.Start.Compare(r.End) >= 0
}

// MinKey and MaxKey bound the representable key-space.
var (
	MinKey = Key{}
	MaxKey = func() Key {
		var k Key
		for i := range k {
			k[i] = 0xFF
		}
		return k
	}()
)

// DeltaKey is the on-disk sort key used inside a delta layer's B-tree index:
// the page key followed by the big-endian LSN at which the record/image was
// written, so that all versions of one key sort contiguously and in LSN
// order within that group.
type DeltaKey [KeySize + 8]byte

func NewDeltaKey(k Key, lsn Lsn) DeltaKey {
	var dk DeltaKey
	copy(dk[:KeySize], k[:])
	binary.BigEndian.PutUint64(dk[KeySize:], uint64(lsn))
	return dk
}

func (dk DeltaKey) Key() Key {
	var k Key
	copy(k[:], dk[:KeySize])
	return k
}

func (dk DeltaKey) Lsn() Lsn {
	return Lsn(binary.BigEndian.Uint64(dk[KeySize:]))
}

func (dk DeltaKey) Bytes() []byte { return dk[:] }

func (dk DeltaKey) Compare(other DeltaKey) int {
	return bytes.Compare(dk[:], other[:])
}
