// Package key implements the fixed-width Kademlia node identifier and the
// XOR-distance operations the rest of the DHT is built on.
package key

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
)

// Size is the width of a NodeID in bytes. The Kademlia keyspace used by this
// implementation is 512 bits, matching the
// RSA/SHA-512-derived identifiers the securifier produces.
const Size = 64

// BitLen is the width of a NodeID in bits.
const BitLen = Size * 8

// ID is an opaque, fixed-width Kademlia identifier. The zero value is the
// all-zero id and is valid.
type ID [Size]byte

// Random returns a cryptographically random ID.
func Random() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("key: generate random id: %w", err)
	}
	return id, nil
}

// FromBytes copies b into a new ID. It returns an error if b is not exactly
// Size bytes long.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("key: invalid id length %d, want %d", len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// FromHex decodes a hex string into an ID.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("key: decode hex id: %w", err)
	}
	return FromBytes(b)
}

// Bytes returns the id's raw bytes.
func (id ID) Bytes() []byte {
	return id[:]
}

// Hex returns the id's hexadecimal representation.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ID) String() string {
	return id.Hex()
}

// Xor returns the bitwise exclusive-or of id and other, i.e. their Kademlia
// distance.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := 0; i < Size; i++ {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// CommonPrefixLength returns the number of leading bits id shares with
// other, counted from the most significant bit. The common prefix length of
// an id with itself is BitLen.
func (id ID) CommonPrefixLength(other ID) int {
	for i := 0; i < Size; i++ {
		xored := id[i] ^ other[i]
		if xored != 0 {
			return i*8 + 7 - int(math.Log2(float64(xored)))
		}
	}
	return BitLen
}

// Compare returns -1 if id < other, 0 if id == other, and 1 if id > other,
// treating both ids as big-endian unsigned integers.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Equal reports whether id and other are numerically equal.
func (id ID) Equal(other ID) bool {
	return id.Compare(other) == 0
}

// Less reports whether id sorts strictly before other. It is a convenience
// wrapper around Compare used by sort.Slice call sites.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// ByDistance sorts a slice of ids in ascending distance from target.
type ByDistance struct {
	Target ID
	IDs    []ID
}

func (d ByDistance) Len() int { return len(d.IDs) }

func (d ByDistance) Swap(i, j int) { d.IDs[i], d.IDs[j] = d.IDs[j], d.IDs[i] }

func (d ByDistance) Less(i, j int) bool {
	di := d.Target.Xor(d.IDs[i])
	dj := d.Target.Xor(d.IDs[j])
	return di.Compare(dj) < 0
}
