package key

import (
	"crypto/sha256"

	"github.com/multiformats/go-multihash"
)

// DeriveFromPreimage hashes an arbitrary preimage into a NodeID-width id,
// turning an opaque byte string into a routable id rather than generating
// one at random. No other package in this module calls it: bootstrap hints
// are persisted as whole contacts, and a StoreRefresh carries no derived
// id. Uses a SHA-256 digest widened to the
// 512-bit id this module uses, routed through go-multihash so the digest
// is self-describing on the wire.
func DeriveFromPreimage(preimage []byte) (ID, error) {
	sum := sha256.Sum256(preimage)
	mh, err := multihash.Encode(sum[:], multihash.SHA2_256)
	if err != nil {
		return ID{}, err
	}
	// Multihash's self-describing prefix plus a 32-byte SHA-256 digest is
	// shorter than Size; extend deterministically by re-hashing the
	// multihash bytes until the id is full, rather than zero-padding
	// (zero-padding would make every preimage collide with its own
	// multihash-truncation worth of zero-suffixed siblings).
	var id ID
	n := copy(id[:], mh)
	for n < Size {
		next := sha256.Sum256(id[:n])
		n += copy(id[n:], next[:])
	}
	return id, nil
}
