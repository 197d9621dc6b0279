// Package kad holds the types shared across the DHT's components: the
// network-facing Contact/Endpoint model, the result-code taxonomy (as
// tagged Go errors rather than magic integers), and the RPC
// request/response payload shapes.
package kad

import (
	"fmt"
	"net"

	"github.com/plprobelab/kadcore/key"
)

// Endpoint is a reachable network address for a peer.
type Endpoint struct {
	Network string // network name, e.g. "udp"; transport.Socket addresses peers by IP and port alone
	IP      net.IP
	Port    uint16
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// IsZero reports whether e holds no address.
func (e Endpoint) IsZero() bool {
	return len(e.IP) == 0
}

// PublicKey holds an RSA public key plus the id it was issued under,
// exactly as carried on the wire by a Contact.
type PublicKey struct {
	ID  string // public_key_id
	DER []byte // PKIX-encoded public key
}

// Contact is a peer's addressing and identity record. Two contacts compare
// equal iff their NodeID fields are equal (see Contact.Equal) — the rest of
// the fields may legitimately differ between two sightings of the same
// peer.
type Contact struct {
	NodeID             key.ID
	PrimaryEndpoint    Endpoint
	LocalEndpoints     []Endpoint
	RendezvousEndpoint Endpoint
	PublicKeyID        string
	PublicKey          []byte // PKIX DER, empty until validated
	Signature          []byte // self-signature over PublicKey, see securifier.Validate

	// Version orders sightings of the same contact: the routing table
	// replaces a stored record for this node only with one whose Version is
	// at least as high. Nothing in this module increments it; contacts built
	// here carry 0.
	Version uint64
}

// Equal reports whether two contacts identify the same node.
func (c Contact) Equal(other Contact) bool {
	return c.NodeID.Equal(other.NodeID)
}

// RankInfo is opaque transport-supplied information about the quality of a
// connection to a contact (e.g. RTT, loss rate). The DHT core never
// interprets it; it is threaded through untouched from the transport to
// the routing table so a more capable transport implementation can use it
// to inform bucket eviction decisions.
type RankInfo struct {
	RTT          float64
	FailureCount int
}
