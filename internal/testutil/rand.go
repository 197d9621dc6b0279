// Package testutil holds small randomness helpers shared by the test
// suites of kadcore's packages: a seeded PRNG so table/lookup property
// tests are reproducible.
package testutil

import (
	"math/rand"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/key"
)

// NewRand returns a seeded, reproducible PRNG for use in property tests.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// RandomID returns a random node id drawn from r.
func RandomID(r *rand.Rand) key.ID {
	var id key.ID
	r.Read(id[:])
	return id
}

// RandomContact returns a random, already-validated contact with a
// loopback endpoint on an arbitrary port, suitable for routing table and
// lookup engine tests that don't exercise the network.
func RandomContact(r *rand.Rand) kad.Contact {
	return kad.Contact{
		NodeID:          RandomID(r),
		PrimaryEndpoint: kad.Endpoint{IP: []byte{127, 0, 0, 1}, Port: uint16(1024 + r.Intn(60000))},
	}
}
