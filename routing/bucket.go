package routing

import (
	"time"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/key"
)

// entry is a RoutingTableEntry: a contact plus the bookkeeping
// the table needs to order and evict it.
type entry struct {
	contact        kad.Contact
	rankInfo       kad.RankInfo
	distanceToSelf int // common prefix length with the holder, NOT the XOR distance itself
	failedRPCCount int
	lastSeen       time.Time
	validated      bool
}

// kBucket is an ordered sequence of up to k entries sorted by LastSeen
// ascending, plus a bounded replacement cache.
type kBucket struct {
	entries          []*entry
	replacementCache []*entry

	k                    int
	replacementCacheSize int
}

func newKBucket(k, replacementCacheSize int) *kBucket {
	return &kBucket{
		k:                    k,
		replacementCacheSize: replacementCacheSize,
	}
}

func (b *kBucket) full() bool {
	return len(b.entries) >= b.k
}

func (b *kBucket) find(id key.ID) *entry {
	for _, e := range b.entries {
		if e.contact.NodeID.Equal(id) {
			return e
		}
	}
	return nil
}

func (b *kBucket) findInCache(id key.ID) (int, *entry) {
	for i, e := range b.replacementCache {
		if e.contact.NodeID.Equal(id) {
			return i, e
		}
	}
	return -1, nil
}

// insert adds e to the bucket, keeping entries sorted by LastSeen ascending.
// Callers must first check !full().
func (b *kBucket) insert(e *entry) {
	i := 0
	for ; i < len(b.entries); i++ {
		if e.lastSeen.Before(b.entries[i].lastSeen) {
			break
		}
	}
	b.entries = append(b.entries, nil)
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
}

// touch moves e to its correct sorted position after LastSeen changed.
func (b *kBucket) touch(e *entry) {
	b.remove(e.contact.NodeID)
	b.insert(e)
}

func (b *kBucket) remove(id key.ID) *entry {
	for i, e := range b.entries {
		if e.contact.NodeID.Equal(id) {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// oldest returns the entry with the smallest LastSeen, i.e. the classic
// "oldest contact" Kademlia pings before evicting in favor of a newcomer.
func (b *kBucket) oldest() *entry {
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[0]
}

// addToCache inserts a candidate into the replacement cache, evicting the
// oldest cached candidate if the cache is full.
func (b *kBucket) addToCache(e *entry) {
	if i, _ := b.findInCache(e.contact.NodeID); i >= 0 {
		b.replacementCache[i] = e
		return
	}
	if len(b.replacementCache) >= b.replacementCacheSize {
		b.replacementCache = b.replacementCache[1:]
	}
	b.replacementCache = append(b.replacementCache, e)
}

// popReplacement removes and returns the most recently added cache entry,
// used to fill a slot freed by evicting an unresponsive oldest contact.
func (b *kBucket) popReplacement() *entry {
	if len(b.replacementCache) == 0 {
		return nil
	}
	last := len(b.replacementCache) - 1
	e := b.replacementCache[last]
	b.replacementCache = b.replacementCache[:last]
	return e
}
