// Package routing implements the k-bucket routing table: a
// structure over XOR distance from a holder id that supports bucket
// splitting, a bounded replacement cache, liveness bookkeeping, and a
// validation pipeline. Splitting follows a split-on-full last-bucket
// strategy, generalized here to carry each entry's full liveness
// bookkeeping and to emit events instead of performing I/O, under the rule
// that every operation must be total and non-blocking.
package routing

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/util"
)

// DefaultK is the default replication/closeness factor.
const DefaultK = 20

// DefaultReplacementCacheSize bounds each bucket's replacement cache.
const DefaultReplacementCacheSize = 8

// DefaultFailedRPCTolerance is the failed RPC count above which a contact
// is evicted outright.
const DefaultFailedRPCTolerance = 5

// PingOldestContactEvent is emitted when a full, unsplittable bucket needs
// its oldest contact probed before deciding whether to admit a newcomer.
// Final disposition belongs to the coordinator's PingOldestContactCallback:
// ResolvePingOldest must be called exactly once per event.
type PingOldestContactEvent struct {
	Oldest      kad.Contact
	Replacement kad.Contact
	RankInfo    kad.RankInfo
}

// ValidateContactEvent is emitted the first time a not-yet-validated
// contact is seen, so the coordinator can kick off
// Securifier.GetPublicKeyAndValidation and later call SetValidated.
type ValidateContactEvent struct {
	Contact kad.Contact
}

// Events is the sink a Table reports outbound events to. Implementations
// must not block: slot invocation must not hold the
// emitter's lock" — the Table invokes these synchronously but never while
// holding its own lock.
type Events interface {
	OnPingOldestContact(ctx context.Context, ev PingOldestContactEvent)
	OnValidateContact(ctx context.Context, ev ValidateContactEvent)
}

// NoopEvents is an Events sink that discards every event, useful for
// table-only unit tests.
type NoopEvents struct{}

func (NoopEvents) OnPingOldestContact(context.Context, PingOldestContactEvent) {}
func (NoopEvents) OnValidateContact(context.Context, ValidateContactEvent)     {}

// Config configures a Table.
type Config struct {
	K                    int
	ReplacementCacheSize int
	FailedRPCTolerance   int
	Events               Events
}

// DefaultConfig returns the table's default tunables.
func DefaultConfig() Config {
	return Config{
		K:                    DefaultK,
		ReplacementCacheSize: DefaultReplacementCacheSize,
		FailedRPCTolerance:   DefaultFailedRPCTolerance,
		Events:               NoopEvents{},
	}
}

// Table is a Kademlia k-bucket routing table over a fixed holder id.
// A single bucket initially covers the entire id space (bucket 0 covers
// common-prefix-length 0); insertion may split the last bucket when full.
type Table struct {
	holder key.ID
	cfg    Config

	mu      sync.Mutex
	buckets []*kBucket // buckets[i] holds contacts whose CPL with holder is i, except the last which holds CPL >= len(buckets)-1
}

// New constructs a routing table for holder with the given config. A zero
// Config is replaced with DefaultConfig's values field-by-field where
// unset.
func New(holder key.ID, cfg Config) *Table {
	if cfg.K <= 0 {
		cfg.K = DefaultK
	}
	if cfg.ReplacementCacheSize <= 0 {
		cfg.ReplacementCacheSize = DefaultReplacementCacheSize
	}
	if cfg.FailedRPCTolerance <= 0 {
		cfg.FailedRPCTolerance = DefaultFailedRPCTolerance
	}
	if cfg.Events == nil {
		cfg.Events = NoopEvents{}
	}
	t := &Table{
		holder: holder,
		cfg:    cfg,
	}
	t.buckets = []*kBucket{newKBucket(cfg.K, cfg.ReplacementCacheSize)}
	return t
}

// SetEvents installs the events sink the table reports outbound events
// to, replacing whatever was configured at construction. Intended for use
// once, at wiring time — e.g. by a coordinator that must itself exist before
// it can be passed as the table's Events.
func (t *Table) SetEvents(events Events) {
	if events == nil {
		events = NoopEvents{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Events = events
}

// Self returns the holder's own id.
func (t *Table) Self() key.ID {
	return t.holder
}

// bucketIndexLocked returns the index of the bucket that should hold id,
// given the current bucket count. Callers must hold t.mu.
func (t *Table) bucketIndexLocked(id key.ID) int {
	cpl := t.holder.CommonPrefixLength(id)
	if cpl >= len(t.buckets) {
		cpl = len(t.buckets) - 1
	}
	return cpl
}

// AddContact tries to add (or refresh) contact in the table.
// It returns true if the contact is now present in a live bucket slot.
func (t *Table) AddContact(ctx context.Context, contact kad.Contact, rank kad.RankInfo) bool {
	ctx, span := util.StartSpan(ctx, "Table.AddContact", trace.WithAttributes(
		attribute.String("NodeID", contact.NodeID.Hex()),
	))
	defer span.End()

	if contact.NodeID.Equal(t.holder) {
		return false
	}

	var pingEvent *PingOldestContactEvent
	var validateEvent *ValidateContactEvent
	added := false

	t.mu.Lock()
	bid := t.bucketIndexLocked(contact.NodeID)
	bucket := t.buckets[bid]

	if existing := bucket.find(contact.NodeID); existing != nil {
		existing.lastSeen = time.Now()
		existing.rankInfo = rank
		if contact.Version >= existing.contact.Version {
			existing.contact = contact
		}
		bucket.touch(existing)
		added = true
	} else if !bucket.full() {
		e := &entry{
			contact:        contact,
			rankInfo:       rank,
			distanceToSelf: t.holder.CommonPrefixLength(contact.NodeID),
			lastSeen:       time.Now(),
		}
		bucket.insert(e)
		added = true
		validateEvent = &ValidateContactEvent{Contact: contact}
	} else if t.splitLocked(bid) {
		// retry in the (now different) bucket the contact belongs to
		bid = t.bucketIndexLocked(contact.NodeID)
		bucket = t.buckets[bid]
		if !bucket.full() {
			e := &entry{
				contact:        contact,
				rankInfo:       rank,
				distanceToSelf: t.holder.CommonPrefixLength(contact.NodeID),
				lastSeen:       time.Now(),
			}
			bucket.insert(e)
			added = true
			validateEvent = &ValidateContactEvent{Contact: contact}
		}
	} else {
		// bucket is full and not splittable: cache the candidate and ask
		// the coordinator to probe the oldest entry.
		e := &entry{
			contact:        contact,
			rankInfo:       rank,
			distanceToSelf: t.holder.CommonPrefixLength(contact.NodeID),
			lastSeen:       time.Now(),
		}
		bucket.addToCache(e)
		if oldest := bucket.oldest(); oldest != nil {
			pingEvent = &PingOldestContactEvent{
				Oldest:      oldest.contact,
				Replacement: contact,
				RankInfo:    rank,
			}
		}
	}
	t.mu.Unlock()

	if validateEvent != nil {
		t.cfg.Events.OnValidateContact(ctx, *validateEvent)
	}
	if pingEvent != nil {
		t.cfg.Events.OnPingOldestContact(ctx, *pingEvent)
	}

	return added
}

// splitLocked attempts to split the last bucket when bid is the last
// bucket index and the holder's own id would fall past it. Callers must
// hold t.mu. It returns true if a split occurred.
func (t *Table) splitLocked(bid int) bool {
	lastIdx := len(t.buckets) - 1
	if bid != lastIdx {
		// only the last bucket, the one covering the remainder of the
		// keyspace, can ever be split.
		return false
	}
	last := t.buckets[lastIdx]
	if !last.full() {
		return false
	}

	farBucket := newKBucket(t.cfg.K, t.cfg.ReplacementCacheSize)
	closeBucket := newKBucket(t.cfg.K, t.cfg.ReplacementCacheSize)
	for _, e := range last.entries {
		if e.distanceToSelf == lastIdx {
			farBucket.entries = append(farBucket.entries, e)
		} else {
			closeBucket.entries = append(closeBucket.entries, e)
		}
	}
	if len(farBucket.entries) == len(last.entries) {
		// every entry still belongs in this exact bucket: splitting would
		// not make room, so refuse (mirrors simplert's "don't split,
		// discard" case).
		return false
	}
	t.buckets[lastIdx] = farBucket
	t.buckets = append(t.buckets, closeBucket)
	return true
}

// GetCloseContacts returns the count validated contacts with the smallest
// XOR distance to target, excluding any contact whose id appears in
// excludes.
func (t *Table) GetCloseContacts(ctx context.Context, target key.ID, count int, excludes []key.ID) []kad.Contact {
	_, span := util.StartSpan(ctx, "Table.GetCloseContacts")
	defer span.End()

	excluded := make(map[key.ID]struct{}, len(excludes))
	for _, id := range excludes {
		excluded[id] = struct{}{}
	}

	t.mu.Lock()
	all := make([]*entry, 0)
	for _, b := range t.buckets {
		for _, e := range b.entries {
			if !e.validated {
				continue
			}
			if _, skip := excluded[e.contact.NodeID]; skip {
				continue
			}
			all = append(all, e)
		}
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		di := target.Xor(all[i].contact.NodeID)
		dj := target.Xor(all[j].contact.NodeID)
		return di.Compare(dj) < 0
	})

	if count > len(all) {
		count = len(all)
	}
	out := make([]kad.Contact, count)
	for i := 0; i < count; i++ {
		out[i] = all[i].contact
	}
	return out
}

// GetContact looks up a contact by exact id.
func (t *Table) GetContact(id key.ID) (kad.Contact, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bid := t.bucketIndexLocked(id)
	if e := t.buckets[bid].find(id); e != nil {
		return e.contact, true
	}
	return kad.Contact{}, false
}

// SetValidated transitions a contact from pending to live, or drops it if
// valid is false.
func (t *Table) SetValidated(ctx context.Context, id key.ID, valid bool) {
	_, span := util.StartSpan(ctx, "Table.SetValidated", trace.WithAttributes(
		attribute.String("NodeID", id.Hex()),
		attribute.Bool("Valid", valid),
	))
	defer span.End()

	t.mu.Lock()
	bid := t.bucketIndexLocked(id)
	bucket := t.buckets[bid]
	e := bucket.find(id)
	if e == nil {
		t.mu.Unlock()
		return
	}
	if valid {
		e.validated = true
		t.mu.Unlock()
		return
	}
	bucket.remove(id)
	promoted := t.promoteFromCacheLocked(bucket)
	t.mu.Unlock()

	if promoted != nil {
		t.cfg.Events.OnValidateContact(ctx, ValidateContactEvent{Contact: *promoted})
	}
}

// IncrementFailedRPCCount bumps a contact's failure count; beyond
// FailedRPCTolerance the contact is evicted and a cached replacement (if
// any) is promoted into its slot.
func (t *Table) IncrementFailedRPCCount(ctx context.Context, id key.ID) {
	_, span := util.StartSpan(ctx, "Table.IncrementFailedRPCCount", trace.WithAttributes(
		attribute.String("NodeID", id.Hex()),
	))
	defer span.End()

	t.mu.Lock()
	bid := t.bucketIndexLocked(id)
	bucket := t.buckets[bid]
	e := bucket.find(id)
	if e == nil {
		t.mu.Unlock()
		return
	}
	e.failedRPCCount++
	span.AddEvent("failed rpc count incremented")
	var promoted *kad.Contact
	if e.failedRPCCount > t.cfg.FailedRPCTolerance {
		bucket.remove(id)
		promoted = t.promoteFromCacheLocked(bucket)
	}
	t.mu.Unlock()

	if promoted != nil {
		t.cfg.Events.OnValidateContact(ctx, ValidateContactEvent{Contact: *promoted})
	}
}

// promoteFromCacheLocked fills a freshly vacated bucket slot with the most
// recently cached replacement candidate, if any, and returns its contact so
// the caller can route it through the same OnValidateContact pipeline a
// direct AddContact insert uses — a cache-promoted entry starts unvalidated
// too. Callers must hold t.mu.
func (t *Table) promoteFromCacheLocked(bucket *kBucket) *kad.Contact {
	replacement := bucket.popReplacement()
	if replacement == nil || bucket.full() {
		return nil
	}
	bucket.insert(replacement)
	return &replacement.contact
}

// ResolvePingOldest is the coordinator's PingOldestContactCallback: called
// with responded=true to re-stamp the oldest contact's liveness, or
// responded=false to evict it (two failed-RPC increments, reflecting an
// at-least-once-probed eviction rule) and insert ev's replacement in its
// place.
func (t *Table) ResolvePingOldest(ctx context.Context, ev PingOldestContactEvent, responded bool) {
	_, span := util.StartSpan(ctx, "Table.ResolvePingOldest", trace.WithAttributes(
		attribute.Bool("Responded", responded),
	))
	defer span.End()

	t.mu.Lock()

	bid := t.bucketIndexLocked(ev.Oldest.NodeID)
	bucket := t.buckets[bid]
	oldest := bucket.find(ev.Oldest.NodeID)
	if oldest == nil {
		t.mu.Unlock()
		return
	}

	if responded {
		oldest.lastSeen = time.Now()
		bucket.touch(oldest)
		t.mu.Unlock()
		return
	}

	oldest.failedRPCCount += 2
	bucket.remove(ev.Oldest.NodeID)
	replacementBid := t.bucketIndexLocked(ev.Replacement.NodeID)
	replacementBucket := t.buckets[replacementBid]
	inserted := false
	if !replacementBucket.full() {
		replacementBucket.insert(&entry{
			contact:        ev.Replacement,
			rankInfo:       ev.RankInfo,
			distanceToSelf: t.holder.CommonPrefixLength(ev.Replacement.NodeID),
			lastSeen:       time.Now(),
		})
		inserted = true
	}
	t.mu.Unlock()

	if inserted {
		t.cfg.Events.OnValidateContact(ctx, ValidateContactEvent{Contact: ev.Replacement})
	}
}

// UpdateRankInfo updates the transport-supplied rank info for an existing
// contact without otherwise touching its liveness bookkeeping.
func (t *Table) UpdateRankInfo(id key.ID, rank kad.RankInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bid := t.bucketIndexLocked(id)
	if e := t.buckets[bid].find(id); e != nil {
		e.rankInfo = rank
	}
}

// GetLocalRankInfo returns the last known rank info for a contact.
func (t *Table) GetLocalRankInfo(id key.ID) (kad.RankInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bid := t.bucketIndexLocked(id)
	if e := t.buckets[bid].find(id); e != nil {
		return e.rankInfo, true
	}
	return kad.RankInfo{}, false
}

// GetAllContacts returns every contact currently held in any bucket,
// validated or not.
func (t *Table) GetAllContacts() []kad.Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []kad.Contact
	for _, b := range t.buckets {
		for _, e := range b.entries {
			out = append(out, e.contact)
		}
	}
	return out
}

// GetBootstrapContacts returns validated contacts suitable for persisting
// as bootstrap hints at Leave.
func (t *Table) GetBootstrapContacts() []kad.Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []kad.Contact
	for _, b := range t.buckets {
		for _, e := range b.entries {
			if e.validated {
				out = append(out, e.contact)
			}
		}
	}
	return out
}
