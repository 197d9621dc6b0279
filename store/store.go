// Package store implements the DHT's (key, value, signature, ttl) record
// store: signer-bound Store/Delete/Update, tombstone retention, and a
// periodic refresh queue. An in-memory index keyed by record key fronts a
// pluggable ds.Datastore mirror, bounded by an LRU over distinct keys,
// generalized from provider-record semantics to signed, signer-bound,
// TTL'd records with an explicit Refresh/refresh-callback protocol
// instead of a self-driven goroutine (the node coordinator, not the
// store, owns the refresh timer).
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/simplelru"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/kaderr"
	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/util"
)

// DefaultRefreshInterval is kRefreshInterval: records due for
// republication are those whose last refresh is this old.
const DefaultRefreshInterval = time.Hour

// DefaultTombstoneGC is the minimum time a deleted record is retained as a
// tombstone before it may be physically evicted; a tombstone is also kept
// for at least its record's TTL.
const DefaultTombstoneGC = time.Hour

// DefaultMaxKeys bounds the number of distinct record keys an in-memory
// index retains before the LRU evicts the least recently touched one
// (and its values) to the backing datastore.
const DefaultMaxKeys = 65536

// Record is a DataStoreRecord.
type Record struct {
	KVS                 kad.KeyValueSignature
	SigningPublicKeyID  string
	TTL                 time.Duration
	StoredAt            time.Time
	LastRefreshed       time.Time
	TombstonedAt        time.Time // zero iff the record is live
	RequestAndSignature []byte    // opaque original request, forwarded verbatim by StoreRefresh
}

// Expired reports whether r's ttl has elapsed as of now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.StoredAt.Add(r.TTL))
}

// Deleted reports whether r has been tombstoned.
func (r Record) Deleted() bool {
	return !r.TombstonedAt.IsZero()
}

// Config configures a Store.
type Config struct {
	RefreshInterval time.Duration
	TombstoneGC     time.Duration
	Clock           clock.Clock

	// MaxKeys bounds the number of distinct record keys the in-memory
	// index retains; least-recently-touched keys are evicted from memory
	// once the bound is reached (their records remain on Backing). Zero
	// disables the bound.
	MaxKeys int

	// Backing is the durable mirror records are written through to, and
	// reloaded from on construction. Defaults to an in-memory datastore,
	// which makes the mirror a no-op for persistence but still exercises
	// the same write-through path a disk-backed ds.Datastore would.
	Backing ds.Datastore
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return &kaderr.ConfigurationError{Component: "store.Config", Err: fmt.Errorf("refresh interval must be positive")}
	}
	if c.TombstoneGC <= 0 {
		return &kaderr.ConfigurationError{Component: "store.Config", Err: fmt.Errorf("tombstone gc must be positive")}
	}
	if c.MaxKeys < 0 {
		return &kaderr.ConfigurationError{Component: "store.Config", Err: fmt.Errorf("max keys must not be negative")}
	}
	return nil
}

// DefaultConfig returns the store's default tunables.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: DefaultRefreshInterval,
		TombstoneGC:     DefaultTombstoneGC,
		Clock:           clock.New(),
		MaxKeys:         DefaultMaxKeys,
		Backing:         dssync.MutexWrap(ds.NewMapDatastore()),
	}
}

// Store holds signed (key, value, ttl) records, replicated by the lookup
// engine across the k closest peers to each key. A key may have multiple
// live records (distinct values), but all must share one signer. The
// in-memory records map is the hot index consulted by reads; Backing is
// the durable write-through mirror and the source rehydrated from on
// construction.
type Store struct {
	cfg Config

	mu      sync.Mutex
	records map[key.ID]map[string]*Record // key -> value (as map key) -> record
	keys    *lru.LRU                      // bounds distinct keys retained in records; nil iff MaxKeys == 0
}

// New constructs a Store. A zero Config is replaced with DefaultConfig's
// values field-by-field where unset, except MaxKeys: zero there disables
// the key bound.
func New(cfg Config) (*Store, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.TombstoneGC <= 0 {
		cfg.TombstoneGC = DefaultTombstoneGC
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Backing == nil {
		cfg.Backing = dssync.MutexWrap(ds.NewMapDatastore())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, records: make(map[key.ID]map[string]*Record)}
	if cfg.MaxKeys > 0 {
		keys, err := lru.NewLRU(cfg.MaxKeys, s.onKeyEvicted)
		if err != nil {
			return nil, fmt.Errorf("store: new lru: %w", err)
		}
		s.keys = keys
	}
	if err := s.load(context.Background()); err != nil {
		return nil, fmt.Errorf("store: load from backing datastore: %w", err)
	}
	return s, nil
}

func valueMapKey(value []byte) string {
	return string(value)
}

// recordDSKey maps a (key, value) pair to the ds.Key its Record is
// mirrored under in the backing datastore.
func recordDSKey(keyID key.ID, vk string) ds.Key {
	return ds.NewKey("/records/" + keyID.Hex() + "/" + hex.EncodeToString([]byte(vk)))
}

// persist write-throughs rec to the backing datastore. Failures are
// logged via the span and otherwise swallowed: the in-memory records map
// remains authoritative for reads within this process's lifetime, so a
// transient backing-store error only risks losing the mirror, not
// correctness.
func (s *Store) persist(ctx context.Context, keyID key.ID, vk string, rec *Record) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(*rec); err != nil {
		return
	}
	if err := s.cfg.Backing.Put(ctx, recordDSKey(keyID, vk), buf.Bytes()); err != nil {
		trace.SpanFromContext(ctx).AddEvent("backing datastore put failed", trace.WithAttributes(attribute.String("Error", err.Error())))
	}
}

func (s *Store) unpersist(ctx context.Context, keyID key.ID, vk string) {
	_ = s.cfg.Backing.Delete(ctx, recordDSKey(keyID, vk))
}

// onKeyEvicted is the LRU eviction callback: it runs synchronously inside
// s.keys.Add, always called with s.mu already held by the caller, so it
// mutates s.records directly rather than re-entering a Store method.
func (s *Store) onKeyEvicted(k, _ interface{}) {
	delete(s.records, k.(key.ID))
}

// touchKey records keyID as recently used in the bounding LRU, creating
// its tracking entry on first sight of the key. Callers must hold s.mu.
func (s *Store) touchKey(keyID key.ID) {
	if s.keys != nil {
		s.keys.Add(keyID, struct{}{})
	}
}

// load rehydrates the in-memory index from every record mirrored in the
// backing datastore, run once at construction so a restarted node resumes
// serving the records it held before.
func (s *Store) load(ctx context.Context) error {
	results, err := s.cfg.Backing.Query(ctx, dsq.Query{Prefix: "/records"})
	if err != nil {
		return err
	}
	defer results.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for entry := range results.Next() {
		if entry.Error != nil {
			return entry.Error
		}
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(entry.Value)).Decode(&rec); err != nil {
			continue
		}
		byValue := s.records[rec.KVS.Key]
		if byValue == nil {
			byValue = make(map[string]*Record)
			s.records[rec.KVS.Key] = byValue
			s.touchKey(rec.KVS.Key)
		}
		byValue[valueMapKey(rec.KVS.Value)] = &rec
	}
	return nil
}

// Store applies a STORE or STORE_REFRESH to the record keyed by kvs.Key.
// It rejects kvs whose key is already bound, among its live
// records, to a different signer (kSignerMismatch). Storing an
// already-live (key, value) pair again is idempotent: isRefresh requests
// and exact resubmissions alike only bump LastRefreshed. Re-storing a
// tombstoned (key, value) with the exact KVS.Signature bytes the original
// Store carried is rejected (kReplay): because signing is deterministic,
// that signature can only be the original wire message replayed by an
// observer, not a fresh request from the signer, who would have to store
// materially different content to legitimately resurrect a deleted key.
func (s *Store) Store(ctx context.Context, kvs kad.KeyValueSignature, signerID string, requestAndSignature []byte, ttl time.Duration, isRefresh bool) error {
	ctx, span := util.StartSpan(ctx, "Store.Store", trace.WithAttributes(
		attribute.String("Key", kvs.Key.Hex()),
		attribute.Bool("IsRefresh", isRefresh),
	))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	byValue := s.records[kvs.Key]
	for _, existing := range byValue {
		if existing.Deleted() || existing.Expired(now) {
			continue
		}
		if existing.SigningPublicKeyID != signerID {
			span.AddEvent("signer mismatch")
			return kad.ErrSignerMismatch
		}
	}

	if byValue == nil {
		byValue = make(map[string]*Record)
		s.records[kvs.Key] = byValue
		s.touchKey(kvs.Key)
	}
	vk := valueMapKey(kvs.Value)
	if existing, ok := byValue[vk]; ok {
		if !existing.Deleted() {
			existing.LastRefreshed = now
			s.persist(ctx, kvs.Key, vk, existing)
			return nil
		}
		if bytes.Equal(existing.KVS.Signature, kvs.Signature) {
			span.AddEvent("rejected replayed store of tombstoned record")
			return kad.ErrReplay
		}
	}

	rec := &Record{
		KVS:                 kvs,
		SigningPublicKeyID:  signerID,
		TTL:                 ttl,
		StoredAt:            now,
		LastRefreshed:       now,
		RequestAndSignature: requestAndSignature,
	}
	byValue[vk] = rec
	s.persist(ctx, kvs.Key, vk, rec)
	return nil
}

// Delete marks the record matching (key, value) as a tombstone, authorized
// by signature over value from the signer identified by signerID.
// Signature verification against the claimed signer is the caller's
// responsibility (the service layer holds the securifier); Delete records
// signature on the tombstone as its audit trail and enforces signer binding
// against the record it already has on file.
func (s *Store) Delete(ctx context.Context, keyID key.ID, value, signature []byte, signerID string) error {
	ctx, span := util.StartSpan(ctx, "Store.Delete", trace.WithAttributes(attribute.String("Key", keyID.Hex())))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	byValue := s.records[keyID]
	if byValue == nil {
		return kad.ErrKeyNotFound
	}
	vk := valueMapKey(value)
	rec, ok := byValue[vk]
	if !ok || rec.Deleted() {
		return kad.ErrKeyNotFound
	}
	if rec.SigningPublicKeyID != signerID {
		return kad.ErrSignerMismatch
	}
	rec.TombstonedAt = s.cfg.Clock.Now()
	rec.RequestAndSignature = signature
	s.persist(ctx, keyID, vk, rec)
	return nil
}

// Update performs Store(newKVS) followed by Delete(oldKVS), atomically
// with respect to concurrent readers: both mutations happen
// under the store's single lock, so HasKey/GetValues never observe a state
// where only one of the two has applied. As with Delete, verifying
// newKVS.Signature and oldKVS.Signature against signerID is the caller's
// responsibility.
func (s *Store) Update(ctx context.Context, newKVS, oldKVS kad.KeyValueSignature, signerID string, ttl time.Duration) error {
	ctx, span := util.StartSpan(ctx, "Store.Update", trace.WithAttributes(attribute.String("Key", newKVS.Key.Hex())))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	byValue := s.records[newKVS.Key]
	for _, existing := range byValue {
		if existing.Deleted() || existing.Expired(now) {
			continue
		}
		if existing.SigningPublicKeyID != signerID {
			return kad.ErrSignerMismatch
		}
	}

	if byValue == nil {
		byValue = make(map[string]*Record)
		s.records[newKVS.Key] = byValue
		s.touchKey(newKVS.Key)
	}
	vk := valueMapKey(newKVS.Value)
	if existing, ok := byValue[vk]; ok && !existing.Deleted() {
		existing.LastRefreshed = now
		s.persist(ctx, newKVS.Key, vk, existing)
	} else {
		rec := &Record{
			KVS:                newKVS,
			SigningPublicKeyID: signerID,
			TTL:                ttl,
			StoredAt:           now,
			LastRefreshed:      now,
		}
		byValue[vk] = rec
		s.persist(ctx, newKVS.Key, vk, rec)
	}

	if oldByValue := s.records[oldKVS.Key]; oldByValue != nil {
		oldVK := valueMapKey(oldKVS.Value)
		if rec, ok := oldByValue[oldVK]; ok && !rec.Deleted() && rec.SigningPublicKeyID == signerID {
			rec.TombstonedAt = now
			s.persist(ctx, oldKVS.Key, oldVK, rec)
		}
	}
	return nil
}

// HasKey reports whether key has at least one live (non-expired,
// non-deleted) record.
func (s *Store) HasKey(keyID key.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Clock.Now()
	for _, rec := range s.records[keyID] {
		if !rec.Deleted() && !rec.Expired(now) {
			return true
		}
	}
	return false
}

// GetValues returns every live value stored under key.
func (s *Store) GetValues(keyID key.ID) []kad.KeyValueSignature {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Clock.Now()
	var out []kad.KeyValueSignature
	for _, rec := range s.records[keyID] {
		if !rec.Deleted() && !rec.Expired(now) {
			out = append(out, rec.KVS)
		}
	}
	return out
}

// DueRecord is one record Refresh reports as due for republication.
type DueRecord struct {
	Key                key.ID
	KVS                kad.KeyValueSignature
	SigningPublicKeyID string
	TTL                time.Duration
}

// Refresh returns every live record whose last refresh is at least
// RefreshInterval old. The caller republishes each one via the
// lookup engine and calls RefreshDone to update LastRefreshed; a record
// whose republication fails is left untouched and is reported due again
// on the next call.
func (s *Store) Refresh(ctx context.Context) []DueRecord {
	_, span := util.StartSpan(ctx, "Store.Refresh")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	var due []DueRecord
	for k, byValue := range s.records {
		for _, rec := range byValue {
			if rec.Deleted() || rec.Expired(now) {
				continue
			}
			if now.Sub(rec.LastRefreshed) >= s.cfg.RefreshInterval {
				due = append(due, DueRecord{Key: k, KVS: rec.KVS, SigningPublicKeyID: rec.SigningPublicKeyID, TTL: rec.TTL})
			}
		}
	}
	span.SetAttributes(attribute.Int("Due", len(due)))
	return due
}

// RefreshDone marks a record's LastRefreshed as now, following a
// successful republication.
func (s *Store) RefreshDone(keyID key.ID, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vk := valueMapKey(value)
	if byValue := s.records[keyID]; byValue != nil {
		if rec, ok := byValue[vk]; ok {
			rec.LastRefreshed = s.cfg.Clock.Now()
			s.persist(context.Background(), keyID, vk, rec)
		}
	}
}

// GC physically evicts tombstones once both TombstoneGC and the record's
// TTL have passed since deletion, and expired live records once
// TombstoneGC has passed since their last refresh, bounding the store's
// memory growth.
func (s *Store) GC(ctx context.Context) int {
	ctx, span := util.StartSpan(ctx, "Store.GC")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	evicted := 0
	for k, byValue := range s.records {
		for vk, rec := range byValue {
			base := rec.LastRefreshed
			retention := s.cfg.TombstoneGC
			if rec.Deleted() {
				base = rec.TombstonedAt
				if rec.TTL > retention {
					retention = rec.TTL
				}
			}
			cutoff := base.Add(retention)
			if (rec.Deleted() || rec.Expired(now)) && now.After(cutoff) {
				delete(byValue, vk)
				s.unpersist(ctx, k, vk)
				evicted++
			}
		}
		if len(byValue) == 0 {
			delete(s.records, k)
			if s.keys != nil {
				s.keys.Remove(k)
			}
		}
	}
	span.SetAttributes(attribute.Int("Evicted", evicted))
	return evicted
}
