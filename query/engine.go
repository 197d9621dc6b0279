package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/kaderr"
	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/util"
)

// RPCClient is the lookup engine's outbound view of the transport: it
// issues one RPC to one contact and returns its decoded result, or
// a transport-layer error that the engine turns into a kDown transition.
// Implementations are expected to honour ctx's deadline and report
// ErrTimedOut-wrapping errors on expiry.
type RPCClient interface {
	FindNodes(ctx context.Context, to kad.Contact, target key.ID) (kad.FindNodesResponse, error)
	FindValue(ctx context.Context, to kad.Contact, target key.ID) (kad.FindValueResponse, error)
	Store(ctx context.Context, to kad.Contact, req kad.StoreRequest) error
	Delete(ctx context.Context, to kad.Contact, req kad.DeleteRequest) error
}

// RoutingTable is the subset of routing.Table the engine needs: seeding a
// lookup from local knowledge and feeding back contacts it successfully
// talked to.
type RoutingTable interface {
	GetCloseContacts(ctx context.Context, target key.ID, count int, excludes []key.ID) []kad.Contact
	AddContact(ctx context.Context, contact kad.Contact, rank kad.RankInfo) bool
	IncrementFailedRPCCount(ctx context.Context, id key.ID)
}

// Events is the lookup engine's outbound event sink.
type Events interface {
	// OnReportDownContact fires for every candidate whose RPC failed or
	// timed out, feeding the coordinator's downlist queue.
	OnReportDownContact(ctx context.Context, contact kad.Contact)
}

// NoopEvents discards every event.
type NoopEvents struct{}

func (NoopEvents) OnReportDownContact(context.Context, kad.Contact) {}

// Config configures an Engine.
type Config struct {
	K     int // closeness / replication factor
	Alpha int // parallelism
	Beta  int // early-termination count, Beta <= Alpha
	Clock clock.Clock
}

// Threshold returns ceil(3k/4), the success quorum for mutating operations.
func (c Config) Threshold() int {
	return (3*c.K + 3) / 4
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.K < 1 {
		return &kaderr.ConfigurationError{Component: "query.Config", Err: fmt.Errorf("k must be greater than zero")}
	}
	if c.Alpha < 1 {
		return &kaderr.ConfigurationError{Component: "query.Config", Err: fmt.Errorf("alpha must be greater than zero")}
	}
	if c.Beta < 1 || c.Beta > c.Alpha {
		return &kaderr.ConfigurationError{Component: "query.Config", Err: fmt.Errorf("beta must be in [1, alpha]")}
	}
	return nil
}

// DefaultConfig returns the typical Kademlia parameters.
func DefaultConfig() Config {
	return Config{K: 20, Alpha: 3, Beta: 2, Clock: clock.New()}
}

// Engine is the iterative lookup engine: a single piece of
// search machinery, parameterised by operation type, that drives
// FIND_NODE, FIND_VALUE, STORE, DELETE and UPDATE.
type Engine struct {
	self  key.ID
	cfg   Config
	rpc   RPCClient
	table RoutingTable
	ev    Events
}

// New constructs an Engine. self is excluded from every lookup's results.
func New(self key.ID, cfg Config, rpc RPCClient, table RoutingTable, ev Events) (*Engine, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if ev == nil {
		ev = NoopEvents{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{self: self, cfg: cfg, rpc: rpc, table: table, ev: ev}, nil
}

// seed initialises a candidate set from the local routing table's k
// closest to target plus any explicitly supplied bootstrap contacts.
func (e *Engine) seed(ctx context.Context, target key.ID, bootstrap []kad.Contact) *CandidateSet {
	cs := NewCandidateSet(target)
	for _, c := range e.table.GetCloseContacts(ctx, target, e.cfg.K, []key.ID{e.self}) {
		cs.AddIfNew(c)
	}
	for _, c := range bootstrap {
		if !c.NodeID.Equal(e.self) {
			cs.AddIfNew(c)
		}
	}
	return cs
}

// dispatchFunc issues one RPC to a single contact selected by the
// iteration driver and reports what it learnt: newly discovered contacts
// to merge into the candidate set, any values found (FIND_VALUE only), an
// alternative store holder (FIND_VALUE only), and whether the response
// should short-circuit the whole lookup.
type dispatchFunc func(ctx context.Context, to kad.Contact) (newContacts []kad.Contact, values []kad.KeyValueSignature, altStore *kad.Contact, shortCircuit bool, err error)

// roundResult is one dispatch's outcome, delivered back to the driving
// goroutine over a channel.
type roundResult struct {
	id           key.ID
	newContacts  []kad.Contact
	values       []kad.KeyValueSignature
	altStore     *kad.Contact
	shortCircuit bool
	err          error
}

// iterate runs the α/β-parallel convergence loop over cs until called-back:
// either a dispatch short-circuits (FIND_VALUE hit), or no kNew candidates
// remain and no dispatch is still in flight. It returns the delivered
// values/altStore (if any short-circuited) or nil if the lookup converged
// without one.
func (e *Engine) iterate(ctx context.Context, cs *CandidateSet, dispatch dispatchFunc) (values []kad.KeyValueSignature, altStore *kad.Contact, err error) {
	results := make(chan roundResult, e.cfg.Alpha)
	inFlight := 0

	launch := func(ids []key.ID) {
		for _, id := range ids {
			contact, ok := cs.Contact(id)
			if !ok {
				continue
			}
			inFlight++
			go func(id key.ID, contact kad.Contact) {
				nc, vals, alt, short, derr := dispatch(ctx, contact)
				select {
				case results <- roundResult{id: id, newContacts: nc, values: vals, altStore: alt, shortCircuit: short, err: derr}:
				case <-ctx.Done():
				}
			}(id, contact)
		}
	}

	handle := func(r roundResult) (shortCircuited bool) {
		inFlight--
		if r.err != nil {
			cs.MarkDown(r.id)
			if contact, ok := cs.Contact(r.id); ok {
				e.ev.OnReportDownContact(ctx, contact)
				e.table.IncrementFailedRPCCount(ctx, r.id)
			}
			return false
		}
		cs.MarkContacted(r.id)
		if contact, ok := cs.Contact(r.id); ok {
			e.table.AddContact(ctx, contact, kad.RankInfo{})
		}
		for _, nc := range r.newContacts {
			if !nc.NodeID.Equal(e.self) {
				cs.AddIfNew(nc)
			}
		}
		if r.shortCircuit {
			values = r.values
			altStore = r.altStore
			return true
		}
		return false
	}

	launched := cs.SelectAlpha(e.cfg.Alpha)
	launch(launched)

	for {
		// Called back iff no kNew candidates remain among the k closest and
		// nothing is still pending: scoped to the top-k, not to whatever
		// SelectAlpha last happened to pick (SelectAlpha draws from every
		// kNew candidate in the set, not just the top-k, so an empty
		// `launched` doesn't by itself mean the top-k is exhausted).
		if cs.Snapshot(e.cfg.K).NumNewTop == 0 && inFlight == 0 {
			return nil, nil, nil
		}

		// Wait for at least (launched - beta) of this round's dispatches,
		// then fold any still-outstanding ones into the next wait: the
		// current iteration is done once num_pending_round <= alpha - beta,
		// expressed directly over the in-flight count rather than
		// re-polling Snapshot after every response.
		need := len(launched) - e.cfg.Beta
		if need < 0 {
			need = 0
		}
		received := 0
		for received < need || (len(launched) == 0 && inFlight > 0) {
			select {
			case r := <-results:
				received++
				if handle(r) {
					return values, altStore, nil
				}
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		}

		st := cs.Snapshot(e.cfg.K)
		if st.NumCandidatesTopK == e.cfg.K && st.NumPendingTotal > 0 {
			// Backpressure: the top-k are all contacted or
			// pending; wait for outstanding responses rather than
			// launching a round that could only pick candidates outside
			// the top-k.
			select {
			case r := <-results:
				handle(r)
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			continue
		}

		launched = cs.SelectAlpha(e.cfg.Alpha)
		launch(launched)
	}
}

// FindNodes performs an iterative FIND_NODE lookup for target, returning
// the k closest contacted contacts.
func (e *Engine) FindNodes(ctx context.Context, target key.ID, bootstrap []kad.Contact) ([]kad.Contact, error) {
	ctx, span := util.StartSpan(ctx, "Engine.FindNodes", trace.WithAttributes(attribute.String("Target", target.Hex())))
	defer span.End()

	cs := e.seed(ctx, target, bootstrap)
	dispatch := func(ctx context.Context, to kad.Contact) ([]kad.Contact, []kad.KeyValueSignature, *kad.Contact, bool, error) {
		resp, err := e.rpc.FindNodes(ctx, to, target)
		if err != nil {
			return nil, nil, nil, false, err
		}
		return resp.Contacts, nil, nil, false, nil
	}
	if _, _, err := e.iterate(ctx, cs, dispatch); err != nil {
		return nil, err
	}
	return cs.ClosestInState(e.cfg.K, StateContacted), nil
}

// FindValueOutcome is a typed sum, used in place of an overloaded integer
// response code: exactly one of FindValueFound, FindValueClosest or
// FindValueAlternativeStore is returned, via unexported marker methods.
type FindValueOutcome interface {
	findValueOutcome()
}

// FindValueFound is returned when the lookup located the key directly.
type FindValueFound struct {
	Values []kad.KeyValueSignature
}

// FindValueClosest is returned when no peer held the value; Contacts is
// the k closest contacted peers to the key.
type FindValueClosest struct {
	Contacts []kad.Contact
}

// FindValueAlternativeStore is returned when a contacted peer doesn't hold
// the value itself but named a peer running an alternative store for it:
// the lookup short-circuits without continuing iteration.
type FindValueAlternativeStore struct {
	Holder kad.Contact
}

func (FindValueFound) findValueOutcome()            {}
func (FindValueClosest) findValueOutcome()          {}
func (FindValueAlternativeStore) findValueOutcome() {}

// FindValue performs an iterative FIND_VALUE lookup for target.
func (e *Engine) FindValue(ctx context.Context, target key.ID, bootstrap []kad.Contact) (FindValueOutcome, error) {
	ctx, span := util.StartSpan(ctx, "Engine.FindValue", trace.WithAttributes(attribute.String("Target", target.Hex())))
	defer span.End()

	cs := e.seed(ctx, target, bootstrap)
	dispatch := func(ctx context.Context, to kad.Contact) ([]kad.Contact, []kad.KeyValueSignature, *kad.Contact, bool, error) {
		resp, err := e.rpc.FindValue(ctx, to, target)
		if err != nil {
			return nil, nil, nil, false, err
		}
		if len(resp.Values) > 0 {
			return nil, resp.Values, nil, true, nil
		}
		if resp.AlternativeStoreHolder != nil {
			return nil, nil, resp.AlternativeStoreHolder, true, nil
		}
		return resp.Contacts, nil, nil, false, nil
	}
	values, altStore, err := e.iterate(ctx, cs, dispatch)
	if err != nil {
		return nil, err
	}
	if values != nil {
		return FindValueFound{Values: values}, nil
	}
	if altStore != nil {
		return FindValueAlternativeStore{Holder: *altStore}, nil
	}
	return FindValueClosest{Contacts: cs.ClosestInState(e.cfg.K, StateContacted)}, nil
}

// MutateResult is the outcome of a STORE/DELETE/UPDATE fan-out: NumOK is
// the number of destinations that acknowledged success, replacing the
// source's overloaded "-2 on quorum failure" convention.
type MutateResult struct {
	NumOK   int
	NumDown int
}

// Store performs FIND_NODE(key) to locate candidates, then fans the STORE
// RPC out to every contact the lookup delivers, applying the quorum and
// rollback rules for mutating operations.
func (e *Engine) Store(ctx context.Context, kvs kad.KeyValueSignature, ttlSeconds int64, signingPublicKeyID string, bootstrap []kad.Contact) (MutateResult, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Store", trace.WithAttributes(attribute.String("Key", kvs.Key.Hex())))
	defer span.End()

	destinations, err := e.FindNodes(ctx, kvs.Key, bootstrap)
	if err != nil {
		return MutateResult{}, err
	}
	if len(destinations) < e.cfg.Threshold() {
		return MutateResult{}, kad.ErrNotEnoughContacts
	}

	req := kad.StoreRequest{KVS: kvs, TTLSeconds: ttlSeconds, SigningPublicKeyID: signingPublicKeyID}
	result, stored, _ := e.mutateFanOut(ctx, destinations, func(ctx context.Context, to kad.Contact) error {
		return e.rpc.Store(ctx, to, req)
	})

	if result.NumOK < e.cfg.Threshold() {
		// Rollback.
		delReq := kad.DeleteRequest{Key: kvs.Key, Value: kvs.Value, Signature: kvs.Signature, SigningPublicKeyID: signingPublicKeyID}
		for _, to := range stored {
			_ = e.rpc.Delete(ctx, to, delReq)
		}
		return result, kad.ErrNotEnoughStores
	}
	return result, nil
}

// Delete fans a DELETE RPC out to the k closest contacts to key, without
// rollback.
func (e *Engine) Delete(ctx context.Context, keyID key.ID, value, signature []byte, signingPublicKeyID string, bootstrap []kad.Contact) (MutateResult, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Delete", trace.WithAttributes(attribute.String("Key", keyID.Hex())))
	defer span.End()

	destinations, err := e.FindNodes(ctx, keyID, bootstrap)
	if err != nil {
		return MutateResult{}, err
	}
	if len(destinations) < e.cfg.Threshold() {
		return MutateResult{}, kad.ErrNotEnoughContacts
	}

	req := kad.DeleteRequest{Key: keyID, Value: value, Signature: signature, SigningPublicKeyID: signingPublicKeyID}
	result, _, _ := e.mutateFanOut(ctx, destinations, func(ctx context.Context, to kad.Contact) error {
		return e.rpc.Delete(ctx, to, req)
	})
	if result.NumOK < e.cfg.Threshold() {
		return result, kad.ErrNotEnoughStores
	}
	return result, nil
}

// Update performs STORE(newKVS) followed by, for every destination that
// stored successfully, DELETE(oldKVS). A destination
// for which the STORE failed receives no DELETE and is counted as down.
func (e *Engine) Update(ctx context.Context, newKVS, oldKVS kad.KeyValueSignature, ttlSeconds int64, signingPublicKeyID string, bootstrap []kad.Contact) (MutateResult, error) {
	ctx, span := util.StartSpan(ctx, "Engine.Update", trace.WithAttributes(attribute.String("Key", newKVS.Key.Hex())))
	defer span.End()

	destinations, err := e.FindNodes(ctx, newKVS.Key, bootstrap)
	if err != nil {
		return MutateResult{}, err
	}
	if len(destinations) < e.cfg.Threshold() {
		return MutateResult{}, kad.ErrNotEnoughContacts
	}

	storeReq := kad.StoreRequest{KVS: newKVS, TTLSeconds: ttlSeconds, SigningPublicKeyID: signingPublicKeyID}
	result, stored, _ := e.mutateFanOut(ctx, destinations, func(ctx context.Context, to kad.Contact) error {
		return e.rpc.Store(ctx, to, storeReq)
	})
	if result.NumOK < e.cfg.Threshold() {
		delReq := kad.DeleteRequest{Key: newKVS.Key, Value: newKVS.Value, Signature: newKVS.Signature, SigningPublicKeyID: signingPublicKeyID}
		for _, to := range stored {
			_ = e.rpc.Delete(ctx, to, delReq)
		}
		return result, kad.ErrNotEnoughStores
	}

	delReq := kad.DeleteRequest{Key: oldKVS.Key, Value: oldKVS.Value, Signature: oldKVS.Signature, SigningPublicKeyID: signingPublicKeyID}
	for _, to := range stored {
		_ = e.rpc.Delete(ctx, to, delReq)
	}
	return result, nil
}

// mutateFanOut dispatches call to every destination concurrently and waits
// for all of them to complete before returning. A true early-exit the
// moment the quorum becomes decidable either way is possible but isn't
// implemented here; calledBack records when that moment was first
// reached, for a future caller that wants to react to it without waiting
// on stragglers. It returns the final tally plus the subset of
// destinations that succeeded, needed for STORE/UPDATE rollback.
func (e *Engine) mutateFanOut(ctx context.Context, destinations []kad.Contact, call func(ctx context.Context, to kad.Contact) error) (MutateResult, []kad.Contact, bool) {
	type outcome struct {
		to  kad.Contact
		err error
	}
	results := make(chan outcome, len(destinations))
	for _, to := range destinations {
		go func(to kad.Contact) {
			results <- outcome{to: to, err: call(ctx, to)}
		}(to)
	}

	threshold := e.cfg.Threshold()
	downTolerance := e.cfg.K - threshold

	var mr MutateResult
	var succeeded []kad.Contact
	calledBack := false
	var mu sync.Mutex

	for i := 0; i < len(destinations); i++ {
		o := <-results
		mu.Lock()
		if o.err != nil {
			mr.NumDown++
			e.ev.OnReportDownContact(ctx, o.to)
		} else {
			mr.NumOK++
			succeeded = append(succeeded, o.to)
		}
		if !calledBack {
			if mr.NumOK >= threshold {
				calledBack = true
			} else if mr.NumDown > downTolerance {
				calledBack = true
			}
		}
		mu.Unlock()
	}
	return mr, succeeded, calledBack
}
