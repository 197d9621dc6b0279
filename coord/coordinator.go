// Package coord implements the node coordinator: lifecycle
// (Join/Leave), the signal wiring between the routing table and the
// securifier/lookup engine, and the two background workers (refresh,
// downlist monitor). Config/Validate follows the clock-injection,
// concurrency/timeout-knobs idiom used throughout this module. Rather than
// an event-driven state machine with an action queue, the coordinator runs
// explicit goroutines and channels: a refresh worker on a ticker and a
// downlist monitor parked on an empty queue, both interruptible by Leave.
// Background-loop failures (a bootstrap attempt falling through to the
// next contact, a store refresh that triggers a downlist report, an
// unresponsive oldest contact) are logged via zap at debug level; the
// transport package logs its own retransmit give-ups at warn level.
package coord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/kaderr"
	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/query"
	"github.com/plprobelab/kadcore/routing"
	"github.com/plprobelab/kadcore/securifier"
	"github.com/plprobelab/kadcore/store"
	"github.com/plprobelab/kadcore/util"
)

// DefaultRefreshPeriod is how often the refresh worker checks the data
// store for due records.
const DefaultRefreshPeriod = 10 * time.Second

// DefaultJoinAttemptTimeout bounds a single bootstrap endpoint's FindNodes
// attempt during Join.
const DefaultJoinAttemptTimeout = 20 * time.Second

// RPCClient is the subset of query.RPCClient the coordinator needs
// directly, for the StoreRefresh RPC the refresh worker issues.
type RPCClient interface {
	query.RPCClient
	StoreRefresh(ctx context.Context, to kad.Contact, req kad.StoreRefreshRequest) error
	Ping(ctx context.Context, to kad.Contact) error
}

// Config configures a Coordinator.
type Config struct {
	Self       key.ID
	ClientOnly bool // true if this node never listens for inbound RPCs
	Listening  bool // true once the transport is accepting inbound connections

	K     int
	Alpha int
	Beta  int

	RefreshPeriod      time.Duration
	JoinAttemptTimeout time.Duration

	Clock  clock.Clock
	Logger *zap.Logger

	// HintStore persists bootstrap hints across restarts: Leave writes the
	// surviving routing table to it, and Join falls back to reading it
	// when called with an empty bootstrap list. Nil disables persistence
	// entirely — Join then fails outright on an empty list, and Leave's
	// hints are only returned to the caller, never written anywhere.
	HintStore BootstrapHintStore
}

// Validate checks the configuration.
func (cfg *Config) Validate() error {
	if cfg.Clock == nil {
		return &kaderr.ConfigurationError{Component: "coord.Config", Err: fmt.Errorf("clock must not be nil")}
	}
	if cfg.RefreshPeriod <= 0 {
		return &kaderr.ConfigurationError{Component: "coord.Config", Err: fmt.Errorf("refresh period must be positive")}
	}
	if cfg.JoinAttemptTimeout <= 0 {
		return &kaderr.ConfigurationError{Component: "coord.Config", Err: fmt.Errorf("join attempt timeout must be positive")}
	}
	return nil
}

// DefaultConfig returns the coordinator's default tunables.
func DefaultConfig() Config {
	return Config{
		K: routing.DefaultK, Alpha: 3, Beta: 2,
		RefreshPeriod:      DefaultRefreshPeriod,
		JoinAttemptTimeout: DefaultJoinAttemptTimeout,
		Clock:              clock.New(),
		Logger:             zap.NewNop(),
	}
}

// Coordinator holds node lifecycle, wires the routing table's events to
// their handlers, and runs the refresh worker and downlist monitor.
type Coordinator struct {
	cfg    Config
	table  *routing.Table
	dstore *store.Store
	engine *query.Engine
	rpc    RPCClient
	sec    securifier.Securifier
	hints  BootstrapHintStore

	mu       sync.Mutex
	joined   bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	downlistMu   sync.Mutex
	downlistCond *sync.Cond
	downlist     []key.ID
}

// New constructs a Coordinator wired to its collaborators. The routing
// table's events (PingOldestContact, ValidateContact) and the lookup
// engine's downlist reports are connected here, at construction, rather
// than through runtime connect/disconnect calls.
func New(cfg Config, table *routing.Table, dstore *store.Store, rpc RPCClient, sec securifier.Securifier) (*Coordinator, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RefreshPeriod <= 0 {
		cfg.RefreshPeriod = DefaultRefreshPeriod
	}
	if cfg.JoinAttemptTimeout <= 0 {
		cfg.JoinAttemptTimeout = DefaultJoinAttemptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:    cfg,
		table:  table,
		dstore: dstore,
		rpc:    rpc,
		sec:    sec,
		hints:  cfg.HintStore,
	}
	c.downlistCond = sync.NewCond(&c.downlistMu)
	table.SetEvents(c)

	engine, err := query.New(cfg.Self, query.Config{K: cfg.K, Alpha: cfg.Alpha, Beta: cfg.Beta, Clock: cfg.Clock}, rpc, table, c)
	if err != nil {
		return nil, err
	}
	c.engine = engine

	return c, nil
}

// Engine exposes the lookup engine so callers (the Node facade) can issue
// FindNodes/FindValue/Store/Delete/Update directly.
func (c *Coordinator) Engine() *query.Engine { return c.engine }

// OnPingOldestContact implements routing.Events by pinging the oldest
// contact via a PING RPC and resolving the routing table's request with
// the outcome.
func (c *Coordinator) OnPingOldestContact(ctx context.Context, ev routing.PingOldestContactEvent) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.rpc.Ping(ctx, ev.Oldest)
		if err != nil {
			c.cfg.Logger.Debug("coord: oldest contact unresponsive, evicting",
				zap.Stringer("contact", ev.Oldest.NodeID), zap.Error(err))
		}
		c.table.ResolvePingOldest(ctx, ev, err == nil)
	}()
}

// OnValidateContact implements routing.Events by resolving the contact's
// public key via the securifier and feeding the outcome back into the
// routing table.
func (c *Coordinator) OnValidateContact(ctx context.Context, ev routing.ValidateContactEvent) {
	c.sec.GetPublicKeyAndValidation(ctx, ev.Contact.PublicKeyID, func(der []byte, v securifier.Validation) {
		c.table.SetValidated(ctx, ev.Contact.NodeID, v == securifier.ValidationOK)
	})
}

// OnReportDownContact implements query.Events by enqueuing the contact on
// the downlist.
func (c *Coordinator) OnReportDownContact(ctx context.Context, contact kad.Contact) {
	c.downlistMu.Lock()
	c.downlist = append(c.downlist, contact.NodeID)
	c.downlistMu.Unlock()
	c.downlistCond.Signal()
}

// Join bootstraps the routing table against bootstrap
// "Join". cb is invoked exactly once, with nil on success or the failure
// reason otherwise.
func (c *Coordinator) Join(ctx context.Context, bootstrap []kad.Contact, cb func(error)) {
	ctx, span := util.StartSpan(ctx, "Coordinator.Join", trace.WithAttributes(attribute.Int("Bootstrap", len(bootstrap))))
	defer span.End()

	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		cb(kad.ErrAlreadyJoined)
		return
	}
	if c.cfg.ClientOnly == false && !c.cfg.Listening {
		c.mu.Unlock()
		cb(kad.ErrNoListeningPort)
		return
	}
	c.mu.Unlock()

	if len(bootstrap) == 0 {
		if c.hints == nil {
			cb(kad.ErrBootstrapEmpty)
			return
		}
		hinted, err := c.hints.Load()
		if err != nil {
			c.cfg.Logger.Debug("coord: loading bootstrap hints failed", zap.Error(err))
		}
		if len(hinted) == 0 {
			cb(kad.ErrNoBootstrapContacts)
			return
		}
		span.AddEvent("falling back to persisted bootstrap hints", trace.WithAttributes(attribute.Int("Hints", len(hinted))))
		bootstrap = hinted
	}

	if len(bootstrap) == 1 && bootstrap[0].NodeID.Equal(c.cfg.Self) {
		c.completeJoin()
		cb(nil)
		return
	}

	ordered := make([]kad.Contact, len(bootstrap))
	copy(ordered, bootstrap)
	sort.Slice(ordered, func(i, j int) bool {
		di := c.cfg.Self.Xor(ordered[i].NodeID)
		dj := c.cfg.Self.Xor(ordered[j].NodeID)
		return di.Compare(dj) < 0
	})

	c.attemptJoin(ctx, ordered, 0, cb)
}

// attemptJoin tries FindNodes(self) against ordered[i] and, on failure,
// recurses to ordered[i+1], walking the bootstrap list one at a time, in
// order, until one succeeds.
func (c *Coordinator) attemptJoin(ctx context.Context, ordered []kad.Contact, i int, cb func(error)) {
	if i >= len(ordered) {
		cb(kad.ErrNoBootstrapContacts)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.JoinAttemptTimeout)
	defer cancel()

	contacts, err := c.engine.FindNodes(attemptCtx, c.cfg.Self, []kad.Contact{ordered[i]})
	if err == nil && len(contacts) == 0 {
		// No contact answered: the lookup ran out of candidates.
		err = kad.ErrRemoteUnreachable
	}
	if err != nil {
		c.cfg.Logger.Debug("coord: bootstrap attempt failed, trying next contact",
			zap.Stringer("contact", ordered[i].NodeID), zap.Int("remaining", len(ordered)-i-1), zap.Error(err))
		c.attemptJoin(ctx, ordered, i+1, cb)
		return
	}

	c.completeJoin()
	cb(nil)
}

// completeJoin marks the node joined and starts the background workers.
func (c *Coordinator) completeJoin() {
	c.mu.Lock()
	c.joined = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(2)
	go c.refreshWorker()
	go c.downlistMonitor()
}

// Joined reports whether the coordinator has completed Join and not since
// Leave.
func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

// Leave atomically clears the joined flag, interrupts the worker threads,
// writes the surviving validated contacts to the configured HintStore (if
// any), and returns them to the caller too.
func (c *Coordinator) Leave() []kad.Contact {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	stopCh := c.stopCh
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(stopCh) })
	c.downlistCond.Broadcast() // wake the parked downlist monitor so it observes stopCh
	c.wg.Wait()
	c.stopOnce = sync.Once{}

	hints := c.table.GetBootstrapContacts()
	if c.hints != nil {
		if err := c.hints.Save(hints); err != nil {
			c.cfg.Logger.Debug("coord: saving bootstrap hints failed", zap.Error(err))
		}
	}
	return hints
}

// refreshWorker republishes due records every RefreshPeriod. A failed republication to a contact feeds it into the
// downlist.
func (c *Coordinator) refreshWorker() {
	defer c.wg.Done()
	ticker := c.cfg.Clock.Ticker(c.cfg.RefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.runRefreshPass()
		}
	}
}

func (c *Coordinator) runRefreshPass() {
	ctx, span := util.StartSpan(context.Background(), "Coordinator.runRefreshPass")
	defer span.End()

	due := c.dstore.Refresh(ctx)
	for _, rec := range due {
		contacts, err := c.engine.FindNodes(ctx, rec.Key, nil)
		if err != nil {
			continue
		}
		req := kad.StoreRefreshRequest{
			OriginalRequest: kad.StoreRequest{KVS: rec.KVS, TTLSeconds: int64(rec.TTL / time.Second), SigningPublicKeyID: rec.SigningPublicKeyID},
			Signature:       rec.KVS.Signature,
		}
		anyOK := false
		for _, contact := range contacts {
			if contact.NodeID.Equal(c.cfg.Self) {
				continue
			}
			if err := c.rpc.StoreRefresh(ctx, contact, req); err != nil {
				c.cfg.Logger.Debug("coord: store refresh failed, reporting contact down",
					zap.Stringer("contact", contact.NodeID), zap.Stringer("key", rec.Key), zap.Error(err))
				c.OnReportDownContact(ctx, contact)
				continue
			}
			anyOK = true
		}
		if anyOK {
			c.dstore.RefreshDone(rec.Key, rec.KVS.Value)
		}
	}
}

// downlistMonitor blocks on downlistCond while the queue is empty and
// drains it otherwise. The outbound
// propagation of this queue to the k-closest peers is left as an
// extension point; this implementation
// maintains the queue's mechanics (enqueue via OnReportDownContact, drain
// here) without broadcasting it.
func (c *Coordinator) downlistMonitor() {
	defer c.wg.Done()
	for {
		c.downlistMu.Lock()
		for len(c.downlist) == 0 {
			select {
			case <-c.stopCh:
				c.downlistMu.Unlock()
				return
			default:
			}
			c.downlistCond.Wait()
		}
		select {
		case <-c.stopCh:
			c.downlistMu.Unlock()
			return
		default:
		}
		entries := c.downlist
		c.downlist = nil
		c.downlistMu.Unlock()

		for _, id := range entries {
			c.table.IncrementFailedRPCCount(context.Background(), id)
		}
	}
}

// DownlistLen returns the number of entries currently queued in the
// downlist, for tests and diagnostics.
func (c *Coordinator) DownlistLen() int {
	c.downlistMu.Lock()
	defer c.downlistMu.Unlock()
	return len(c.downlist)
}
