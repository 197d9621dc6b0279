package coord

import (
	"context"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/plprobelab/kadcore/internal/testutil"
	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/routing"
	"github.com/plprobelab/kadcore/securifier"
	"github.com/plprobelab/kadcore/store"
)

// coordFakeRPC answers FindNodes/StoreRefresh per canned, per-contact
// responses; FindValue and Delete are unused by the coordinator and stub
// out to satisfy RPCClient.
type coordFakeRPC struct {
	mu sync.Mutex

	findNodesBlock    map[key.ID]bool
	findNodesErr      map[key.ID]error
	findNodesContacts map[key.ID][]kad.Contact

	storeRefreshFails map[key.ID]bool
	storeRefreshCalls []key.ID

	pingErr map[key.ID]error
}

func newCoordFakeRPC() *coordFakeRPC {
	return &coordFakeRPC{
		findNodesBlock:    make(map[key.ID]bool),
		findNodesErr:      make(map[key.ID]error),
		findNodesContacts: make(map[key.ID][]kad.Contact),
		storeRefreshFails: make(map[key.ID]bool),
		pingErr:           make(map[key.ID]error),
	}
}

func (f *coordFakeRPC) FindNodes(ctx context.Context, to kad.Contact, target key.ID) (kad.FindNodesResponse, error) {
	f.mu.Lock()
	block := f.findNodesBlock[to.NodeID]
	err := f.findNodesErr[to.NodeID]
	contacts := f.findNodesContacts[to.NodeID]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return kad.FindNodesResponse{}, ctx.Err()
	}
	if err != nil {
		return kad.FindNodesResponse{}, err
	}
	return kad.FindNodesResponse{Contacts: contacts}, nil
}

func (f *coordFakeRPC) FindValue(ctx context.Context, to kad.Contact, target key.ID) (kad.FindValueResponse, error) {
	return kad.FindValueResponse{}, nil
}

func (f *coordFakeRPC) Store(ctx context.Context, to kad.Contact, req kad.StoreRequest) error {
	return nil
}

func (f *coordFakeRPC) Delete(ctx context.Context, to kad.Contact, req kad.DeleteRequest) error {
	return nil
}

func (f *coordFakeRPC) Ping(ctx context.Context, to kad.Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr[to.NodeID]
}

func (f *coordFakeRPC) StoreRefresh(ctx context.Context, to kad.Contact, req kad.StoreRefreshRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeRefreshCalls = append(f.storeRefreshCalls, to.NodeID)
	if f.storeRefreshFails[to.NodeID] {
		return kad.ErrTimedOut
	}
	return nil
}

// fakeSecurifier always resolves every signer id to a public key and
// reports the configured validation outcome (ValidationOK by default),
// independent of any real RSA material.
type fakeSecurifier struct {
	id string

	mu      sync.Mutex
	outcome securifier.Validation
}

func newFakeSecurifier(id string) *fakeSecurifier {
	return &fakeSecurifier{id: id, outcome: securifier.ValidationOK}
}

func (f *fakeSecurifier) setOutcome(v securifier.Validation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcome = v
}

func (f *fakeSecurifier) Sign(message []byte) ([]byte, error) { return message, nil }
func (f *fakeSecurifier) AsymSign(message []byte, priv *rsa.PrivateKey) ([]byte, error) {
	return message, nil
}
func (f *fakeSecurifier) Validate(ctx context.Context, message, signature []byte, signerID string, publicKeyDER []byte, validation securifier.Validation) bool {
	return validation == securifier.ValidationOK
}

func (f *fakeSecurifier) GetPublicKeyAndValidation(ctx context.Context, signerID string, cb securifier.GetPublicKeyAndValidationCallback) {
	f.mu.Lock()
	outcome := f.outcome
	f.mu.Unlock()
	cb([]byte("pub:"+signerID), outcome)
}

func (f *fakeSecurifier) PublicKeyID() string   { return f.id }
func (f *fakeSecurifier) PublicKeyDER() []byte  { return []byte("pub:" + f.id) }
func (f *fakeSecurifier) SelfSignature() []byte { return []byte("selfsig:" + f.id) }

func newTestCoordinator(t *testing.T, self key.ID, mock *clock.Mock, rpc RPCClient, sec securifier.Securifier, cfgOverride func(*Config)) (*Coordinator, *routing.Table, *store.Store) {
	table := routing.New(self, routing.Config{})
	dstore, err := store.New(store.Config{RefreshInterval: time.Hour, TombstoneGC: time.Hour, Clock: mock})
	require.NoError(t, err)

	cfg := Config{
		Self: self, ClientOnly: true,
		K: 20, Alpha: 3, Beta: 2,
		RefreshPeriod:      time.Hour,
		JoinAttemptTimeout: time.Second,
		Clock:              mock,
	}
	if cfgOverride != nil {
		cfgOverride(&cfg)
	}
	c, err := New(cfg, table, dstore, rpc, sec)
	require.NoError(t, err)
	return c, table, dstore
}

func TestCoordinatorJoinRejectsEmptyBootstrap(t *testing.T) {
	r := testutil.NewRand(1)
	self := testutil.RandomID(r)
	mock := clock.NewMock()
	c, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), nil)

	var got error
	done := make(chan struct{})
	c.Join(context.Background(), nil, func(err error) { got = err; close(done) })
	<-done
	require.ErrorIs(t, got, kad.ErrBootstrapEmpty)
	require.False(t, c.Joined())
}

func TestCoordinatorJoinRejectsEmptyBootstrapWithEmptyHintStore(t *testing.T) {
	r := testutil.NewRand(30)
	self := testutil.RandomID(r)
	mock := clock.NewMock()
	hints := &InMemoryBootstrapHintStore{}
	c, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), func(cfg *Config) {
		cfg.HintStore = hints
	})

	var got error
	done := make(chan struct{})
	c.Join(context.Background(), nil, func(err error) { got = err; close(done) })
	<-done
	require.ErrorIs(t, got, kad.ErrNoBootstrapContacts)
	require.False(t, c.Joined())
}

func TestCoordinatorJoinFallsBackToHintStore(t *testing.T) {
	r := testutil.NewRand(31)
	self := testutil.RandomID(r)
	mock := clock.NewMock()
	hints := &InMemoryBootstrapHintStore{Contacts: []kad.Contact{{NodeID: self}}}
	c, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), func(cfg *Config) {
		cfg.HintStore = hints
	})

	var got error
	done := make(chan struct{})
	c.Join(context.Background(), nil, func(err error) { got = err; close(done) })
	<-done
	require.NoError(t, got)
	require.True(t, c.Joined())

	c.Leave()
}

func TestCoordinatorLeavePersistsHintsForNextJoin(t *testing.T) {
	r := testutil.NewRand(32)
	self := testutil.RandomID(r)
	peer := testutil.RandomContact(r)

	rpc := newCoordFakeRPC()
	rpc.findNodesContacts[peer.NodeID] = nil

	mock := clock.NewMock()
	hints := &InMemoryBootstrapHintStore{}
	c, _, _ := newTestCoordinator(t, self, mock, rpc, newFakeSecurifier("self"), func(cfg *Config) {
		cfg.HintStore = hints
	})

	done := make(chan struct{})
	c.Join(context.Background(), []kad.Contact{peer}, func(err error) { close(done) })
	<-done
	require.True(t, c.Joined())

	left := c.Leave()
	require.Len(t, left, 1)
	require.Equal(t, left, hints.Contacts)

	c2, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), func(cfg *Config) {
		cfg.HintStore = hints
	})
	var got error
	done2 := make(chan struct{})
	c2.Join(context.Background(), nil, func(err error) { got = err; close(done2) })
	<-done2
	require.NoError(t, got)
	require.True(t, c2.Joined())
	c2.Leave()
}

func TestCoordinatorJoinRequiresListeningWhenNotClientOnly(t *testing.T) {
	r := testutil.NewRand(2)
	self := testutil.RandomID(r)
	other := testutil.RandomContact(r)
	mock := clock.NewMock()
	c, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), func(cfg *Config) {
		cfg.ClientOnly = false
		cfg.Listening = false
	})

	var got error
	done := make(chan struct{})
	c.Join(context.Background(), []kad.Contact{other}, func(err error) { got = err; close(done) })
	<-done
	require.ErrorIs(t, got, kad.ErrNoListeningPort)
}

func TestCoordinatorJoinSelfOnlyBootstrapShortCircuits(t *testing.T) {
	r := testutil.NewRand(3)
	self := testutil.RandomID(r)
	mock := clock.NewMock()
	c, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), nil)

	var got error
	done := make(chan struct{})
	c.Join(context.Background(), []kad.Contact{{NodeID: self}}, func(err error) { got = err; close(done) })
	<-done
	require.NoError(t, got)
	require.True(t, c.Joined())

	c.Leave()
	require.False(t, c.Joined())
}

func TestCoordinatorJoinRejectsWhenAlreadyJoined(t *testing.T) {
	r := testutil.NewRand(4)
	self := testutil.RandomID(r)
	mock := clock.NewMock()
	c, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), nil)

	done := make(chan struct{})
	c.Join(context.Background(), []kad.Contact{{NodeID: self}}, func(err error) { close(done) })
	<-done
	require.True(t, c.Joined())

	var second error
	done2 := make(chan struct{})
	c.Join(context.Background(), []kad.Contact{{NodeID: self}}, func(err error) { second = err; close(done2) })
	<-done2
	require.ErrorIs(t, second, kad.ErrAlreadyJoined)

	c.Leave()
}

func TestCoordinatorJoinWalksBootstrapListOnTimeout(t *testing.T) {
	r := testutil.NewRand(5)
	self := testutil.RandomID(r)

	// stuckID differs from self by a single low bit, making it the closest
	// possible other id: Join's bootstrap-distance sort is guaranteed to
	// try it before the random (and, overwhelmingly likely, much farther)
	// live contact.
	stuckID := self
	stuckID[key.Size-1] ^= 1
	stuck := kad.Contact{NodeID: stuckID, PrimaryEndpoint: kad.Endpoint{IP: []byte{127, 0, 0, 1}, Port: 4001}}
	live := testutil.RandomContact(r)

	rpc := newCoordFakeRPC()
	rpc.findNodesBlock[stuck.NodeID] = true

	mock := clock.NewMock()
	c, _, _ := newTestCoordinator(t, self, mock, rpc, newFakeSecurifier("self"), func(cfg *Config) {
		cfg.JoinAttemptTimeout = 30 * time.Millisecond
	})

	var got error
	done := make(chan struct{})
	bootstrap := []kad.Contact{stuck, live}
	c.Join(context.Background(), bootstrap, func(err error) { got = err; close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Join never called back")
	}
	require.NoError(t, got)
	require.True(t, c.Joined())

	c.Leave()
}

func TestCoordinatorLeaveReturnsValidatedContacts(t *testing.T) {
	r := testutil.NewRand(6)
	self := testutil.RandomID(r)
	peer := testutil.RandomContact(r)

	rpc := newCoordFakeRPC()
	rpc.findNodesContacts[peer.NodeID] = nil

	mock := clock.NewMock()
	c, _, _ := newTestCoordinator(t, self, mock, rpc, newFakeSecurifier("self"), nil)

	done := make(chan struct{})
	c.Join(context.Background(), []kad.Contact{peer}, func(err error) { close(done) })
	<-done
	require.True(t, c.Joined())

	left := c.Leave()
	require.Len(t, left, 1)
	require.Equal(t, peer.NodeID, left[0].NodeID)
}

func TestCoordinatorLeaveTwiceIsNoop(t *testing.T) {
	r := testutil.NewRand(7)
	self := testutil.RandomID(r)
	mock := clock.NewMock()
	c, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), nil)

	require.Nil(t, c.Leave())

	done := make(chan struct{})
	c.Join(context.Background(), []kad.Contact{{NodeID: self}}, func(err error) { close(done) })
	<-done
	c.Leave()
	require.Nil(t, c.Leave())
}

func TestCoordinatorOnReportDownContactQueuesEntries(t *testing.T) {
	r := testutil.NewRand(8)
	self := testutil.RandomID(r)
	peer := testutil.RandomContact(r)
	mock := clock.NewMock()
	c, _, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), newFakeSecurifier("self"), nil)

	c.OnReportDownContact(context.Background(), peer)
	require.Equal(t, 1, c.DownlistLen())
}

func TestCoordinatorOnValidateContactAcceptsAndRejects(t *testing.T) {
	r := testutil.NewRand(9)
	self := testutil.RandomID(r)
	peer := testutil.RandomContact(r)
	sec := newFakeSecurifier("self")
	mock := clock.NewMock()
	_, table, _ := newTestCoordinator(t, self, mock, newCoordFakeRPC(), sec, nil)

	table.AddContact(context.Background(), peer, kad.RankInfo{})
	got, ok := table.GetContact(peer.NodeID)
	require.True(t, ok)
	require.Equal(t, peer.NodeID, got.NodeID)
	require.Len(t, table.GetCloseContacts(context.Background(), peer.NodeID, 20, nil), 1)

	sec.setOutcome(securifier.ValidationFailed)
	rejected := testutil.RandomContact(r)
	table.AddContact(context.Background(), rejected, kad.RankInfo{})
	_, ok = table.GetContact(rejected.NodeID)
	require.False(t, ok)
}

func TestCoordinatorOnPingOldestContactRestampsOnSuccess(t *testing.T) {
	r := testutil.NewRand(20)
	self := testutil.RandomID(r)
	oldest := testutil.RandomContact(r)
	replacement := testutil.RandomContact(r)

	rpc := newCoordFakeRPC()
	mock := clock.NewMock()
	c, table, _ := newTestCoordinator(t, self, mock, rpc, newFakeSecurifier("self"), nil)
	table.AddContact(context.Background(), oldest, kad.RankInfo{})

	ev := routing.PingOldestContactEvent{Oldest: oldest, Replacement: replacement}
	c.OnPingOldestContact(context.Background(), ev)
	c.wg.Wait()

	_, ok := table.GetContact(oldest.NodeID)
	require.True(t, ok, "a successful ping must not evict the oldest contact")
}

func TestCoordinatorOnPingOldestContactEvictsOnFailure(t *testing.T) {
	r := testutil.NewRand(21)
	self := testutil.RandomID(r)
	oldest := testutil.RandomContact(r)
	replacement := testutil.RandomContact(r)

	rpc := newCoordFakeRPC()
	rpc.pingErr[oldest.NodeID] = kad.ErrTimedOut
	mock := clock.NewMock()
	c, table, _ := newTestCoordinator(t, self, mock, rpc, newFakeSecurifier("self"), nil)
	table.AddContact(context.Background(), oldest, kad.RankInfo{})

	ev := routing.PingOldestContactEvent{Oldest: oldest, Replacement: replacement}
	c.OnPingOldestContact(context.Background(), ev)
	c.wg.Wait()

	_, ok := table.GetContact(oldest.NodeID)
	require.False(t, ok, "a failed ping must evict the oldest contact")
	got, ok := table.GetContact(replacement.NodeID)
	require.True(t, ok, "the replacement must be inserted in the oldest's place")
	require.Equal(t, replacement.NodeID, got.NodeID)
}

func TestCoordinatorRefreshWorkerRepublishesDueRecords(t *testing.T) {
	r := testutil.NewRand(11)
	self := testutil.RandomID(r)
	peer := testutil.RandomContact(r)

	rpc := newCoordFakeRPC()
	rpc.findNodesContacts[peer.NodeID] = nil

	mock := clock.NewMock()
	c, table, dstore := newTestCoordinator(t, self, mock, rpc, newFakeSecurifier("self"), nil)

	table.AddContact(context.Background(), peer, kad.RankInfo{})
	require.Len(t, table.GetCloseContacts(context.Background(), peer.NodeID, 20, nil), 1)

	kvs := kad.KeyValueSignature{Key: testutil.RandomID(r), Value: []byte("v1")}
	require.NoError(t, dstore.Store(context.Background(), kvs, "signer-a", nil, 24*time.Hour, false))
	mock.Add(2 * time.Hour)

	require.Len(t, dstore.Refresh(context.Background()), 1)

	c.runRefreshPass()

	require.Contains(t, rpc.storeRefreshCalls, peer.NodeID)
	require.Empty(t, dstore.Refresh(context.Background()))
}

func TestCoordinatorRefreshWorkerLeavesRecordDueOnFailure(t *testing.T) {
	r := testutil.NewRand(12)
	self := testutil.RandomID(r)
	peer := testutil.RandomContact(r)

	rpc := newCoordFakeRPC()
	rpc.findNodesContacts[peer.NodeID] = nil
	rpc.storeRefreshFails[peer.NodeID] = true

	mock := clock.NewMock()
	c, table, dstore := newTestCoordinator(t, self, mock, rpc, newFakeSecurifier("self"), nil)
	table.AddContact(context.Background(), peer, kad.RankInfo{})

	kvs := kad.KeyValueSignature{Key: testutil.RandomID(r), Value: []byte("v1")}
	require.NoError(t, dstore.Store(context.Background(), kvs, "signer-a", nil, 24*time.Hour, false))
	mock.Add(2 * time.Hour)

	c.runRefreshPass()

	require.Contains(t, rpc.storeRefreshCalls, peer.NodeID)
	require.Len(t, dstore.Refresh(context.Background()), 1)
	require.Equal(t, 1, c.DownlistLen())
}
