// Package service wires the routing table, data store, lookup engine,
// coordinator and transport into one runnable node: it is the concrete
// RPCClient the coordinator and lookup engine dial out through, and the
// transport Handler inbound requests arrive on, tying both directions of
// traffic to the same UDP socket and session bookkeeping.
package service

import (
	"bytes"
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/plprobelab/kadcore/coord"
	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/query"
	"github.com/plprobelab/kadcore/routing"
	"github.com/plprobelab/kadcore/rpc"
	"github.com/plprobelab/kadcore/securifier"
	"github.com/plprobelab/kadcore/server"
	"github.com/plprobelab/kadcore/store"
	"github.com/plprobelab/kadcore/transport"
	"github.com/plprobelab/kadcore/util"
)

// frameTag distinguishes an outbound RPC request from the response it
// provokes on the wire, since both travel as opaque payloads over the same
// transport.Socket and session.
type frameTag byte

const (
	tagRequest  frameTag = 0
	tagResponse frameTag = 1
)

// methodCodes/codeMethods give every RPCMethod a one-byte wire tag, so a
// response frame can name the method it answers without repeating the
// method string on every reply.
var methodCodes = map[kad.RPCMethod]byte{
	kad.MethodPing: 0, kad.MethodFindNodes: 1, kad.MethodFindValue: 2,
	kad.MethodStore: 3, kad.MethodDelete: 4, kad.MethodUpdate: 5, kad.MethodStoreRefresh: 6,
}

var codeMethods = map[byte]kad.RPCMethod{
	0: kad.MethodPing, 1: kad.MethodFindNodes, 2: kad.MethodFindValue,
	3: kad.MethodStore, 4: kad.MethodDelete, 5: kad.MethodUpdate, 6: kad.MethodStoreRefresh,
}

// Config configures a Node.
type Config struct {
	ListenAddr string

	K     int
	Alpha int
	Beta  int

	RefreshPeriod      time.Duration
	JoinAttemptTimeout time.Duration

	RPCTimeout time.Duration

	// BootstrapHintsPath, if set, persists the routing table's surviving
	// contacts to this file on Close and lets a future Join called with no
	// bootstrap contacts fall back to reading it. Empty disables
	// persistence: Join then requires an explicit bootstrap list.
	BootstrapHintsPath string

	Clock  clock.Clock
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:0"
	}
	if c.K <= 0 {
		c.K = routing.DefaultK
	}
	if c.Alpha <= 0 {
		c.Alpha = 3
	}
	if c.Beta <= 0 {
		c.Beta = 2
	}
	if c.RefreshPeriod <= 0 {
		c.RefreshPeriod = coord.DefaultRefreshPeriod
	}
	if c.JoinAttemptTimeout <= 0 {
		c.JoinAttemptTimeout = coord.DefaultJoinAttemptTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Node is a single DHT participant: the routing table, signed record
// store, lookup engine and lifecycle coordinator, all dialed out through
// one reliable UDP socket.
type Node struct {
	cfg Config
	sec securifier.Securifier

	table  *routing.Table
	dstore *store.Store
	srv    *server.Server
	crd    *coord.Coordinator
	sock   *transport.Socket

	pendingMu sync.Mutex
	pending   map[string]chan kad.Response
}

// New constructs a Node around priv, the node's own RSA identity, and
// starts listening on cfg.ListenAddr. The node's own id is derived from
// its public key, so signing identity and routing identity are the same
// value throughout the rest of the stack.
func New(priv *rsa.PrivateKey, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()

	sec, err := securifier.New(priv, nil)
	if err != nil {
		return nil, fmt.Errorf("service: construct securifier: %w", err)
	}
	self, err := key.FromHex(sec.PublicKeyID())
	if err != nil {
		return nil, fmt.Errorf("service: derive node id: %w", err)
	}

	table := routing.New(self, routing.Config{K: cfg.K})
	dstore, err := store.New(store.Config{Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("service: construct store: %w", err)
	}

	n := &Node{
		cfg:     cfg,
		sec:     sec,
		table:   table,
		dstore:  dstore,
		pending: make(map[string]chan kad.Response),
	}
	sec.SetResolver(n)

	n.srv = server.New(server.Config{Self: self, Table: table, Store: dstore, Securifier: sec, K: cfg.K})

	sock, err := transport.Listen(cfg.ListenAddr, transport.Config{Clock: cfg.Clock, Logger: cfg.Logger}, n.handle)
	if err != nil {
		return nil, fmt.Errorf("service: listen: %w", err)
	}
	n.sock = sock

	var hints coord.BootstrapHintStore
	if cfg.BootstrapHintsPath != "" {
		hints = coord.FileBootstrapHintStore{Path: cfg.BootstrapHintsPath}
	}

	crd, err := coord.New(coord.Config{
		Self: self, ClientOnly: false, Listening: true,
		K: cfg.K, Alpha: cfg.Alpha, Beta: cfg.Beta,
		RefreshPeriod: cfg.RefreshPeriod, JoinAttemptTimeout: cfg.JoinAttemptTimeout,
		HintStore: hints,
		Clock:     cfg.Clock, Logger: cfg.Logger,
	}, table, dstore, n, sec)
	if err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("service: construct coordinator: %w", err)
	}
	n.crd = crd

	return n, nil
}

// Self returns the node's own id.
func (n *Node) Self() key.ID { return n.table.Self() }

// LocalAddr returns the address the node's socket is bound to.
func (n *Node) LocalAddr() net.Addr { return n.sock.LocalAddr() }

// Contact returns this node's own contact record, suitable for handing to
// a peer as a bootstrap or rendezvous address.
func (n *Node) Contact() kad.Contact {
	addr := n.sock.LocalAddr().(*net.UDPAddr)
	return kad.Contact{
		NodeID:          n.Self(),
		PrimaryEndpoint: kad.Endpoint{Network: "udp", IP: addr.IP, Port: uint16(addr.Port)},
		PublicKeyID:     n.sec.PublicKeyID(),
		PublicKey:       n.sec.PublicKeyDER(),
		Signature:       n.sec.SelfSignature(),
	}
}

// Join bootstraps the node's routing table through bootstrap.
func (n *Node) Join(ctx context.Context, bootstrap []kad.Contact) error {
	done := make(chan error, 1)
	n.crd.Join(ctx, bootstrap, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close leaves the DHT and releases the node's socket.
func (n *Node) Close() error {
	n.crd.Leave()
	return n.sock.Close()
}

// Engine exposes the lookup engine for FindNodes/FindValue/Store/Delete/
// Update calls against the network, not just this node's own view of it.
func (n *Node) Engine() *query.Engine { return n.crd.Engine() }

// Resolve implements securifier.KeyResolver over the node's own identity
// and its routing table's contacts. It returns the contact's self-reported
// key material unconditionally; GetPublicKeyAndValidation is responsible
// for recomputing DeriveSignerID(publicKeyDER, selfSignature) and rejecting
// a binding that doesn't actually derive from signerID.
func (n *Node) Resolve(signerID string) ([]byte, []byte, bool) {
	if signerID == n.sec.PublicKeyID() {
		return n.sec.PublicKeyDER(), n.sec.SelfSignature(), true
	}
	id, err := key.FromHex(signerID)
	if err != nil {
		return nil, nil, false
	}
	contact, ok := n.table.GetContact(id)
	if !ok || contact.PublicKeyID != signerID || len(contact.PublicKey) == 0 || len(contact.Signature) == 0 {
		return nil, nil, false
	}
	return contact.PublicKey, contact.Signature, true
}

// FindNodes implements query.RPCClient.
func (n *Node) FindNodes(ctx context.Context, to kad.Contact, target key.ID) (kad.FindNodesResponse, error) {
	resp, err := n.call(ctx, to, kad.MethodFindNodes, kad.FindNodesRequest{Target: target})
	if err != nil {
		return kad.FindNodesResponse{}, err
	}
	payload, _ := resp.Payload.(kad.FindNodesResponse)
	return payload, nil
}

// FindValue implements query.RPCClient.
func (n *Node) FindValue(ctx context.Context, to kad.Contact, target key.ID) (kad.FindValueResponse, error) {
	resp, err := n.call(ctx, to, kad.MethodFindValue, kad.FindValueRequest{Target: target})
	if err != nil {
		return kad.FindValueResponse{}, err
	}
	payload, _ := resp.Payload.(kad.FindValueResponse)
	return payload, nil
}

// Store implements query.RPCClient.
func (n *Node) Store(ctx context.Context, to kad.Contact, req kad.StoreRequest) error {
	_, err := n.call(ctx, to, kad.MethodStore, req)
	return err
}

// Delete implements query.RPCClient.
func (n *Node) Delete(ctx context.Context, to kad.Contact, req kad.DeleteRequest) error {
	_, err := n.call(ctx, to, kad.MethodDelete, req)
	return err
}

// Ping implements coord.RPCClient, used to probe a bucket's oldest contact
// before evicting it in favor of a cached replacement.
func (n *Node) Ping(ctx context.Context, to kad.Contact) error {
	_, err := n.call(ctx, to, kad.MethodPing, kad.PingRequest{})
	return err
}

// StoreRefresh implements coord.RPCClient.
func (n *Node) StoreRefresh(ctx context.Context, to kad.Contact, req kad.StoreRefreshRequest) error {
	_, err := n.call(ctx, to, kad.MethodStoreRefresh, req)
	return err
}

// call issues one RPC to to and waits for its matched response. Only one
// outstanding call per peer is tracked at a time; a second concurrent call
// to the same peer replaces the first's waiter, a known simplification
// appropriate to this module's own sequential lookup/refresh callers.
func (n *Node) call(ctx context.Context, to kad.Contact, method kad.RPCMethod, payload any) (kad.Response, error) {
	ctx, span := util.StartSpan(ctx, "Node.call", trace.WithAttributes(
		attribute.String("Method", string(method)),
		attribute.Stringer("To", to.NodeID),
	))
	defer span.End()

	req := kad.Request{
		SenderContact:      n.Contact(),
		SigningPublicKeyID: n.sec.PublicKeyID(),
		Method:             method,
		Payload:            payload,
	}
	sig, err := n.sec.Sign(server.EnvelopeMessage(req))
	if err != nil {
		return kad.Response{}, fmt.Errorf("service: sign request: %w", err)
	}
	req.Signature = sig

	frame, err := rpc.EncodeRequest(req)
	if err != nil {
		return kad.Response{}, fmt.Errorf("service: encode request: %w", err)
	}

	peer := endpointToUDPAddr(to.PrimaryEndpoint)
	ch := make(chan kad.Response, 1)
	peerKey := peer.String()
	n.pendingMu.Lock()
	n.pending[peerKey] = ch
	n.pendingMu.Unlock()
	defer func() {
		n.pendingMu.Lock()
		if n.pending[peerKey] == ch {
			delete(n.pending, peerKey)
		}
		n.pendingMu.Unlock()
	}()

	callCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	outbound := append([]byte{byte(tagRequest)}, frame...)
	if err := n.sock.Send(callCtx, peer, outbound); err != nil {
		return kad.Response{}, fmt.Errorf("service: send: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.ResultCode != nil {
			span.RecordError(resp.ResultCode)
			return resp, resp.ResultCode
		}
		return resp, nil
	case <-callCtx.Done():
		span.RecordError(callCtx.Err())
		return kad.Response{}, fmt.Errorf("service: %w", kad.ErrTimedOut)
	}
}

// handle is the transport.Handler for this node's socket: it demultiplexes
// inbound frames into requests (dispatched to srv, answered in place) and
// responses (delivered to the waiting call's channel).
func (n *Node) handle(ctx context.Context, from *net.UDPAddr, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch frameTag(payload[0]) {
	case tagRequest:
		n.handleRequestFrame(ctx, from, payload[1:])
	case tagResponse:
		n.handleResponseFrame(from, payload[1:])
	default:
		n.cfg.Logger.Debug("service: unknown frame tag", zap.Uint8("tag", uint8(payload[0])))
	}
}

func (n *Node) handleRequestFrame(ctx context.Context, from *net.UDPAddr, body []byte) {
	frameBody, err := rpc.ReadFrame(bytes.NewReader(body))
	if err != nil {
		n.cfg.Logger.Debug("service: malformed request frame", zap.Stringer("from", from), zap.Error(err))
		return
	}
	req, err := rpc.DecodeRequest(frameBody)
	if err != nil {
		n.cfg.Logger.Debug("service: decode request", zap.Stringer("from", from), zap.Error(err))
		return
	}
	resp, _ := n.srv.HandleRequest(ctx, req)
	n.sendResponse(ctx, from, req.Method, resp)
}

func (n *Node) sendResponse(ctx context.Context, to *net.UDPAddr, method kad.RPCMethod, resp kad.Response) {
	frame, err := rpc.EncodeResponse(method, resp)
	if err != nil {
		n.cfg.Logger.Debug("service: encode response", zap.Error(err))
		return
	}
	code, ok := methodCodes[method]
	if !ok {
		return
	}
	outbound := append([]byte{byte(tagResponse), code}, frame...)
	if err := n.sock.Send(ctx, to, outbound); err != nil {
		n.cfg.Logger.Debug("service: send response", zap.Stringer("to", to), zap.Error(err))
	}
}

func (n *Node) handleResponseFrame(from *net.UDPAddr, body []byte) {
	if len(body) == 0 {
		return
	}
	method, ok := codeMethods[body[0]]
	if !ok {
		return
	}
	frameBody, err := rpc.ReadFrame(bytes.NewReader(body[1:]))
	if err != nil {
		n.cfg.Logger.Debug("service: malformed response frame", zap.Stringer("from", from), zap.Error(err))
		return
	}
	resp, err := rpc.DecodeResponse(method, frameBody)
	if err != nil {
		n.cfg.Logger.Debug("service: decode response", zap.Stringer("from", from), zap.Error(err))
		return
	}

	n.pendingMu.Lock()
	ch, ok := n.pending[from.String()]
	n.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func endpointToUDPAddr(e kad.Endpoint) *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}
}
