// Package server implements the inbound RPC handler: it
// validates each request's signed envelope, records the sender in the
// routing table, then dispatches to the routing table / data store to
// produce a response: one handler method per RPC, dispatched from a
// single HandleRequest entrypoint with a tracing span per handler.
package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/securifier"
	"github.com/plprobelab/kadcore/util"
)

// RoutingTable is the subset of routing.Table the server needs.
type RoutingTable interface {
	AddContact(ctx context.Context, contact kad.Contact, rank kad.RankInfo) bool
	GetCloseContacts(ctx context.Context, target key.ID, count int, excludes []key.ID) []kad.Contact
}

// DataStore is the subset of store.Store the server needs.
type DataStore interface {
	Store(ctx context.Context, kvs kad.KeyValueSignature, signerID string, requestAndSignature []byte, ttl time.Duration, isRefresh bool) error
	Delete(ctx context.Context, keyID key.ID, value, signature []byte, signerID string) error
	Update(ctx context.Context, newKVS, oldKVS kad.KeyValueSignature, signerID string, ttl time.Duration) error
	HasKey(keyID key.ID) bool
	GetValues(keyID key.ID) []kad.KeyValueSignature
}

// secondsToDuration converts the wire envelope's whole-seconds TTL field
// to a time.Duration, a single accessor, in place of
// the source's total_seconds()/seconds() split.
func secondsToDuration(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

// AlternativeStore is consulted by FindValue when this node doesn't hold
// the key itself. It models the capability-interface design as
// a one-method trait rather than the source's AlternativeStore base class.
type AlternativeStore interface {
	Has(ctx context.Context, keyID key.ID) (kad.Contact, bool)
}

// NoAlternativeStore never reports an alternative holder.
type NoAlternativeStore struct{}

func (NoAlternativeStore) Has(context.Context, key.ID) (kad.Contact, bool) {
	return kad.Contact{}, false
}

// Server is the inbound RPC handler.
type Server struct {
	self     key.ID
	table    RoutingTable
	dstore   DataStore
	sec      securifier.Securifier
	altStore AlternativeStore
	k        int
}

// Config configures a Server.
type Config struct {
	Self             key.ID
	Table            RoutingTable
	Store            DataStore
	Securifier       securifier.Securifier
	AlternativeStore AlternativeStore
	K                int
}

// New constructs a Server.
func New(cfg Config) *Server {
	if cfg.AlternativeStore == nil {
		cfg.AlternativeStore = NoAlternativeStore{}
	}
	if cfg.K <= 0 {
		cfg.K = 20
	}
	return &Server{
		self:     cfg.Self,
		table:    cfg.Table,
		dstore:   cfg.Store,
		sec:      cfg.Securifier,
		altStore: cfg.AlternativeStore,
		k:        cfg.K,
	}
}

// HandleRequest validates req's envelope and dispatches it to the
// appropriate handler. It is the server's single entrypoint.
func (s *Server) HandleRequest(ctx context.Context, req kad.Request) (kad.Response, error) {
	ctx, span := util.StartSpan(ctx, "Server.HandleRequest", trace.WithAttributes(
		attribute.String("Method", string(req.Method)),
		attribute.String("Sender", req.SenderContact.NodeID.Hex()),
	))
	defer span.End()

	// StoreRefresh carries a forwarded signature from the original signer
	// rather than the sender's own, so envelope validation is skipped for it; the
	// forwarded signature is checked inside handleStoreRefresh instead.
	if req.Method != kad.MethodStoreRefresh {
		if err := s.validateEnvelope(ctx, req); err != nil {
			span.RecordError(err)
			return kad.Response{ResultCode: err}, err
		}
	}

	s.table.AddContact(ctx, req.SenderContact, kad.RankInfo{})

	switch req.Method {
	case kad.MethodPing:
		return kad.Response{Payload: kad.PingResponse{}}, nil
	case kad.MethodFindNodes:
		return s.handleFindNodes(ctx, req)
	case kad.MethodFindValue:
		return s.handleFindValue(ctx, req)
	case kad.MethodStore:
		return s.handleStore(ctx, req)
	case kad.MethodDelete:
		return s.handleDelete(ctx, req)
	case kad.MethodUpdate:
		return s.handleUpdate(ctx, req)
	case kad.MethodStoreRefresh:
		return s.handleStoreRefresh(ctx, req)
	default:
		return kad.Response{ResultCode: kad.ErrMalformedMessage}, kad.ErrMalformedMessage
	}
}

// validateEnvelope resolves the signer's public key and checks the
// request's signature. When the signer cannot be resolved, the public key
// and self-signature in the request's SenderContact are used instead,
// provided they derive to the claimed signer id. A request that
// fails validation never reaches AddContact.
func (s *Server) validateEnvelope(ctx context.Context, req kad.Request) error {
	message := EnvelopeMessage(req)
	err := s.validateSigned(ctx, message, req.Signature, req.SigningPublicKeyID)
	if err == nil {
		return nil
	}
	sender := req.SenderContact
	if len(sender.PublicKey) == 0 || securifier.DeriveSignerID(sender.PublicKey, sender.Signature) != req.SigningPublicKeyID {
		return err
	}
	if !s.sec.Validate(ctx, message, req.Signature, req.SigningPublicKeyID, sender.PublicKey, securifier.ValidationOK) {
		return kad.ErrSignatureInvalid
	}
	return nil
}

// validateSigned resolves signerID's public key and reports whether
// signature is a valid signature over message from that signer. It is the
// shared primitive behind envelope validation and per-record signature
// checks on Store/Delete/Update/StoreRefresh.
func (s *Server) validateSigned(ctx context.Context, message, signature []byte, signerID string) error {
	var pubDER []byte
	var validation securifier.Validation
	done := make(chan struct{})
	s.sec.GetPublicKeyAndValidation(ctx, signerID, func(der []byte, v securifier.Validation) {
		pubDER, validation = der, v
		close(done)
	})
	<-done

	if validation == securifier.ValidationFailed {
		return kad.ErrSignatureInvalid
	}
	if !s.sec.Validate(ctx, message, signature, signerID, pubDER, validation) {
		return kad.ErrSignatureInvalid
	}
	return nil
}

// EnvelopeMessage is the canonical byte representation a request's
// signature covers. It is exported so an outbound RPC client can sign a
// request the same way this server validates it; the wire codec owns the
// bit-exact encoding, this is the semantic placeholder it must agree with.
func EnvelopeMessage(req kad.Request) []byte {
	return []byte(req.SenderContact.NodeID.Hex() + string(req.Method))
}

func (s *Server) handleFindNodes(ctx context.Context, req kad.Request) (kad.Response, error) {
	payload, ok := req.Payload.(kad.FindNodesRequest)
	if !ok {
		return kad.Response{ResultCode: kad.ErrMalformedMessage}, kad.ErrMalformedMessage
	}
	contacts := s.table.GetCloseContacts(ctx, payload.Target, s.k, []key.ID{s.self})
	return kad.Response{Payload: kad.FindNodesResponse{Contacts: contacts}}, nil
}

// handleFindValue implements FindValue's lookup precedence: a local hit
// wins outright; failing that, an alternative store holder is reported
// alone; failing that, the k closest contacts are returned.
func (s *Server) handleFindValue(ctx context.Context, req kad.Request) (kad.Response, error) {
	payload, ok := req.Payload.(kad.FindValueRequest)
	if !ok {
		return kad.Response{ResultCode: kad.ErrMalformedMessage}, kad.ErrMalformedMessage
	}
	if values := s.dstore.GetValues(payload.Target); len(values) > 0 {
		return kad.Response{Payload: kad.FindValueResponse{Values: values}}, nil
	}
	if holder, ok := s.altStore.Has(ctx, payload.Target); ok {
		return kad.Response{Payload: kad.FindValueResponse{AlternativeStoreHolder: &holder}}, nil
	}
	contacts := s.table.GetCloseContacts(ctx, payload.Target, s.k, []key.ID{s.self})
	return kad.Response{Payload: kad.FindValueResponse{Contacts: contacts}}, nil
}

// handleStore applies a STORE, first checking that the record's own
// signature (over KVS.Value, as opposed to the envelope's) was made by the
// claimed signer: the envelope only proves who sent the request, not who
// authored the record it carries.
func (s *Server) handleStore(ctx context.Context, req kad.Request) (kad.Response, error) {
	payload, ok := req.Payload.(kad.StoreRequest)
	if !ok {
		return kad.Response{ResultCode: kad.ErrMalformedMessage}, kad.ErrMalformedMessage
	}
	if payload.SigningPublicKeyID != req.SigningPublicKeyID {
		return kad.Response{ResultCode: kad.ErrSignerMismatch}, kad.ErrSignerMismatch
	}
	if err := s.validateSigned(ctx, payload.KVS.Value, payload.KVS.Signature, payload.SigningPublicKeyID); err != nil {
		return kad.Response{ResultCode: err}, err
	}
	err := s.dstore.Store(ctx, payload.KVS, payload.SigningPublicKeyID, req.Signature, secondsToDuration(payload.TTLSeconds), false)
	if err != nil {
		return kad.Response{ResultCode: err}, err
	}
	return kad.Response{Payload: kad.StoreResponse{}}, nil
}

func (s *Server) handleDelete(ctx context.Context, req kad.Request) (kad.Response, error) {
	payload, ok := req.Payload.(kad.DeleteRequest)
	if !ok {
		return kad.Response{ResultCode: kad.ErrMalformedMessage}, kad.ErrMalformedMessage
	}
	if payload.SigningPublicKeyID != req.SigningPublicKeyID {
		return kad.Response{ResultCode: kad.ErrSignerMismatch}, kad.ErrSignerMismatch
	}
	if err := s.validateSigned(ctx, payload.Value, payload.Signature, payload.SigningPublicKeyID); err != nil {
		return kad.Response{ResultCode: err}, err
	}
	err := s.dstore.Delete(ctx, payload.Key, payload.Value, payload.Signature, payload.SigningPublicKeyID)
	if err != nil {
		return kad.Response{ResultCode: err}, err
	}
	return kad.Response{Payload: kad.DeleteResponse{}}, nil
}

// handleUpdate applies an UPDATE, validating both halves independently:
// NewKVS and OldKVS each carry their own signature over their own Value.
func (s *Server) handleUpdate(ctx context.Context, req kad.Request) (kad.Response, error) {
	payload, ok := req.Payload.(kad.UpdateRequest)
	if !ok {
		return kad.Response{ResultCode: kad.ErrMalformedMessage}, kad.ErrMalformedMessage
	}
	if payload.SigningPublicKeyID != req.SigningPublicKeyID {
		return kad.Response{ResultCode: kad.ErrSignerMismatch}, kad.ErrSignerMismatch
	}
	if err := s.validateSigned(ctx, payload.NewKVS.Value, payload.NewKVS.Signature, payload.SigningPublicKeyID); err != nil {
		return kad.Response{ResultCode: err}, err
	}
	if err := s.validateSigned(ctx, payload.OldKVS.Value, payload.OldKVS.Signature, payload.SigningPublicKeyID); err != nil {
		return kad.Response{ResultCode: err}, err
	}
	err := s.dstore.Update(ctx, payload.NewKVS, payload.OldKVS, payload.SigningPublicKeyID, secondsToDuration(payload.TTLSeconds))
	if err != nil {
		return kad.Response{ResultCode: err}, err
	}
	return kad.Response{Payload: kad.UpdateResponse{}}, nil
}

// handleStoreRefresh applies a forwarded store request with the reduced
// signing requirement: the envelope's own signature isn't
// checked (it would be the forwarder's, not the original signer's), but
// the forwarded signature is still validated against the original
// request's content before it is applied.
func (s *Server) handleStoreRefresh(ctx context.Context, req kad.Request) (kad.Response, error) {
	payload, ok := req.Payload.(kad.StoreRefreshRequest)
	if !ok {
		return kad.Response{ResultCode: kad.ErrMalformedMessage}, kad.ErrMalformedMessage
	}
	orig := payload.OriginalRequest

	if err := s.validateSigned(ctx, orig.KVS.Value, payload.Signature, orig.SigningPublicKeyID); err != nil {
		return kad.Response{ResultCode: err}, err
	}

	err := s.dstore.Store(ctx, orig.KVS, orig.SigningPublicKeyID, payload.Signature, secondsToDuration(orig.TTLSeconds), true)
	if err != nil {
		return kad.Response{ResultCode: err}, err
	}
	return kad.Response{Payload: kad.StoreRefreshResponse{}}, nil
}
