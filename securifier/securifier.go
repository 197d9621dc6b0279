// Package securifier implements the cryptographic oracle that signs
// outgoing payloads and verifies incoming ones. Keys are injected via the
// constructor rather than held as process-wide global state, so tests can
// construct independent, isolated key pairs per case.
package securifier

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plprobelab/kadcore/key"
	"github.com/plprobelab/kadcore/util"
)

// ErrUnknownSigner names the failure to resolve a public key for a signer
// id. RSASecurifier does not return it: GetPublicKeyAndValidation reports
// that case as ValidationFailed through its callback.
var ErrUnknownSigner = errors.New("securifier: unknown signer id")

// Validation describes the outcome of resolving and checking a signer's
// public key.
type Validation int

const (
	// ValidationPending means the public key hasn't been resolved yet.
	ValidationPending Validation = iota
	// ValidationOK means the public key was resolved and matches the
	// claimed signer id.
	ValidationOK
	// ValidationFailed means resolution failed or the key doesn't match
	// the claimed signer id.
	ValidationFailed
)

// GetPublicKeyAndValidationCallback receives the outcome of an
// asynchronous public key resolution.
type GetPublicKeyAndValidationCallback func(publicKeyDER []byte, v Validation)

// Securifier signs payloads with the process's own private key, verifies
// signatures made by other signers, and resolves a signer id to its public
// key (asynchronously, as the resolution may require a network round
// trip — e.g. fetching the key from the DHT itself).
type Securifier interface {
	// Sign signs message with the securifier's own private key.
	Sign(message []byte) ([]byte, error)

	// AsymSign signs message with an explicitly supplied private key,
	// used when the caller is proxying a signature for someone else
	// (e.g. forwarding a StoreRefresh on behalf of the original signer).
	AsymSign(message []byte, priv *rsa.PrivateKey) ([]byte, error)

	// Validate reports whether signature is a valid signature over message
	// under publicKeyDER. It does not check that publicKeyDER derives to
	// signerID; RSASecurifier's GetPublicKeyAndValidation checks that before
	// it reports ValidationOK. validation is the caller's best current
	// knowledge of the key's trustworthiness (see GetPublicKeyAndValidation).
	Validate(ctx context.Context, message, signature []byte, signerID string, publicKeyDER []byte, validation Validation) bool

	// GetPublicKeyAndValidation asynchronously resolves signerID to a
	// public key and invokes cb with the result. An implementation may
	// invoke cb inline (from the calling goroutine) if the answer is
	// already cached.
	GetPublicKeyAndValidation(ctx context.Context, signerID string, cb GetPublicKeyAndValidationCallback)

	// PublicKeyID returns the id under which this securifier's own public
	// key is advertised.
	PublicKeyID() string

	// PublicKeyDER returns this securifier's own public key, PKIX-encoded.
	PublicKeyDER() []byte

	// SelfSignature returns Sign(PublicKeyDER, priv): the self-signature a
	// Contact carries so another peer can recompute DeriveSignerID and
	// confirm the claimed public_key_id actually derives from the key,
	// rather than trusting the claim outright.
	SelfSignature() []byte
}

// KeyResolver looks up a previously-seen public key and its self-signature
// by id, e.g. from the node's routing table contacts or a dedicated key
// cache. It models the "possibly invoking callback inline if cached" half
// of key resolution. selfSignature is the Sign(publicKeyDER, signer_priv)
// value the signer's Contact advertised, needed to confirm signerID
// actually derives from publicKeyDER before either is trusted.
type KeyResolver interface {
	Resolve(signerID string) (publicKeyDER, selfSignature []byte, ok bool)
}

// RSASecurifier is the concrete Securifier used by this implementation,
// naming RSA/SHA-512 as the concrete primitive choice.
type RSASecurifier struct {
	priv    *rsa.PrivateKey
	pub     *rsa.PublicKey
	pubDER  []byte
	pubID   string
	selfSig []byte

	mu       sync.RWMutex
	resolver KeyResolver
}

var _ Securifier = (*RSASecurifier)(nil)

// GenerateKeyPair generates a fresh RSA key pair of the given bit size,
// suitable for passing to New.
func GenerateKeyPair(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}

// New constructs an RSASecurifier from an injected key pair and an
// optional resolver used to answer GetPublicKeyAndValidation for signer
// ids other than our own.
func New(priv *rsa.PrivateKey, resolver KeyResolver) (*RSASecurifier, error) {
	if priv == nil {
		return nil, fmt.Errorf("securifier: private key must not be nil")
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("securifier: marshal public key: %w", err)
	}
	selfSig, err := signRSA(priv, pubDER)
	if err != nil {
		return nil, fmt.Errorf("securifier: self-sign public key: %w", err)
	}
	return &RSASecurifier{
		priv:     priv,
		pub:      &priv.PublicKey,
		pubDER:   pubDER,
		pubID:    DeriveSignerID(pubDER, selfSig),
		selfSig:  selfSig,
		resolver: resolver,
	}, nil
}

// DeriveSignerID computes the signer id a public key should be known
// under: Hash(public_key + Sign(public_key, priv)), hex-encoded. Hash here
// is the id package's SHA-512-based id space, truncated/expanded to the
// node id width.
func DeriveSignerID(pubDER, selfSig []byte) string {
	h := sha512.New()
	h.Write(pubDER)
	h.Write(selfSig)
	sum := h.Sum(nil)
	var id key.ID
	copy(id[:], sum)
	return id.Hex()
}

func signRSA(priv *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha512.Sum512(message)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA512, digest[:])
}

func verifyRSA(pub *rsa.PublicKey, message, signature []byte) bool {
	digest := sha512.Sum512(message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA512, digest[:], signature) == nil
}

// Sign signs message with the securifier's own private key.
func (s *RSASecurifier) Sign(message []byte) ([]byte, error) {
	return signRSA(s.priv, message)
}

// AsymSign signs message with an explicitly supplied private key.
func (s *RSASecurifier) AsymSign(message []byte, priv *rsa.PrivateKey) ([]byte, error) {
	return signRSA(priv, message)
}

// Validate implements Securifier.Validate.
func (s *RSASecurifier) Validate(ctx context.Context, message, signature []byte, signerID string, publicKeyDER []byte, validation Validation) bool {
	_, span := util.StartSpan(ctx, "RSASecurifier.Validate", trace.WithAttributes(
		attribute.String("SignerID", signerID),
	))
	defer span.End()

	if validation == ValidationFailed {
		return false
	}

	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		span.RecordError(err)
		return false
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return false
	}

	// (a) Hash(public_key + Sign(public_key, priv)) == signer_id is checked
	// in GetPublicKeyAndValidation, before validation ever reaches
	// ValidationOK — this call only performs (b), verifying message against
	// the now-trusted key.
	if validation == ValidationPending {
		span.AddEvent("validation pending, verifying signature only")
	}

	return verifyRSA(rsaPub, message, signature)
}

// GetPublicKeyAndValidation implements Securifier.GetPublicKeyAndValidation.
func (s *RSASecurifier) GetPublicKeyAndValidation(ctx context.Context, signerID string, cb GetPublicKeyAndValidationCallback) {
	_, span := util.StartSpan(ctx, "RSASecurifier.GetPublicKeyAndValidation", trace.WithAttributes(
		attribute.String("SignerID", signerID),
	))
	defer span.End()

	if signerID == s.pubID {
		cb(s.pubDER, ValidationOK)
		return
	}

	s.mu.RLock()
	resolver := s.resolver
	s.mu.RUnlock()

	if resolver == nil {
		cb(nil, ValidationFailed)
		return
	}

	der, sig, ok := resolver.Resolve(signerID)
	if !ok {
		cb(nil, ValidationFailed)
		return
	}
	// (a) confirm signerID actually derives from (der, sig) before trusting
	// the binding at all: a resolver answers from the routing table, which
	// AddContact populates with a sender's self-reported id/key/signature
	// before anyone has checked they agree.
	if DeriveSignerID(der, sig) != signerID {
		cb(nil, ValidationFailed)
		return
	}
	cb(der, ValidationOK)
}

// PublicKeyID returns the id this securifier's public key is advertised
// under.
func (s *RSASecurifier) PublicKeyID() string {
	return s.pubID
}

// PublicKeyDER returns this securifier's own public key, PKIX-encoded.
func (s *RSASecurifier) PublicKeyDER() []byte {
	return s.pubDER
}

// SelfSignature returns Sign(PublicKeyDER, priv), the value PublicKeyID is
// derived from.
func (s *RSASecurifier) SelfSignature() []byte {
	return s.selfSig
}

// SetResolver installs (or replaces) the resolver used to answer
// GetPublicKeyAndValidation for other signers, e.g. once a routing table
// is available at node construction time.
func (s *RSASecurifier) SetResolver(r KeyResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}
