package kad

import "github.com/plprobelab/kadcore/key"

// RPCMethod identifies which RPC a Request/Response envelope carries.
type RPCMethod string

const (
	MethodPing         RPCMethod = "PING"
	MethodFindNodes    RPCMethod = "FIND_NODES"
	MethodFindValue    RPCMethod = "FIND_VALUE"
	MethodStore        RPCMethod = "STORE"
	MethodDelete       RPCMethod = "DELETE"
	MethodUpdate       RPCMethod = "UPDATE"
	MethodStoreRefresh RPCMethod = "STORE_REFRESH"
)

// KeyValueSignature is a signed (key, value) pair: signature = sign(value,
// signer.private_key). The signer is identified by SigningPublicKeyID.
type KeyValueSignature struct {
	Key                key.ID
	Value              []byte
	Signature          []byte
	SigningPublicKeyID string
}

// PingRequest carries no payload.
type PingRequest struct{}

// PingResponse carries no payload beyond the envelope's result code.
type PingResponse struct{}

// FindNodesRequest asks the peer for its closest known contacts to Target.
type FindNodesRequest struct {
	Target key.ID
}

// FindNodesResponse carries the k closest validated contacts the
// responding peer knows of.
type FindNodesResponse struct {
	Contacts []Contact
}

// FindValueRequest asks the peer to return any value it stores under
// Target, or its closest contacts otherwise.
type FindValueRequest struct {
	Target key.ID
}

// FindValueResponse's Values and Contacts are mutually exclusive, except
// that AlternativeStoreHolder may accompany an empty Values/Contacts case
//.
type FindValueResponse struct {
	Values                 []KeyValueSignature
	Contacts               []Contact
	AlternativeStoreHolder *Contact
}

// StoreRequest asks the peer to hold kvs for TTL, as signed by the signer
// identified by SigningPublicKeyID.
type StoreRequest struct {
	KVS                KeyValueSignature
	TTLSeconds         int64
	SigningPublicKeyID string
}

// StoreResponse carries only the envelope's result code.
type StoreResponse struct{}

// DeleteRequest asks the peer to tombstone the record matching Key/Value,
// authorized by Signature from the signer identified by
// SigningPublicKeyID.
type DeleteRequest struct {
	Key                key.ID
	Value              []byte
	Signature          []byte
	SigningPublicKeyID string
}

// DeleteResponse carries only the envelope's result code.
type DeleteResponse struct{}

// UpdateRequest asks the peer to atomically Store NewKVS then Delete
// OldKVS.
type UpdateRequest struct {
	NewKVS             KeyValueSignature
	OldKVS             KeyValueSignature
	TTLSeconds         int64
	SigningPublicKeyID string
}

// UpdateResponse carries only the envelope's result code.
type UpdateResponse struct{}

// StoreRefreshRequest forwards an original signed store request for
// republication, without re-deriving the signature.
type StoreRefreshRequest struct {
	OriginalRequest StoreRequest
	Signature       []byte
}

// StoreRefreshResponse carries only the envelope's result code.
type StoreRefreshResponse struct{}

// Request is the envelope every RPC request travels in.
type Request struct {
	SenderContact      Contact
	SigningPublicKeyID string
	Method             RPCMethod
	Payload            any
	Signature          []byte
}

// Response is the envelope every RPC response travels in.
// ResultCode is nil on success.
type Response struct {
	ResultCode error
	Payload    any
	RankInfo   RankInfo
}
