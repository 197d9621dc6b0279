// Package rpc implements the wire codec for RPC request/response envelopes:
// a length-prefixed, msgpack-encoded frame.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/plprobelab/kadcore/kad"
)

// MaxFrameSize bounds a single encoded frame, guarding against a hostile
// or corrupt length prefix driving an unbounded allocation.
const MaxFrameSize = 64 * 1024

// requestEnvelope/responseEnvelope carry the operation-specific payload as
// its own msgpack-encoded bytes. kad.Request.Payload and kad.Response.Payload
// are declared `any` (one of several per-method structs, not a closed Go
// type), so the codec needs the method tag to know which concrete type to
// unmarshal the inner bytes into.
type requestEnvelope struct {
	SenderContact      kad.Contact
	SigningPublicKeyID string
	Method             kad.RPCMethod
	Payload            []byte
	Signature          []byte
}

type responseEnvelope struct {
	ResultCode string // empty on success; otherwise the sentinel error's message
	Payload    []byte
	RankInfo   kad.RankInfo
}

// EncodeRequest marshals req into a length-prefixed frame.
func EncodeRequest(req kad.Request) ([]byte, error) {
	payload, err := marshalRequestPayload(req.Method, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode request payload: %w", err)
	}
	body, err := msgpack.Marshal(requestEnvelope{
		SenderContact:      req.SenderContact,
		SigningPublicKeyID: req.SigningPublicKeyID,
		Method:             req.Method,
		Payload:            payload,
		Signature:          req.Signature,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode request envelope: %w", err)
	}
	return frame(body), nil
}

// DecodeRequest unmarshals a request frame's body (length prefix already
// stripped by the caller, e.g. ReadFrame).
func DecodeRequest(body []byte) (kad.Request, error) {
	var env requestEnvelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return kad.Request{}, fmt.Errorf("rpc: decode request envelope: %w", err)
	}
	payload, err := unmarshalRequestPayload(env.Method, env.Payload)
	if err != nil {
		return kad.Request{}, fmt.Errorf("rpc: decode request payload: %w", err)
	}
	return kad.Request{
		SenderContact:      env.SenderContact,
		SigningPublicKeyID: env.SigningPublicKeyID,
		Method:             env.Method,
		Payload:            payload,
		Signature:          env.Signature,
	}, nil
}

// EncodeResponse marshals resp, tagged with the method it answers (the
// wire envelope itself carries no method field, so callers decoding a
// response must already know which request it corresponds to; the service
// package tags each response frame with a method code for this).
func EncodeResponse(method kad.RPCMethod, resp kad.Response) ([]byte, error) {
	payload, err := marshalResponsePayload(method, resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode response payload: %w", err)
	}
	resultCode := ""
	if resp.ResultCode != nil {
		resultCode = resp.ResultCode.Error()
	}
	body, err := msgpack.Marshal(responseEnvelope{
		ResultCode: resultCode,
		Payload:    payload,
		RankInfo:   resp.RankInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode response envelope: %w", err)
	}
	return frame(body), nil
}

// DecodeResponse unmarshals a response frame's body, interpreting Payload
// according to method (the request method the response answers). An error
// response that carries no payload bytes decodes with a nil Payload.
func DecodeResponse(method kad.RPCMethod, body []byte) (kad.Response, error) {
	var env responseEnvelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return kad.Response{}, fmt.Errorf("rpc: decode response envelope: %w", err)
	}
	var payload any
	if env.ResultCode == "" || len(env.Payload) > 0 {
		p, err := unmarshalResponsePayload(method, env.Payload)
		if err != nil {
			return kad.Response{}, fmt.Errorf("rpc: decode response payload: %w", err)
		}
		payload = p
	}
	var resultCode error
	if env.ResultCode != "" {
		resultCode = resultCodeFromString(env.ResultCode)
	}
	return kad.Response{ResultCode: resultCode, Payload: payload, RankInfo: env.RankInfo}, nil
}

// resultCodeSentinels maps a sentinel's Error() string back to the sentinel
// itself, so a decoded response's ResultCode satisfies errors.Is against
// the same values HandleRequest returns, rather than an opaque string
// reconstituted as a new error each time.
var resultCodeSentinels = map[string]error{
	kad.ErrTimedOut.Error():            kad.ErrTimedOut,
	kad.ErrRemoteUnreachable.Error():   kad.ErrRemoteUnreachable,
	kad.ErrNoNetwork.Error():           kad.ErrNoNetwork,
	kad.ErrBindError.Error():           kad.ErrBindError,
	kad.ErrListenError.Error():         kad.ErrListenError,
	kad.ErrSendFailure.Error():         kad.ErrSendFailure,
	kad.ErrReceiveFailure.Error():      kad.ErrReceiveFailure,
	kad.ErrSignatureInvalid.Error():    kad.ErrSignatureInvalid,
	kad.ErrSignerMismatch.Error():      kad.ErrSignerMismatch,
	kad.ErrMalformedMessage.Error():    kad.ErrMalformedMessage,
	kad.ErrReplay.Error():              kad.ErrReplay,
	kad.ErrNotEnoughContacts.Error():   kad.ErrNotEnoughContacts,
	kad.ErrNotEnoughStores.Error():     kad.ErrNotEnoughStores,
	kad.ErrNoBootstrapContacts.Error(): kad.ErrNoBootstrapContacts,
	kad.ErrKeyNotFound.Error():         kad.ErrKeyNotFound,
	kad.ErrBootstrapEmpty.Error():      kad.ErrBootstrapEmpty,
	kad.ErrNoListeningPort.Error():     kad.ErrNoListeningPort,
	kad.ErrAborted.Error():             kad.ErrAborted,
	kad.ErrAlreadyJoined.Error():       kad.ErrAlreadyJoined,
	kad.ErrNotJoined.Error():           kad.ErrNotJoined,
}

// resultCodeFromString recovers the sentinel a response's ResultCode text
// names, or wraps it as an opaque error if it names none (e.g. a future
// peer version's result code this build doesn't recognize).
func resultCodeFromString(s string) error {
	if err, ok := resultCodeSentinels[s]; ok {
		return err
	}
	return fmt.Errorf("rpc: remote result code: %s", s)
}

func frame(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// WriteFrame writes body to w as one length-prefixed frame, the inverse of
// ReadFrame. Exported so callers outside this package that persist their
// own msgpack records (e.g. the coordinator's bootstrap hint store) can
// reuse the same framing without duplicating it.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("rpc: frame size %d exceeds maximum %d", len(body), MaxFrameSize)
	}
	_, err := w.Write(frame(body))
	return err
}

// ReadFrame reads one length-prefixed frame from r, returning its body.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("rpc: frame size %d exceeds maximum %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func marshalRequestPayload(method kad.RPCMethod, payload any) ([]byte, error) {
	switch method {
	case kad.MethodPing:
		return msgpack.Marshal(payload)
	case kad.MethodFindNodes:
		p, _ := payload.(kad.FindNodesRequest)
		return msgpack.Marshal(p)
	case kad.MethodFindValue:
		p, _ := payload.(kad.FindValueRequest)
		return msgpack.Marshal(p)
	case kad.MethodStore:
		p, _ := payload.(kad.StoreRequest)
		return msgpack.Marshal(p)
	case kad.MethodDelete:
		p, _ := payload.(kad.DeleteRequest)
		return msgpack.Marshal(p)
	case kad.MethodUpdate:
		p, _ := payload.(kad.UpdateRequest)
		return msgpack.Marshal(p)
	case kad.MethodStoreRefresh:
		p, _ := payload.(kad.StoreRefreshRequest)
		return msgpack.Marshal(p)
	default:
		return nil, fmt.Errorf("rpc: unknown method %q", method)
	}
}

func unmarshalRequestPayload(method kad.RPCMethod, raw []byte) (any, error) {
	switch method {
	case kad.MethodPing:
		var p kad.PingRequest
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodFindNodes:
		var p kad.FindNodesRequest
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodFindValue:
		var p kad.FindValueRequest
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodStore:
		var p kad.StoreRequest
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodDelete:
		var p kad.DeleteRequest
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodUpdate:
		var p kad.UpdateRequest
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodStoreRefresh:
		var p kad.StoreRefreshRequest
		return p, msgpack.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("rpc: unknown method %q", method)
	}
}

func marshalResponsePayload(method kad.RPCMethod, payload any) ([]byte, error) {
	switch method {
	case kad.MethodPing:
		p, _ := payload.(kad.PingResponse)
		return msgpack.Marshal(p)
	case kad.MethodFindNodes:
		p, _ := payload.(kad.FindNodesResponse)
		return msgpack.Marshal(p)
	case kad.MethodFindValue:
		p, _ := payload.(kad.FindValueResponse)
		return msgpack.Marshal(p)
	case kad.MethodStore:
		p, _ := payload.(kad.StoreResponse)
		return msgpack.Marshal(p)
	case kad.MethodDelete:
		p, _ := payload.(kad.DeleteResponse)
		return msgpack.Marshal(p)
	case kad.MethodUpdate:
		p, _ := payload.(kad.UpdateResponse)
		return msgpack.Marshal(p)
	case kad.MethodStoreRefresh:
		p, _ := payload.(kad.StoreRefreshResponse)
		return msgpack.Marshal(p)
	default:
		return nil, fmt.Errorf("rpc: unknown method %q", method)
	}
}

func unmarshalResponsePayload(method kad.RPCMethod, raw []byte) (any, error) {
	switch method {
	case kad.MethodPing:
		var p kad.PingResponse
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodFindNodes:
		var p kad.FindNodesResponse
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodFindValue:
		var p kad.FindValueResponse
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodStore:
		var p kad.StoreResponse
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodDelete:
		var p kad.DeleteResponse
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodUpdate:
		var p kad.UpdateResponse
		return p, msgpack.Unmarshal(raw, &p)
	case kad.MethodStoreRefresh:
		var p kad.StoreRefreshResponse
		return p, msgpack.Unmarshal(raw, &p)
	default:
		return nil, fmt.Errorf("rpc: unknown method %q", method)
	}
}
