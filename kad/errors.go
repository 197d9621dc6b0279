package kad

import "errors"

// Result-code taxonomy, modelled as sentinel errors rather than
// magic integers so call sites use errors.Is instead of comparing ints.
// kOk has no corresponding error value: success is a nil error.
var (
	// Transport errors.
	ErrTimedOut          = errors.New("kad: timed out")
	ErrRemoteUnreachable = errors.New("kad: remote unreachable")
	ErrNoNetwork         = errors.New("kad: no network")
	ErrBindError         = errors.New("kad: bind error")
	ErrListenError       = errors.New("kad: listen error")
	ErrSendFailure       = errors.New("kad: send failure")
	ErrReceiveFailure    = errors.New("kad: receive failure")

	// Protocol errors.
	ErrSignatureInvalid = errors.New("kad: signature invalid")
	ErrSignerMismatch   = errors.New("kad: signer mismatch")
	ErrMalformedMessage = errors.New("kad: malformed message")
	ErrReplay           = errors.New("kad: replayed request")

	// Semantic errors.
	ErrNotEnoughContacts = errors.New("kad: not enough contacts")
	ErrNotEnoughStores   = errors.New("kad: not enough stores") // response_code == -2 in the source
	// ErrNoBootstrapContacts means every candidate bootstrap contact was
	// tried (whether caller-supplied or loaded from a coord.BootstrapHintStore)
	// and none responded.
	ErrNoBootstrapContacts = errors.New("kad: no bootstrap contacts")
	ErrKeyNotFound         = errors.New("kad: key not found")
	// ErrBootstrapEmpty means Join was called with no bootstrap contacts
	// and no BootstrapHintStore was configured to fall back to.
	ErrBootstrapEmpty  = errors.New("kad: bootstrap list empty")
	ErrNoListeningPort = errors.New("kad: not listening and not client-only")
	ErrAborted         = errors.New("kad: aborted")
	ErrAlreadyJoined   = errors.New("kad: already joined")
	ErrNotJoined       = errors.New("kad: not joined")
)
