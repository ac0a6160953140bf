package chain

import (
	"errors"
	"fmt"
)

// ErrUnknownChain is returned for chain ids without a client
var ErrUnknownChain = errors.New("unknown chain")

// TransientError wraps RPC failures that are expected to clear on retry,
// such as timeouts or an unavailable endpoint.
type TransientError struct {
	Chain string
	Op    string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: transient chain error: %v", e.Chain, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NonceConflictError reports that the chain does not accept the nonce a
// transaction was signed with.
type NonceConflictError struct {
	Chain    string
	Nonce    uint64
	Expected uint64
	Err      error
}

func (e *NonceConflictError) Error() string {
	return fmt.Sprintf("%s: nonce conflict: tx nonce %d, chain expects %d: %v", e.Chain, e.Nonce, e.Expected, e.Err)
}

func (e *NonceConflictError) Unwrap() error { return e.Err }

// RejectedError is an unrecoverable refusal, such as insufficient balance
// or a reverted transaction. Reason is a stable reason code.
type RejectedError struct {
	Chain  string
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Chain, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Chain, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a TransientError
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
