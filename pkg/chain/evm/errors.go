package evm

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

type sendOutcome int

const (
	sendUnknown sendOutcome = iota
	sendAlreadyKnown
	sendNonceTooLow
	sendInsufficientFunds
	sendInvalidSignature
	sendUnderpriced
	sendRejected
)

// classifySendError maps txpool error messages, which nodes only expose as
// strings, onto broadcast outcomes.
func classifySendError(err error) sendOutcome {
	if isTransportError(err) {
		return sendUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return sendAlreadyKnown
	case strings.Contains(msg, "nonce too low"):
		return sendNonceTooLow
	case strings.Contains(msg, "insufficient funds"):
		return sendInsufficientFunds
	case strings.Contains(msg, "invalid sender"), strings.Contains(msg, "invalid signature"):
		return sendInvalidSignature
	case strings.Contains(msg, "underpriced"):
		return sendUnderpriced
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return sendRejected
	}
	return sendUnknown
}

// isTransportError reports failures of the endpoint itself rather than
// answers from the node.
func isTransportError(err error) bool {
	if err == nil || errors.Is(err, ethereum.NotFound) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof")
}
