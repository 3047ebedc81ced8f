// Package chain defines the chain-client collaborator the coordination core
// drives: transaction submission through a leased relayer, balance reads and
// status polling. The production implementation lives in ethclient.go; tests
// substitute their own.
package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativeToken is the zero address, denoting the chain's native gas token in
// balance queries and transfers.
var NativeToken = common.Address{}

// TxStatus is the lifecycle state of a submitted transaction.
type TxStatus int

const (
	StatusPending TxStatus = iota
	StatusConfirmed
	StatusReverted
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// Request is one user execution to route through a relayer, already encoded
// as a call into the forwarder contract.
type Request struct {
	To       common.Address
	Data     []byte
	GasLimit uint64

	// GasToken is the token the user pays fees in; it constrains relayer
	// selection upstream.
	GasToken common.Address
}

// Client is the chain-side collaborator.
type Client interface {
	// Submit signs and broadcasts the request from the relayer account.
	Submit(ctx context.Context, relayer common.Address, req *Request) (common.Hash, error)

	// GetBalance reads the relayer's balance of the given token
	// (NativeToken for the native coin).
	GetBalance(ctx context.Context, account, token common.Address) (*uint256.Int, error)

	// PollStatus reports the current status of a submitted transaction.
	PollStatus(ctx context.Context, tx common.Hash) (TxStatus, error)
}

// Funder moves funds out of the privileged gas-tank account. It is separate
// from Client so the rebalancer's funding path never touches relayer keys.
type Funder interface {
	Transfer(ctx context.Context, to, token common.Address, amount *uint256.Int) (common.Hash, error)
}

// retryableError marks a transient chain-side failure (RPC blip, nonce
// contention from a concurrent read). The coordinator may rotate to a
// different relayer and retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err as a transient condition.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether the error was marked transient.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
