// Package gateway wraps the on-chain AutoPayer escrow contract. Every
// coordinator transition maps to exactly one contract call plus a
// wait-for-confirmation, and every revert or timeout is normalized into a
// typed error, never a raw RPC failure.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrRPCConnection     = errors.New("gateway: RPC connection failed")
	ErrInvalidPrivateKey = errors.New("gateway: invalid private key")
	ErrTxFailed          = errors.New("gateway: transaction reverted")
	ErrTimeout           = errors.New("gateway: confirmation timed out")
	ErrDisabled          = errors.New("gateway: chain access not configured")
)

// CallError wraps contract call failures with context.
type CallError struct {
	Op     string // contract method that failed
	TxHash string // transaction hash if the tx was sent
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("gateway: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("gateway: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Result is the normalized outcome of a confirmed contract call.
type Result struct {
	Success     bool
	TxHash      string
	RequestID   uint64 // on-chain request id; set by CreateRequest
	BlockNumber uint64
	GasUsed     uint64
}

// CreateParams are the arguments for opening an escrow on chain.
type CreateParams struct {
	Requester       string
	Token           string
	TokenAmount     *big.Int // smallest token unit
	FiatAmountCents int64
	Currency        string
	BankDetailsHash [32]byte
	ExpiresAt       time.Time
}

// Gateway is the contract surface the escrow coordinator depends on.
type Gateway interface {
	CreateRequest(ctx context.Context, p CreateParams) (*Result, error)
	Accept(ctx context.Context, requestID uint64, payer string) (*Result, error)
	SubmitReceipt(ctx context.Context, requestID uint64, receiptHash string) (*Result, error)
	VerifyAndRelease(ctx context.Context, requestID uint64, approved bool) (*Result, error)
	Cancel(ctx context.Context, requestID uint64) (*Result, error)
	RaiseDispute(ctx context.Context, requestID uint64, raisedBy string) (*Result, error)
	ResolveDispute(ctx context.Context, requestID uint64, favorPayer bool) (*Result, error)
	HandleExpired(ctx context.Context, requestID uint64) (*Result, error)

	// ContractAddress returns the escrow contract address records point at.
	ContractAddress() string
}
