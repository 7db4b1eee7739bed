// Package escrow coordinates peer-to-peer fiat-for-token escrows.
//
// Flow:
//  1. Requester posts tokens → on-chain request created, record OPEN
//  2. Payer accepts → record ACCEPTED, payer locked in
//  3. Payer sends fiat off-chain and submits a receipt → RECEIPT_SUBMITTED,
//     AI verification kicked off in the background
//  4. Verification confidence ≥0.8 with a positive judgment releases tokens
//     to the payer (COMPLETED); <0.5 refunds the requester (REFUNDED); the
//     band in between waits for a human operator
//  5. Either party can dispute after acceptance; open requests can be
//     cancelled by the requester or expire back to the requester
//
// Every transition pairs one contract call with one local write, and the
// local write only happens after the contract call succeeds. The chain and
// the record store must never diverge.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("escrow not found")
	ErrInvalidStatus       = errors.New("invalid escrow status for this operation")
	ErrUnauthorized        = errors.New("not authorized for this escrow operation")
	ErrExpired             = errors.New("escrow has expired")
	ErrNotExpired          = errors.New("escrow has not expired yet")
	ErrSelfAccept          = errors.New("requester cannot accept their own escrow")
	ErrMissingRequirements = errors.New("receipt requirements must not be empty")
	ErrInvalidAmount       = errors.New("token amount outside platform limits")
	ErrAmountDeviation     = errors.New("token amount deviates too far from oracle quote")
	ErrUnsupportedAsset    = errors.New("token or currency not supported")
	ErrQuoteUnavailable    = errors.New("no valid oracle quote for this pair")
)

// Status represents the state of an escrow request.
type Status string

const (
	StatusOpen             Status = "open"              // created, tokens locked on chain
	StatusAccepted         Status = "accepted"          // payer committed to sending fiat
	StatusReceiptSubmitted Status = "receipt_submitted" // payment proof uploaded, verification pending
	StatusDisputed         Status = "disputed"          // frozen pending operator resolution
	StatusCompleted        Status = "completed"         // tokens released to payer
	StatusRefunded         Status = "refunded"          // tokens returned to requester
	StatusCancelled        Status = "cancelled"         // withdrawn or expired before settlement
)

// VerificationResult is the AI judgment of a submitted receipt.
type VerificationResult struct {
	IsVerified bool      `json:"isVerified"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	VerifiedAt time.Time `json:"verifiedAt"`

	Checks *VerificationChecks `json:"checks,omitempty"`
}

// VerificationChecks are the model's per-aspect sub-judgments.
type VerificationChecks struct {
	AmountMatch      bool `json:"amountMatch"`
	BankDetailsMatch bool `json:"bankDetailsMatch"`
	DateRecent       bool `json:"dateRecent"`
	Authentic        bool `json:"authentic"`
}

// Request is an escrow request record. Terms are immutable after creation;
// only status, receipt fields, the verification result, settlement amounts,
// and the last transaction hash change over the lifecycle.
type Request struct {
	ID              string `json:"id"`
	RequestID       uint64 `json:"requestId"` // chain-assigned
	ContractAddress string `json:"contractAddress"`

	RequesterAddress string `json:"requesterAddress"`
	PayerAddress     string `json:"payerAddress,omitempty"` // set on accept, immutable after

	TokenAddress        string `json:"tokenAddress"`
	TokenSymbol         string `json:"tokenSymbol,omitempty"`
	TokenAmount         string `json:"tokenAmount"` // integer, smallest token unit
	FiatAmount          int64  `json:"fiatAmount"`  // integer cents
	FiatCurrency        string `json:"fiatCurrency"`
	BankDetails         string `json:"bankDetails"`
	Description         string `json:"description,omitempty"`
	ReceiptRequirements string `json:"receiptRequirements"`

	Status          Status              `json:"status"`
	ReceiptHash     string              `json:"receiptHash,omitempty"`
	ReceiptFileURL  string              `json:"receiptFileUrl,omitempty"`
	ReceiptFileName string              `json:"receiptFileName,omitempty"`
	IsDisputed      bool                `json:"isDisputed"`
	DisputeReason   string              `json:"disputeReason,omitempty"`
	AIVerification  *VerificationResult `json:"aiVerificationResult,omitempty"`
	TransactionHash string              `json:"transactionHash,omitempty"` // last state-changing tx

	// Settlement amounts, set on the COMPLETED transition.
	PayoutAmount string `json:"payoutAmount,omitempty"` // tokenAmount minus platform fee
	FeeAmount    string `json:"feeAmount,omitempty"`

	ExpiresAt   time.Time  `json:"expiresAt"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Valid reports whether s names a known escrow status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAccepted, StatusReceiptSubmitted, StatusDisputed,
		StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if the escrow is in a final state.
func (r *Request) IsTerminal() bool {
	switch r.Status {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// ListFilter narrows List results. Zero values mean no filtering.
type ListFilter struct {
	Status           Status
	RequesterAddress string
	PayerAddress     string
	Page             int // 1-based
	Limit            int
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetByRequestID(ctx context.Context, requestID uint64) (*Request, error)
	GetByContractAddress(ctx context.Context, address string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	List(ctx context.Context, filter ListFilter) ([]*Request, int, error)
	ListOpen(ctx context.Context, now time.Time, limit int) ([]*Request, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Request, error)
}

// Oracle is the slice of the rate/limits authority the coordinator consults.
type Oracle interface {
	SupportsToken(address string) bool
	SupportsCurrency(code string) bool
	QuoteTokenAmount(currency, token string, fiatAmountCents int64) (string, error)
	IsValidEscrowAmount(amount string) bool
	EscrowDuration() time.Duration
	FeeRateBps() int64
	MaxRateDeviationBps() int64
}

// Verifier kicks off receipt verification. Implementations are expected to
// hand the outcome back via ApplyVerification.
type Verifier interface {
	VerifyReceipt(ctx context.Context, escrowID string) error
}

// EventEmitter receives lifecycle events for the realtime feed.
type EventEmitter interface {
	EmitEscrowEvent(kind string, r *Request)
}

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	RequesterAddress    string `json:"requesterAddress" binding:"required"`
	TokenAddress        string `json:"tokenAddress" binding:"required"`
	TokenSymbol         string `json:"tokenSymbol"`
	TokenAmount         string `json:"tokenAmount" binding:"required"`
	FiatAmount          int64  `json:"fiatAmount" binding:"required"`
	FiatCurrency        string `json:"fiatCurrency" binding:"required"`
	BankDetails         string `json:"bankDetails" binding:"required"`
	Description         string `json:"description"`
	ReceiptRequirements string `json:"receiptRequirements"`
}

// AcceptRequest contains the parameters for accepting an escrow.
type AcceptRequest struct {
	PayerAddress string `json:"payerAddress" binding:"required"`
}

// SubmitProofRequest contains the parameters for submitting a payment receipt.
type SubmitProofRequest struct {
	ReceiptFileURL  string `json:"receiptFileUrl" binding:"required"`
	ReceiptFileName string `json:"receiptFileName"`
	ReceiptHash     string `json:"receiptHash"`
}

// CancelRequest identifies the caller of a cancel.
type CancelRequest struct {
	RequesterAddress string `json:"requesterAddress" binding:"required"`
}

// DisputeRequest contains the parameters for raising a dispute.
type DisputeRequest struct {
	UserAddress string `json:"userAddress" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
}

// ResolveRequest contains the operator's dispute/manual-review decision.
type ResolveRequest struct {
	FavorPayer bool   `json:"favorPayer"`
	Reason     string `json:"reason"`
}
