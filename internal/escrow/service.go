package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/autopayer/autopayer/internal/gateway"
	"github.com/autopayer/autopayer/internal/idgen"
	"github.com/autopayer/autopayer/internal/metrics"
	"github.com/autopayer/autopayer/internal/syncutil"
	"github.com/autopayer/autopayer/internal/validation"
)

// Confidence bands for applying AI verification results.
const (
	AutoApproveConfidence = 0.8
	AutoRejectConfidence  = 0.5
)

// Service implements the escrow lifecycle coordinator.
//
// Each mutating method follows the same shape: validate against the current
// record, call the contract gateway, and commit the local write only when the
// gateway call succeeded. On gateway failure nothing local changes, so there
// is never a rollback step.
type Service struct {
	store    Store
	gateway  gateway.Gateway
	oracle   Oracle
	verifier Verifier
	events   EventEmitter
	logger   *slog.Logger
	locks    syncutil.ShardedMutex
	now      func() time.Time
}

// NewService creates a new escrow coordinator.
func NewService(store Store, gw gateway.Gateway, oracle Oracle, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		gateway: gw,
		oracle:  oracle,
		logger:  logger,
		now:     time.Now,
	}
}

// WithVerifier adds the receipt verification service. Without it, receipt
// submission still works but nothing triggers verification automatically.
func (s *Service) WithVerifier(v Verifier) *Service {
	s.verifier = v
	return s
}

// WithEvents adds an event emitter for lifecycle events.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create validates the terms, opens the escrow on chain, and persists the
// record as OPEN. The declared token amount must stay within the oracle's
// deviation tolerance of the quoted amount for the fiat leg.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Request, error) {
	if strings.TrimSpace(req.ReceiptRequirements) == "" {
		return nil, ErrMissingRequirements
	}
	if req.FiatAmount <= 0 {
		return nil, fmt.Errorf("%w: fiat amount must be positive", ErrInvalidAmount)
	}
	if !s.oracle.SupportsToken(req.TokenAddress) {
		return nil, fmt.Errorf("%w: token %s", ErrUnsupportedAsset, req.TokenAddress)
	}
	if !s.oracle.SupportsCurrency(req.FiatCurrency) {
		return nil, fmt.Errorf("%w: currency %s", ErrUnsupportedAsset, req.FiatCurrency)
	}
	if !s.oracle.IsValidEscrowAmount(req.TokenAmount) {
		return nil, ErrInvalidAmount
	}

	declared, err := decimal.NewFromString(req.TokenAmount)
	if err != nil || declared.Sign() <= 0 {
		return nil, fmt.Errorf("%w: token amount must be a positive integer", ErrInvalidAmount)
	}

	if err := s.checkAmountDeviation(req, declared); err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := now.Add(s.oracle.EscrowDuration())

	res, err := s.gateway.CreateRequest(ctx, gateway.CreateParams{
		Requester:       req.RequesterAddress,
		Token:           req.TokenAddress,
		TokenAmount:     declared.BigInt(),
		FiatAmountCents: req.FiatAmount,
		Currency:        req.FiatCurrency,
		BankDetailsHash: crypto.Keccak256Hash([]byte(req.BankDetails)),
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		return nil, fmt.Errorf("contract create failed: %w", err)
	}

	record := &Request{
		ID:                  idgen.WithPrefix("esc_"),
		RequestID:           res.RequestID,
		ContractAddress:     s.gateway.ContractAddress(),
		RequesterAddress:    validation.SanitizeAddress(req.RequesterAddress),
		TokenAddress:        strings.ToLower(req.TokenAddress),
		TokenSymbol:         req.TokenSymbol,
		TokenAmount:         declared.String(),
		FiatAmount:          req.FiatAmount,
		FiatCurrency:        strings.ToUpper(req.FiatCurrency),
		BankDetails:         req.BankDetails,
		Description:         req.Description,
		ReceiptRequirements: req.ReceiptRequirements,
		Status:              StatusOpen,
		TransactionHash:     res.TxHash,
		ExpiresAt:           expiresAt,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.Create(ctx, record); err != nil {
		// The on-chain request exists but the record write failed. There is
		// no compensating call that returns the chain to its prior state
		// without also refunding the requester, so flag for manual recovery.
		s.logger.Error("CRITICAL: on-chain escrow created but record write failed",
			"requestId", res.RequestID, "txHash", res.TxHash, "error", err)
		return nil, fmt.Errorf("failed to persist escrow record (request %d requires manual recovery): %w",
			res.RequestID, err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.emit("escrow_created", record)
	return record, nil
}

// checkAmountDeviation enforces that the declared token amount is within
// maxRateDeviationBps of the oracle quote for the fiat amount.
func (s *Service) checkAmountDeviation(req CreateRequest, declared decimal.Decimal) error {
	quoteStr, err := s.oracle.QuoteTokenAmount(req.FiatCurrency, req.TokenAddress, req.FiatAmount)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	quote, err := decimal.NewFromString(quoteStr)
	if err != nil || quote.Sign() <= 0 {
		return fmt.Errorf("%w: unusable quote for %s/%s", ErrQuoteUnavailable, req.FiatCurrency, req.TokenAddress)
	}

	deviation := declared.Sub(quote).Abs().Div(quote).Mul(decimal.NewFromInt(10000))
	if deviation.Cmp(decimal.NewFromInt(s.oracle.MaxRateDeviationBps())) > 0 {
		return fmt.Errorf("%w: declared %s vs quoted %s (%s bps)",
			ErrAmountDeviation, declared, quote, deviation.Round(0))
	}
	return nil
}

// Accept locks an open escrow to a payer. Expired or self-accepting calls
// never reach the chain.
func (s *Service) Accept(ctx context.Context, id, payerAddress string) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Status != StatusOpen {
		return nil, ErrInvalidStatus
	}
	if !s.now().Before(record.ExpiresAt) {
		return nil, ErrExpired
	}
	if strings.EqualFold(payerAddress, record.RequesterAddress) {
		return nil, ErrSelfAccept
	}

	res, err := s.gateway.Accept(ctx, record.RequestID, payerAddress)
	if err != nil {
		return nil, fmt.Errorf("contract accept failed: %w", err)
	}

	now := s.now()
	record.PayerAddress = validation.SanitizeAddress(payerAddress)
	record.Status = StatusAccepted
	record.TransactionHash = res.TxHash
	record.UpdatedAt = now

	if err := s.commit(ctx, record); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusAccepted)).Inc()
	s.emit("escrow_accepted", record)
	return record, nil
}

// SubmitReceipt records the payment proof and kicks off AI verification in
// the background. The caller gets a response as soon as the record is
// written; a verification failure is logged, never surfaced here.
func (s *Service) SubmitReceipt(ctx context.Context, id string, req SubmitProofRequest) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Status != StatusAccepted {
		return nil, ErrInvalidStatus
	}

	receiptHash := req.ReceiptHash
	if receiptHash == "" {
		receiptHash = crypto.Keccak256Hash([]byte(req.ReceiptFileURL)).Hex()
	}

	res, err := s.gateway.SubmitReceipt(ctx, record.RequestID, receiptHash)
	if err != nil {
		return nil, fmt.Errorf("contract receipt submission failed: %w", err)
	}

	now := s.now()
	record.ReceiptFileURL = req.ReceiptFileURL
	record.ReceiptFileName = req.ReceiptFileName
	record.ReceiptHash = receiptHash
	record.PaidAt = &now
	record.Status = StatusReceiptSubmitted
	record.TransactionHash = res.TxHash
	record.UpdatedAt = now

	if err := s.commit(ctx, record); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusReceiptSubmitted)).Inc()
	s.emit("escrow_receipt_submitted", record)
	s.triggerVerification(record.ID)
	return record, nil
}

// triggerVerification runs receipt verification detached from the submitting
// request. Errors and panics stop here.
func (s *Service) triggerVerification(id string) {
	if s.verifier == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("panic in receipt verification", "escrowId", id, "panic", fmt.Sprint(r))
			}
		}()
		if err := s.verifier.VerifyReceipt(context.Background(), id); err != nil {
			s.logger.Warn("receipt verification failed", "escrowId", id, "error", err)
		}
	}()
}

// ApplyVerification maps an AI judgment onto the state machine:
//
//	confidence ≥ 0.8 and verified → release to payer (COMPLETED)
//	confidence < 0.5              → refund requester (REFUNDED)
//	anything else                 → record the result, wait for an operator
//
// If the escrow has left RECEIPT_SUBMITTED since verification started (a
// dispute raced it), the result is dropped without error.
func (s *Service) ApplyVerification(ctx context.Context, id string, result VerificationResult) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Status != StatusReceiptSubmitted {
		s.logger.Info("dropping verification result, escrow moved on",
			"escrowId", id, "status", record.Status)
		return record, nil
	}

	if result.VerifiedAt.IsZero() {
		result.VerifiedAt = s.now()
	}
	record.AIVerification = &result
	metrics.VerificationConfidence.Observe(result.Confidence)

	switch {
	case result.Confidence >= AutoApproveConfidence && result.IsVerified:
		if err := s.settle(ctx, record, true); err != nil {
			return nil, err
		}
		metrics.VerificationsTotal.WithLabelValues("approved").Inc()
		s.emit("escrow_verified", record)

	case result.Confidence < AutoRejectConfidence:
		if err := s.settle(ctx, record, false); err != nil {
			return nil, err
		}
		metrics.VerificationsTotal.WithLabelValues("rejected").Inc()
		s.emit("escrow_verified", record)

	default:
		// Manual-review band: keep the status, keep the result.
		record.UpdatedAt = s.now()
		if err := s.commit(ctx, record); err != nil {
			return nil, err
		}
		metrics.VerificationsTotal.WithLabelValues("manual_review").Inc()
		s.emit("escrow_verified", record)
	}

	return record, nil
}

// settle performs the verifyAndRelease contract call and the matching local
// transition. Caller must hold the per-ID lock.
func (s *Service) settle(ctx context.Context, record *Request, approved bool) error {
	res, err := s.gateway.VerifyAndRelease(ctx, record.RequestID, approved)
	if err != nil {
		return fmt.Errorf("contract release failed: %w", err)
	}
	s.applySettlement(record, approved, res.TxHash)
	return s.commit(ctx, record)
}

// applySettlement writes the terminal settlement fields. Fees use the
// oracle's fee rate at release time, not at creation.
func (s *Service) applySettlement(record *Request, favorPayer bool, txHash string) {
	now := s.now()
	record.TransactionHash = txHash
	record.UpdatedAt = now

	if favorPayer {
		payout, fee := splitFee(record.TokenAmount, s.oracle.FeeRateBps())
		record.Status = StatusCompleted
		record.PayoutAmount = payout
		record.FeeAmount = fee
		record.CompletedAt = &now
		metrics.EscrowSettlementDuration.Observe(now.Sub(record.CreatedAt).Seconds())
	} else {
		record.Status = StatusRefunded
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(record.Status)).Inc()
}

// splitFee computes payer and fee-recipient amounts in the token's smallest
// unit: fee = amount * bps / 10000, truncated; the payer gets the remainder.
func splitFee(tokenAmount string, feeRateBps int64) (payout, fee string) {
	amount, err := decimal.NewFromString(tokenAmount)
	if err != nil {
		return tokenAmount, "0"
	}
	f := amount.Mul(decimal.NewFromInt(feeRateBps)).Div(decimal.NewFromInt(10000)).Truncate(0)
	return amount.Sub(f).String(), f.String()
}

// Cancel withdraws an open escrow, refunding the requester's tokens.
func (s *Service) Cancel(ctx context.Context, id, requesterAddress string) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(requesterAddress, record.RequesterAddress) {
		return nil, ErrUnauthorized
	}
	if record.Status != StatusOpen {
		return nil, ErrInvalidStatus
	}

	res, err := s.gateway.Cancel(ctx, record.RequestID)
	if err != nil {
		return nil, fmt.Errorf("contract cancel failed: %w", err)
	}

	record.Status = StatusCancelled
	record.TransactionHash = res.TxHash
	record.UpdatedAt = s.now()

	if err := s.commit(ctx, record); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.emit("escrow_cancelled", record)
	return record, nil
}

// RaiseDispute freezes an in-flight escrow. Only the two parties can raise
// one, and only after acceptance.
func (s *Service) RaiseDispute(ctx context.Context, id, userAddress, reason string) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(userAddress, record.RequesterAddress) &&
		!strings.EqualFold(userAddress, record.PayerAddress) {
		return nil, ErrUnauthorized
	}
	if record.Status != StatusAccepted && record.Status != StatusReceiptSubmitted {
		return nil, ErrInvalidStatus
	}

	res, err := s.gateway.RaiseDispute(ctx, record.RequestID, userAddress)
	if err != nil {
		return nil, fmt.Errorf("contract dispute failed: %w", err)
	}

	record.IsDisputed = true
	record.DisputeReason = reason
	record.Status = StatusDisputed
	record.TransactionHash = res.TxHash
	record.UpdatedAt = s.now()

	if err := s.commit(ctx, record); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	s.emit("escrow_disputed", record)
	return record, nil
}

// Resolve settles a disputed escrow or one parked in the manual-review band.
// Operator-only; favorPayer pays out with the fee applied exactly as a
// normal completion, otherwise the requester gets the full amount back.
func (s *Service) Resolve(ctx context.Context, id string, req ResolveRequest) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var res *gateway.Result
	switch record.Status {
	case StatusDisputed:
		res, err = s.gateway.ResolveDispute(ctx, record.RequestID, req.FavorPayer)
	case StatusReceiptSubmitted:
		// Manual review decision on an undisputed escrow.
		res, err = s.gateway.VerifyAndRelease(ctx, record.RequestID, req.FavorPayer)
	default:
		return nil, ErrInvalidStatus
	}
	if err != nil {
		return nil, fmt.Errorf("contract resolve failed: %w", err)
	}

	if req.Reason != "" {
		record.DisputeReason = req.Reason
	}
	s.applySettlement(record, req.FavorPayer, res.TxHash)
	if err := s.commit(ctx, record); err != nil {
		return nil, err
	}

	s.emit("escrow_resolved", record)
	return record, nil
}

// HandleExpired refunds an escrow whose deadline passed while still OPEN or
// ACCEPTED. Called by the expiry timer, or manually.
func (s *Service) HandleExpired(ctx context.Context, id string) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if record.Status != StatusOpen && record.Status != StatusAccepted {
		return nil, ErrInvalidStatus
	}
	if !s.now().After(record.ExpiresAt) {
		return nil, ErrNotExpired
	}

	res, err := s.gateway.HandleExpired(ctx, record.RequestID)
	if err != nil {
		return nil, fmt.Errorf("contract expiry handling failed: %w", err)
	}

	record.Status = StatusCancelled
	record.TransactionHash = res.TxHash
	record.UpdatedAt = s.now()

	if err := s.commit(ctx, record); err != nil {
		return nil, err
	}

	metrics.EscrowTransitionsTotal.WithLabelValues("expired").Inc()
	s.emit("escrow_expired", record)
	return record, nil
}

// Get returns an escrow by internal record id.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// GetByRequestID returns an escrow by its chain-assigned request id.
func (s *Service) GetByRequestID(ctx context.Context, requestID uint64) (*Request, error) {
	return s.store.GetByRequestID(ctx, requestID)
}

// GetByContractAddress returns an escrow by its contract address.
func (s *Service) GetByContractAddress(ctx context.Context, address string) (*Request, error) {
	return s.store.GetByContractAddress(ctx, strings.ToLower(address))
}

// List returns escrows matching the filter plus the total match count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Request, int, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	return s.store.List(ctx, filter)
}

// ListActive returns open, unexpired escrows available to accept.
func (s *Service) ListActive(ctx context.Context, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListOpen(ctx, s.now(), limit)
}

// commit persists a state change that follows a successful contract call.
// The chain has already moved, so a failed write retries once and then
// escalates instead of attempting any compensation.
func (s *Service) commit(ctx context.Context, record *Request) error {
	if err := s.store.Update(ctx, record); err != nil {
		if retryErr := s.store.Update(ctx, record); retryErr != nil {
			s.logger.Error("CRITICAL: chain state moved but record update failed",
				"escrowId", record.ID, "requestId", record.RequestID,
				"status", record.Status, "error", retryErr)
			return fmt.Errorf("failed to update escrow after contract call (requires manual resolution): %w", err)
		}
	}
	return nil
}

func (s *Service) emit(kind string, record *Request) {
	if s.events != nil {
		s.events.EmitEscrowEvent(kind, record)
	}
}
