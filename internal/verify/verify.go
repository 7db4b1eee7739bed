// Package verify implements AI receipt verification: it downloads a
// submitted receipt, asks a vision model to judge it against the escrow
// terms, and hands the result to the escrow coordinator. Any failure along
// the way degrades to a conservative low-confidence rejection instead of an
// error — a model outage must never strand an escrow.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/autopayer/autopayer/internal/circuitbreaker"
	"github.com/autopayer/autopayer/internal/escrow"
	"github.com/autopayer/autopayer/internal/retry"
)

var (
	ErrNotFound     = errors.New("escrow not found")
	ErrInvalidState = errors.New("escrow has no receipt to verify")
	ErrDownload     = errors.New("receipt download failed")
)

const (
	DefaultDownloadTimeout = 30 * time.Second

	// Receipts above this size are rejected before hitting the model.
	maxReceiptBytes = 20 << 20
)

// Coordinator is the slice of the escrow service the verifier needs.
type Coordinator interface {
	Get(ctx context.Context, id string) (*escrow.Request, error)
	ApplyVerification(ctx context.Context, id string, result escrow.VerificationResult) (*escrow.Request, error)
}

// Service downloads receipts and drives model verification.
type Service struct {
	coordinator     Coordinator
	model           Model
	breaker         *circuitbreaker.Breaker
	downloader      *http.Client
	downloadTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures the verification service.
type Option func(*Service)

// WithDownloadTimeout bounds the receipt download.
func WithDownloadTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.downloadTimeout = d
			s.downloader.Timeout = d
		}
	}
}

// WithClock overrides the time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the verification service. The model call sits behind a
// circuit breaker so a dead upstream fails fast instead of holding goroutines
// open for the full request timeout.
func NewService(coordinator Coordinator, model Model, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		coordinator:     coordinator,
		model:           model,
		breaker:         circuitbreaker.New("openai", 5, 2*time.Minute),
		downloadTimeout: DefaultDownloadTimeout,
		downloader: &http.Client{
			Timeout: DefaultDownloadTimeout,
		},
		logger: logger.With("component", "verify"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ escrow.Verifier = (*Service)(nil)

// VerifyReceipt runs the full verification pipeline for an escrow. Pipeline
// failures past the initial guards are converted into a fallback rejection
// and still applied, so the record always ends up with a recorded result.
func (s *Service) VerifyReceipt(ctx context.Context, escrowID string) error {
	record, err := s.coordinator.Get(ctx, escrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, escrowID)
		}
		return fmt.Errorf("failed to load escrow %s: %w", escrowID, err)
	}

	if record.ReceiptFileURL == "" || record.ReceiptRequirements == "" {
		return fmt.Errorf("%w: %s", ErrInvalidState, escrowID)
	}

	verdict, err := s.judge(ctx, record)
	if err != nil {
		s.logger.Warn("verification degraded to fallback rejection",
			"escrowId", escrowID,
			"error", err)
		verdict = &ModelVerdict{
			IsVerified: false,
			Confidence: 0,
			Reason:     fmt.Sprintf("verification failed: %v", err),
		}
	}

	result := escrow.VerificationResult{
		IsVerified: verdict.IsVerified,
		Confidence: verdict.Confidence,
		Reason:     verdict.Reason,
		VerifiedAt: s.now().UTC(),
	}
	if err == nil {
		result.Checks = &escrow.VerificationChecks{
			AmountMatch:      verdict.AmountMatch,
			BankDetailsMatch: verdict.BankDetailsMatch,
			DateRecent:       verdict.DateRecent,
			Authentic:        verdict.Authentic,
		}
	}

	if _, err := s.coordinator.ApplyVerification(ctx, escrowID, result); err != nil {
		return fmt.Errorf("failed to apply verification for %s: %w", escrowID, err)
	}

	s.logger.Info("verification applied",
		"escrowId", escrowID,
		"isVerified", result.IsVerified,
		"confidence", result.Confidence)
	return nil
}

// judge downloads the receipt and asks the model for a verdict.
func (s *Service) judge(ctx context.Context, record *escrow.Request) (*ModelVerdict, error) {
	image, mimeType, err := s.download(ctx, record.ReceiptFileURL)
	if err != nil {
		return nil, err
	}

	if !s.breaker.Allow() {
		return nil, fmt.Errorf("model circuit open, skipping call")
	}

	verdict, err := s.model.JudgeReceipt(ctx, image, mimeType, ReceiptContext{
		FiatAmountCents: record.FiatAmount,
		FiatCurrency:    record.FiatCurrency,
		BankDetails:     record.BankDetails,
		Requirements:    record.ReceiptRequirements,
	})
	if err != nil {
		s.breaker.RecordFailure()
		return nil, err
	}
	s.breaker.RecordSuccess()
	return verdict, nil
}

// download fetches the receipt with a bounded timeout, retrying transient
// failures twice with backoff.
func (s *Service) download(ctx context.Context, fileURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.downloadTimeout)
	defer cancel()

	var (
		body     []byte
		mimeType string
	)
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrDownload, err))
		}

		resp, err := s.downloader.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDownload, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return retry.Permanent(fmt.Errorf("%w: status 404", ErrDownload))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrDownload, resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReceiptBytes+1))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDownload, err)
		}
		if len(data) > maxReceiptBytes {
			return retry.Permanent(fmt.Errorf("%w: receipt exceeds %d bytes", ErrDownload, maxReceiptBytes))
		}

		body = data
		mimeType = detectMIME(resp.Header.Get("Content-Type"), data)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return body, mimeType, nil
}

// detectMIME prefers the server-declared content type, falling back to
// content sniffing. The model payload needs a concrete image type.
func detectMIME(declared string, data []byte) string {
	if declared != "" {
		if idx := strings.IndexByte(declared, ';'); idx >= 0 {
			declared = declared[:idx]
		}
		declared = strings.TrimSpace(declared)
		if declared != "" && declared != "application/octet-stream" {
			return declared
		}
	}
	return http.DetectContentType(data)
}
