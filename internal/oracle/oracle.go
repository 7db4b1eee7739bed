// Package oracle is the authority for supported assets, exchange rates, and
// platform limits and fees.
//
// It mirrors the on-chain AutoPayerOracle contract state in process memory:
// the chain remains the source of truth for settlement, the mirror is what the
// coordinator consults for validation and quoting. Rates carry an update
// timestamp and are only valid within the configured validity period; rate
// updates that deviate too far from the last valid rate are rejected unless
// the caller holds the override privilege.
package oracle

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/autopayer/autopayer/internal/metrics"
)

var (
	ErrStaleRate           = errors.New("oracle: exchange rate is stale")
	ErrRateNotFound        = errors.New("oracle: no exchange rate for pair")
	ErrRateDeviation       = errors.New("oracle: rate deviates too far from last valid rate")
	ErrInvalidParameter    = errors.New("oracle: invalid parameter")
	ErrUnsupportedToken    = errors.New("oracle: token not supported")
	ErrUnsupportedCurrency = errors.New("oracle: currency not supported")
)

// Token describes a supported settlement token.
type Token struct {
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
	Enabled  bool   `json:"enabled"`
}

// Rate is an exchange rate (token units per one fiat unit) with its update time.
type Rate struct {
	Rate      decimal.Decimal `json:"rate"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Params are the platform-wide escrow parameters. Admin calls can change
// them at runtime; the zero value is not usable, construct via config.
type Params struct {
	PlatformFeeRateBps  int64           `json:"platformFeeRateBps"`
	EscrowDuration      time.Duration   `json:"escrowDuration"`
	MinEscrowAmount     decimal.Decimal `json:"minEscrowAmount"` // smallest token unit
	MaxEscrowAmount     decimal.Decimal `json:"maxEscrowAmount"`
	MaxRateDeviationBps int64           `json:"maxRateDeviationBps"`
	RateValidityPeriod  time.Duration   `json:"rateValidityPeriod"`
}

// EventEmitter receives oracle change events for the realtime feed.
type EventEmitter interface {
	EmitOracleEvent(kind string, data map[string]interface{})
}

// Service holds the oracle state behind a RWMutex. All methods are safe for
// concurrent use.
type Service struct {
	mu         sync.RWMutex
	tokens     map[string]Token // keyed by lowercase address
	currencies map[string]bool  // keyed by upper-case ISO code
	rates      map[string]Rate  // keyed by currency|token
	params     Params
	events     EventEmitter
	now        func() time.Time // injectable clock for tests
}

// NewService creates an oracle service with the given starting parameters.
func NewService(params Params) (*Service, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	return &Service{
		tokens:     make(map[string]Token),
		currencies: make(map[string]bool),
		rates:      make(map[string]Rate),
		params:     params,
		now:        time.Now,
	}, nil
}

// WithEvents adds an event emitter for oracle change events.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func validateParams(p Params) error {
	if p.PlatformFeeRateBps < 0 || p.PlatformFeeRateBps > 10000 {
		return fmt.Errorf("%w: fee rate must be in [0, 10000] bps", ErrInvalidParameter)
	}
	if p.EscrowDuration <= 0 {
		return fmt.Errorf("%w: escrow duration must be positive", ErrInvalidParameter)
	}
	if p.MinEscrowAmount.Sign() <= 0 || p.MaxEscrowAmount.Cmp(p.MinEscrowAmount) < 0 {
		return fmt.Errorf("%w: escrow limits must satisfy 0 < min <= max", ErrInvalidParameter)
	}
	if p.MaxRateDeviationBps <= 0 || p.MaxRateDeviationBps > 10000 {
		return fmt.Errorf("%w: rate deviation must be in (0, 10000] bps", ErrInvalidParameter)
	}
	if p.RateValidityPeriod <= 0 {
		return fmt.Errorf("%w: rate validity period must be positive", ErrInvalidParameter)
	}
	return nil
}

func rateKey(currency, token string) string {
	return strings.ToUpper(currency) + "|" + strings.ToLower(token)
}

// SetSupportedToken enables or disables a settlement token.
func (s *Service) SetSupportedToken(address string, enabled bool, decimals int32) error {
	if decimals < 0 || decimals > 36 {
		return fmt.Errorf("%w: token decimals must be in [0, 36]", ErrInvalidParameter)
	}

	addr := strings.ToLower(address)
	s.mu.Lock()
	s.tokens[addr] = Token{Address: addr, Decimals: decimals, Enabled: enabled}
	s.mu.Unlock()

	s.emit("token_updated", map[string]interface{}{
		"address": addr, "enabled": enabled, "decimals": decimals,
	})
	return nil
}

// SetSupportedCurrency enables or disables a fiat currency.
func (s *Service) SetSupportedCurrency(code string, enabled bool) error {
	code = strings.ToUpper(code)
	if len(code) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidParameter)
	}

	s.mu.Lock()
	if enabled {
		s.currencies[code] = true
	} else {
		delete(s.currencies, code)
	}
	s.mu.Unlock()

	s.emit("currency_updated", map[string]interface{}{"code": code, "enabled": enabled})
	return nil
}

// SupportsToken reports whether the token is an enabled settlement token.
func (s *Service) SupportsToken(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[strings.ToLower(address)]
	return ok && t.Enabled
}

// SupportsCurrency reports whether the fiat currency is enabled.
func (s *Service) SupportsCurrency(code string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currencies[strings.ToUpper(code)]
}

// TokenDecimals returns the decimals of a supported token.
func (s *Service) TokenDecimals(address string) (int32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[strings.ToLower(address)]
	if !ok || !t.Enabled {
		return 0, ErrUnsupportedToken
	}
	return t.Decimals, nil
}

// UpdateExchangeRate stores a new exchange rate for the currency/token pair.
// The rate is token units per one fiat unit. If the pair already has a valid
// rate and the new rate deviates by more than MaxRateDeviationBps, the update
// fails with ErrRateDeviation unless override is set.
func (s *Service) UpdateExchangeRate(currency, token string, rate decimal.Decimal, override bool) error {
	if rate.Sign() <= 0 {
		return fmt.Errorf("%w: rate must be positive", ErrInvalidParameter)
	}

	if err := s.storeRate(currency, token, rate, override); err != nil {
		return err
	}

	metrics.OracleRateUpdatesTotal.WithLabelValues("ok").Inc()
	s.emit("rate_updated", map[string]interface{}{
		"currency": strings.ToUpper(currency),
		"token":    strings.ToLower(token),
		"rate":     rate.String(),
	})
	return nil
}

// storeRate applies the deviation guard and stores the rate under the lock.
func (s *Service) storeRate(currency, token string, rate decimal.Decimal, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.currencies[strings.ToUpper(currency)] {
		return ErrUnsupportedCurrency
	}
	if t, ok := s.tokens[strings.ToLower(token)]; !ok || !t.Enabled {
		return ErrUnsupportedToken
	}

	key := rateKey(currency, token)
	now := s.now()

	if prior, ok := s.rates[key]; ok && !override && s.rateValidLocked(prior, now) {
		// |rate - prior| / prior, in basis points
		deviation := rate.Sub(prior.Rate).Abs().Div(prior.Rate).Mul(decimal.NewFromInt(10000))
		if deviation.Cmp(decimal.NewFromInt(s.params.MaxRateDeviationBps)) > 0 {
			metrics.OracleRateUpdatesTotal.WithLabelValues("deviation_rejected").Inc()
			return fmt.Errorf("%w: %s bps exceeds limit of %d bps",
				ErrRateDeviation, deviation.Round(0), s.params.MaxRateDeviationBps)
		}
	}

	s.rates[key] = Rate{Rate: rate, UpdatedAt: now}
	return nil
}

// GetExchangeRate returns the stored rate for the pair and whether it is
// still within the validity period.
func (s *Service) GetExchangeRate(currency, token string) (decimal.Decimal, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rates[rateKey(currency, token)]
	if !ok {
		return decimal.Zero, false, ErrRateNotFound
	}
	return r.Rate, s.rateValidLocked(r, s.now()), nil
}

// rateValidLocked reports whether the rate is within the validity period.
// Caller must hold s.mu (read or write).
func (s *Service) rateValidLocked(r Rate, now time.Time) bool {
	return now.Sub(r.UpdatedAt) < s.params.RateValidityPeriod
}

// RateFreshness returns how many stored rates are still valid and how many
// exist in total. Used by health checks to flag a feed that has gone quiet.
func (s *Service) RateFreshness() (fresh, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for _, r := range s.rates {
		total++
		if s.rateValidLocked(r, now) {
			fresh++
		}
	}
	return fresh, total
}

// CalculateTokenAmount converts a fiat amount in cents to the equivalent
// token amount in the token's smallest unit, truncated to an integer.
// Fails with ErrStaleRate if the pair has no valid rate.
func (s *Service) CalculateTokenAmount(currency, token string, fiatAmountCents int64) (decimal.Decimal, error) {
	if fiatAmountCents <= 0 {
		return decimal.Zero, fmt.Errorf("%w: fiat amount must be positive", ErrInvalidParameter)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[strings.ToLower(token)]
	if !ok || !tok.Enabled {
		return decimal.Zero, ErrUnsupportedToken
	}
	if !s.currencies[strings.ToUpper(currency)] {
		return decimal.Zero, ErrUnsupportedCurrency
	}

	r, ok := s.rates[rateKey(currency, token)]
	if !ok {
		return decimal.Zero, ErrRateNotFound
	}
	if !s.rateValidLocked(r, s.now()) {
		return decimal.Zero, ErrStaleRate
	}

	// cents/100 * rate, scaled to the token's smallest unit
	fiat := decimal.NewFromInt(fiatAmountCents).Div(decimal.NewFromInt(100))
	return fiat.Mul(r.Rate).Shift(tok.Decimals).Truncate(0), nil
}

// QuoteTokenAmount is CalculateTokenAmount with a string result, for
// consumers that carry amounts as smallest-unit integer strings.
func (s *Service) QuoteTokenAmount(currency, token string, fiatAmountCents int64) (string, error) {
	amount, err := s.CalculateTokenAmount(currency, token, fiatAmountCents)
	if err != nil {
		return "", err
	}
	return amount.String(), nil
}

// IsValidEscrowAmount reports whether a smallest-unit token amount is within
// the platform's escrow limits.
func (s *Service) IsValidEscrowAmount(amount string) bool {
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return v.Cmp(s.params.MinEscrowAmount) >= 0 && v.Cmp(s.params.MaxEscrowAmount) <= 0
}

// Params returns a snapshot of the current platform parameters.
func (s *Service) Params() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// FeeRateBps returns the current platform fee rate in basis points.
func (s *Service) FeeRateBps() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.PlatformFeeRateBps
}

// EscrowDuration returns the current escrow lifetime.
func (s *Service) EscrowDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.EscrowDuration
}

// MaxRateDeviationBps returns the allowed deviation between a declared token
// amount and the oracle quote, in basis points.
func (s *Service) MaxRateDeviationBps() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.MaxRateDeviationBps
}

// SetPlatformFeeRate updates the platform fee rate.
func (s *Service) SetPlatformFeeRate(bps int64) error {
	if bps < 0 || bps > 10000 {
		return fmt.Errorf("%w: fee rate must be in [0, 10000] bps", ErrInvalidParameter)
	}
	s.mu.Lock()
	s.params.PlatformFeeRateBps = bps
	s.mu.Unlock()
	s.emit("fee_rate_updated", map[string]interface{}{"feeRateBps": bps})
	return nil
}

// SetEscrowDuration updates the escrow lifetime applied at creation.
func (s *Service) SetEscrowDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: escrow duration must be positive", ErrInvalidParameter)
	}
	s.mu.Lock()
	s.params.EscrowDuration = d
	s.mu.Unlock()
	s.emit("escrow_duration_updated", map[string]interface{}{"duration": d.String()})
	return nil
}

// SetEscrowLimits updates the min/max escrow amounts (smallest token unit).
func (s *Service) SetEscrowLimits(min, max decimal.Decimal) error {
	if min.Sign() <= 0 || max.Cmp(min) < 0 {
		return fmt.Errorf("%w: escrow limits must satisfy 0 < min <= max", ErrInvalidParameter)
	}
	s.mu.Lock()
	s.params.MinEscrowAmount = min
	s.params.MaxEscrowAmount = max
	s.mu.Unlock()
	s.emit("escrow_limits_updated", map[string]interface{}{
		"min": min.String(), "max": max.String(),
	})
	return nil
}

// SetMaxRateDeviation updates the allowed rate deviation.
func (s *Service) SetMaxRateDeviation(bps int64) error {
	if bps <= 0 || bps > 10000 {
		return fmt.Errorf("%w: rate deviation must be in (0, 10000] bps", ErrInvalidParameter)
	}
	s.mu.Lock()
	s.params.MaxRateDeviationBps = bps
	s.mu.Unlock()
	return nil
}

// SetRateValidityPeriod updates how long a rate update stays valid.
func (s *Service) SetRateValidityPeriod(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: rate validity period must be positive", ErrInvalidParameter)
	}
	s.mu.Lock()
	s.params.RateValidityPeriod = d
	s.mu.Unlock()
	return nil
}

// Tokens returns a snapshot of the token registry.
func (s *Service) Tokens() []Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	return out
}

// Currencies returns a snapshot of the enabled currency codes.
func (s *Service) Currencies() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.currencies))
	for c := range s.currencies {
		out = append(out, c)
	}
	return out
}

func (s *Service) emit(kind string, data map[string]interface{}) {
	if s.events != nil {
		s.events.EmitOracleEvent(kind, data)
	}
}
