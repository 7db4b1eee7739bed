//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autopayer/autopayer/internal/testutil"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func sampleRequest(id string, requestID uint64) *Request {
	now := time.Now().Truncate(time.Microsecond)
	return &Request{
		ID:                  id,
		RequestID:           requestID,
		ContractAddress:     "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		RequesterAddress:    "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		TokenAddress:        "0xdddddddddddddddddddddddddddddddddddddddd",
		TokenSymbol:         "USDT",
		TokenAmount:         "150000000000000000000",
		FiatAmount:          15000,
		FiatCurrency:        "EUR",
		BankDetails:         "IBAN DE89 3704 0044 0532 0130 00",
		Description:         "rent settlement",
		ReceiptRequirements: "SEPA confirmation with amount and IBAN",
		Status:              StatusOpen,
		TransactionHash:     "0xtx0001",
		ExpiresAt:           now.Add(24 * time.Hour),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func TestPostgresCreateAndLookups(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	r := sampleRequest("esc_pg001", 7001)
	require.NoError(t, store.Create(ctx, r))

	byID, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.TokenAmount, byID.TokenAmount)
	assert.Equal(t, r.FiatAmount, byID.FiatAmount)
	assert.Equal(t, StatusOpen, byID.Status)
	assert.WithinDuration(t, r.ExpiresAt, byID.ExpiresAt, time.Millisecond)

	byRequestID, err := store.GetByRequestID(ctx, 7001)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byRequestID.ID)

	byContract, err := store.GetByContractAddress(ctx, r.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byContract.ID)

	_, err = store.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUpdateLifecycle(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	r := sampleRequest("esc_pg002", 7002)
	require.NoError(t, store.Create(ctx, r))

	now := time.Now().Truncate(time.Microsecond)
	r.Status = StatusReceiptSubmitted
	r.PayerAddress = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	r.ReceiptFileURL = "https://ipfs.example/QmReceipt"
	r.ReceiptHash = "0xhash"
	r.PaidAt = &now
	r.AIVerification = &VerificationResult{
		IsVerified: true,
		Confidence: 0.65,
		Reason:     "partially legible",
		VerifiedAt: now,
		Checks:     &VerificationChecks{AmountMatch: true, Authentic: true},
	}
	r.UpdatedAt = now
	require.NoError(t, store.Update(ctx, r))

	fresh, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReceiptSubmitted, fresh.Status)
	assert.Equal(t, r.PayerAddress, fresh.PayerAddress)
	require.NotNil(t, fresh.PaidAt)
	require.NotNil(t, fresh.AIVerification)
	assert.InDelta(t, 0.65, fresh.AIVerification.Confidence, 1e-9)
	require.NotNil(t, fresh.AIVerification.Checks)
	assert.True(t, fresh.AIVerification.Checks.AmountMatch)

	missing := sampleRequest("esc_missing", 9999)
	assert.ErrorIs(t, store.Update(ctx, missing), ErrNotFound)
}

func TestPostgresListFiltersAndPaging(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := sampleRequest(sampleID(i), uint64(7100+i))
		r.CreatedAt = r.CreatedAt.Add(time.Duration(i) * time.Second)
		if i >= 3 {
			r.Status = StatusCompleted
		}
		require.NoError(t, store.Create(ctx, r))
	}

	open, total, err := store.List(ctx, ListFilter{Status: StatusOpen, Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, open, 2)

	page2, total, err := store.List(ctx, ListFilter{Status: StatusOpen, Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page2, 1)

	byRequester, total, err := store.List(ctx, ListFilter{
		RequesterAddress: "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA",
		Page:             1, Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, byRequester, 5)
}

func TestPostgresListOpenAndExpired(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	now := time.Now()

	live := sampleRequest("esc_pg_live", 7201)
	require.NoError(t, store.Create(ctx, live))

	stale := sampleRequest("esc_pg_stale", 7202)
	stale.ExpiresAt = now.Add(-time.Hour)
	require.NoError(t, store.Create(ctx, stale))

	settled := sampleRequest("esc_pg_settled", 7203)
	settled.ExpiresAt = now.Add(-time.Hour)
	settled.Status = StatusCompleted
	require.NoError(t, store.Create(ctx, settled))

	open, err := store.ListOpen(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "esc_pg_live", open[0].ID)

	expired, err := store.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "esc_pg_stale", expired[0].ID)
}

func sampleID(i int) string {
	return "esc_pg_list" + string(rune('a'+i))
}
