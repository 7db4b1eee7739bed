package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists escrow records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	verificationJSON, err := marshalVerification(r.AIVerification)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, request_id, contract_address, requester_address, payer_address,
			token_address, token_symbol, token_amount, fiat_amount, fiat_currency,
			bank_details, description, receipt_requirements,
			status, receipt_hash, receipt_file_url, receipt_file_name,
			is_disputed, dispute_reason, ai_verification, transaction_hash,
			payout_amount, fee_amount,
			expires_at, paid_at, completed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8::NUMERIC(78,0), $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21,
			$22, $23,
			$24, $25, $26, $27, $28
		)`,
		r.ID, int64(r.RequestID), strings.ToLower(r.ContractAddress),
		r.RequesterAddress, nullString(r.PayerAddress),
		r.TokenAddress, nullString(r.TokenSymbol), r.TokenAmount, r.FiatAmount, r.FiatCurrency,
		r.BankDetails, nullString(r.Description), r.ReceiptRequirements,
		string(r.Status), nullString(r.ReceiptHash), nullString(r.ReceiptFileURL), nullString(r.ReceiptFileName),
		r.IsDisputed, nullString(r.DisputeReason), verificationJSON, nullString(r.TransactionHash),
		nullString(r.PayoutAmount), nullString(r.FeeAmount),
		r.ExpiresAt, nullTime(r.PaidAt), nullTime(r.CompletedAt), r.CreatedAt, r.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, request_id, contract_address, requester_address, payer_address,
		       token_address, token_symbol, token_amount::TEXT, fiat_amount, fiat_currency,
		       bank_details, description, receipt_requirements,
		       status, receipt_hash, receipt_file_url, receipt_file_name,
		       is_disputed, dispute_reason, ai_verification, transaction_hash,
		       payout_amount, fee_amount,
		       expires_at, paid_at, completed_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByRequestID(ctx context.Context, requestID uint64) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE request_id = $1`, int64(requestID))

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) GetByContractAddress(ctx context.Context, address string) (*Request, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE contract_address = $1
		ORDER BY created_at DESC
		LIMIT 1`, strings.ToLower(address))

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Request) error {
	verificationJSON, err := marshalVerification(r.AIVerification)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			payer_address = $1, status = $2,
			receipt_hash = $3, receipt_file_url = $4, receipt_file_name = $5,
			is_disputed = $6, dispute_reason = $7, ai_verification = $8,
			transaction_hash = $9, payout_amount = $10, fee_amount = $11,
			paid_at = $12, completed_at = $13, updated_at = $14
		WHERE id = $15`,
		nullString(r.PayerAddress), string(r.Status),
		nullString(r.ReceiptHash), nullString(r.ReceiptFileURL), nullString(r.ReceiptFileName),
		r.IsDisputed, nullString(r.DisputeReason), verificationJSON,
		nullString(r.TransactionHash), nullString(r.PayoutAmount), nullString(r.FeeAmount),
		nullTime(r.PaidAt), nullTime(r.CompletedAt), r.UpdatedAt,
		r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Request, int, error) {
	where, args := listConditions(filter)

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM escrows`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.Limit
	args = append(args, filter.Limit, offset)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows`+where+`
		ORDER BY created_at DESC
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	result, err := scanRequests(rows)
	return result, total, err
}

func listConditions(filter ListFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.RequesterAddress != "" {
		args = append(args, strings.ToLower(filter.RequesterAddress))
		conds = append(conds, fmt.Sprintf("requester_address = $%d", len(args)))
	}
	if filter.PayerAddress != "" {
		args = append(args, strings.ToLower(filter.PayerAddress))
		conds = append(conds, fmt.Sprintf("payer_address = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (p *PostgresStore) ListOpen(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = 'open' AND expires_at > $1
		ORDER BY created_at DESC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status IN ('open', 'accepted')
		  AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var (
		requestID        int64
		payerAddress     sql.NullString
		tokenSymbol      sql.NullString
		description      sql.NullString
		status           string
		receiptHash      sql.NullString
		receiptFileURL   sql.NullString
		receiptFileName  sql.NullString
		disputeReason    sql.NullString
		verificationJSON []byte
		transactionHash  sql.NullString
		payoutAmount     sql.NullString
		feeAmount        sql.NullString
		paidAt           sql.NullTime
		completedAt      sql.NullTime
	)

	err := s.Scan(
		&r.ID, &requestID, &r.ContractAddress, &r.RequesterAddress, &payerAddress,
		&r.TokenAddress, &tokenSymbol, &r.TokenAmount, &r.FiatAmount, &r.FiatCurrency,
		&r.BankDetails, &description, &r.ReceiptRequirements,
		&status, &receiptHash, &receiptFileURL, &receiptFileName,
		&r.IsDisputed, &disputeReason, &verificationJSON, &transactionHash,
		&payoutAmount, &feeAmount,
		&r.ExpiresAt, &paidAt, &completedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.RequestID = uint64(requestID)
	r.PayerAddress = payerAddress.String
	r.TokenSymbol = tokenSymbol.String
	r.Description = description.String
	r.Status = Status(status)
	r.ReceiptHash = receiptHash.String
	r.ReceiptFileURL = receiptFileURL.String
	r.ReceiptFileName = receiptFileName.String
	r.DisputeReason = disputeReason.String
	r.TransactionHash = transactionHash.String
	r.PayoutAmount = payoutAmount.String
	r.FeeAmount = feeAmount.String
	if paidAt.Valid {
		r.PaidAt = &paidAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if len(verificationJSON) > 0 {
		if err := json.Unmarshal(verificationJSON, &r.AIVerification); err != nil {
			return nil, fmt.Errorf("corrupt ai_verification for escrow %s: %w", r.ID, err)
		}
	}

	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var result []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func marshalVerification(v *VerificationResult) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
