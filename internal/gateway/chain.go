package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/autopayer/autopayer/internal/metrics"
)

// AutoPayer escrow contract, platform-operator entry points only.
const autoPayerABI = `[
	{"inputs":[{"name":"requester","type":"address"},{"name":"token","type":"address"},{"name":"tokenAmount","type":"uint256"},{"name":"fiatAmount","type":"uint256"},{"name":"fiatCurrency","type":"string"},{"name":"bankDetailsHash","type":"bytes32"},{"name":"expiresAt","type":"uint256"}],"name":"createRequest","outputs":[{"name":"requestId","type":"uint256"}],"type":"function"},
	{"inputs":[{"name":"requestId","type":"uint256"},{"name":"payer","type":"address"}],"name":"acceptRequest","outputs":[],"type":"function"},
	{"inputs":[{"name":"requestId","type":"uint256"},{"name":"receiptHash","type":"string"}],"name":"submitReceipt","outputs":[],"type":"function"},
	{"inputs":[{"name":"requestId","type":"uint256"},{"name":"approved","type":"bool"}],"name":"verifyAndRelease","outputs":[],"type":"function"},
	{"inputs":[{"name":"requestId","type":"uint256"}],"name":"cancelRequest","outputs":[],"type":"function"},
	{"inputs":[{"name":"requestId","type":"uint256"},{"name":"raisedBy","type":"address"}],"name":"raiseDispute","outputs":[],"type":"function"},
	{"inputs":[{"name":"requestId","type":"uint256"},{"name":"favorPayer","type":"bool"}],"name":"resolveDispute","outputs":[],"type":"function"},
	{"inputs":[{"name":"requestId","type":"uint256"}],"name":"handleExpiredRequest","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"requestId","type":"uint256"},{"indexed":true,"name":"requester","type":"address"},{"indexed":false,"name":"tokenAmount","type":"uint256"}],"name":"RequestCreated","type":"event"}
]`

const (
	// DefaultGasLimit when estimation fails
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 45 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Config for creating a chain gateway
type Config struct {
	RPCURL              string
	PrivateKey          string // hex, 0x prefix optional
	ChainID             int64
	ContractAddress     string
	ConfirmationTimeout time.Duration
}

// Option configures the gateway
type Option func(*ChainGateway)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(g *ChainGateway) {
		g.client = client
	}
}

// ChainGateway executes escrow transitions against the AutoPayer contract.
// All transactions are signed with the platform operator key.
type ChainGateway struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	contract     common.Address
	contractABI  abi.ABI
	confirmation time.Duration
	pollInterval time.Duration
}

var _ Gateway = (*ChainGateway)(nil)

// New creates a gateway connected to the AutoPayer contract.
func New(cfg Config, opts ...Option) (*ChainGateway, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(autoPayerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse AutoPayer ABI: %w", err)
	}

	g := &ChainGateway{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(*publicKey),
		chainID:      big.NewInt(cfg.ChainID),
		contract:     common.HexToAddress(cfg.ContractAddress),
		contractABI:  parsedABI,
		confirmation: cfg.ConfirmationTimeout,
	}
	if g.confirmation <= 0 {
		g.confirmation = DefaultConfirmationTimeout
	}
	g.pollInterval = ConfirmationPollInterval

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.ContractAddress == "" {
		return fmt.Errorf("contract address required")
	}
	return nil
}

// ContractAddress returns the AutoPayer contract address.
func (g *ChainGateway) ContractAddress() string {
	return g.contract.Hex()
}

// OperatorAddress returns the platform signer address.
func (g *ChainGateway) OperatorAddress() string {
	return g.address.Hex()
}

// Ping checks RPC connectivity with a cheap read call.
func (g *ChainGateway) Ping(ctx context.Context) error {
	if _, err := g.client.SuggestGasPrice(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return nil
}

// CreateRequest opens a new escrow on chain. The on-chain request id is read
// back from the RequestCreated event in the receipt.
func (g *ChainGateway) CreateRequest(ctx context.Context, p CreateParams) (*Result, error) {
	if p.TokenAmount == nil || p.TokenAmount.Sign() <= 0 {
		return nil, &CallError{Op: "createRequest", Err: fmt.Errorf("token amount must be positive")}
	}

	res, receipt, err := g.transact(ctx, "createRequest",
		common.HexToAddress(p.Requester),
		common.HexToAddress(p.Token),
		p.TokenAmount,
		big.NewInt(p.FiatAmountCents),
		strings.ToUpper(p.Currency),
		p.BankDetailsHash,
		big.NewInt(p.ExpiresAt.Unix()),
	)
	if err != nil {
		return nil, err
	}

	requestID, err := g.requestIDFromLogs(receipt)
	if err != nil {
		return nil, &CallError{Op: "createRequest", TxHash: res.TxHash, Err: err}
	}
	res.RequestID = requestID
	return res, nil
}

// Accept locks the escrow to a payer.
func (g *ChainGateway) Accept(ctx context.Context, requestID uint64, payer string) (*Result, error) {
	return g.simple(ctx, "acceptRequest", requestID, new(big.Int).SetUint64(requestID), common.HexToAddress(payer))
}

// SubmitReceipt records the payment proof hash on chain.
func (g *ChainGateway) SubmitReceipt(ctx context.Context, requestID uint64, receiptHash string) (*Result, error) {
	return g.simple(ctx, "submitReceipt", requestID, new(big.Int).SetUint64(requestID), receiptHash)
}

// VerifyAndRelease settles a verified escrow: approved pays out to the payer
// minus the platform fee, not approved refunds the full amount to the
// requester.
func (g *ChainGateway) VerifyAndRelease(ctx context.Context, requestID uint64, approved bool) (*Result, error) {
	return g.simple(ctx, "verifyAndRelease", requestID, new(big.Int).SetUint64(requestID), approved)
}

// Cancel refunds an open escrow to its requester.
func (g *ChainGateway) Cancel(ctx context.Context, requestID uint64) (*Result, error) {
	return g.simple(ctx, "cancelRequest", requestID, new(big.Int).SetUint64(requestID))
}

// RaiseDispute freezes the escrow pending resolution.
func (g *ChainGateway) RaiseDispute(ctx context.Context, requestID uint64, raisedBy string) (*Result, error) {
	return g.simple(ctx, "raiseDispute", requestID, new(big.Int).SetUint64(requestID), common.HexToAddress(raisedBy))
}

// ResolveDispute settles a disputed escrow: favorPayer releases the
// fee-adjusted amount to the payer, otherwise the full amount returns to the
// requester.
func (g *ChainGateway) ResolveDispute(ctx context.Context, requestID uint64, favorPayer bool) (*Result, error) {
	return g.simple(ctx, "resolveDispute", requestID, new(big.Int).SetUint64(requestID), favorPayer)
}

// HandleExpired refunds an escrow whose deadline passed without settlement.
func (g *ChainGateway) HandleExpired(ctx context.Context, requestID uint64) (*Result, error) {
	return g.simple(ctx, "handleExpiredRequest", requestID, new(big.Int).SetUint64(requestID))
}

// Close releases the RPC connection.
func (g *ChainGateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

func (g *ChainGateway) simple(ctx context.Context, method string, requestID uint64, args ...interface{}) (*Result, error) {
	res, _, err := g.transact(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	res.RequestID = requestID
	return res, nil
}

// transact packs, signs, sends, and waits for one contract call.
func (g *ChainGateway) transact(ctx context.Context, method string, args ...interface{}) (*Result, *types.Receipt, error) {
	start := time.Now()
	result, receipt, err := g.transactOnce(ctx, method, args...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.GatewayCallsTotal.WithLabelValues(method, outcome).Inc()
	metrics.GatewayCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return result, receipt, err
}

func (g *ChainGateway) transactOnce(ctx context.Context, method string, args ...interface{}) (*Result, *types.Receipt, error) {
	data, err := g.contractABI.Pack(method, args...)
	if err != nil {
		return nil, nil, &CallError{Op: method, Err: err}
	}

	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		return nil, nil, &CallError{Op: method, Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, &CallError{Op: method, Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  g.address,
		To:    &g.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Estimation reverts surface here for bad preconditions, but some
		// nodes refuse estimation entirely; fall back and let the tx decide.
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return nil, nil, &CallError{Op: method, Err: err}
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, nil, &CallError{Op: method, TxHash: signedTx.Hash().Hex(), Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	receipt, err := g.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return nil, nil, &CallError{Op: method, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	if receipt.Status == 0 {
		return nil, nil, &CallError{Op: method, TxHash: signedTx.Hash().Hex(), Err: ErrTxFailed}
	}

	return &Result{
		Success:     true,
		TxHash:      signedTx.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, receipt, nil
}

// waitForReceipt polls until the transaction is mined or the confirmation
// timeout elapses. The wait deliberately does not inherit HTTP deadlines: a
// sent transaction will land whether or not the client hangs around, so we
// use our own bound.
func (g *ChainGateway) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.confirmation)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep polling
				continue
			}
			return receipt, nil
		}
	}
}

// requestIDFromLogs extracts the on-chain request id from the RequestCreated
// event in a createRequest receipt.
func (g *ChainGateway) requestIDFromLogs(receipt *types.Receipt) (uint64, error) {
	eventID := g.contractABI.Events["RequestCreated"].ID
	for _, log := range receipt.Logs {
		if log.Address != g.contract {
			continue
		}
		if len(log.Topics) < 2 || log.Topics[0] != eventID {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64(), nil
	}
	return 0, fmt.Errorf("RequestCreated event not found in receipt")
}
