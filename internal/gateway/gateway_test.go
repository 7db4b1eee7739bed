package gateway

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

type fakeEthClient struct {
	nonce       uint64
	sendErr     error
	nonceErr    error
	receipt     *types.Receipt
	receiptErr  error
	receiptLate int // number of polls before the receipt appears
	sent        []*types.Transaction
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, f.nonceErr
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 120000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptLate > 0 {
		f.receiptLate--
		return nil, errors.New("not found")
	}
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if f.receipt == nil {
		return nil, errors.New("not found")
	}
	return f.receipt, nil
}

func (f *fakeEthClient) Close() {}

func testConfig() Config {
	return Config{
		RPCURL:          "https://bsc-testnet.example",
		PrivateKey:      testKey,
		ChainID:         97,
		ContractAddress: testContract,
	}
}

func newTestGateway(t *testing.T, client *fakeEthClient) *ChainGateway {
	t.Helper()
	g, err := New(testConfig(), WithClient(client))
	require.NoError(t, err)
	g.pollInterval = time.Millisecond
	return g
}

func minedReceipt(status uint64) *types.Receipt {
	return &types.Receipt{
		Status:      status,
		BlockNumber: big.NewInt(42),
		GasUsed:     90000,
	}
}

// createdReceipt builds a success receipt carrying a RequestCreated event.
func createdReceipt(g *ChainGateway, requestID uint64) *types.Receipt {
	r := minedReceipt(1)
	r.Logs = []*types.Log{{
		Address: g.contract,
		Topics: []common.Hash{
			g.contractABI.Events["RequestCreated"].ID,
			common.BigToHash(new(big.Int).SetUint64(requestID)),
			common.HexToHash("0x000000000000000000000000aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		},
	}}
	return r
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "valid with 0x prefix", mutate: func(c *Config) { c.PrivateKey = "0x" + testKey }},
		{name: "missing RPC URL", mutate: func(c *Config) { c.RPCURL = "" }, wantErr: true},
		{name: "short private key", mutate: func(c *Config) { c.PrivateKey = "abc" }, wantErr: true},
		{name: "missing chain ID", mutate: func(c *Config) { c.ChainID = 0 }, wantErr: true},
		{name: "missing contract", mutate: func(c *Config) { c.ContractAddress = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCreateRequest(t *testing.T) {
	client := &fakeEthClient{nonce: 7}
	g := newTestGateway(t, client)
	client.receipt = createdReceipt(g, 123)

	res, err := g.CreateRequest(context.Background(), CreateParams{
		Requester:       "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Token:           "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		TokenAmount:     big.NewInt(162_000_000),
		FiatAmountCents: 15000,
		Currency:        "eur",
		ExpiresAt:       time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, uint64(123), res.RequestID)
	assert.Equal(t, uint64(42), res.BlockNumber)
	assert.NotEmpty(t, res.TxHash)
	require.Len(t, client.sent, 1)
	assert.Equal(t, uint64(7), client.sent[0].Nonce())
	assert.Equal(t, g.contract, *client.sent[0].To())
}

func TestCreateRequestRejectsNonPositiveAmount(t *testing.T) {
	g := newTestGateway(t, &fakeEthClient{})

	_, err := g.CreateRequest(context.Background(), CreateParams{
		Requester:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Token:       "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		TokenAmount: big.NewInt(0),
	})
	assert.Error(t, err)
}

func TestCreateRequestMissingEvent(t *testing.T) {
	client := &fakeEthClient{}
	g := newTestGateway(t, client)
	client.receipt = minedReceipt(1) // no logs

	_, err := g.CreateRequest(context.Background(), CreateParams{
		Requester:   "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Token:       "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		TokenAmount: big.NewInt(1),
		ExpiresAt:   time.Now(),
	})
	assert.Error(t, err)
}

func TestTransitionCalls(t *testing.T) {
	tests := []struct {
		name string
		call func(g *ChainGateway) (*Result, error)
	}{
		{"accept", func(g *ChainGateway) (*Result, error) {
			return g.Accept(context.Background(), 5, "0xcccccccccccccccccccccccccccccccccccccccc")
		}},
		{"submit receipt", func(g *ChainGateway) (*Result, error) {
			return g.SubmitReceipt(context.Background(), 5, "QmReceiptHash")
		}},
		{"verify and release approved", func(g *ChainGateway) (*Result, error) {
			return g.VerifyAndRelease(context.Background(), 5, true)
		}},
		{"verify and release rejected", func(g *ChainGateway) (*Result, error) {
			return g.VerifyAndRelease(context.Background(), 5, false)
		}},
		{"cancel", func(g *ChainGateway) (*Result, error) {
			return g.Cancel(context.Background(), 5)
		}},
		{"raise dispute", func(g *ChainGateway) (*Result, error) {
			return g.RaiseDispute(context.Background(), 5, "0xcccccccccccccccccccccccccccccccccccccccc")
		}},
		{"resolve dispute", func(g *ChainGateway) (*Result, error) {
			return g.ResolveDispute(context.Background(), 5, true)
		}},
		{"handle expired", func(g *ChainGateway) (*Result, error) {
			return g.HandleExpired(context.Background(), 5)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeEthClient{receipt: minedReceipt(1)}
			g := newTestGateway(t, client)

			res, err := tt.call(g)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Equal(t, uint64(5), res.RequestID)
			assert.Len(t, client.sent, 1)
		})
	}
}

func TestRevertedTransaction(t *testing.T) {
	client := &fakeEthClient{receipt: minedReceipt(0)}
	g := newTestGateway(t, client)

	_, err := g.Cancel(context.Background(), 5)
	assert.ErrorIs(t, err, ErrTxFailed)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "cancelRequest", callErr.Op)
	assert.NotEmpty(t, callErr.TxHash)
}

func TestSendFailureMapsToRPCError(t *testing.T) {
	client := &fakeEthClient{sendErr: errors.New("connection refused")}
	g := newTestGateway(t, client)

	_, err := g.VerifyAndRelease(context.Background(), 5, true)
	assert.ErrorIs(t, err, ErrRPCConnection)
}

func TestNonceFailureMapsToRPCError(t *testing.T) {
	client := &fakeEthClient{nonceErr: errors.New("connection refused")}
	g := newTestGateway(t, client)

	_, err := g.Accept(context.Background(), 5, "0xcccccccccccccccccccccccccccccccccccccccc")
	assert.ErrorIs(t, err, ErrRPCConnection)
	assert.Empty(t, client.sent)
}

func TestConfirmationTimeout(t *testing.T) {
	client := &fakeEthClient{} // receipt never appears
	g := newTestGateway(t, client)
	g.confirmation = 20 * time.Millisecond

	_, err := g.Cancel(context.Background(), 5)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestConfirmationSurvivesSlowMining(t *testing.T) {
	client := &fakeEthClient{receipt: minedReceipt(1), receiptLate: 3}
	g := newTestGateway(t, client)

	res, err := g.Cancel(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

// The confirmation wait must not die with the caller's HTTP context: a sent
// transaction lands regardless, and the record write depends on the outcome.
func TestConfirmationIgnoresCallerCancellation(t *testing.T) {
	client := &fakeEthClient{receipt: minedReceipt(1), receiptLate: 2}
	g := newTestGateway(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := g.Cancel(ctx, 5)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCallError(t *testing.T) {
	withHash := &CallError{Op: "acceptRequest", TxHash: "0xabc", Err: ErrTxFailed}
	assert.Contains(t, withHash.Error(), "0xabc")
	assert.True(t, errors.Is(withHash, ErrTxFailed))

	withoutHash := &CallError{Op: "createRequest", Err: errors.New("pack failed")}
	assert.Contains(t, withoutHash.Error(), "createRequest failed")
}
