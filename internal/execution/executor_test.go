package execution

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ggonzalez94/swap-cli/internal/aggregator"
	"github.com/ggonzalez94/swap-cli/internal/allowance"
	"github.com/ggonzalez94/swap-cli/internal/balance"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/provider/providertest"
	"github.com/ggonzalez94/swap-cli/internal/quote"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	wallet = "0x1111111111111111111111111111111111111111"
	router = "0x111111125421ca6dc452d289314280a0f8842a65"
)

type stubAggregator struct {
	mu       sync.Mutex
	swaps    []aggregator.SwapParams
	approves []*big.Int
	swapTx   aggregator.TxPayload

	// approveAmount overrides the amount encoded into approval calldata.
	approveAmount *big.Int
}

func (s *stubAggregator) Swap(_ context.Context, p aggregator.SwapParams) (aggregator.SwapResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swaps = append(s.swaps, p)
	return aggregator.SwapResponse{DstAmount: "25100000", Tx: s.swapTx}, nil
}

func (s *stubAggregator) ApproveTransaction(_ context.Context, tok string, amount *big.Int) (aggregator.TxPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approves = append(s.approves, amount)
	if amount == nil {
		amount = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	}
	if s.approveAmount != nil {
		amount = s.approveAmount
	}
	data, err := policyERC20ABI.Pack("approve", common.HexToAddress(router), amount)
	if err != nil {
		return aggregator.TxPayload{}, err
	}
	return aggregator.TxPayload{To: tok, Data: hexutil.Encode(data), Value: "0"}, nil
}

type stubBalances struct {
	chain     id.Chain
	values    map[token.Key]*big.Int
	refreshes int
}

func (b *stubBalances) Refresh(context.Context) (balance.Snapshot, error) {
	b.refreshes++
	return balance.Snapshot{}, nil
}

func (b *stubBalances) BaseBalance(addr string) (*big.Int, bool) {
	v, ok := b.values[token.BalanceKey(b.chain, addr)]
	return v, ok
}

type fixture struct {
	chain    id.Chain
	native   token.Token
	usdc     token.Token
	agg      *stubAggregator
	balances *stubBalances
	fake     *providertest.Fake
	store    *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	restore := provider.ReceiptPollInterval
	provider.ReceiptPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { provider.ReceiptPollInterval = restore })

	chain, err := id.ParseChain("base")
	require.NoError(t, err)
	usdc, _ := token.ReferenceStable(chain)
	fake := providertest.New(wallet)
	fake.Handle("eth_sendTransaction", func([]json.RawMessage) (any, error) { return "0xswap", nil })
	fake.Handle("eth_getTransactionReceipt", providertest.ConfirmedReceipt)

	return &fixture{
		chain:  chain,
		native: token.Native(chain),
		usdc:   usdc,
		agg: &stubAggregator{swapTx: aggregator.TxPayload{
			To: router, Data: "0x12aa3caf", Value: "10000000000000000", Gas: "182000", GasPrice: "0x3b9aca00",
		}},
		balances: &stubBalances{chain: chain, values: map[token.Key]*big.Int{
			token.NativeKey: big.NewInt(1_000_000_000_000_000_000),
			usdc.Key():      big.NewInt(10_000_000),
		}},
		fake:  fake,
		store: openTestStore(t),
	}
}

func (f *fixture) executor(cfg Config) *Executor {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg.ChainID = f.chain.CAIP2()
	return New(f.agg, f.fake, f.balances, f.store, cfg, log)
}

func (f *fixture) quote(sell, buy token.Token, amount string, base int64) quote.Quote {
	return quote.Quote{
		Request:    quote.Request{SellToken: sell, BuyToken: buy, SellAmount: amount},
		SellBase:   big.NewInt(base),
		DestAmount: "25000000",
		Terms:      quote.Terms{Slippage: "1", Fee: "0.5", Referrer: "0x2222222222222222222222222222222222222222"},
	}
}

func TestNativeSwapSubmitsSingleTransactionWithValue(t *testing.T) {
	f := newFixture(t)
	ex := f.executor(Config{})
	q := f.quote(f.native, f.usdc, "0.01", 10_000_000_000_000_000)

	res, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseNotApplicable, Token: f.native})
	require.NoError(t, err)
	require.Equal(t, ModeSingle, res.Mode)
	require.Equal(t, "0xswap", res.TxHash)
	require.Equal(t, router, res.ContractCalled)
	require.Equal(t, "0.01", res.AmountIn)
	require.Equal(t, "25.1", res.AmountOut)
	require.Equal(t, "0.00005", res.FeeAmount)
	require.Equal(t, 1, f.balances.refreshes)

	sent := f.fake.Requests("eth_sendTransaction")
	require.Len(t, sent, 1)
	var tx provider.TxRequest
	require.NoError(t, json.Unmarshal(sent[0].Params[0], &tx))
	require.Equal(t, "0x2386f26fc10000", tx.Value)
	require.Equal(t, router, tx.To)
	require.Equal(t, "0x2c6f0", tx.Gas)
	require.Equal(t, "0x3b9aca00", tx.GasPrice)

	require.Len(t, f.agg.swaps, 1)
	swap := f.agg.swaps[0]
	require.Equal(t, token.NativeSentinel, swap.Src)
	require.Equal(t, "10000000000000000", swap.Amount)
	require.Equal(t, "1", swap.Slippage)
	require.Equal(t, "0.5", swap.Fee)
	require.Equal(t, q.Terms.Referrer, swap.Referrer)
	require.False(t, swap.DisableEstimate)

	journaled, err := f.store.Get(context.Background(), res.ActionID)
	require.NoError(t, err)
	require.Equal(t, ActionStatusCompleted, journaled.Status)
	require.Equal(t, StepStatusConfirmed, journaled.Steps[0].Status)
	require.Equal(t, "0xswap", journaled.Result.TxHash)
}

func TestTokenSwapWithoutApprovalFailsWhenNotBatched(t *testing.T) {
	f := newFixture(t)
	ex := f.executor(Config{})
	q := f.quote(f.usdc, f.native, "5", 5_000_000)
	st := allowance.State{
		Phase:            allowance.PhaseNeedsApproval,
		Token:            f.usdc,
		CurrentAllowance: big.NewInt(0),
		RequiredAmount:   big.NewInt(5_000_000),
		NeedsApproval:    true,
	}

	_, err := ex.Execute(context.Background(), q, st)
	require.True(t, clierr.Is(err, clierr.CodeApprovalRequired), "got %v", err)
	require.Zero(t, f.fake.Count("eth_sendTransaction"))
	require.Empty(t, f.agg.swaps)

	failed, err := f.store.List(context.Background(), ListFilter{Status: ActionStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestUnknownAllowanceBlocksSingleSwap(t *testing.T) {
	f := newFixture(t)
	ex := f.executor(Config{})
	q := f.quote(f.usdc, f.native, "5", 5_000_000)
	_, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseUnknown})
	require.True(t, clierr.Is(err, clierr.CodeApprovalRequired))
}

func TestBatchedApprovalAndSwap(t *testing.T) {
	f := newFixture(t)
	f.fake.Batch = true
	f.agg.swapTx.Value = "0"
	ex := f.executor(Config{})
	q := f.quote(f.usdc, f.native, "5", 5_000_000)
	st := allowance.State{Phase: allowance.PhaseNeedsApproval, Token: f.usdc, CurrentAllowance: big.NewInt(0), RequiredAmount: big.NewInt(5_000_000), NeedsApproval: true}

	res, err := ex.Execute(context.Background(), q, st)
	require.NoError(t, err)
	require.Equal(t, ModeBatched, res.Mode)
	require.Equal(t, "0xbatchhash", res.TxHash)
	require.Zero(t, f.fake.Count("eth_sendTransaction"))

	batches := f.fake.SentBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	require.True(t, strings.HasPrefix(batches[0][0].Data, "0x095ea7b3"))
	require.True(t, strings.EqualFold(f.usdc.Address, batches[0][0].To))
	require.Equal(t, "0x0", batches[0][0].Value)
	require.Equal(t, router, batches[0][1].To)
	require.Equal(t, "0x0", batches[0][1].Value)

	require.Equal(t, "5000000", f.agg.approves[0].String())
	require.True(t, f.agg.swaps[0].DisableEstimate)

	journaled, err := f.store.Get(context.Background(), res.ActionID)
	require.NoError(t, err)
	require.Len(t, journaled.Steps, 2)
	require.Equal(t, StepTypeApproval, journaled.Steps[0].Type)
	require.Equal(t, "batch-1", journaled.Steps[1].BatchID)
}

func TestBatchFailureIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.fake.Batch = true
	f.fake.WaitCallsFn = func(string) (string, error) { return "", context.DeadlineExceeded }
	ex := f.executor(Config{})
	q := f.quote(f.usdc, f.native, "5", 5_000_000)

	_, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseUnknown})
	require.True(t, clierr.Is(err, clierr.CodeNetwork))
	failed, err := f.store.List(context.Background(), ListFilter{Status: ActionStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
}

func TestDriftedBalanceIsRejectedBeforeSwapPayload(t *testing.T) {
	f := newFixture(t)
	f.balances.values[token.NativeKey] = big.NewInt(10_000_000_000_000_000)
	ex := f.executor(Config{})
	q := f.quote(f.native, f.usdc, "0.01", 10_000_000_000_000_000)

	_, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseNotApplicable})
	require.True(t, clierr.Is(err, clierr.CodeInsufficientBalance), "got %v", err)
	require.Empty(t, f.agg.swaps)
}

func TestRevertedSwapIsNetworkError(t *testing.T) {
	f := newFixture(t)
	f.fake.Handle("eth_getTransactionReceipt", func([]json.RawMessage) (any, error) {
		return map[string]string{"transactionHash": "0xswap", "status": "0x0", "blockNumber": "0x1", "gasUsed": "0x1"}, nil
	})
	ex := f.executor(Config{})
	q := f.quote(f.native, f.usdc, "0.01", 10_000_000_000_000_000)

	_, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseNotApplicable})
	require.True(t, clierr.Is(err, clierr.CodeNetwork))
	typed, _ := clierr.As(err)
	require.Equal(t, "transaction reverted on-chain", typed.Message)
}

func TestJournalFailureDoesNotFailConfirmedSwap(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "a.db"), filepath.Join(dir, "a.lock"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	f.store = store

	ex := f.executor(Config{})
	q := f.quote(f.native, f.usdc, "0.01", 10_000_000_000_000_000)
	res, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseNotApplicable})
	require.NoError(t, err)
	require.Equal(t, "0xswap", res.TxHash)
}

func TestBatchedApprovalAboveSellAmountIsRejected(t *testing.T) {
	f := newFixture(t)
	f.fake.Batch = true
	f.agg.approveAmount = big.NewInt(5_000_001)
	ex := f.executor(Config{})
	q := f.quote(f.usdc, f.native, "5", 5_000_000)

	_, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseUnknown})
	require.True(t, clierr.Is(err, clierr.CodeAggregator), "got %v", err)
	require.Empty(t, f.fake.SentBatches())
}

func TestUnlimitedApprovalPassesPolicy(t *testing.T) {
	f := newFixture(t)
	f.fake.Batch = true
	f.agg.swapTx.Value = "0"
	ex := f.executor(Config{UnlimitedApproval: true})
	q := f.quote(f.usdc, f.native, "5", 5_000_000)

	res, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseUnknown})
	require.NoError(t, err)
	require.Equal(t, ModeBatched, res.Mode)
	require.Nil(t, f.agg.approves[0])
}

func TestSwapWithoutGasHintsLetsProviderEstimate(t *testing.T) {
	f := newFixture(t)
	f.agg.swapTx.Gas = "0"
	f.agg.swapTx.GasPrice = ""
	ex := f.executor(Config{})
	q := f.quote(f.native, f.usdc, "0.01", 10_000_000_000_000_000)

	_, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseNotApplicable, Token: f.native})
	require.NoError(t, err)

	sent := f.fake.Requests("eth_sendTransaction")
	require.Len(t, sent, 1)
	require.NotContains(t, string(sent[0].Params[0]), "gas")
}

func TestMalformedSwapGasIsAggregatorError(t *testing.T) {
	f := newFixture(t)
	f.agg.swapTx.Gas = "lots"
	ex := f.executor(Config{})
	q := f.quote(f.native, f.usdc, "0.01", 10_000_000_000_000_000)

	_, err := ex.Execute(context.Background(), q, allowance.State{Phase: allowance.PhaseNotApplicable, Token: f.native})
	require.True(t, clierr.Is(err, clierr.CodeAggregator), "got %v", err)
	require.Zero(t, f.fake.Count("eth_sendTransaction"))
}
