package allowance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/aggregator"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/provider/providertest"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	owner  = "0x1111111111111111111111111111111111111111"
	router = "0x111111125421ca6dc452d289314280a0f8842a65"
)

type stubAggregator struct {
	mu         sync.Mutex
	allowances []*big.Int
	reads      int
	approveFor []*big.Int
	approveErr error

	// Reads of held answer heldValue once release is closed.
	held      string
	heldValue *big.Int
	entered   chan struct{}
	release   chan struct{}
}

func (s *stubAggregator) Allowance(_ context.Context, tok, _ string) (*big.Int, error) {
	s.mu.Lock()
	if s.held != "" && tok == s.held {
		s.mu.Unlock()
		s.entered <- struct{}{}
		<-s.release
		return new(big.Int).Set(s.heldValue), nil
	}
	defer s.mu.Unlock()
	i := s.reads
	if i >= len(s.allowances) {
		i = len(s.allowances) - 1
	}
	s.reads++
	return new(big.Int).Set(s.allowances[i]), nil
}

func (s *stubAggregator) ApproveTransaction(_ context.Context, _ string, amount *big.Int) (aggregator.TxPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approveFor = append(s.approveFor, amount)
	if s.approveErr != nil {
		return aggregator.TxPayload{}, s.approveErr
	}
	return aggregator.TxPayload{
		To:       "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		Data:     "0x095ea7b3",
		Value:    "0",
		Gas:      "50000",
		GasPrice: "0x3b9aca00",
	}, nil
}

func (s *stubAggregator) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func setAllowances(s *stubAggregator, values ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances = nil
	for _, v := range values {
		s.allowances = append(s.allowances, big.NewInt(v))
	}
	s.reads = 0
}

func usdc(t *testing.T) token.Token {
	t.Helper()
	chain, err := id.ParseChain("base")
	require.NoError(t, err)
	tok, ok := token.ReferenceStable(chain)
	require.True(t, ok)
	return tok
}

func quiet() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newSigningFake() *providertest.Fake {
	fake := providertest.New(owner)
	fake.Handle("eth_sendTransaction", func([]json.RawMessage) (any, error) { return "0xapprove", nil })
	fake.Handle("eth_getTransactionReceipt", providertest.ConfirmedReceipt)
	return fake
}

func fastPolling(t *testing.T) {
	restore := provider.ReceiptPollInterval
	provider.ReceiptPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { provider.ReceiptPollInterval = restore })
}

func TestNativeIsNotApplicable(t *testing.T) {
	agg := &stubAggregator{}
	gate := New(agg, newSigningFake(), Config{}, quiet())
	chain, _ := id.ParseChain("base")
	st, err := gate.Check(context.Background(), token.Native(chain), owner, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, PhaseNotApplicable, st.Phase)
	require.False(t, st.Blocks())
	require.Zero(t, agg.Reads())
}

func TestZeroAllowanceNeedsApproval(t *testing.T) {
	agg := &stubAggregator{}
	setAllowances(agg, 0)
	gate := New(agg, newSigningFake(), Config{}, quiet())

	st, err := gate.Check(context.Background(), usdc(t), owner, big.NewInt(5_000_000))
	require.NoError(t, err)
	require.True(t, st.NeedsApproval)
	require.Equal(t, PhaseNeedsApproval, st.Phase)
	require.True(t, st.Blocks())
}

func TestApproveRejectedOutsideNeedsApproval(t *testing.T) {
	agg := &stubAggregator{}
	setAllowances(agg, 10_000_000)
	gate := New(agg, newSigningFake(), Config{}, quiet())

	_, err := gate.Approve(context.Background())
	require.True(t, clierr.Is(err, clierr.CodeInvalidInput))

	_, err = gate.Check(context.Background(), usdc(t), owner, big.NewInt(5_000_000))
	require.NoError(t, err)
	_, err = gate.Approve(context.Background())
	require.True(t, clierr.Is(err, clierr.CodeInvalidInput))
}

func TestApproveThenCheckIsMonotonic(t *testing.T) {
	fastPolling(t)
	agg := &stubAggregator{}
	setAllowances(agg, 0)
	fake := newSigningFake()
	gate := New(agg, fake, Config{RecheckDelay: time.Millisecond}, quiet())
	ctx := context.Background()
	required := big.NewInt(5_000_000)

	_, err := gate.Check(ctx, usdc(t), owner, required)
	require.NoError(t, err)

	setAllowances(agg, 5_000_000)
	res, err := gate.Approve(ctx)
	require.NoError(t, err)
	require.Equal(t, "0xapprove", res.TxHash)
	require.Equal(t, "5000000", res.Amount)
	require.Equal(t, PhaseApproved, res.State.Phase)
	require.Equal(t, "5000000", agg.approveFor[0].String())

	st, err := gate.Check(ctx, usdc(t), owner, required)
	require.NoError(t, err)
	require.False(t, st.NeedsApproval)

	sent := fake.Requests("eth_sendTransaction")
	require.Len(t, sent, 1)
	var tx provider.TxRequest
	require.NoError(t, json.Unmarshal(sent[0].Params[0], &tx))
	require.Equal(t, "0x0", tx.Value)
	require.Equal(t, "0xc350", tx.Gas)
	require.Equal(t, "0x3b9aca00", tx.GasPrice)
}

func TestApproveRechecksAfterIndexingLag(t *testing.T) {
	fastPolling(t)
	agg := &stubAggregator{}
	setAllowances(agg, 0)
	gate := New(agg, newSigningFake(), Config{RecheckDelay: time.Millisecond, Unlimited: true}, quiet())
	ctx := context.Background()

	_, err := gate.Check(ctx, usdc(t), owner, big.NewInt(5_000_000))
	require.NoError(t, err)

	setAllowances(agg, 0, 1<<62)
	res, err := gate.Approve(ctx)
	require.NoError(t, err)
	require.Equal(t, PhaseApproved, res.State.Phase)
	require.Equal(t, "unlimited", res.Amount)
	require.Nil(t, agg.approveFor[0])
	require.Equal(t, 2, agg.Reads())
}

func TestApprovalSubmissionFailureReturnsToNeedsApproval(t *testing.T) {
	agg := &stubAggregator{}
	setAllowances(agg, 0)
	fake := providertest.New(owner)
	fake.Handle("eth_sendTransaction", func([]json.RawMessage) (any, error) {
		return nil, errors.New("user rejected the request")
	})
	gate := New(agg, fake, Config{}, quiet())
	ctx := context.Background()

	_, err := gate.Check(ctx, usdc(t), owner, big.NewInt(5_000_000))
	require.NoError(t, err)
	_, err = gate.Approve(ctx)
	require.True(t, clierr.Is(err, clierr.CodeApprovalFailed), "got %v", err)
	require.Equal(t, PhaseNeedsApproval, gate.State().Phase)
}

func TestCheckWaitsForInFlightApproval(t *testing.T) {
	fastPolling(t)
	agg := &stubAggregator{}
	setAllowances(agg, 0)
	fake := providertest.New(owner)
	entered := make(chan struct{})
	release := make(chan struct{})
	fake.Handle("eth_sendTransaction", func([]json.RawMessage) (any, error) {
		close(entered)
		<-release
		return "0xapprove", nil
	})
	fake.Handle("eth_getTransactionReceipt", providertest.ConfirmedReceipt)
	gate := New(agg, fake, Config{RecheckDelay: time.Millisecond}, quiet())
	ctx := context.Background()
	required := big.NewInt(5_000_000)

	_, err := gate.Check(ctx, usdc(t), owner, required)
	require.NoError(t, err)
	setAllowances(agg, 5_000_000)

	approveDone := make(chan error, 1)
	go func() {
		_, err := gate.Approve(ctx)
		approveDone <- err
	}()
	<-entered
	require.Equal(t, PhaseApproving, gate.State().Phase)

	checkDone := make(chan State, 1)
	go func() {
		st, _ := gate.Check(ctx, usdc(t), owner, required)
		checkDone <- st
	}()

	select {
	case <-checkDone:
		t.Fatal("check ran while approving")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, agg.Reads())

	close(release)
	require.NoError(t, <-approveDone)
	st := <-checkDone
	require.Equal(t, PhaseApproved, st.Phase)
}

func TestApprovalStillShortAfterRecheckFails(t *testing.T) {
	fastPolling(t)
	agg := &stubAggregator{}
	setAllowances(agg, 0)
	gate := New(agg, newSigningFake(), Config{RecheckDelay: time.Millisecond}, quiet())
	ctx := context.Background()

	_, err := gate.Check(ctx, usdc(t), owner, big.NewInt(5_000_000))
	require.NoError(t, err)

	setAllowances(agg, 1_000_000)
	res, err := gate.Approve(ctx)
	require.True(t, clierr.Is(err, clierr.CodeApprovalFailed), "got %v", err)
	require.Equal(t, "0xapprove", res.TxHash)
	require.Equal(t, PhaseNeedsApproval, res.State.Phase)
	require.Equal(t, 2, agg.Reads())

	typed, _ := clierr.As(err)
	require.Equal(t, "1000000", typed.Details["current_allowance"])
	require.Equal(t, "5000000", typed.Details["required"])
}

func TestCheckFinishingAfterResetIsDropped(t *testing.T) {
	usdcToken := usdc(t)
	dai := token.Token{Symbol: "DAI", Name: "Dai Stablecoin", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18}
	agg := &stubAggregator{
		held:      usdcToken.AggregatorAddress(),
		heldValue: big.NewInt(1_000_000_000),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	setAllowances(agg, 0)
	gate := New(agg, newSigningFake(), Config{}, quiet())
	ctx := context.Background()

	stale := make(chan error, 1)
	go func() {
		_, err := gate.Check(ctx, usdcToken, owner, big.NewInt(5_000_000))
		stale <- err
	}()
	<-agg.entered

	gate.Reset()
	st, err := gate.Check(ctx, dai, owner, big.NewInt(1_000_000_000_000_000_000))
	require.NoError(t, err)
	require.Equal(t, PhaseNeedsApproval, st.Phase)

	close(agg.release)
	require.ErrorIs(t, <-stale, ErrSuperseded)

	final := gate.State()
	require.Equal(t, dai.Key(), final.Token.Key())
	require.Equal(t, PhaseNeedsApproval, final.Phase)
	require.True(t, final.NeedsApproval)
	require.Zero(t, final.CurrentAllowance.Sign())
}
