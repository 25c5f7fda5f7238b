// Package execution builds and submits swap transactions and journals every
// attempt.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ggonzalez94/swap-cli/internal/aggregator"
	"github.com/ggonzalez94/swap-cli/internal/allowance"
	"github.com/ggonzalez94/swap-cli/internal/balance"
	"github.com/ggonzalez94/swap-cli/internal/classify"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/id"
	"github.com/ggonzalez94/swap-cli/internal/metrics"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/quote"
	"github.com/sirupsen/logrus"
)

type Mode string

const (
	ModeSingle  Mode = "single"
	ModeBatched Mode = "batched"
)

const DefaultStepTimeout = 2 * time.Minute

// TxResult is the outcome of a confirmed swap.
type TxResult struct {
	TxHash         string `json:"tx_hash"`
	ContractCalled string `json:"contract_called"`
	AmountIn       string `json:"amount_in"`
	AmountOut      string `json:"amount_out"`
	FeeAmount      string `json:"fee_amount"`
	Mode           Mode   `json:"mode"`
	ActionID       string `json:"action_id,omitempty"`
}

// Plan is the ordered call list for one execution. An approval call, when
// present, precedes the swap call.
type Plan struct {
	Mode      Mode            `json:"mode"`
	Calls     []provider.Call `json:"calls"`
	DstAmount string          `json:"dst_amount"`
	// Gas and GasPrice are the aggregator's hints for a single swap, as 0x
	// quantities. Empty lets the provider estimate.
	Gas      string `json:"gas,omitempty"`
	GasPrice string `json:"gas_price,omitempty"`
}

type Aggregator interface {
	Swap(ctx context.Context, p aggregator.SwapParams) (aggregator.SwapResponse, error)
	ApproveTransaction(ctx context.Context, token string, amount *big.Int) (aggregator.TxPayload, error)
}

// Balances is satisfied by *balance.Tracker.
type Balances interface {
	Refresh(ctx context.Context) (balance.Snapshot, error)
	BaseBalance(addr string) (*big.Int, bool)
}

type Config struct {
	// ChainID is the CAIP-2 chain id recorded in the journal.
	ChainID           string
	GasReserve        *big.Int
	StepTimeout       time.Duration
	UnlimitedApproval bool
}

type Executor struct {
	agg      Aggregator
	p        provider.Provider
	balances Balances
	store    *Store
	cfg      Config
	log      logrus.FieldLogger
}

// New builds an executor. store may be nil to disable journaling.
func New(agg Aggregator, p provider.Provider, balances Balances, store *Store, cfg Config, log logrus.FieldLogger) *Executor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.GasReserve == nil {
		cfg.GasReserve = quote.DefaultGasReserve
	}
	return &Executor{agg: agg, p: p, balances: balances, store: store, cfg: cfg, log: log}
}

// Plan decides between batched and single execution and fetches the payloads.
func (e *Executor) Plan(ctx context.Context, q quote.Quote, st allowance.State) (Plan, error) {
	plan, err := e.plan(ctx, q, st)
	if err != nil {
		return Plan{}, err
	}
	if err := validatePlan(plan, q, e.cfg.UnlimitedApproval); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func (e *Executor) plan(ctx context.Context, q quote.Quote, st allowance.State) (Plan, error) {
	if q.SellBase == nil || q.SellBase.Sign() <= 0 {
		return Plan{}, clierr.New(clierr.CodeInvalidInput, "no current quote to execute")
	}
	sell := q.Request.SellToken

	if needsApproval(q, st) {
		if !provider.SupportsBatch(e.p) {
			current := "unknown"
			if st.CurrentAllowance != nil && st.Token.Key() == sell.Key() {
				current = id.FormatUnits(st.CurrentAllowance, int(sell.Decimals))
			}
			return Plan{}, clierr.New(clierr.CodeApprovalRequired, fmt.Sprintf("approve %s before swapping (run `swap approve` or pass --auto-approve)", sell.Symbol)).
				WithDetail("symbol", sell.Symbol).
				WithDetail("required", id.FormatUnits(q.SellBase, int(sell.Decimals))).
				WithDetail("current_allowance", current)
		}
		return e.planBatched(ctx, q)
	}
	return e.planSingle(ctx, q)
}

func needsApproval(q quote.Quote, st allowance.State) bool {
	sell := q.Request.SellToken
	if sell.IsNative {
		return false
	}
	if st.Token.Key() != sell.Key() || st.Blocks() {
		return true
	}
	return st.CurrentAllowance == nil || st.CurrentAllowance.Cmp(q.SellBase) < 0
}

func (e *Executor) planBatched(ctx context.Context, q quote.Quote) (Plan, error) {
	sell := q.Request.SellToken
	var amount *big.Int
	if !e.cfg.UnlimitedApproval {
		amount = q.SellBase
	}
	approvePayload, err := e.agg.ApproveTransaction(ctx, sell.AggregatorAddress(), amount)
	if err != nil {
		return Plan{}, err
	}
	approveCall, err := toCall(approvePayload, "")
	if err != nil {
		return Plan{}, err
	}
	swap, err := e.agg.Swap(ctx, e.swapParams(q, true))
	if err != nil {
		return Plan{}, err
	}
	swapCall, err := toCall(swap.Tx, "0x0")
	if err != nil {
		return Plan{}, err
	}
	return Plan{Mode: ModeBatched, Calls: []provider.Call{approveCall, swapCall}, DstAmount: swap.DstAmount}, nil
}

func (e *Executor) planSingle(ctx context.Context, q quote.Quote) (Plan, error) {
	if err := e.revalidate(ctx, q); err != nil {
		return Plan{}, err
	}
	swap, err := e.agg.Swap(ctx, e.swapParams(q, false))
	if err != nil {
		return Plan{}, err
	}
	value := "0x0"
	if q.Request.SellToken.IsNative {
		value = hexutil.EncodeBig(q.SellBase)
	}
	call, err := toCall(swap.Tx, value)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Mode: ModeSingle, Calls: []provider.Call{call}, DstAmount: swap.DstAmount}
	if plan.Gas, err = provider.NormalizeOptionalQuantity(string(swap.Tx.Gas)); err != nil {
		return Plan{}, clierr.Wrap(clierr.CodeAggregator, "aggregator returned malformed gas", err)
	}
	if plan.GasPrice, err = provider.NormalizeOptionalQuantity(string(swap.Tx.GasPrice)); err != nil {
		return Plan{}, clierr.Wrap(clierr.CodeAggregator, "aggregator returned malformed gas price", err)
	}
	return plan, nil
}

// revalidate re-reads balances, which may have drifted since the quote.
func (e *Executor) revalidate(ctx context.Context, q quote.Quote) error {
	if e.balances == nil {
		return nil
	}
	if _, err := e.balances.Refresh(ctx); err != nil {
		return err
	}
	sell := q.Request.SellToken
	available, ok := e.balances.BaseBalance(sell.DisplayAddress())
	if !ok {
		available = new(big.Int)
	}
	return quote.CheckBalance(sell, q.SellBase, available, e.cfg.GasReserve)
}

func (e *Executor) swapParams(q quote.Quote, disableEstimate bool) aggregator.SwapParams {
	return aggregator.SwapParams{
		Src:             q.Request.SellToken.AggregatorAddress(),
		Dst:             q.Request.BuyToken.AggregatorAddress(),
		Amount:          q.SellBase.String(),
		From:            e.p.Address().Hex(),
		Slippage:        q.Terms.Slippage,
		Fee:             q.Terms.Fee,
		Referrer:        q.Terms.Referrer,
		DisableEstimate: disableEstimate,
	}
}

// toCall normalizes a payload into a Call. A non-empty value overrides the
// payload value.
func toCall(tx aggregator.TxPayload, value string) (provider.Call, error) {
	if value == "" {
		normalized, err := provider.NormalizeQuantity(string(tx.Value))
		if err != nil {
			return provider.Call{}, clierr.Wrap(clierr.CodeAggregator, "aggregator returned malformed value", err)
		}
		value = normalized
	}
	return provider.Call{To: tx.To, Data: tx.Data, Value: value}, nil
}

// Execute plans and submits q, waits for confirmation and journals the
// attempt. Journal failures after confirmation are logged, not returned.
func (e *Executor) Execute(ctx context.Context, q quote.Quote, st allowance.State) (res TxResult, err error) {
	action := NewAction(IntentSwap, e.cfg.ChainID)
	action.Provider = e.p.Source()
	action.FromAddress = e.p.Address().Hex()
	action.SellToken = q.Request.SellToken.Symbol
	action.BuyToken = q.Request.BuyToken.Symbol
	action.InputAmount = id.NormalizeDecimal(q.Request.SellAmount)
	action.Slippage = q.Terms.Slippage
	action.Status = ActionStatusRunning

	mode := ModeSingle
	defer func() { metrics.RecordSwap(string(mode), err) }()

	plan, err := e.Plan(ctx, q, st)
	if err != nil {
		action.fail(nil, err)
		e.save(ctx, action)
		return TxResult{}, err
	}
	mode = plan.Mode
	action.Mode = plan.Mode
	for i, call := range plan.Calls {
		stepType := StepTypeSwap
		if len(plan.Calls) > 1 && i == 0 {
			stepType = StepTypeApproval
		}
		action.Steps = append(action.Steps, ActionStep{
			StepID: fmt.Sprintf("%s-%d", stepType, i+1),
			Type:   stepType,
			Status: StepStatusPending,
			Target: call.To,
			Data:   call.Data,
			Value:  call.Value,
		})
	}
	e.save(ctx, action)

	var hash string
	switch plan.Mode {
	case ModeBatched:
		hash, err = e.submitBatch(ctx, &action, plan)
	default:
		hash, err = e.submitSingle(ctx, &action, plan)
	}
	if err != nil {
		e.save(ctx, action)
		return TxResult{}, err
	}

	swapCall := plan.Calls[len(plan.Calls)-1]
	res = TxResult{
		TxHash:         hash,
		ContractCalled: swapCall.To,
		AmountIn:       id.NormalizeDecimal(q.Request.SellAmount),
		AmountOut:      id.FormatBaseString(firstNonEmpty(plan.DstAmount, q.DestAmount), int(q.Request.BuyToken.Decimals)),
		FeeAmount:      feeAmount(q),
		Mode:           plan.Mode,
		ActionID:       action.ActionID,
	}
	action.Status = ActionStatusCompleted
	action.Result = &res
	action.Touch()
	e.save(ctx, action)
	e.log.WithFields(logrus.Fields{"tx": hash, "mode": plan.Mode, "action": action.ActionID}).Info("swap confirmed")
	return res, nil
}

func (e *Executor) submitBatch(ctx context.Context, action *Action, plan Plan) (string, error) {
	sender, ok := e.p.(provider.BatchSender)
	if !ok {
		err := clierr.New(clierr.CodeInternal, "provider lost batch capability")
		action.fail(nil, err)
		return "", err
	}
	batchID, err := sender.SendCalls(ctx, plan.Calls)
	if err != nil {
		err = classify.RPC(err)
		action.fail(nil, err)
		return "", err
	}
	for i := range action.Steps {
		action.Steps[i].Status = StepStatusSubmitted
		action.Steps[i].BatchID = batchID
	}
	action.Touch()
	e.save(ctx, *action)

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()
	hash, err := sender.WaitCalls(waitCtx, batchID)
	if err != nil {
		err = clierr.Wrap(clierr.CodeNetwork, "batched approval and swap failed", err)
		for i := range action.Steps {
			action.Steps[i].TxHash = hash
		}
		action.fail(&action.Steps[len(action.Steps)-1], err)
		return "", err
	}
	for i := range action.Steps {
		action.Steps[i].Status = StepStatusConfirmed
		action.Steps[i].TxHash = hash
	}
	return hash, nil
}

func (e *Executor) submitSingle(ctx context.Context, action *Action, plan Plan) (string, error) {
	call := plan.Calls[0]
	step := &action.Steps[0]
	hash, err := provider.SendTransaction(ctx, e.p, provider.TxRequest{
		From:     e.p.Address().Hex(),
		To:       call.To,
		Data:     call.Data,
		Value:    call.Value,
		Gas:      plan.Gas,
		GasPrice: plan.GasPrice,
	})
	if err != nil {
		err = classify.RPC(err)
		action.fail(step, err)
		return "", err
	}
	step.Status = StepStatusSubmitted
	step.TxHash = hash
	action.Touch()
	e.save(ctx, *action)

	if err := e.waitReceipt(ctx, hash); err != nil {
		action.fail(step, err)
		return "", err
	}
	step.Status = StepStatusConfirmed
	return hash, nil
}

func (e *Executor) waitReceipt(ctx context.Context, hash string) error {
	_, err := provider.WaitReceipt(ctx, e.p, hash, e.cfg.StepTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, provider.ErrReverted):
		return clierr.Wrap(clierr.CodeNetwork, "transaction reverted on-chain", err)
	case errors.Is(err, context.DeadlineExceeded):
		return clierr.Wrap(clierr.CodeNetwork, "timed out waiting for receipt", err)
	default:
		return classify.RPC(err)
	}
}

// Approve runs gate.Approve and journals it as an approve action.
func (e *Executor) Approve(ctx context.Context, gate *allowance.Gate) (allowance.ApprovalResult, error) {
	st := gate.State()
	action := NewAction(IntentApprove, e.cfg.ChainID)
	action.Provider = e.p.Source()
	action.FromAddress = e.p.Address().Hex()
	action.SellToken = st.Token.Symbol
	if st.RequiredAmount != nil {
		action.InputAmount = id.FormatUnits(st.RequiredAmount, int(st.Token.Decimals))
	}
	action.Status = ActionStatusRunning
	action.Mode = ModeSingle

	res, err := gate.Approve(ctx)
	res.ActionID = action.ActionID
	step := ActionStep{
		StepID: "approval-1",
		Type:   StepTypeApproval,
		Status: StepStatusConfirmed,
		Target: res.Spender,
		TxHash: res.TxHash,
	}
	action.Steps = append(action.Steps, step)
	if err != nil {
		action.fail(&action.Steps[0], err)
	} else {
		action.Status = ActionStatusCompleted
		action.Touch()
	}
	e.save(ctx, action)
	return res, err
}

func (e *Executor) save(ctx context.Context, action Action) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(context.WithoutCancel(ctx), action); err != nil {
		e.log.WithError(err).WithField("action", action.ActionID).Warn("journal write failed")
	}
}

// feeAmount is the integrator fee in sell-token units.
func feeAmount(q quote.Quote) string {
	pct, ok := new(big.Rat).SetString(strings.TrimSpace(q.Terms.Fee))
	if !ok || pct.Sign() <= 0 {
		return "0"
	}
	fee := new(big.Rat).Mul(new(big.Rat).SetInt(q.SellBase), pct)
	fee.Quo(fee, big.NewRat(100, 1))
	base := new(big.Int).Quo(fee.Num(), fee.Denom())
	return id.FormatUnits(base, int(q.Request.SellToken.Decimals))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
