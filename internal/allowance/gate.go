// Package allowance tracks whether the aggregator router may spend the sell
// token and drives approval transactions.
package allowance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ggonzalez94/swap-cli/internal/aggregator"
	"github.com/ggonzalez94/swap-cli/internal/classify"
	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/ggonzalez94/swap-cli/internal/metrics"
	"github.com/ggonzalez94/swap-cli/internal/provider"
	"github.com/ggonzalez94/swap-cli/internal/token"
	"github.com/sirupsen/logrus"
)

type Phase string

const (
	PhaseNotApplicable Phase = "not_applicable"
	PhaseUnknown       Phase = "unknown"
	PhaseChecking      Phase = "checking"
	PhaseApproved      Phase = "approved"
	PhaseNeedsApproval Phase = "needs_approval"
	PhaseApproving     Phase = "approving"
)

const DefaultRecheckDelay = 2 * time.Second

// ErrSuperseded is returned by a Check whose result arrived after a Reset or
// a newer Check. The result is dropped.
var ErrSuperseded = errors.New("allowance check superseded")

type State struct {
	Phase            Phase       `json:"phase"`
	Token            token.Token `json:"token"`
	Owner            string      `json:"owner,omitempty"`
	CurrentAllowance *big.Int    `json:"current_allowance,omitempty"`
	RequiredAmount   *big.Int    `json:"required_amount,omitempty"`
	NeedsApproval    bool        `json:"needs_approval"`
}

// Blocks reports whether a single, non-batched swap must wait for approval.
func (s State) Blocks() bool {
	return s.Phase == PhaseNeedsApproval || s.Phase == PhaseUnknown || s.Phase == PhaseChecking || s.Phase == PhaseApproving
}

func (s State) clone() State {
	out := s
	if s.CurrentAllowance != nil {
		out.CurrentAllowance = new(big.Int).Set(s.CurrentAllowance)
	}
	if s.RequiredAmount != nil {
		out.RequiredAmount = new(big.Int).Set(s.RequiredAmount)
	}
	return out
}

// Aggregator is the slice of the aggregator client the gate needs.
type Aggregator interface {
	Allowance(ctx context.Context, token, wallet string) (*big.Int, error)
	ApproveTransaction(ctx context.Context, token string, amount *big.Int) (aggregator.TxPayload, error)
}

type Config struct {
	// Unlimited requests a max approval instead of the exact required amount.
	Unlimited      bool
	RecheckDelay   time.Duration
	ReceiptTimeout time.Duration
}

// ApprovalResult describes a confirmed approval transaction.
type ApprovalResult struct {
	TxHash  string `json:"tx_hash"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
	State   State  `json:"state"`
	// ActionID is set when the approval was journaled.
	ActionID string `json:"action_id,omitempty"`
}

// Gate owns one allowance state. Checks wait while an approval is in flight.
type Gate struct {
	agg Aggregator
	p   provider.Provider
	cfg Config
	log logrus.FieldLogger

	mu        sync.Mutex
	state     State
	approving chan struct{}
	// seq identifies the check that owns state.
	seq uint64
}

func New(agg Aggregator, p provider.Provider, cfg Config, log logrus.FieldLogger) *Gate {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = DefaultRecheckDelay
	}
	return &Gate{agg: agg, p: p, cfg: cfg, log: log, state: State{Phase: PhaseUnknown}}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.clone()
}

// Reset forgets the current state, unless an approval is in flight.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Phase != PhaseApproving {
		g.seq++
		g.state = State{Phase: PhaseUnknown}
	}
}

// Check reads the router allowance of owner for tok and compares it against
// required. A check issued during an approval waits for it to resolve.
func (g *Gate) Check(ctx context.Context, tok token.Token, owner string, required *big.Int) (State, error) {
	if tok.IsNative {
		g.mu.Lock()
		if g.state.Phase != PhaseApproving {
			g.seq++
			g.state = State{Phase: PhaseNotApplicable, Token: tok, Owner: owner, RequiredAmount: copyInt(required)}
		}
		out := g.state.clone()
		g.mu.Unlock()
		return out, nil
	}

	for {
		g.mu.Lock()
		if g.state.Phase != PhaseApproving {
			break
		}
		wait := g.approving
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return g.State(), clierr.Wrap(clierr.CodeNetwork, "allowance check cancelled", ctx.Err())
		case <-wait:
		}
	}
	g.seq++
	seq := g.seq
	g.state = State{Phase: PhaseChecking, Token: tok, Owner: owner, RequiredAmount: copyInt(required)}
	g.mu.Unlock()

	current, err := g.agg.Allowance(ctx, tok.AggregatorAddress(), owner)

	g.mu.Lock()
	defer g.mu.Unlock()
	if seq != g.seq {
		return g.state.clone(), ErrSuperseded
	}
	if err != nil {
		g.state.Phase = PhaseUnknown
		return g.state.clone(), err
	}
	g.applyLocked(current)
	return g.state.clone(), nil
}

func (g *Gate) applyLocked(current *big.Int) {
	g.state.CurrentAllowance = copyInt(current)
	g.state.NeedsApproval = current.Cmp(g.state.RequiredAmount) < 0
	if g.state.NeedsApproval {
		g.state.Phase = PhaseNeedsApproval
	} else {
		g.state.Phase = PhaseApproved
	}
}

// Approve submits an approval for the checked token and waits for it to be
// mined, then re-reads the allowance. It is only valid from needs_approval.
func (g *Gate) Approve(ctx context.Context) (res ApprovalResult, err error) {
	g.mu.Lock()
	if g.state.Phase != PhaseNeedsApproval {
		phase := g.state.Phase
		g.mu.Unlock()
		return ApprovalResult{}, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("approval is not needed (allowance state %s)", phase))
	}
	g.state.Phase = PhaseApproving
	done := make(chan struct{})
	g.approving = done
	st := g.state.clone()
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		if g.state.Phase == PhaseApproving {
			g.state.Phase = PhaseNeedsApproval
		}
		res.State = g.state.clone()
		g.approving = nil
		close(done)
		g.mu.Unlock()
		metrics.RecordApproval(err)
	}()

	var amount *big.Int
	if !g.cfg.Unlimited {
		amount = st.RequiredAmount
	}
	payload, err := g.agg.ApproveTransaction(ctx, st.Token.AggregatorAddress(), amount)
	if err != nil {
		return res, classify.Approval(err)
	}
	value, err := provider.NormalizeQuantity(string(payload.Value))
	if err != nil {
		return res, classify.Approval(err)
	}
	req := provider.TxRequest{From: st.Owner, To: payload.To, Data: payload.Data, Value: value}
	if req.Gas, err = provider.NormalizeOptionalQuantity(string(payload.Gas)); err != nil {
		return res, classify.Approval(err)
	}
	if req.GasPrice, err = provider.NormalizeOptionalQuantity(string(payload.GasPrice)); err != nil {
		return res, classify.Approval(err)
	}

	hash, err := provider.SendTransaction(ctx, g.p, req)
	if err != nil {
		return res, classify.Approval(classify.RPC(err))
	}
	res.TxHash, res.Spender = hash, payload.To
	if amount != nil {
		res.Amount = amount.String()
	} else {
		res.Amount = "unlimited"
	}
	g.log.WithFields(logrus.Fields{"token": st.Token.Symbol, "tx": hash}).Info("approval submitted")

	if _, err := provider.WaitReceipt(ctx, g.p, hash, g.cfg.ReceiptTimeout); err != nil {
		return res, classify.Approval(err)
	}

	current, err := g.recheck(ctx, st)
	if err != nil {
		return res, classify.Approval(err)
	}
	g.mu.Lock()
	g.applyLocked(current)
	short := g.state.NeedsApproval
	g.mu.Unlock()
	if short {
		return res, clierr.New(clierr.CodeApprovalFailed, fmt.Sprintf("approval %s mined but %s allowance is still below the required amount", hash, st.Token.Symbol)).
			WithDetail("tx_hash", hash).
			WithDetail("current_allowance", current.String()).
			WithDetail("required", st.RequiredAmount.String())
	}
	return res, nil
}

// recheck re-reads the allowance once more after a delay when the first read
// still lags behind the mined approval.
func (g *Gate) recheck(ctx context.Context, st State) (*big.Int, error) {
	current, err := g.agg.Allowance(ctx, st.Token.AggregatorAddress(), st.Owner)
	if err == nil && current.Cmp(st.RequiredAmount) >= 0 {
		return current, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(g.cfg.RecheckDelay):
	}
	return g.agg.Allowance(ctx, st.Token.AggregatorAddress(), st.Owner)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
